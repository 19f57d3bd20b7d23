package governor_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roastops/company-kernel/pkg/governor"
	"github.com/roastops/company-kernel/pkg/store"
)

var testNow = time.Date(2026, 4, 1, 11, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (*governor.Store, *store.Store) {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))

	gs, err := governor.NewStore(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return gs, db
}

func TestGetConfigDefaults(t *testing.T) {
	gs, _ := newStore(t)
	cfg := gs.GetConfig(context.Background())

	assert.Equal(t, 1, cfg.Version)
	assert.Equal(t, []string{governor.GoalRoastReport}, cfg.Policy.AllowedGoals)
	assert.Equal(t, governor.AutonomyL3, cfg.CommandAutonomy.AutonomyLevel)

	gate, ok := cfg.GateFor(governor.GoalRoastReport)
	require.True(t, ok)
	assert.Equal(t, 30, gate.MinTelemetryPoints)
	assert.InDelta(t, 60, gate.MinDurationSec, 1e-9)

	rule := cfg.RateRuleFor(governor.GoalRoastReport)
	assert.InDelta(t, 10, rule.Capacity, 1e-9)
	assert.InDelta(t, 10.0/3600.0, rule.RefillPerSec, 1e-12)
}

func TestSetConfigMergesAndBumpsVersion(t *testing.T) {
	gs, _ := newStore(t)
	ctx := context.Background()

	updated, err := gs.SetConfig(ctx, []byte(`{
		"policy": {"allowedGoals": ["generate-roast-report", "calibrate-probes"]}
	}`), testNow)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Contains(t, updated.Policy.AllowedGoals, "calibrate-probes")
	// Untouched sections keep their defaults.
	assert.Equal(t, governor.AutonomyL3, updated.CommandAutonomy.AutonomyLevel)
	assert.Equal(t, testNow, updated.UpdatedAt)

	again, err := gs.SetConfig(ctx, []byte(`{
		"commandAutonomy": {"autonomyLevel": "L2", "commandFailureThreshold": 0.3,
			"maxCommandsPerSession": 5, "evaluationWindowMinutes": 30}
	}`), testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, again.Version)
	assert.Equal(t, governor.AutonomyL2, again.CommandAutonomy.AutonomyLevel)
	assert.Contains(t, again.Policy.AllowedGoals, "calibrate-probes", "earlier update survives")
}

func TestSetConfigPersistsAcrossStores(t *testing.T) {
	gs, db := newStore(t)
	ctx := context.Background()

	_, err := gs.SetConfig(ctx, []byte(`{"policy": {"allowedGoals": ["a", "b"]}}`), testNow)
	require.NoError(t, err)

	fresh, err := governor.NewStore(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	cfg := fresh.GetConfig(ctx)
	assert.Equal(t, []string{"a", "b"}, cfg.Policy.AllowedGoals)
	assert.Equal(t, 2, cfg.Version)
}

func TestSetConfigRejectsUnknownFields(t *testing.T) {
	gs, _ := newStore(t)
	_, err := gs.SetConfig(context.Background(), []byte(`{"surprise": 1}`), testNow)
	require.Error(t, err)
}

func TestSetConfigRejectsMalformedShapes(t *testing.T) {
	gs, _ := newStore(t)
	ctx := context.Background()

	cases := map[string]string{
		"not json":              `not json`,
		"missing refillPerSec":  `{"rateLimits": {"g": {"capacity": 5}}}`,
		"unknown autonomy":      `{"commandAutonomy": {"autonomyLevel": "L9"}}`,
		"negative gate minimum": `{"gates": {"g": {"minTelemetryPoints": -1}}}`,
		"threshold above one":   `{"commandAutonomy": {"commandFailureThreshold": 1.5}}`,
		"zero capacity":         `{"rateLimits": {"g": {"capacity": 0, "refillPerSec": 1}}}`,
		"negative refill":       `{"rateLimits": {"g": {"capacity": 5, "refillPerSec": -1}}}`,
		"deny rule parse error": `{"policy": {"denyRule": "goal =="}}`,
		"deny rule not boolean": `{"policy": {"denyRule": "goal"}}`,
	}
	for name, raw := range cases {
		_, err := gs.SetConfig(ctx, []byte(raw), testNow)
		assert.Error(t, err, name)
	}
}

func TestGetConfigFallsBackOnMalformedDocument(t *testing.T) {
	gs, db := newStore(t)
	ctx := context.Background()

	require.NoError(t, db.PutSetting(ctx, governor.SettingKey, []byte(`{broken`), testNow))
	cfg := gs.GetConfig(ctx)
	assert.Equal(t, governor.Default(), cfg)
}

func TestRateRuleFallback(t *testing.T) {
	cfg := governor.Default()
	rule := cfg.RateRuleFor("goal-without-a-rule")
	assert.InDelta(t, 10, rule.Capacity, 1e-9, "unknown goals fall back to the report rule")
}
