package governance

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roastops/company-kernel/pkg/governor"
	"github.com/roastops/company-kernel/pkg/ratelimit"
	"github.com/roastops/company-kernel/pkg/store"
)

var testNow = time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)

func newEngine(t *testing.T) (*Engine, *governor.Store) {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gov, err := governor.NewStore(db, logger)
	require.NoError(t, err)
	return NewEngine(gov, ratelimit.NewLimiter(db), logger), gov
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }
func boolPtr(v bool) *bool        { return &v }

func strongSignals() *Signals {
	return &Signals{Session: &SessionSignals{
		TelemetryPoints: intPtr(400),
		DurationSec:     floatPtr(500),
		HasBT:           boolPtr(true),
		HasET:           boolPtr(true),
	}}
}

func TestEvaluateGateTable(t *testing.T) {
	gate := governor.Gate{
		MinTelemetryPoints:         30,
		MinDurationSec:             60,
		RequireBTorET:              true,
		QuarantineOnMissingSignals: true,
		QuarantineOnSilenceClose:   true,
	}

	tests := []struct {
		name    string
		session *SessionSignals
		want    []ReasonCode
	}{
		{
			name:    "no signals at all",
			session: nil,
			want:    []ReasonCode{ReasonMissingSignals},
		},
		{
			name:    "empty signal struct counts as missing",
			session: &SessionSignals{},
			want:    []ReasonCode{ReasonMissingSignals},
		},
		{
			name: "healthy session passes",
			session: &SessionSignals{
				TelemetryPoints: intPtr(120),
				DurationSec:     floatPtr(300),
				HasBT:           boolPtr(true),
			},
			want: nil,
		},
		{
			name: "all weak thresholds reported together",
			session: &SessionSignals{
				TelemetryPoints: intPtr(5),
				DurationSec:     floatPtr(10),
				HasBT:           boolPtr(false),
				HasET:           boolPtr(false),
			},
			want: []ReasonCode{ReasonLowTelemetryPoints, ReasonShortSession, ReasonNoTempChannels},
		},
		{
			name: "silence close quarantines a borderline session",
			session: &SessionSignals{
				TelemetryPoints: intPtr(40),
				DurationSec:     floatPtr(90),
				HasBT:           boolPtr(true),
				CloseReason:     CloseReasonSilence,
			},
			want: []ReasonCode{ReasonSilenceClose},
		},
		{
			name: "silence close exempted for strong evidence",
			session: &SessionSignals{
				TelemetryPoints: intPtr(100),
				DurationSec:     floatPtr(200),
				HasBT:           boolPtr(true),
				CloseReason:     CloseReasonSilence,
			},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sig *Signals
			if tt.session != nil {
				sig = &Signals{Session: tt.session}
			}
			reasons := evaluateGate(gate, sig)
			var codes []ReasonCode
			for _, r := range reasons {
				codes = append(codes, r.Code)
			}
			assert.Equal(t, tt.want, codes)
		})
	}
}

func TestMissingSignalsIgnoredWhenGateAllows(t *testing.T) {
	gate := governor.Gate{MinTelemetryPoints: 30, QuarantineOnMissingSignals: false}
	assert.Empty(t, evaluateGate(gate, nil))
}

func TestGradeConfidence(t *testing.T) {
	tests := []struct {
		name string
		sig  *Signals
		want Confidence
	}{
		{"no signals", nil, ConfidenceLow},
		{"channels only", &Signals{Session: &SessionSignals{HasET: boolPtr(true)}}, ConfidenceMed},
		{"strong with BT", strongSignals(), ConfidenceHigh},
		{
			"strong without BT stays medium",
			&Signals{Session: &SessionSignals{
				TelemetryPoints: intPtr(400),
				DurationSec:     floatPtr(500),
				HasET:           boolPtr(true),
			}},
			ConfidenceMed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, gradeConfidence(tt.sig))
		})
	}
}

func TestScopeKeyPlaceholders(t *testing.T) {
	assert.Equal(t, "org-a/site-1/mx-1", ScopeKey("org-a", "site-1", "mx-1"))
	assert.Equal(t, "unknown-org/unknown-site/unknown-machine", ScopeKey("", "", ""))
	assert.Equal(t, "org-a/unknown-site/mx-1", ScopeKey("org-a", "", "mx-1"))
}

func TestEvaluateMissionBlockedGoalIsDeterministic(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	in := MissionInput{Goal: "not-on-the-list", OrgID: "org-a"}

	v1, err := e.EvaluateMission(ctx, in, testNow)
	require.NoError(t, err)
	v2, err := e.EvaluateMission(ctx, in, testNow)
	require.NoError(t, err)

	assert.Equal(t, VerdictBlocked, v1.Status)
	assert.Equal(t, ActionBlock, v1.Decision.Action)
	assert.Equal(t, v1, v2, "identical input and instant produce identical verdicts")
}

func TestEvaluateMissionBlockedGoalConsumesNoToken(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	// Default report bucket holds 10 tokens; blocked goals must not touch it.
	for i := 0; i < 20; i++ {
		v, err := e.EvaluateMission(ctx, MissionInput{Goal: "nope", OrgID: "org-a"}, testNow)
		require.NoError(t, err)
		require.Equal(t, VerdictBlocked, v.Status)
	}
	v, err := e.EvaluateMission(ctx, MissionInput{
		Goal: governor.GoalRoastReport, OrgID: "org-a", Signals: strongSignals(),
	}, testNow)
	require.NoError(t, err)
	assert.Equal(t, VerdictPending, v.Status)
}

func TestEvaluateCommandLadder(t *testing.T) {
	tests := []struct {
		name       string
		level      governor.AutonomyLevel
		actor      ActorKind
		wantAction Action
		wantReason ReasonCode
	}{
		{"L1 blocks users", governor.AutonomyL1, ActorUser, ActionBlock, ReasonAutonomyLevelTooLow},
		{"L1 blocks agents", governor.AutonomyL1, ActorAgent, ActionBlock, ReasonAutonomyLevelTooLow},
		{"L2 blocks agents", governor.AutonomyL2, ActorAgent, ActionBlock, ReasonAgentCommandsBlocked},
		{"L2 allows manual", governor.AutonomyL2, ActorUser, ActionAllow, ReasonManualCommandAllowed},
		{"L3 allows with approval", governor.AutonomyL3, ActorAgent, ActionAllow, ReasonApprovalRequired},
		{"L5 treated as L3", governor.AutonomyL5, ActorAgent, ActionAllow, ReasonApprovalRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, gov := newEngine(t)
			ctx := context.Background()
			setAutonomy(t, gov, tt.level)

			d := e.EvaluateCommand(ctx,
				CommandInput{CommandType: "SET_HEAT", MachineID: "mx-1", ActorKind: tt.actor},
				CommandContext{}, testNow)
			assert.Equal(t, tt.wantAction, d.Action)
			assert.True(t, d.HasReason(tt.wantReason), "reasons: %v", d.Reasons)
			assert.Equal(t, DecidedByGovernor, d.DecidedBy)
		})
	}
}

func TestEvaluateCommandHealthOverridesAllow(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	in := CommandInput{CommandType: "SET_HEAT", MachineID: "mx-1", ActorKind: ActorUser}

	d := e.EvaluateCommand(ctx, in, CommandContext{RecentFailureRate: 0.75}, testNow)
	assert.Equal(t, ActionBlock, d.Action)
	assert.True(t, d.HasReason(ReasonHighFailureRate))

	d = e.EvaluateCommand(ctx, in, CommandContext{CommandsInSession: 20}, testNow)
	assert.Equal(t, ActionBlock, d.Action)
	assert.True(t, d.HasReason(ReasonSessionCommandLimit))

	d = e.EvaluateCommand(ctx, in, CommandContext{RecentFailureRate: 0.5}, testNow)
	assert.Equal(t, ActionAllow, d.Action, "threshold is strict greater-than")
}

func TestCheckPolicy(t *testing.T) {
	e, gov := newEngine(t)
	ctx := context.Background()

	ok, reasons := e.CheckPolicy(ctx, MissionInput{Goal: governor.GoalRoastReport})
	assert.True(t, ok)
	assert.Empty(t, reasons)

	ok, reasons = e.CheckPolicy(ctx, MissionInput{Goal: "clean-the-hopper"})
	assert.False(t, ok)
	require.Len(t, reasons, 1)
	assert.Equal(t, ReasonGoalNotAllowed, reasons[0].Code)

	_, err := gov.SetConfig(ctx, []byte(`{"policy":{"allowedGoals":["generate-roast-report"],"denyRule":"orgId == \"org-banned\""}}`), testNow)
	require.NoError(t, err)

	ok, _ = e.CheckPolicy(ctx, MissionInput{Goal: governor.GoalRoastReport, OrgID: "org-banned"})
	assert.False(t, ok)
	ok, _ = e.CheckPolicy(ctx, MissionInput{Goal: governor.GoalRoastReport, OrgID: "org-a"})
	assert.True(t, ok)
}

func setAutonomy(t *testing.T, gov *governor.Store, level governor.AutonomyLevel) {
	t.Helper()
	raw := []byte(`{"commandAutonomy":{"autonomyLevel":"` + string(level) + `","requireApprovalForAll":true,"commandFailureThreshold":0.5,"maxCommandsPerSession":20,"evaluationWindowMinutes":60}}`)
	_, err := gov.SetConfig(context.Background(), raw, testNow)
	require.NoError(t, err)
}
