package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roastops/company-kernel/pkg/ratelimit"
	"github.com/roastops/company-kernel/pkg/store"
)

func newLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))
	return ratelimit.NewLimiter(db)
}

var t0 = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

func TestTakeDrainsBucket(t *testing.T) {
	l := newLimiter(t)
	ctx := context.Background()
	rule := ratelimit.Rule{Capacity: 2, RefillPerSec: 1}

	res, err := l.Take(ctx, "org-a/site-1/mx-1", "generate-roast-report", rule, t0)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.InDelta(t, 1.0, res.Tokens, 1e-9)

	res, err = l.Take(ctx, "org-a/site-1/mx-1", "generate-roast-report", rule, t0)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.InDelta(t, 0.0, res.Tokens, 1e-9)

	res, err = l.Take(ctx, "org-a/site-1/mx-1", "generate-roast-report", rule, t0)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	require.NotNil(t, res.NextRetryAt)
	assert.Equal(t, t0.Add(time.Second), res.NextRetryAt.UTC())
}

func TestRefillRestoresTokens(t *testing.T) {
	l := newLimiter(t)
	ctx := context.Background()
	rule := ratelimit.Rule{Capacity: 1, RefillPerSec: 0.5}

	res, err := l.Take(ctx, "s", "g", rule, t0)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = l.Take(ctx, "s", "g", rule, t0)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.NotNil(t, res.NextRetryAt)
	assert.Equal(t, t0.Add(2*time.Second), res.NextRetryAt.UTC())

	res, err = l.Take(ctx, "s", "g", rule, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRefillCappedAtCapacity(t *testing.T) {
	l := newLimiter(t)
	ctx := context.Background()
	rule := ratelimit.Rule{Capacity: 2, RefillPerSec: 10}

	// Drain, then idle far longer than needed to refill to capacity.
	for i := 0; i < 2; i++ {
		res, err := l.Take(ctx, "s", "g", rule, t0)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	late := t0.Add(time.Hour)
	allowed := 0
	for i := 0; i < 5; i++ {
		res, err := l.Take(ctx, "s", "g", rule, late)
		require.NoError(t, err)
		if res.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed)
}

func TestZeroRefillHasNoRetryHint(t *testing.T) {
	l := newLimiter(t)
	ctx := context.Background()
	rule := ratelimit.Rule{Capacity: 1, RefillPerSec: 0}

	res, err := l.Take(ctx, "s", "g", rule, t0)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = l.Take(ctx, "s", "g", rule, t0)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Nil(t, res.NextRetryAt)
}

func TestScopesAreIndependent(t *testing.T) {
	l := newLimiter(t)
	ctx := context.Background()
	rule := ratelimit.Rule{Capacity: 1, RefillPerSec: 0}

	res, err := l.Take(ctx, "org-a/site-1/mx-1", "g", rule, t0)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.Take(ctx, "org-a/site-1/mx-2", "g", rule, t0)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "second machine has its own bucket")

	res, err = l.Take(ctx, "org-a/site-1/mx-1", "other-goal", rule, t0)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "second goal has its own bucket")
}

func TestClockSkewDoesNotDrainBucket(t *testing.T) {
	l := newLimiter(t)
	ctx := context.Background()
	rule := ratelimit.Rule{Capacity: 2, RefillPerSec: 1}

	res, err := l.Take(ctx, "s", "g", rule, t0)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	// An earlier now must not subtract tokens.
	res, err = l.Take(ctx, "s", "g", rule, t0.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.GreaterOrEqual(t, res.Tokens, 0.0)
}

// Over any spaced sequence of takes, the number allowed never exceeds the
// initial capacity plus what the refill rate could have produced.
func TestTakeNeverExceedsRefillBudget(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("allowed <= capacity + elapsed*refill + 1", prop.ForAll(
		func(capacity int, refillTenths int, stepsMs []int64) bool {
			l := newLimiter(t)
			rule := ratelimit.Rule{
				Capacity:     float64(capacity),
				RefillPerSec: float64(refillTenths) / 10,
			}
			ctx := context.Background()

			now := t0
			allowed := 0
			var elapsed time.Duration
			for _, step := range stepsMs {
				now = now.Add(time.Duration(step) * time.Millisecond)
				elapsed += time.Duration(step) * time.Millisecond
				res, err := l.Take(ctx, "s", "g", rule, now)
				if err != nil {
					return false
				}
				if res.Allowed {
					allowed++
				}
				if res.Tokens < 0 || res.Tokens > rule.Capacity {
					return false
				}
			}
			budget := rule.Capacity + elapsed.Seconds()*rule.RefillPerSec
			return float64(allowed) <= budget+1
		},
		gen.IntRange(1, 5),
		gen.IntRange(0, 20),
		gen.SliceOfN(12, gen.Int64Range(0, 2000)),
	))

	properties.TestingRun(t)
}
