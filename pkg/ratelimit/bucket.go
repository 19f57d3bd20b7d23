// Package ratelimit provides the admission token buckets for the mission
// control plane. Admission buckets are durable rows in the store so they
// survive restarts; HTTP backpressure buckets are volatile (in-memory or
// Redis) because they only shed request load.
package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roastops/company-kernel/pkg/store"
)

// Rule is the per-goal bucket shape from governor config.
type Rule struct {
	Capacity     float64 `json:"capacity"`
	RefillPerSec float64 `json:"refillPerSec"`
}

// Result is the outcome of a Take.
type Result struct {
	Allowed     bool
	Tokens      float64
	NextRetryAt *time.Time
}

// Limiter maintains per-(scope,goal) token buckets in rate_limit_buckets.
type Limiter struct {
	store *store.Store
}

// NewLimiter creates a durable limiter over the store.
func NewLimiter(s *store.Store) *Limiter {
	return &Limiter{store: s}
}

// Take consumes one token from the bucket keyed by "scopeKey|goal".
// The read-modify-write runs in a single transaction; the row lock
// serializes competing takers per key.
func (l *Limiter) Take(ctx context.Context, scopeKey, goal string, rule Rule, now time.Time) (Result, error) {
	key := scopeKey + "|" + goal

	var res Result
	err := l.store.InTx(ctx, func(tx *sql.Tx) error {
		tokens := rule.Capacity
		updatedAt := now

		var (
			dbTokens float64
			dbMs     int64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT tokens, updated_at FROM rate_limit_buckets WHERE key = $1`+l.store.ForUpdate(),
			key,
		).Scan(&dbTokens, &dbMs)
		switch {
		case err == nil:
			tokens = dbTokens
			updatedAt = store.FromMs(dbMs)
		case errors.Is(err, sql.ErrNoRows):
			// Absent bucket starts full.
		default:
			return fmt.Errorf("read bucket %q: %w", key, err)
		}

		elapsed := now.Sub(updatedAt).Seconds()
		if elapsed < 0 {
			elapsed = 0
		}
		refilled := tokens + elapsed*rule.RefillPerSec
		if refilled > rule.Capacity {
			refilled = rule.Capacity
		}

		if refilled >= 1 {
			res = Result{Allowed: true, Tokens: refilled - 1}
		} else {
			res = Result{Allowed: false, Tokens: refilled}
			if rule.RefillPerSec > 0 {
				wait := time.Duration((1 - refilled) / rule.RefillPerSec * float64(time.Second))
				at := now.Add(wait)
				res.NextRetryAt = &at
			}
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO rate_limit_buckets (key, tokens, updated_at)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (key) DO UPDATE SET tokens = $2, updated_at = $3`,
			key, res.Tokens, store.Ms(now),
		)
		if err != nil {
			return fmt.Errorf("upsert bucket %q: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}
