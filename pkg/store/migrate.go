package store

import (
	"context"
	"fmt"
)

// schema is portable across SQLite and Postgres. JSON payloads are opaque
// TEXT blobs; the store never interprets them. Timestamp columns are unix
// milliseconds (BIGINT).
var schema = []string{
	`CREATE TABLE IF NOT EXISTS missions (
		id TEXT PRIMARY KEY,
		idempotency_key TEXT NOT NULL UNIQUE,
		goal TEXT NOT NULL,
		params TEXT,
		org_id TEXT,
		site_id TEXT,
		machine_id TEXT,
		subject_id TEXT,
		status TEXT NOT NULL,
		attempts BIGINT NOT NULL DEFAULT 0,
		max_attempts BIGINT NOT NULL DEFAULT 5,
		next_retry_at BIGINT,
		claimed_by TEXT,
		claimed_at BIGINT,
		lease_id TEXT,
		lease_expires_at BIGINT,
		last_heartbeat_at BIGINT,
		result_meta TEXT,
		last_error TEXT,
		governance TEXT,
		signals TEXT,
		created_by TEXT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		completed_at BIGINT,
		failed_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_missions_status_goal_created
		ON missions (status, goal, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_missions_subject
		ON missions (subject_id, goal, status)`,
	`CREATE TABLE IF NOT EXISTS rate_limit_buckets (
		key TEXT PRIMARY KEY,
		tokens REAL NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS kernel_settings (
		key TEXT PRIMARY KEY,
		value_json TEXT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS command_proposals (
		id TEXT PRIMARY KEY,
		machine_id TEXT NOT NULL,
		session_id TEXT,
		status TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_proposals_status_created
		ON command_proposals (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_proposals_machine
		ON command_proposals (machine_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS command_audit (
		seq BIGINT PRIMARY KEY,
		proposal_id TEXT NOT NULL,
		action TEXT NOT NULL,
		actor TEXT,
		detail TEXT,
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_command_audit_proposal
		ON command_audit (proposal_id, seq)`,
	`CREATE TABLE IF NOT EXISTS device_keys (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		machine_id TEXT,
		public_key TEXT NOT NULL UNIQUE,
		created_at BIGINT NOT NULL,
		revoked_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_device_keys_org
		ON device_keys (org_id, created_at)`,
}

// Migrate creates all tables and indexes. Safe to run on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
