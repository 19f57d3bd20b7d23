package mission

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roastops/company-kernel/pkg/governance"
	"github.com/roastops/company-kernel/pkg/store"
)

// Repo owns every mission state transition. All transitions run inside a
// single store transaction guarded by the expected pre-state; a mutator
// that lost the race observes zero affected rows.
type Repo struct {
	store *store.Store
}

// NewRepo creates the repository over the durable store.
func NewRepo(s *store.Store) *Repo {
	return &Repo{store: s}
}

const missionColumns = `id, idempotency_key, goal, params, org_id, site_id, machine_id,
	subject_id, status, attempts, max_attempts, next_retry_at,
	claimed_by, claimed_at, lease_id, lease_expires_at, last_heartbeat_at,
	result_meta, last_error, governance, signals,
	created_by, created_at, updated_at, completed_at, failed_at`

// NewID generates a mission id: M-<YYYYMMDDHHMMSS>-<hex6>.
func NewID(now time.Time) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("M-%s-%s", now.UTC().Format("20060102150405"), hex)
}

// NewLeaseID generates a fresh opaque lease token.
func NewLeaseID() string { return uuid.NewString() }

// Create inserts the mission. When the idempotency key is already taken
// the existing mission is returned with created=false; repeated client
// submissions are a hit, never an error.
func (r *Repo) Create(ctx context.Context, m *Mission) (*Mission, bool, error) {
	_, err := r.store.DB().ExecContext(ctx,
		`INSERT INTO missions (`+missionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		         $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)`,
		m.ID, m.IdempotencyKey, m.Goal, jsonArg(m.Params),
		m.Context.OrgID, m.Context.SiteID, m.Context.MachineID,
		m.SubjectID, string(m.Status), m.Attempts, m.MaxAttempts, store.NullMs(m.NextRetryAt),
		nullStr(m.ClaimedBy), store.NullMs(m.ClaimedAt), nullStr(m.LeaseID),
		store.NullMs(m.LeaseExpiresAt), store.NullMs(m.LastHeartbeatAt),
		jsonArg(m.ResultMeta), jsonArg(m.LastError), jsonArg(m.Governance), jsonArg(m.Signals),
		nullStr(m.CreatedBy), store.Ms(m.CreatedAt), store.Ms(m.UpdatedAt),
		store.NullMs(m.CompletedAt), store.NullMs(m.FailedAt),
	)
	if err != nil {
		if store.IsUniqueViolation(err) {
			existing, lookupErr := r.GetByIdempotencyKey(ctx, m.IdempotencyKey)
			if lookupErr != nil {
				return nil, false, fmt.Errorf("idempotent lookup: %w", lookupErr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("insert mission: %w", err)
	}
	return m, true, nil
}

// Get fetches a mission by id.
func (r *Repo) Get(ctx context.Context, id string) (*Mission, error) {
	row := r.store.DB().QueryRowContext(ctx,
		`SELECT `+missionColumns+` FROM missions WHERE id = $1`, id)
	m, err := scanMission(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

// GetByIdempotencyKey fetches a mission by its idempotency key.
func (r *Repo) GetByIdempotencyKey(ctx context.Context, key string) (*Mission, error) {
	row := r.store.DB().QueryRowContext(ctx,
		`SELECT `+missionColumns+` FROM missions WHERE idempotency_key = $1`, key)
	m, err := scanMission(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

// claimEligible is the shared predicate for selection and the guarded
// update: PENDING, due RETRY, or an orphaned RUNNING lease. $1 is now in
// unix milliseconds. The attempts guard on the orphan branch keeps
// reclaim from pushing attempts past the bound.
const claimEligible = `(
	status = 'PENDING'
	OR (status = 'RETRY' AND (next_retry_at IS NULL OR next_retry_at <= $1))
	OR (status = 'RUNNING' AND lease_expires_at IS NOT NULL AND lease_expires_at <= $1
		AND attempts < max_attempts)
)`

// ClaimNext atomically claims one eligible mission for the agent,
// returning nil when nothing is due. PENDING beats RETRY beats orphan
// reclaim; within a class the oldest due mission wins, createdAt breaks
// ties.
func (r *Repo) ClaimNext(ctx context.Context, req ClaimRequest) (*Mission, error) {
	nowMs := store.Ms(req.Now)

	var claimed *Mission
	err := r.store.InTx(ctx, func(tx *sql.Tx) error {
		args := []any{nowMs}
		goalClause := ""
		if len(req.Goals) > 0 {
			ph := make([]string, len(req.Goals))
			for i, g := range req.Goals {
				args = append(args, g)
				ph[i] = fmt.Sprintf("$%d", len(args))
			}
			goalClause = " AND goal IN (" + strings.Join(ph, ", ") + ")"
		}

		lock := ""
		if r.store.Driver() == store.DriverPostgres {
			lock = " FOR UPDATE SKIP LOCKED"
		}

		var id string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM missions WHERE `+claimEligible+goalClause+`
			 ORDER BY
				CASE status WHEN 'PENDING' THEN 0 WHEN 'RETRY' THEN 1 ELSE 2 END ASC,
				CASE WHEN status = 'RETRY' AND next_retry_at IS NOT NULL
					THEN next_retry_at ELSE created_at END ASC,
				created_at ASC
			 LIMIT 1`+lock,
			args...,
		).Scan(&id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select claim candidate: %w", err)
		}

		leaseID := NewLeaseID()
		res, err := tx.ExecContext(ctx,
			`UPDATE missions SET
				status = 'RUNNING',
				claimed_by = $2,
				claimed_at = $1,
				lease_id = $3,
				lease_expires_at = $4,
				last_heartbeat_at = $1,
				attempts = attempts + 1,
				next_retry_at = NULL,
				updated_at = $1
			 WHERE id = $5 AND `+claimEligible,
			nowMs, req.AgentName, leaseID, store.Ms(req.Now.Add(req.LeaseDuration)), id,
		)
		if err != nil {
			return fmt.Errorf("claim update: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Lost the race; the caller may retry the selection.
			return nil
		}

		m, err := getInTx(ctx, tx, id)
		if err != nil {
			return err
		}
		claimed = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Heartbeat extends a running mission's lease by its original duration.
// A stale lease id is rejected so a worker that lost its lease cannot
// refresh one it no longer owns.
func (r *Repo) Heartbeat(ctx context.Context, id, leaseID string, now time.Time) (*Mission, error) {
	var out *Mission
	err := r.store.InTx(ctx, func(tx *sql.Tx) error {
		m, err := getInTxLocked(ctx, tx, r.store, id)
		if err != nil {
			return err
		}
		if m.Status != StatusRunning {
			return ErrNotRunning
		}
		if m.LeaseID != leaseID {
			return ErrLeaseMismatch
		}

		duration := DefaultLeaseDuration
		if m.ClaimedAt != nil && m.LeaseExpiresAt != nil {
			if d := m.LeaseExpiresAt.Sub(*m.ClaimedAt); d > 0 {
				duration = d
			}
		}
		expires := now.Add(duration)

		res, err := tx.ExecContext(ctx,
			`UPDATE missions SET lease_expires_at = $1, last_heartbeat_at = $2, updated_at = $2
			 WHERE id = $3 AND status = 'RUNNING' AND lease_id = $4`,
			store.Ms(expires), store.Ms(now), id, leaseID,
		)
		if err != nil {
			return fmt.Errorf("heartbeat update: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConflict
		}

		m.LeaseExpiresAt = &expires
		hb := now.UTC()
		m.LastHeartbeatAt = &hb
		m.UpdatedAt = hb
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Complete marks a running mission DONE and clears its lease.
func (r *Repo) Complete(ctx context.Context, id string, resultMeta map[string]any, leaseID string, now time.Time) (*Mission, error) {
	var out *Mission
	err := r.store.InTx(ctx, func(tx *sql.Tx) error {
		m, err := getInTxLocked(ctx, tx, r.store, id)
		if err != nil {
			return err
		}
		if m.Status != StatusRunning {
			return ErrNotRunning
		}
		if leaseID != "" && m.LeaseID != leaseID {
			return ErrLeaseMismatch
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE missions SET
				status = 'DONE',
				result_meta = $1,
				completed_at = $2,
				claimed_by = NULL, claimed_at = NULL,
				lease_id = NULL, lease_expires_at = NULL, last_heartbeat_at = NULL,
				updated_at = $2
			 WHERE id = $3 AND status = 'RUNNING'`,
			jsonArg(resultMeta), store.Ms(now), id,
		)
		if err != nil {
			return fmt.Errorf("complete update: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConflict
		}

		done := now.UTC()
		m.Status = StatusDone
		m.ResultMeta = resultMeta
		m.CompletedAt = &done
		m.UpdatedAt = done
		clearLease(m)
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Fail records a failed attempt. Attempts were already counted at claim
// time; the attempt retries when the worker says it is retryable and the
// bound has room, with exponential backoff on the attempt number.
func (r *Repo) Fail(ctx context.Context, req FailRequest) (*Mission, error) {
	var out *Mission
	err := r.store.InTx(ctx, func(tx *sql.Tx) error {
		m, err := getInTxLocked(ctx, tx, r.store, req.MissionID)
		if err != nil {
			return err
		}
		if m.Status != StatusRunning {
			return ErrNotRunning
		}
		if req.LeaseID != "" && m.LeaseID != req.LeaseID {
			return ErrLeaseMismatch
		}

		retry := req.Retryable && m.Attempts < m.MaxAttempts
		now := req.Now.UTC()

		if retry {
			nextRetry := now.Add(backoffFor(req.Backoff, m.Attempts))
			res, err := tx.ExecContext(ctx,
				`UPDATE missions SET
					status = 'RETRY',
					next_retry_at = $1,
					last_error = $2,
					claimed_by = NULL, claimed_at = NULL,
					lease_id = NULL, lease_expires_at = NULL, last_heartbeat_at = NULL,
					updated_at = $3
				 WHERE id = $4 AND status = 'RUNNING'`,
				store.Ms(nextRetry), jsonArg(req.Error), store.Ms(now), req.MissionID,
			)
			if err != nil {
				return fmt.Errorf("fail update: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return ErrConflict
			}
			m.Status = StatusRetry
			m.NextRetryAt = &nextRetry
		} else {
			res, err := tx.ExecContext(ctx,
				`UPDATE missions SET
					status = 'FAILED',
					failed_at = $1,
					last_error = $2,
					claimed_by = NULL, claimed_at = NULL,
					lease_id = NULL, lease_expires_at = NULL, last_heartbeat_at = NULL,
					updated_at = $1
				 WHERE id = $3 AND status = 'RUNNING'`,
				store.Ms(now), jsonArg(req.Error), req.MissionID,
			)
			if err != nil {
				return fmt.Errorf("fail update: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return ErrConflict
			}
			m.Status = StatusFailed
			m.FailedAt = &now
		}

		errCopy := req.Error
		m.LastError = &errCopy
		m.UpdatedAt = now
		clearLease(m)
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// backoffFor computes base * 2^(attempt-1), capping the exponent so the
// shift cannot overflow.
func backoffFor(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = DefaultBackoff
	}
	exp := attempt - 1
	if exp < 0 {
		exp = 0
	}
	if exp > 30 {
		exp = 30
	}
	return base * time.Duration(int64(1)<<exp)
}

// Approve releases a quarantined mission to PENDING with the operator's
// decision recorded.
func (r *Repo) Approve(ctx context.Context, id string, decision governance.Decision, now time.Time) (*Mission, error) {
	var out *Mission
	err := r.store.InTx(ctx, func(tx *sql.Tx) error {
		m, err := getInTxLocked(ctx, tx, r.store, id)
		if err != nil {
			return err
		}
		if m.Status != StatusQuarantined {
			return ErrNotQuarantined
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE missions SET
				status = 'PENDING',
				governance = $1,
				next_retry_at = NULL,
				claimed_by = NULL, claimed_at = NULL,
				lease_id = NULL, lease_expires_at = NULL, last_heartbeat_at = NULL,
				updated_at = $2
			 WHERE id = $3 AND status = 'QUARANTINED'`,
			jsonArg(decision), store.Ms(now), id,
		)
		if err != nil {
			return fmt.Errorf("approve update: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConflict
		}

		m.Status = StatusPending
		m.Governance = &decision
		m.NextRetryAt = nil
		m.UpdatedAt = now.UTC()
		clearLease(m)
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Cancel soft-terminates any non-terminal mission.
func (r *Repo) Cancel(ctx context.Context, id string, now time.Time) (*Mission, error) {
	var out *Mission
	err := r.store.InTx(ctx, func(tx *sql.Tx) error {
		m, err := getInTxLocked(ctx, tx, r.store, id)
		if err != nil {
			return err
		}
		if m.Status.Terminal() {
			return ErrTerminal
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE missions SET
				status = 'CANCELED',
				next_retry_at = NULL,
				claimed_by = NULL, claimed_at = NULL,
				lease_id = NULL, lease_expires_at = NULL, last_heartbeat_at = NULL,
				updated_at = $1
			 WHERE id = $2 AND status NOT IN ('DONE', 'FAILED', 'CANCELED', 'BLOCKED')`,
			store.Ms(now), id,
		)
		if err != nil {
			return fmt.Errorf("cancel update: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConflict
		}

		m.Status = StatusCanceled
		m.NextRetryAt = nil
		m.UpdatedAt = now.UTC()
		clearLease(m)
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RetryNow makes a RETRY mission immediately claimable and records the
// manual intervention on its governance decision.
func (r *Repo) RetryNow(ctx context.Context, id string, now time.Time) (*Mission, error) {
	var out *Mission
	err := r.store.InTx(ctx, func(tx *sql.Tx) error {
		m, err := getInTxLocked(ctx, tx, r.store, id)
		if err != nil {
			return err
		}
		if m.Status != StatusRetry {
			return ErrNotRetry
		}

		decision := governance.Decision{DecidedAt: now.UTC(), DecidedBy: governance.DecidedByHuman}
		if m.Governance != nil {
			decision.Action = m.Governance.Action
			decision.Confidence = m.Governance.Confidence
			decision.Reasons = append(decision.Reasons, m.Governance.Reasons...)
		}
		decision.Reasons = append(decision.Reasons, governance.Reason{Code: governance.ReasonManualRetryNow})

		res, err := tx.ExecContext(ctx,
			`UPDATE missions SET next_retry_at = $1, governance = $2, updated_at = $1
			 WHERE id = $3 AND status = 'RETRY'`,
			store.Ms(now), jsonArg(decision), id,
		)
		if err != nil {
			return fmt.Errorf("retry-now update: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConflict
		}

		at := now.UTC()
		m.NextRetryAt = &at
		m.Governance = &decision
		m.UpdatedAt = at
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func clearLease(m *Mission) {
	m.ClaimedBy = ""
	m.ClaimedAt = nil
	m.LeaseID = ""
	m.LeaseExpiresAt = nil
	m.LastHeartbeatAt = nil
}

// getInTx fetches a mission inside a transaction without locking.
func getInTx(ctx context.Context, tx *sql.Tx, id string) (*Mission, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+missionColumns+` FROM missions WHERE id = $1`, id)
	m, err := scanMission(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

// getInTxLocked fetches a mission with a row lock on Postgres; SQLite is
// a single writer so the transaction itself serializes.
func getInTxLocked(ctx context.Context, tx *sql.Tx, s *store.Store, id string) (*Mission, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+missionColumns+` FROM missions WHERE id = $1`+s.ForUpdate(), id)
	m, err := scanMission(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMission(row scanner) (*Mission, error) {
	var (
		m                               Mission
		params, resultMeta, lastError   sql.NullString
		govJSON, signalsJSON            sql.NullString
		orgID, siteID, machineID        sql.NullString
		subjectID, claimedBy, createdBy sql.NullString
		leaseID, status                 sql.NullString
		nextRetryAt, claimedAt          sql.NullInt64
		leaseExpiresAt, lastHeartbeatAt sql.NullInt64
		completedAt, failedAt           sql.NullInt64
		createdAt, updatedAt            int64
	)
	err := row.Scan(
		&m.ID, &m.IdempotencyKey, &m.Goal, &params, &orgID, &siteID, &machineID,
		&subjectID, &status, &m.Attempts, &m.MaxAttempts, &nextRetryAt,
		&claimedBy, &claimedAt, &leaseID, &leaseExpiresAt, &lastHeartbeatAt,
		&resultMeta, &lastError, &govJSON, &signalsJSON,
		&createdBy, &createdAt, &updatedAt, &completedAt, &failedAt,
	)
	if err != nil {
		return nil, err
	}

	m.Context = Context{OrgID: orgID.String, SiteID: siteID.String, MachineID: machineID.String}
	m.SubjectID = subjectID.String
	m.Status = Status(status.String)
	m.NextRetryAt = store.MsPtr(nextRetryAt)
	m.ClaimedBy = claimedBy.String
	m.ClaimedAt = store.MsPtr(claimedAt)
	m.LeaseID = leaseID.String
	m.LeaseExpiresAt = store.MsPtr(leaseExpiresAt)
	m.LastHeartbeatAt = store.MsPtr(lastHeartbeatAt)
	m.CreatedBy = createdBy.String
	m.CreatedAt = store.FromMs(createdAt)
	m.UpdatedAt = store.FromMs(updatedAt)
	m.CompletedAt = store.MsPtr(completedAt)
	m.FailedAt = store.MsPtr(failedAt)

	if err := decodeJSON(params, &m.Params); err != nil {
		return nil, err
	}
	if err := decodeJSON(resultMeta, &m.ResultMeta); err != nil {
		return nil, err
	}
	if err := decodeJSON(lastError, &m.LastError); err != nil {
		return nil, err
	}
	if err := decodeJSON(govJSON, &m.Governance); err != nil {
		return nil, err
	}
	if err := decodeJSON(signalsJSON, &m.Signals); err != nil {
		return nil, err
	}
	return &m, nil
}

func decodeJSON(v sql.NullString, out any) error {
	if !v.Valid || v.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(v.String), out); err != nil {
		return fmt.Errorf("decode stored json: %w", err)
	}
	return nil
}

// jsonArg serializes an optional structure for storage; nil stays NULL.
func jsonArg(v any) sql.NullString {
	switch x := v.(type) {
	case nil:
		return sql.NullString{}
	case map[string]any:
		if x == nil {
			return sql.NullString{}
		}
	case *LastError:
		if x == nil {
			return sql.NullString{}
		}
	case *governance.Decision:
		if x == nil {
			return sql.NullString{}
		}
	case *governance.Signals:
		if x == nil {
			return sql.NullString{}
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
