package command

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roastops/company-kernel/pkg/store"
)

// Repo persists proposals. The row carries the full proposal as an
// opaque payload plus the columns the pipeline filters on; transitions
// are conditional updates guarded by the expected pre-state.
type Repo struct {
	store *store.Store
}

// NewRepo creates the repository over the durable store.
func NewRepo(s *store.Store) *Repo {
	return &Repo{store: s}
}

// Insert stores a new proposal.
func (r *Repo) Insert(ctx context.Context, p *Proposal) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode proposal: %w", err)
	}
	_, err = r.store.DB().ExecContext(ctx,
		`INSERT INTO command_proposals (id, machine_id, session_id, status, payload, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.MachineID, nullStr(p.SessionID), string(p.Status), string(payload),
		store.Ms(p.CreatedAt), store.Ms(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

// Get fetches a proposal by id.
func (r *Repo) Get(ctx context.Context, id string) (*Proposal, error) {
	var payload string
	err := r.store.DB().QueryRowContext(ctx,
		`SELECT payload FROM command_proposals WHERE id = $1`, id,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	return decodeProposal(payload)
}

// Transition replaces the proposal guarded by its expected current
// status; zero affected rows means another writer got there first.
func (r *Repo) Transition(ctx context.Context, p *Proposal, from ...Status) error {
	if len(from) == 0 {
		return errors.New("transition requires at least one expected state")
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode proposal: %w", err)
	}

	args := []any{string(p.Status), string(payload), store.Ms(p.UpdatedAt), p.ID}
	ph := make([]string, len(from))
	for i, s := range from {
		args = append(args, string(s))
		ph[i] = fmt.Sprintf("$%d", len(args))
	}

	res, err := r.store.DB().ExecContext(ctx,
		`UPDATE command_proposals SET status = $1, payload = $2, updated_at = $3
		 WHERE id = $4 AND status IN (`+strings.Join(ph, ", ")+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("transition proposal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// List returns proposals matching the filter, newest first.
func (r *Repo) List(ctx context.Context, f Filter) ([]*Proposal, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.MachineID != "" {
		where = append(where, "machine_id = "+arg(f.MachineID))
	}
	if f.SessionID != "" {
		where = append(where, "session_id = "+arg(f.SessionID))
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ph[i] = arg(string(s))
		}
		where = append(where, "status IN ("+strings.Join(ph, ", ")+")")
	}

	query := `SELECT payload FROM command_proposals`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	query += " LIMIT " + arg(limit)

	rows, err := r.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var out []*Proposal
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		p, err := decodeProposal(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Stats computes the machine's recent execution history since the given
// instant, plus the command count for the session when one is set.
func (r *Repo) Stats(ctx context.Context, machineID, sessionID string, since time.Time) (Stats, error) {
	var s Stats

	rows, err := r.store.DB().QueryContext(ctx,
		`SELECT status, COUNT(*) FROM command_proposals
		 WHERE machine_id = $1 AND status IN ('COMPLETED', 'FAILED') AND updated_at >= $2
		 GROUP BY status`,
		machineID, store.Ms(since),
	)
	if err != nil {
		return Stats{}, fmt.Errorf("proposal stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		switch Status(status) {
		case StatusCompleted:
			s.Completed = n
		case StatusFailed:
			s.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	if sessionID != "" {
		err := r.store.DB().QueryRowContext(ctx,
			`SELECT COUNT(*) FROM command_proposals
			 WHERE session_id = $1 AND created_at >= $2`,
			sessionID, store.Ms(since),
		).Scan(&s.CommandsInSession)
		if err != nil {
			return Stats{}, fmt.Errorf("session stats: %w", err)
		}
	}
	return s, nil
}

func decodeProposal(payload string) (*Proposal, error) {
	var p Proposal
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("decode proposal: %w", err)
	}
	return &p, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
