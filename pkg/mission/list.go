package mission

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/roastops/company-kernel/pkg/governance"
	"github.com/roastops/company-kernel/pkg/store"
)

const maxListLimit = 500

// List returns missions matching the filter, newest first.
func (r *Repo) List(ctx context.Context, f Filter) ([]*Mission, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ph[i] = arg(string(s))
		}
		where = append(where, "status IN ("+strings.Join(ph, ", ")+")")
	}
	if f.Goal != "" {
		where = append(where, "goal = "+arg(f.Goal))
	}
	if f.Agent != "" {
		where = append(where, "claimed_by = "+arg(f.Agent))
	}
	if f.SubjectID != "" {
		where = append(where, "subject_id = "+arg(f.SubjectID))
	}
	if f.SessionID != "" {
		// Session-scoped missions carry the session either as the subject
		// or inside params.
		a := arg(f.SessionID)
		b := arg(`%"sessionId":"` + f.SessionID + `"%`)
		where = append(where, "(subject_id = "+a+" OR params LIKE "+b+")")
	}
	if f.OrgID != "" {
		where = append(where, "org_id = "+arg(f.OrgID))
	}
	if f.SiteID != "" {
		where = append(where, "site_id = "+arg(f.SiteID))
	}
	if f.MachineID != "" {
		where = append(where, "machine_id = "+arg(f.MachineID))
	}

	query := `SELECT ` + missionColumns + ` FROM missions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	limit := f.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	query += " LIMIT " + arg(limit)

	rows, err := r.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list missions: %w", err)
	}
	defer rows.Close()

	var out []*Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Metrics computes the queue census plus governance counters derived
// from the recorded decisions.
func (r *Repo) Metrics(ctx context.Context, now time.Time) (*Metrics, error) {
	m := &Metrics{ByStatus: map[Status]int{}}

	err := r.store.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM missions
		 WHERE status = 'RUNNING' AND lease_expires_at IS NOT NULL
		   AND lease_expires_at <= $1 AND attempts >= max_attempts`,
		store.Ms(now),
	).Scan(&m.StalledRunning)
	if err != nil {
		return nil, fmt.Errorf("metrics stalled: %w", err)
	}

	rows, err := r.store.DB().QueryContext(ctx,
		`SELECT status, COUNT(*) FROM missions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("metrics census: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		m.ByStatus[Status(status)] = n
		m.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	govRows, err := r.store.DB().QueryContext(ctx,
		`SELECT governance FROM missions WHERE governance IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("metrics decisions: %w", err)
	}
	defer govRows.Close()
	for govRows.Next() {
		var raw sql.NullString
		if err := govRows.Scan(&raw); err != nil {
			return nil, err
		}
		var d governance.Decision
		if err := decodeJSON(raw, &d); err != nil {
			continue
		}
		switch d.Action {
		case governance.ActionQuarantine:
			m.QuarantinedTotal++
		case governance.ActionBlock:
			m.BlockedTotal++
		}
		if d.HasReason(governance.ReasonRateLimited) {
			m.RateLimitedTotal++
		}
		if d.HasReason(governance.ReasonHumanApproval) {
			m.ApprovedTotal++
		}
	}
	return m, govRows.Err()
}
