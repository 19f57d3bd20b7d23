package command

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/roastops/company-kernel/pkg/store"
)

// genesisHash anchors the chain before the first entry.
const genesisHash = "genesis"

// AuditEntry is one link in the command audit chain. Hash covers the
// canonical JSON of the entry minus the hash itself, including the
// previous link's hash, so any rewrite breaks every later link.
type AuditEntry struct {
	Seq        int64          `json:"seq"`
	ProposalID string         `json:"proposalId"`
	Action     string         `json:"action"`
	Actor      string         `json:"actor,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	PrevHash   string         `json:"prevHash"`
	Hash       string         `json:"hash"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Trail is the append-only, hash-chained record of pipeline transitions.
type Trail struct {
	store *store.Store
}

// NewTrail creates the audit trail over the durable store.
func NewTrail(s *store.Store) *Trail {
	return &Trail{store: s}
}

// Append links a new entry onto the chain.
func (t *Trail) Append(ctx context.Context, proposalID, action, actor string, detail map[string]any, now time.Time) (*AuditEntry, error) {
	var entry *AuditEntry
	err := t.store.InTx(ctx, func(tx *sql.Tx) error {
		lastSeq := int64(0)
		prevHash := genesisHash
		err := tx.QueryRowContext(ctx,
			`SELECT seq, hash FROM command_audit ORDER BY seq DESC LIMIT 1`+t.store.ForUpdate(),
		).Scan(&lastSeq, &prevHash)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read chain head: %w", err)
		}

		e := AuditEntry{
			Seq:        lastSeq + 1,
			ProposalID: proposalID,
			Action:     action,
			Actor:      actor,
			Detail:     detail,
			PrevHash:   prevHash,
			CreatedAt:  now.UTC().Truncate(time.Millisecond),
		}
		hash, err := entryHash(e)
		if err != nil {
			return err
		}
		e.Hash = hash

		var detailJSON sql.NullString
		if len(e.Detail) > 0 {
			b, err := json.Marshal(e.Detail)
			if err != nil {
				return fmt.Errorf("encode audit detail: %w", err)
			}
			detailJSON = sql.NullString{String: string(b), Valid: true}
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO command_audit (seq, proposal_id, action, actor, detail, prev_hash, hash, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			e.Seq, e.ProposalID, e.Action, nullStr(e.Actor), detailJSON,
			e.PrevHash, e.Hash, store.Ms(e.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("append audit entry: %w", err)
		}
		entry = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// entryHash is the SHA-256 of the RFC 8785 canonical JSON of the entry
// with the hash field cleared.
func entryHash(e AuditEntry) (string, error) {
	e.Hash = ""
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode audit entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize audit entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// List returns the chain for one proposal in append order, or the whole
// chain when proposalID is empty.
func (t *Trail) List(ctx context.Context, proposalID string) ([]*AuditEntry, error) {
	query := `SELECT seq, proposal_id, action, actor, detail, prev_hash, hash, created_at
		 FROM command_audit`
	var args []any
	if proposalID != "" {
		query += ` WHERE proposal_id = $1`
		args = append(args, proposalID)
	}
	query += ` ORDER BY seq ASC`

	rows, err := t.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// VerifyChain walks the whole chain and recomputes every link. It
// returns nil when the chain is intact and a positioned error on the
// first broken link.
func (t *Trail) VerifyChain(ctx context.Context) error {
	entries, err := t.List(ctx, "")
	if err != nil {
		return err
	}

	prevHash := genesisHash
	prevSeq := int64(0)
	for _, e := range entries {
		if e.Seq != prevSeq+1 {
			return fmt.Errorf("audit chain gap: seq %d follows %d", e.Seq, prevSeq)
		}
		if e.PrevHash != prevHash {
			return fmt.Errorf("audit chain broken at seq %d: prevHash mismatch", e.Seq)
		}
		expect, err := entryHash(*e)
		if err != nil {
			return err
		}
		if e.Hash != expect {
			return fmt.Errorf("audit chain broken at seq %d: hash mismatch", e.Seq)
		}
		prevHash = e.Hash
		prevSeq = e.Seq
	}
	return nil
}

func scanEntry(rows *sql.Rows) (*AuditEntry, error) {
	var (
		e         AuditEntry
		actor     sql.NullString
		detail    sql.NullString
		createdMs int64
	)
	if err := rows.Scan(&e.Seq, &e.ProposalID, &e.Action, &actor, &detail, &e.PrevHash, &e.Hash, &createdMs); err != nil {
		return nil, err
	}
	e.Actor = actor.String
	e.CreatedAt = store.FromMs(createdMs)
	if detail.Valid && detail.String != "" {
		if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
			return nil, fmt.Errorf("decode audit detail: %w", err)
		}
	}
	return &e, nil
}
