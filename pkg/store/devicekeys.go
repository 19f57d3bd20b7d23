package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DeviceKey is a registered roaster public key. The kernel stores and
// serves keys; telemetry signature verification happens upstream.
type DeviceKey struct {
	ID        string     `json:"id"`
	OrgID     string     `json:"orgId"`
	MachineID string     `json:"machineId,omitempty"`
	PublicKey string     `json:"publicKey"` // hex-encoded ed25519 public key
	CreatedAt time.Time  `json:"createdAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

// ErrKeyExists is returned when registering an already-registered public key.
var ErrKeyExists = errors.New("device key already registered")

// RegisterDeviceKey inserts a new device key.
func (s *Store) RegisterDeviceKey(ctx context.Context, k DeviceKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_keys (id, org_id, machine_id, public_key, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		k.ID, k.OrgID, k.MachineID, k.PublicKey, Ms(k.CreatedAt),
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return ErrKeyExists
		}
		return fmt.Errorf("register device key: %w", err)
	}
	return nil
}

// ListDeviceKeys returns all keys for an org, newest first.
func (s *Store) ListDeviceKeys(ctx context.Context, orgID string) ([]DeviceKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, machine_id, public_key, created_at, revoked_at
		 FROM device_keys WHERE org_id = $1 ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list device keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	keys := make([]DeviceKey, 0)
	for rows.Next() {
		var (
			k         DeviceKey
			machineID sql.NullString
			createdAt int64
			revokedAt sql.NullInt64
		)
		if err := rows.Scan(&k.ID, &k.OrgID, &machineID, &k.PublicKey, &createdAt, &revokedAt); err != nil {
			return nil, err
		}
		k.MachineID = machineID.String
		k.CreatedAt = FromMs(createdAt)
		k.RevokedAt = MsPtr(revokedAt)
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeDeviceKey marks a key revoked. Revocation is soft; the row is
// retained for audit.
func (s *Store) RevokeDeviceKey(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE device_keys SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL`,
		Ms(now), id)
	if err != nil {
		return fmt.Errorf("revoke device key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
