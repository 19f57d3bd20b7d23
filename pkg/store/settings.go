package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetSetting reads a raw JSON document from kernel_settings.
// The second return is false when the key does not exist.
func (s *Store) GetSetting(ctx context.Context, key string) ([]byte, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value_json FROM kernel_settings WHERE key = $1`, key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get setting %q: %w", key, err)
	}
	return []byte(value), true, nil
}

// PutSetting upserts a raw JSON document into kernel_settings.
func (s *Store) PutSetting(ctx context.Context, key string, value []byte, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kernel_settings (key, value_json, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value_json = $2, updated_at = $3`,
		key, string(value), Ms(now),
	)
	if err != nil {
		return fmt.Errorf("put setting %q: %w", key, err)
	}
	return nil
}
