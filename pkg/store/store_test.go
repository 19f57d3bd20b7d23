package store_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roastops/company-kernel/pkg/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := store.Open(context.Background(), "oracle", "dsn")
	require.Error(t, err)
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestMsRoundTrip(t *testing.T) {
	at := time.Date(2026, 4, 1, 12, 30, 45, 123_000_000, time.UTC)
	assert.Equal(t, at, store.FromMs(store.Ms(at)))

	assert.False(t, store.NullMs(nil).Valid)
	ptr := store.MsPtr(sql.NullInt64{})
	assert.Nil(t, ptr)

	nv := store.NullMs(&at)
	require.True(t, nv.Valid)
	back := store.MsPtr(nv)
	require.NotNil(t, back)
	assert.Equal(t, at, *back)
}

func TestSettingsRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	_, ok, err := s.GetSetting(ctx, "governor_config")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutSetting(ctx, "governor_config", []byte(`{"version":1}`), now))
	raw, ok, err := s.GetSetting(ctx, "governor_config")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"version":1}`, string(raw))

	// Upsert overwrites.
	require.NoError(t, s.PutSetting(ctx, "governor_config", []byte(`{"version":2}`), now.Add(time.Second)))
	raw, _, err = s.GetSetting(ctx, "governor_config")
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":2}`, string(raw))
}

func TestDeviceKeyLifecycle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	first := store.DeviceKey{
		ID: "k1", OrgID: "org-a", MachineID: "mx-1",
		PublicKey: "aa11", CreatedAt: now,
	}
	require.NoError(t, s.RegisterDeviceKey(ctx, first))

	dup := first
	dup.ID = "k2"
	err := s.RegisterDeviceKey(ctx, dup)
	require.ErrorIs(t, err, store.ErrKeyExists)

	second := store.DeviceKey{
		ID: "k3", OrgID: "org-a", PublicKey: "bb22", CreatedAt: now.Add(time.Minute),
	}
	require.NoError(t, s.RegisterDeviceKey(ctx, second))

	keys, err := s.ListDeviceKeys(ctx, "org-a")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "k3", keys[0].ID, "newest first")
	assert.Equal(t, "mx-1", keys[1].MachineID)

	require.NoError(t, s.RevokeDeviceKey(ctx, "k1", now.Add(time.Hour)))
	keys, err = s.ListDeviceKeys(ctx, "org-a")
	require.NoError(t, err)
	for _, k := range keys {
		if k.ID == "k1" {
			require.NotNil(t, k.RevokedAt)
		}
	}

	// Soft revocation: a second revoke finds nothing to do.
	err = s.RevokeDeviceKey(ctx, "k1", now.Add(2*time.Hour))
	require.ErrorIs(t, err, store.ErrNotFound)
	err = s.RevokeDeviceKey(ctx, "missing", now)
	require.ErrorIs(t, err, store.ErrNotFound)

	keys, err = s.ListDeviceKeys(ctx, "org-nobody")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestIsUniqueViolation(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, err := s.DB().ExecContext(ctx,
		`INSERT INTO rate_limit_buckets (key, tokens, updated_at) VALUES ('k', 1, 0)`)
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx,
		`INSERT INTO rate_limit_buckets (key, tokens, updated_at) VALUES ('k', 1, 0)`)
	require.Error(t, err)
	assert.True(t, store.IsUniqueViolation(err))

	assert.False(t, store.IsUniqueViolation(errors.New("plain error")))
	assert.False(t, store.IsUniqueViolation(nil))
}

func TestInTxCommitsAndRollsBack(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO kernel_settings (key, value_json, updated_at) VALUES ('a', '{}', 0)`)
		return err
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.InTx(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx,
			`INSERT INTO kernel_settings (key, value_json, updated_at) VALUES ('b', '{}', 0)`)
		require.NoError(t, execErr)
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, ok, err := s.GetSetting(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = s.GetSetting(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok, "rolled back write must not be visible")
}

func TestForUpdateByDriver(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	pg := store.NewWithDB(db, store.DriverPostgres)
	assert.Equal(t, " FOR UPDATE", pg.ForUpdate())

	lite := store.NewWithDB(db, store.DriverSQLite)
	assert.Empty(t, lite.ForUpdate())
}

func TestGetSettingSurfacesQueryErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	mock.ExpectQuery(`SELECT value_json FROM kernel_settings`).
		WillReturnError(errors.New("connection reset"))

	s := store.NewWithDB(db, store.DriverPostgres)
	_, _, err = s.GetSetting(context.Background(), "governor_config")
	require.ErrorContains(t, err, "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}
