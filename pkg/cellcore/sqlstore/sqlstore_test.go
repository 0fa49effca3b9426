package sqlstore_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/cellcore/pkg/cellcore/sqlstore"
)

func TestDialectFor(t *testing.T) {
	for _, name := range []string{"sqlite", "SQLite3"} {
		d, err := sqlstore.DialectFor(name)
		require.NoError(t, err)
		assert.Equal(t, sqlstore.SQLite, d)
	}
	for _, name := range []string{"pgx", "postgres", "postgresql"} {
		d, err := sqlstore.DialectFor(name)
		require.NoError(t, err)
		assert.Equal(t, sqlstore.Postgres, d)
	}

	_, err := sqlstore.DialectFor("mysql")
	assert.ErrorIs(t, err, sqlstore.ErrUnknownDriver)
}

func TestRebind(t *testing.T) {
	q := "UPDATE t SET a = ?, b = ? WHERE id = ?"
	assert.Equal(t, q, sqlstore.SQLite.Rebind(q))
	assert.Equal(t, "UPDATE t SET a = $1, b = $2 WHERE id = $3", sqlstore.Postgres.Rebind(q))
	assert.Equal(t, "SELECT 1", sqlstore.Postgres.Rebind("SELECT 1"))
}

func TestLockRows(t *testing.T) {
	assert.Empty(t, sqlstore.SQLite.LockRows())
	assert.Equal(t, " FOR UPDATE SKIP LOCKED", sqlstore.Postgres.LockRows())
	assert.Equal(t, "BLOB", sqlstore.SQLite.BlobType())
	assert.Equal(t, "BYTEA", sqlstore.Postgres.BlobType())
}

func TestOpenSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := sqlstore.Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Migrate(ctx,
		`CREATE TABLE items (id TEXT PRIMARY KEY, qty INTEGER NOT NULL)`,
	))

	_, err = db.ExecContext(ctx, db.Rebind(`INSERT INTO items (id, qty) VALUES (?, ?)`), "ring-1", 2)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `INSERT INTO items (id, qty) VALUES (?, ?)`, "ring-1", 3)
	require.Error(t, err)
	assert.True(t, sqlstore.IsUniqueViolation(err))
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := sqlstore.Open(context.Background(), "oracle", "x")
	assert.ErrorIs(t, err, sqlstore.ErrUnknownDriver)
}

func TestWithTxCommitAndRollback(t *testing.T) {
	ctx := context.Background()
	db, err := sqlstore.Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Migrate(ctx, `CREATE TABLE items (id TEXT PRIMARY KEY)`))

	require.NoError(t, db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO items (id) VALUES ('a')`)
		return err
	}))

	boom := errors.New("business rule failed")
	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO items (id) VALUES ('b')`); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestWithTxPanicRollsBack(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()

	db := sqlstore.New(raw, sqlstore.Postgres)
	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.Panics(t, func() {
		_ = db.WithTx(context.Background(), func(*sql.Tx) error {
			panic("boom")
		})
	})
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxCommitError(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()

	db := sqlstore.New(raw, sqlstore.Postgres)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO items").WithArgs("a").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(errors.New("connection reset"))

	err = db.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(context.Background(), db.Rebind("INSERT INTO items (id) VALUES (?)"), "a")
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit transaction")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, sqlstore.IsUniqueViolation(nil))
	assert.False(t, sqlstore.IsUniqueViolation(errors.New("other")))
	assert.True(t, sqlstore.IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, sqlstore.IsUniqueViolation(&pgconn.PgError{Code: "40001"}))
}

func TestUnixNano(t *testing.T) {
	assert.Equal(t, int64(0), sqlstore.UnixNano(time.Time{}))
	assert.True(t, sqlstore.FromUnixNano(0).IsZero())

	now := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.FixedZone("X", 3600))
	back := sqlstore.FromUnixNano(sqlstore.UnixNano(now))
	assert.True(t, now.Equal(back))
	assert.Equal(t, time.UTC, back.Location())
}
