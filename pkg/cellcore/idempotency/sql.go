package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/cellcore/pkg/cellcore/sqlstore"
)

// SQLStore persists keys in an idempotency_keys table.
// It works with every sqlstore dialect.
type SQLStore struct {
	db  *sqlstore.DB
	now func() time.Time
}

var _ Store = (*SQLStore)(nil)

// Schema returns the DDL for the idempotency_keys table.
func Schema(d sqlstore.Dialect) []string {
	return []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS idempotency_keys (
			hash_key TEXT PRIMARY KEY,
			ttl_ns BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			pending INTEGER NOT NULL DEFAULT 0,
			result %s
		)`, d.BlobType()),
		`CREATE INDEX IF NOT EXISTS idx_idempotency_keys_expires_at
		ON idempotency_keys(expires_at)`,
	}
}

// NewSQLStore creates the table if needed and returns a store.
func NewSQLStore(ctx context.Context, db *sqlstore.DB, opts ...StoreOption) (*SQLStore, error) {
	if err := db.Migrate(ctx, Schema(db.Dialect)...); err != nil {
		return nil, fmt.Errorf("migrate idempotency_keys: %w", err)
	}
	o := applyStoreOptions(opts)
	return &SQLStore{db: db, now: o.now}, nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, hashKey string) (*Key, error) {
	var (
		ttl, created, pending int64
		result                []byte
	)
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT ttl_ns, created_at, pending, result FROM idempotency_keys
		WHERE hash_key = ? AND expires_at > ?
	`), hashKey, sqlstore.UnixNano(s.now())).Scan(&ttl, &created, &pending, &result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}

	return &Key{
		HashKey:   hashKey,
		TTL:       time.Duration(ttl),
		CreatedAt: sqlstore.FromUnixNano(created),
		Result:    result,
		Pending:   pending != 0,
	}, nil
}

// Put implements Store. An expired row with the same hash is replaced.
func (s *SQLStore) Put(ctx context.Context, key Key) error {
	now := s.now()
	key = key.normalize(now)

	res, err := s.db.ExecContext(ctx, s.db.Rebind(upsertKey+`
		WHERE idempotency_keys.expires_at <= ?
	`), append(keyArgs(key), sqlstore.UnixNano(now))...)
	if err != nil {
		return fmt.Errorf("put idempotency key: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put idempotency key: %w", err)
	}
	if n == 0 {
		return ErrKeyExists
	}
	return nil
}

// Complete implements Store.
func (s *SQLStore) Complete(ctx context.Context, key Key) error {
	key = key.normalize(s.now())
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(upsertKey), keyArgs(key)...); err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

const upsertKey = `
	INSERT INTO idempotency_keys (hash_key, ttl_ns, created_at, expires_at, pending, result)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (hash_key) DO UPDATE SET
		ttl_ns = excluded.ttl_ns,
		created_at = excluded.created_at,
		expires_at = excluded.expires_at,
		pending = excluded.pending,
		result = excluded.result`

func keyArgs(key Key) []any {
	pending := 0
	if key.Pending {
		pending = 1
	}
	return []any{
		key.HashKey,
		int64(key.TTL),
		sqlstore.UnixNano(key.CreatedAt),
		sqlstore.UnixNano(key.ExpiresAt()),
		pending,
		key.Result,
	}
}

// Delete implements Store.
func (s *SQLStore) Delete(ctx context.Context, hashKey string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM idempotency_keys WHERE hash_key = ?`), hashKey); err != nil {
		return fmt.Errorf("delete idempotency key: %w", err)
	}
	return nil
}

// Sweep implements Store.
func (s *SQLStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM idempotency_keys WHERE expires_at <= ?`), sqlstore.UnixNano(now))
	if err != nil {
		return 0, fmt.Errorf("sweep idempotency keys: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep idempotency keys: %w", err)
	}
	return int(n), nil
}
