package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/randalmurphal/cellcore/pkg/cellcore/sqlstore"
)

// SQLStore keeps chains in an append-only audit_records table. The head of
// every chain lives in audit_chain_heads and is advanced in the same
// transaction as the insert.
type SQLStore struct {
	db *sqlstore.DB
}

var _ Store = (*SQLStore)(nil)

// Schema returns the DDL for the audit tables.
func Schema(d sqlstore.Dialect) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS audit_records (
			tenant_id TEXT NOT NULL,
			chain_id TEXT NOT NULL,
			sequence BIGINT NOT NULL,
			record_id TEXT NOT NULL UNIQUE,
			ts BIGINT NOT NULL,
			actor_id TEXT NOT NULL,
			action TEXT NOT NULL,
			entity TEXT NOT NULL DEFAULT '',
			entity_id TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT '',
			hash TEXT NOT NULL,
			prev_hash TEXT NOT NULL,
			body TEXT NOT NULL,
			PRIMARY KEY (tenant_id, chain_id, sequence)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_records_actor
		ON audit_records(tenant_id, actor_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_records_target
		ON audit_records(tenant_id, entity, entity_id)`,
		`CREATE TABLE IF NOT EXISTS audit_chain_heads (
			tenant_id TEXT NOT NULL,
			chain_id TEXT NOT NULL,
			sequence BIGINT NOT NULL,
			hash TEXT NOT NULL,
			anchor_sequence BIGINT NOT NULL DEFAULT 0,
			anchor_hash TEXT NOT NULL DEFAULT '',
			archived_at BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, chain_id)
		)`,
	}
}

// NewSQLStore creates the tables if needed and returns a store.
func NewSQLStore(ctx context.Context, db *sqlstore.DB) (*SQLStore, error) {
	if err := db.Migrate(ctx, Schema(db.Dialect)...); err != nil {
		return nil, fmt.Errorf("migrate audit tables: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Head implements Store.
func (s *SQLStore) Head(ctx context.Context, tenantID, chainID string) (Head, error) {
	return s.head(ctx, s.db, tenantID, chainID, "")
}

func (s *SQLStore) head(ctx context.Context, q sqlstore.Querier, tenantID, chainID, lock string) (Head, error) {
	var h Head
	err := q.QueryRowContext(ctx, s.db.Rebind(`
		SELECT sequence, hash FROM audit_chain_heads
		WHERE tenant_id = ? AND chain_id = ?`+lock),
		tenantID, chainID,
	).Scan(&h.Sequence, &h.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return Head{Hash: GenesisHash}, nil
	}
	if err != nil {
		return Head{}, fmt.Errorf("read chain head %s/%s: %w", tenantID, chainID, err)
	}
	return h, nil
}

// Append implements Store.
func (s *SQLStore) Append(ctx context.Context, rec *Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.RecordID, err)
	}

	// SKIP LOCKED would hide the head from a concurrent writer.
	lock := ""
	if s.db.Dialect.Name == sqlstore.Postgres.Name {
		lock = " FOR UPDATE"
	}

	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		head, err := s.head(ctx, tx, rec.TenantID, rec.ChainID, lock)
		if err != nil {
			return err
		}
		if rec.Sequence != head.Sequence+1 || rec.Integrity.PrevHash != head.Hash {
			return ErrSequenceConflict
		}

		if _, err := tx.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO audit_records (tenant_id, chain_id, sequence, record_id, ts, actor_id, action,
				entity, entity_id, correlation_id, hash, prev_hash, body)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`),
			rec.TenantID, rec.ChainID, rec.Sequence, rec.RecordID, sqlstore.UnixNano(rec.Timestamp),
			rec.Actor.ID, rec.Action, rec.Target.Entity, rec.Target.EntityID, rec.Trace.CorrelationID,
			rec.Integrity.Hash, rec.Integrity.PrevHash, string(body),
		); err != nil {
			// Two writers racing on a chain without a head row collide on
			// the primary key.
			if sqlstore.IsUniqueViolation(err) {
				return ErrSequenceConflict
			}
			return fmt.Errorf("insert record: %w", err)
		}

		if _, err := tx.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO audit_chain_heads (tenant_id, chain_id, sequence, hash)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (tenant_id, chain_id) DO UPDATE
			SET sequence = excluded.sequence, hash = excluded.hash
		`), rec.TenantID, rec.ChainID, rec.Sequence, rec.Integrity.Hash); err != nil {
			return fmt.Errorf("advance chain head: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSequenceConflict) {
			return err
		}
		return fmt.Errorf("append audit record %s: %w", rec.RecordID, err)
	}
	return nil
}

func (s *SQLStore) where(f Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		conds = append(conds, cond)
		args = append(args, arg)
	}
	if f.TenantID != "" {
		add("tenant_id = ?", f.TenantID)
	}
	if f.ChainID != "" {
		add("chain_id = ?", f.ChainID)
	}
	if f.ActorID != "" {
		add("actor_id = ?", f.ActorID)
	}
	if f.Entity != "" {
		add("entity = ?", f.Entity)
	}
	if f.EntityID != "" {
		add("entity_id = ?", f.EntityID)
	}
	if f.CorrelationID != "" {
		add("correlation_id = ?", f.CorrelationID)
	}
	if f.ThroughSequence > 0 {
		add("sequence <= ?", f.ThroughSequence)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context, f Filter) ([]*Record, error) {
	where, args := s.where(f)

	order := "ts, chain_id, sequence"
	if f.ChainID != "" {
		order = "sequence"
	}
	if f.Newest {
		order = strings.ReplaceAll(order, ",", " DESC,") + " DESC"
	}
	query := "SELECT body FROM audit_records" + where + " ORDER BY " + order
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, fmt.Errorf("decode audit record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Count implements Store.
func (s *SQLStore) Count(ctx context.Context, f Filter) (int, error) {
	where, args := s.where(f)
	var n int
	if err := s.db.QueryRowContext(ctx, s.db.Rebind("SELECT COUNT(*) FROM audit_records"+where), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit records: %w", err)
	}
	return n, nil
}

// Anchor implements Store.
func (s *SQLStore) Anchor(ctx context.Context, tenantID, chainID string) (Anchor, error) {
	var (
		a          Anchor
		archivedAt int64
	)
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT anchor_sequence, anchor_hash, archived_at FROM audit_chain_heads
		WHERE tenant_id = ? AND chain_id = ?`),
		tenantID, chainID,
	).Scan(&a.Sequence, &a.Hash, &archivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Anchor{}, nil
	}
	if err != nil {
		return Anchor{}, fmt.Errorf("read anchor %s/%s: %w", tenantID, chainID, err)
	}
	a.ArchivedAt = sqlstore.FromUnixNano(archivedAt)
	return a, nil
}

// Compact implements Store.
func (s *SQLStore) Compact(ctx context.Context, tenantID, chainID string, anchor Anchor) (int, error) {
	var removed int64
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.db.Rebind(`
			DELETE FROM audit_records WHERE tenant_id = ? AND chain_id = ? AND sequence <= ?
		`), tenantID, chainID, anchor.Sequence)
		if err != nil {
			return fmt.Errorf("delete archived records: %w", err)
		}
		if removed, err = res.RowsAffected(); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.db.Rebind(`
			UPDATE audit_chain_heads SET anchor_sequence = ?, anchor_hash = ?, archived_at = ?
			WHERE tenant_id = ? AND chain_id = ?
		`), anchor.Sequence, anchor.Hash, sqlstore.UnixNano(anchor.ArchivedAt), tenantID, chainID); err != nil {
			return fmt.Errorf("record anchor: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("compact %s/%s: %w", tenantID, chainID, err)
	}
	return int(removed), nil
}

// Ping implements Store.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
