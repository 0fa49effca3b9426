package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/randalmurphal/cellcore/pkg/cellcore/sqlstore"
)

// SQLStore persists events in an outbox_events table.
// Times are stored as unix nanoseconds; 0 means unset.
type SQLStore struct {
	db *sqlstore.DB
}

var _ Store = (*SQLStore)(nil)

const eventColumns = `id, topic, envelope, status, retry_count, last_error, dead,
	created_at, updated_at, next_attempt_at, published_at, lease_until`

// Schema returns the DDL for the outbox_events table.
func Schema(d sqlstore.Dialect) []string {
	return []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS outbox_events (
			id TEXT PRIMARY KEY,
			topic TEXT NOT NULL,
			envelope %s NOT NULL,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			dead INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			next_attempt_at BIGINT NOT NULL DEFAULT 0,
			published_at BIGINT NOT NULL DEFAULT 0,
			lease_until BIGINT NOT NULL DEFAULT 0
		)`, d.BlobType()),
		`CREATE INDEX IF NOT EXISTS idx_outbox_events_claim
		ON outbox_events(status, next_attempt_at, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_events_published_at
		ON outbox_events(published_at)`,
	}
}

// NewSQLStore creates the table if needed and returns a store.
func NewSQLStore(ctx context.Context, db *sqlstore.DB) (*SQLStore, error) {
	if err := db.Migrate(ctx, Schema(db.Dialect)...); err != nil {
		return nil, fmt.Errorf("migrate outbox_events: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Save implements Store.
func (s *SQLStore) Save(ctx context.Context, evt *Event) error {
	return s.save(ctx, s.db, evt)
}

// SaveTx saves evt inside the caller's transaction, so the event commits or
// rolls back together with the state change it describes.
func (s *SQLStore) SaveTx(ctx context.Context, tx *sql.Tx, evt *Event) error {
	return s.save(ctx, tx, evt)
}

func (s *SQLStore) save(ctx context.Context, q sqlstore.Querier, evt *Event) error {
	status := evt.Status
	if status == "" {
		status = StatusPending
	}
	created := evt.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	_, err := q.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO outbox_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`),
		evt.ID, evt.Topic, evt.Envelope, string(status), evt.RetryCount, evt.LastError, boolInt(evt.Dead),
		sqlstore.UnixNano(created), sqlstore.UnixNano(created),
		sqlstore.UnixNano(evt.NextAttemptAt), sqlstore.UnixNano(evt.PublishedAt), sqlstore.UnixNano(evt.LeaseUntil),
	)
	if err != nil {
		return fmt.Errorf("save outbox event %s: %w", evt.ID, err)
	}
	return nil
}

// ClaimBatch implements Store. On Postgres the selected rows are locked with
// SKIP LOCKED so concurrent relays claim disjoint batches.
func (s *SQLStore) ClaimBatch(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*Event, error) {
	var claimed []*Event
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		nowNs := sqlstore.UnixNano(now)
		rows, err := tx.QueryContext(ctx, s.db.Rebind(`
			SELECT `+eventColumns+` FROM outbox_events
			WHERE (status = ? OR (status = ? AND dead = 0 AND next_attempt_at <= ?))
			AND lease_until <= ?
			ORDER BY created_at, id
			LIMIT ?`+s.db.Dialect.LockRows()),
			string(StatusPending), string(StatusFailed), nowNs, nowNs, limit,
		)
		if err != nil {
			return fmt.Errorf("select claimable: %w", err)
		}
		claimed, err = scanEvents(rows)
		if err != nil {
			return err
		}

		leaseUntil := now.Add(lease)
		for _, e := range claimed {
			if _, err := tx.ExecContext(ctx, s.db.Rebind(`
				UPDATE outbox_events SET lease_until = ?, updated_at = ? WHERE id = ?
			`), sqlstore.UnixNano(leaseUntil), nowNs, e.ID); err != nil {
				return fmt.Errorf("lease %s: %w", e.ID, err)
			}
			e.LeaseUntil = leaseUntil
			e.UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	return claimed, nil
}

// MarkPublished implements Store.
func (s *SQLStore) MarkPublished(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE outbox_events
		SET status = ?, published_at = ?, updated_at = ?, lease_until = 0
		WHERE id = ?
	`), string(StatusPublished), sqlstore.UnixNano(at), sqlstore.UnixNano(at), id)
	if err != nil {
		return fmt.Errorf("mark published %s: %w", id, err)
	}
	return expectRow(res, id)
}

// RecordFailure implements Store. The retry count is incremented in SQL so
// concurrent writers never lose an update.
func (s *SQLStore) RecordFailure(ctx context.Context, id string, f Failure) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE outbox_events
		SET status = ?, retry_count = retry_count + 1, last_error = ?,
			next_attempt_at = ?, dead = ?, updated_at = ?, lease_until = 0
		WHERE id = ?
	`), string(StatusFailed), f.Err, sqlstore.UnixNano(f.NextAttemptAt), boolInt(f.Dead), sqlstore.UnixNano(f.At), id)
	if err != nil {
		return fmt.Errorf("record failure %s: %w", id, err)
	}
	return expectRow(res, id)
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, id string) (*Event, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`SELECT `+eventColumns+` FROM outbox_events WHERE id = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("get outbox event %s: %w", id, err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return events[0], nil
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context, filter ListFilter) ([]*Event, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.DeadOnly {
		where = append(where, "dead = 1")
	}

	query := `SELECT ` + eventColumns + ` FROM outbox_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list outbox events: %w", err)
	}
	return scanEvents(rows)
}

// Requeue implements Store.
func (s *SQLStore) Requeue(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE outbox_events
		SET status = ?, retry_count = 0, dead = 0, next_attempt_at = 0, lease_until = 0, updated_at = ?
		WHERE id = ? AND status <> ?
	`), string(StatusPending), sqlstore.UnixNano(now), id, string(StatusPublished))
	if err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrAlreadyPublished
}

// PurgePublished implements Store.
func (s *SQLStore) PurgePublished(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM outbox_events WHERE status = ? AND published_at < ?
	`), string(StatusPublished), sqlstore.UnixNano(before))
	if err != nil {
		return 0, fmt.Errorf("purge published: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge published: %w", err)
	}
	return int(n), nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var (
			e                                           Event
			status                                      string
			dead                                        int
			created, updated, next, published, leaseEnd int64
		)
		if err := rows.Scan(&e.ID, &e.Topic, &e.Envelope, &status, &e.RetryCount, &e.LastError, &dead,
			&created, &updated, &next, &published, &leaseEnd); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		e.Status = Status(status)
		e.Dead = dead != 0
		e.CreatedAt = sqlstore.FromUnixNano(created)
		e.UpdatedAt = sqlstore.FromUnixNano(updated)
		e.NextAttemptAt = sqlstore.FromUnixNano(next)
		e.PublishedAt = sqlstore.FromUnixNano(published)
		e.LeaseUntil = sqlstore.FromUnixNano(leaseEnd)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox events: %w", err)
	}
	return out, nil
}

func expectRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("outbox event %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
