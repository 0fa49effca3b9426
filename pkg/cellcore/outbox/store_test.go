package outbox_test

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/cellcore/pkg/cellcore/event"
	"github.com/randalmurphal/cellcore/pkg/cellcore/outbox"
	"github.com/randalmurphal/cellcore/pkg/cellcore/sqlstore"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newOutboxEvent(t *testing.T, topic string, created time.Time) *outbox.Event {
	t.Helper()
	env := event.New(topic, "sales", event.Tenant{OrgID: "org-1"}, map[string]any{"order_id": "o-1"})
	evt, err := outbox.FromEnvelope(env)
	require.NoError(t, err)
	evt.CreatedAt = created
	return evt
}

func openSQLite(t *testing.T, dsn string) *sqlstore.DB {
	t.Helper()
	db, err := sqlstore.Open(context.Background(), "sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func storeContract(t *testing.T, s outbox.Store) {
	ctx := context.Background()
	e1 := newOutboxEvent(t, "sales.order.created", t0)
	e2 := newOutboxEvent(t, "sales.order.paid", t0.Add(time.Second))

	require.NoError(t, s.Save(ctx, e1))
	require.NoError(t, s.Save(ctx, e2))
	require.NoError(t, s.Save(ctx, e1), "saving twice is a no-op")

	got, err := s.Get(ctx, e1.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, got.Status)
	assert.Equal(t, e1.Envelope, got.Envelope)
	assert.True(t, got.CreatedAt.Equal(t0))

	claimed, err := s.ClaimBatch(ctx, t0.Add(2*time.Second), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, e1.ID, claimed[0].ID, "oldest first")
	assert.Equal(t, e2.ID, claimed[1].ID)
	assert.True(t, claimed[0].LeaseUntil.Equal(t0.Add(2*time.Second+time.Minute)))

	claimed, err = s.ClaimBatch(ctx, t0.Add(3*time.Second), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed, "leased events are hidden")

	require.NoError(t, s.RecordFailure(ctx, e1.ID, outbox.Failure{
		Err: "broker down", At: t0.Add(3 * time.Second), NextAttemptAt: t0.Add(10 * time.Second),
	}))
	require.NoError(t, s.MarkPublished(ctx, e2.ID, t0.Add(4*time.Second)))

	claimed, err = s.ClaimBatch(ctx, t0.Add(5*time.Second), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed, "retry not yet due")

	claimed, err = s.ClaimBatch(ctx, t0.Add(10*time.Second), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, e1.ID, claimed[0].ID)
	assert.Equal(t, outbox.StatusFailed, claimed[0].Status)
	assert.Equal(t, 1, claimed[0].RetryCount)
	assert.Equal(t, "broker down", claimed[0].LastError)

	require.NoError(t, s.RecordFailure(ctx, e1.ID, outbox.Failure{Err: "still down", At: t0.Add(11 * time.Second), Dead: true}))
	claimed, err = s.ClaimBatch(ctx, t0.Add(time.Hour), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed, "dead events are never claimed")

	dead, err := s.List(ctx, outbox.ListFilter{DeadOnly: true})
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 2, dead[0].RetryCount)

	published, err := s.List(ctx, outbox.ListFilter{Status: outbox.StatusPublished})
	require.NoError(t, err)
	require.Len(t, published, 1)
	assert.Equal(t, e2.ID, published[0].ID)
	assert.True(t, published[0].PublishedAt.Equal(t0.Add(4*time.Second)))

	limited, err := s.List(ctx, outbox.ListFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, e1.ID, limited[0].ID)

	assert.ErrorIs(t, s.Requeue(ctx, e2.ID, t0), outbox.ErrAlreadyPublished)
	assert.ErrorIs(t, s.Requeue(ctx, "missing", t0), outbox.ErrNotFound)
	require.NoError(t, s.Requeue(ctx, e1.ID, t0.Add(time.Hour)))

	got, err = s.Get(ctx, e1.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.False(t, got.Dead)

	assert.ErrorIs(t, s.MarkPublished(ctx, "missing", t0), outbox.ErrNotFound)
	assert.ErrorIs(t, s.RecordFailure(ctx, "missing", outbox.Failure{}), outbox.ErrNotFound)
	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, outbox.ErrNotFound)

	n, err := s.PurgePublished(ctx, t0.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = s.Get(ctx, e2.ID)
	assert.ErrorIs(t, err, outbox.ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, outbox.NewMemoryStore())
}

func TestSQLStore_SQLite(t *testing.T) {
	store, err := outbox.NewSQLStore(context.Background(), openSQLite(t, ":memory:"))
	require.NoError(t, err)
	storeContract(t, store)
}

func TestSQLStore_SaveTxRollsBackWithBusinessChange(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t, ":memory:")
	store, err := outbox.NewSQLStore(ctx, db)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx, `CREATE TABLE orders (id TEXT PRIMARY KEY)`))

	committed := newOutboxEvent(t, "sales.order.created", t0)
	require.NoError(t, db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO orders (id) VALUES (?)`, "o-1"); err != nil {
			return err
		}
		return store.SaveTx(ctx, tx, committed)
	}))

	rolledBack := newOutboxEvent(t, "sales.order.created", t0)
	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.SaveTx(ctx, tx, rolledBack); err != nil {
			return err
		}
		// Duplicate primary key aborts the business change.
		_, err := tx.ExecContext(ctx, `INSERT INTO orders (id) VALUES (?)`, "o-1")
		return err
	})
	require.Error(t, err)
	assert.True(t, sqlstore.IsUniqueViolation(err))

	_, err = store.Get(ctx, committed.ID)
	require.NoError(t, err)
	_, err = store.Get(ctx, rolledBack.ID)
	assert.ErrorIs(t, err, outbox.ErrNotFound, "event rolls back with the state change")
}

func TestSQLStore_PostgresClaimLocksRows(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	db := sqlstore.New(mockDB, sqlstore.Postgres)
	for range outbox.Schema(sqlstore.Postgres) {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	store, err := outbox.NewSQLStore(context.Background(), db)
	require.NoError(t, err)

	now := t0
	cols := []string{"id", "topic", "envelope", "status", "retry_count", "last_error", "dead",
		"created_at", "updated_at", "next_attempt_at", "published_at", "lease_until"}
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("LIMIT $5 FOR UPDATE SKIP LOCKED")).
		WithArgs("PENDING", "FAILED", now.UnixNano(), now.UnixNano(), 10).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("evt-1", "a.b", []byte(`{}`), "PENDING", 0, "", 0, now.UnixNano(), now.UnixNano(), 0, 0, 0))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE outbox_events SET lease_until = $1, updated_at = $2 WHERE id = $3")).
		WithArgs(now.Add(time.Minute).UnixNano(), now.UnixNano(), "evt-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	claimed, err := store.ClaimBatch(context.Background(), now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "evt-1", claimed[0].ID)
	assert.True(t, claimed[0].LeaseUntil.Equal(now.Add(time.Minute)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_RecordFailureIncrementsInSQL(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	store := mustStoreWithoutMigrations(t, mockDB, mock)

	mock.ExpectExec(regexp.QuoteMeta("retry_count = retry_count + 1")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err = store.RecordFailure(context.Background(), "gone", outbox.Failure{Err: "x", At: t0})
	assert.ErrorIs(t, err, outbox.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
