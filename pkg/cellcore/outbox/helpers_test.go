package outbox_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/cellcore/pkg/cellcore/outbox"
	"github.com/randalmurphal/cellcore/pkg/cellcore/sqlstore"
)

func mustStoreWithoutMigrations(t *testing.T, mockDB *sql.DB, mock sqlmock.Sqlmock) *outbox.SQLStore {
	t.Helper()
	for range outbox.Schema(sqlstore.Postgres) {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	store, err := outbox.NewSQLStore(context.Background(), sqlstore.New(mockDB, sqlstore.Postgres))
	require.NoError(t, err)
	return store
}
