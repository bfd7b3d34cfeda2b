package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/contracts"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLStore(db, Postgres), mock
}

func TestRebind(t *testing.T) {
	q := "UPDATE t SET a = ? WHERE b = ? AND c = ?"
	assert.Equal(t, q, SQLite.rebind(q))
	assert.Equal(t, "UPDATE t SET a = $1 WHERE b = $2 AND c = $3", Postgres.rebind(q))
}

func TestPostgresMigrate(t *testing.T) {
	s, mock := newMockStore(t)
	for range migrations {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecordNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM executed_intents WHERE intent_id = $1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.Record(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecords(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"intent_id", "entity_id", "action", "manifest_digest", "executed_at"}).
		AddRow("i-2", "user-456", "transfer", "sha256:2", "2025-06-01T10:00:02.000000000Z").
		AddRow("i-1", "user-456", "execute_trade", "sha256:1", "2025-06-01T10:00:01.000000000Z")
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY executed_at DESC, intent_id LIMIT $1")).
		WithArgs(int64(DefaultListLimit)).
		WillReturnRows(rows)

	recs, err := s.Records(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "i-2", recs[0].IntentID)
	assert.Equal(t, "transfer", recs[0].Action)
	assert.True(t, recs[1].ExecutedAt.Equal(epoch.Add(time.Second)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTransactionLocksEntity(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM entity_states WHERE entity_id = $1 FOR UPDATE")).
		WithArgs("user-456").
		WillReturnRows(sqlmock.NewRows([]string{"entity_id", "version", "attributes", "updated_at"}).
			AddRow("user-456", int64(10), `{"balance":5000}`, "2025-06-01T10:00:00.000000000Z"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE entity_states SET version = $1, attributes = $2, updated_at = $3")).
		WithArgs(int64(11), `{"balance":4000}`, sqlmock.AnyArg(), "user-456", int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (intent_id) DO NOTHING")).
		WithArgs("intent-1", "user-456", "execute_trade", "sha256:abc", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithinEntity(ctx, "user-456", func(tx Tx) error {
		cur, err := tx.Entity(ctx)
		if err != nil {
			return err
		}
		assert.Equal(t, contracts.Int(5000), cur.Attributes["balance"])
		next := *cur
		next.Version = 11
		next.Attributes = contracts.Attributes{"balance": contracts.Int(4000)}
		if err := tx.SwapEntity(ctx, &next, 10); err != nil {
			return err
		}
		return tx.InsertRecord(ctx, record("intent-1", "user-456", epoch))
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDuplicateInsertRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (intent_id) DO NOTHING")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.WithinEntity(ctx, "user-456", func(tx Tx) error {
		return tx.InsertRecord(ctx, record("intent-1", "user-456", epoch))
	})
	require.ErrorIs(t, err, ErrDuplicateRecord)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLostSwapIsConflict(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE entity_states").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.WithinEntity(ctx, "user-456", func(tx Tx) error {
		return tx.SwapEntity(ctx, &contracts.EntityState{EntityID: "user-456", Version: 11, UpdatedAt: epoch}, 10)
	})
	require.ErrorIs(t, err, ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateEntityExisting(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (entity_id) DO NOTHING")).
		WithArgs("user-456", int64(10), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.CreateEntity(context.Background(), &contracts.EntityState{
		EntityID:   "user-456",
		Version:    10,
		Attributes: contracts.Attributes{"balance": contracts.Int(5000)},
		UpdatedAt:  time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	})
	require.ErrorIs(t, err, ErrEntityExists)
	require.NoError(t, mock.ExpectationsWereMet())
}
