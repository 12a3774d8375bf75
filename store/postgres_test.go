package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresStoreWithPool(mock, ""), mock
}

func TestPostgresStoreInitializeCreatesSchema(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS graph_states")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Initialize(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreSaveState(t *testing.T) {
	ctx := context.Background()

	t.Run("upserts on conflict", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)

		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO graph_states")).
			WithArgs("t1", "c1", []byte(`{"step":1}`), []byte(`{"user":"u1"}`), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		ok, err := s.SaveState(ctx, "t1", "c1", map[string]any{"step": 1}, map[string]any{"user": "u1"})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nil metadata becomes null", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)

		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO graph_states")).
			WithArgs("t1", "c1", []byte(`{"step":1}`), []byte(nil), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		ok, err := s.SaveState(ctx, "t1", "c1", map[string]any{"step": 1}, nil)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("backend failure is swallowed", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)

		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO graph_states")).
			WithArgs("t1", "c1", []byte(`{"step":1}`), []byte(nil), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(errors.New("connection reset"))

		ok, err := s.SaveState(ctx, "t1", "c1", map[string]any{"step": 1}, nil)
		assert.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStoreLoadState(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	columns := []string{"thread_id", "checkpoint_id", "state", "metadata", "created_at", "updated_at"}

	t.Run("specific checkpoint", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)

		mock.ExpectQuery(regexp.QuoteMeta("WHERE thread_id = $1 AND checkpoint_id = $2")).
			WithArgs("t1", "c1").
			WillReturnRows(pgxmock.NewRows(columns).
				AddRow("t1", "c1", []byte(`{"step":2}`), []byte(`{"user":"u1"}`), now, now))

		doc, err := s.LoadState(ctx, "t1", "c1")
		require.NoError(t, err)
		require.NotNil(t, doc)
		assert.Equal(t, "t1", doc.ThreadID)
		assert.Equal(t, "c1", doc.CheckpointID)
		assert.Equal(t, map[string]any{"step": float64(2)}, doc.State)
		assert.Equal(t, map[string]any{"user": "u1"}, doc.Metadata)
		assert.True(t, doc.CreatedAt.Equal(now))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty checkpoint id loads latest", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)

		mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC, id DESC")).
			WithArgs("t1").
			WillReturnRows(pgxmock.NewRows(columns).
				AddRow("t1", "c9", []byte(`{"step":9}`), []byte(nil), now, now))

		doc, err := s.LoadState(ctx, "t1", "")
		require.NoError(t, err)
		require.NotNil(t, doc)
		assert.Equal(t, "c9", doc.CheckpointID)
		assert.Nil(t, doc.Metadata)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing row is nil not error", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)

		mock.ExpectQuery(regexp.QuoteMeta("WHERE thread_id = $1 AND checkpoint_id = $2")).
			WithArgs("t1", "gone").
			WillReturnError(pgx.ErrNoRows)

		doc, err := s.LoadState(ctx, "t1", "gone")
		require.NoError(t, err)
		assert.Nil(t, doc)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("query failure wraps ErrConnection", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)

		mock.ExpectQuery(regexp.QuoteMeta("WHERE thread_id = $1 AND checkpoint_id = $2")).
			WithArgs("t1", "c1").
			WillReturnError(errors.New("connection refused"))

		_, err := s.LoadState(ctx, "t1", "c1")
		assert.ErrorIs(t, err, ErrConnection)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("corrupt state wraps ErrSerialization", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)

		mock.ExpectQuery(regexp.QuoteMeta("WHERE thread_id = $1 AND checkpoint_id = $2")).
			WithArgs("t1", "c1").
			WillReturnRows(pgxmock.NewRows(columns).
				AddRow("t1", "c1", []byte(`{not json`), []byte(nil), now, now))

		_, err := s.LoadState(ctx, "t1", "c1")
		assert.ErrorIs(t, err, ErrSerialization)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStoreListCheckpoints(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	columns := []string{"thread_id", "checkpoint_id", "state", "metadata", "created_at", "updated_at"}

	t.Run("newest first with explicit limit", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)

		mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC, id DESC")).
			WithArgs("t1", 2).
			WillReturnRows(pgxmock.NewRows(columns).
				AddRow("t1", "c3", []byte(`{"step":3}`), []byte(nil), now, now).
				AddRow("t1", "c2", []byte(`{"step":2}`), []byte(nil), now.Add(-time.Second), now.Add(-time.Second)))

		docs, err := s.ListCheckpoints(ctx, "t1", 2)
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, "c3", docs[0].CheckpointID)
		assert.Equal(t, "c2", docs[1].CheckpointID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("zero limit falls back to the default", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)

		mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC, id DESC")).
			WithArgs("t1", DefaultListLimit).
			WillReturnRows(pgxmock.NewRows(columns))

		docs, err := s.ListCheckpoints(ctx, "t1", 0)
		require.NoError(t, err)
		assert.Empty(t, docs)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStoreDeleteState(t *testing.T) {
	ctx := context.Background()

	t.Run("single checkpoint", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)

		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM graph_states WHERE thread_id = $1 AND checkpoint_id = $2")).
			WithArgs("t1", "c1").
			WillReturnResult(pgxmock.NewResult("DELETE", 1))

		ok, err := s.DeleteState(ctx, "t1", "c1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty checkpoint id deletes the thread", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)

		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM graph_states WHERE thread_id = $1")).
			WithArgs("t1").
			WillReturnResult(pgxmock.NewResult("DELETE", 3))

		ok, err := s.DeleteState(ctx, "t1", "")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("backend failure is swallowed", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)

		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM graph_states")).
			WithArgs("t1", "c1").
			WillReturnError(errors.New("connection reset"))

		ok, err := s.DeleteState(ctx, "t1", "c1")
		assert.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStoreLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("operations before initialize", func(t *testing.T) {
		s := NewPostgresStore(Config{ConnectionString: "postgresql://localhost/test"})

		_, err := s.SaveState(ctx, "t1", "c1", map[string]any{}, nil)
		assert.ErrorIs(t, err, ErrInvalidState)
		_, err = s.LoadState(ctx, "t1", "c1")
		assert.ErrorIs(t, err, ErrInvalidState)
		_, err = s.ListCheckpoints(ctx, "t1", 0)
		assert.ErrorIs(t, err, ErrInvalidState)
		_, err = s.DeleteState(ctx, "t1", "")
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("operations after close", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)

		require.NoError(t, s.Close())
		require.NoError(t, s.Close())

		_, err := s.LoadState(ctx, "t1", "c1")
		assert.ErrorIs(t, err, ErrInvalidState)
		err = s.Initialize(ctx)
		assert.ErrorIs(t, err, ErrInvalidState)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
