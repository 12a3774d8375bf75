package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSqliteStorePersistence(t *testing.T) {
	runPersistenceSuite(t, func(t *testing.T) StatePersistence {
		return NewSqliteStore(SqliteOptions{
			Path: filepath.Join(t.TempDir(), "states.db"),
		})
	})
}

func TestSqliteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "states.db")

	s := NewSqliteStore(SqliteOptions{Path: path})
	require.NoError(t, s.Initialize(ctx))

	ok, err := s.SaveState(ctx, "t1", "c1", map[string]any{"step": float64(1)}, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, s.Close())

	reopened := NewSqliteStore(SqliteOptions{Path: path})
	require.NoError(t, reopened.Initialize(ctx))
	defer reopened.Close()

	doc, err := reopened.LoadState(ctx, "t1", "c1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, map[string]any{"step": float64(1)}, doc.State)
}

func TestSqliteStoreCustomTableName(t *testing.T) {
	ctx := context.Background()
	s := NewSqliteStore(SqliteOptions{
		Path:      filepath.Join(t.TempDir(), "states.db"),
		TableName: "workflow_checkpoints",
	})
	require.NoError(t, s.Initialize(ctx))
	defer s.Close()

	ok, err := s.SaveState(ctx, "t1", "c1", map[string]any{"k": "v"}, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	doc, err := s.LoadState(ctx, "t1", "c1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "c1", doc.CheckpointID)
}
