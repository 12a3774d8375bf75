package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runPersistenceSuite exercises the shared StatePersistence contract against
// a live backend. newStore must return a fresh, not-yet-initialized driver;
// the suite owns its lifecycle.
func runPersistenceSuite(t *testing.T, newStore func(t *testing.T) StatePersistence) {
	t.Helper()
	ctx := context.Background()

	open := func(t *testing.T) StatePersistence {
		t.Helper()
		s := newStore(t)
		require.NoError(t, s.Initialize(ctx))
		t.Cleanup(func() { _ = s.Close() })
		return s
	}

	t.Run("round trip preserves nested payloads", func(t *testing.T) {
		s := open(t)

		state := map[string]any{
			"messages": []any{"Hello", "How are you?"},
			"step":     float64(2),
			"flags":    map[string]any{"done": false, "retries": nil},
			"ratio":    0.25,
		}
		metadata := map[string]any{"user_id": "user_456"}

		ok, err := s.SaveState(ctx, "conversation_123", "checkpoint_001", state, metadata)
		require.NoError(t, err)
		assert.True(t, ok)

		doc, err := s.LoadState(ctx, "conversation_123", "checkpoint_001")
		require.NoError(t, err)
		require.NotNil(t, doc)
		assert.Equal(t, "conversation_123", doc.ThreadID)
		assert.Equal(t, "checkpoint_001", doc.CheckpointID)
		assert.Equal(t, state, doc.State)
		assert.Equal(t, metadata, doc.Metadata)
		assert.False(t, doc.CreatedAt.IsZero())
		assert.False(t, doc.UpdatedAt.Before(doc.CreatedAt))
	})

	t.Run("nil metadata stays absent", func(t *testing.T) {
		s := open(t)

		ok, err := s.SaveState(ctx, "t-meta", "c1", map[string]any{"k": "v"}, nil)
		require.NoError(t, err)
		assert.True(t, ok)

		doc, err := s.LoadState(ctx, "t-meta", "c1")
		require.NoError(t, err)
		require.NotNil(t, doc)
		assert.Nil(t, doc.Metadata)
	})

	t.Run("second save upserts and keeps created_at", func(t *testing.T) {
		s := open(t)

		ok, err := s.SaveState(ctx, "t-upsert", "c1", map[string]any{"step": float64(1)}, nil)
		require.NoError(t, err)
		assert.True(t, ok)

		first, err := s.LoadState(ctx, "t-upsert", "c1")
		require.NoError(t, err)
		require.NotNil(t, first)

		time.Sleep(10 * time.Millisecond)

		ok, err = s.SaveState(ctx, "t-upsert", "c1", map[string]any{"step": float64(2)}, map[string]any{"retry": true})
		require.NoError(t, err)
		assert.True(t, ok)

		second, err := s.LoadState(ctx, "t-upsert", "c1")
		require.NoError(t, err)
		require.NotNil(t, second)
		assert.Equal(t, map[string]any{"step": float64(2)}, second.State)
		assert.Equal(t, map[string]any{"retry": true}, second.Metadata)
		assert.True(t, second.CreatedAt.Equal(first.CreatedAt),
			"created_at changed on upsert: %v -> %v", first.CreatedAt, second.CreatedAt)
		assert.True(t, second.UpdatedAt.After(first.UpdatedAt))

		docs, err := s.ListCheckpoints(ctx, "t-upsert", 0)
		require.NoError(t, err)
		assert.Len(t, docs, 1, "upsert must not duplicate")
	})

	t.Run("missing checkpoint is absent not error", func(t *testing.T) {
		s := open(t)

		doc, err := s.LoadState(ctx, "no-such-thread", "no-such-checkpoint")
		require.NoError(t, err)
		assert.Nil(t, doc)

		doc, err = s.LoadState(ctx, "no-such-thread", "")
		require.NoError(t, err)
		assert.Nil(t, doc)

		docs, err := s.ListCheckpoints(ctx, "no-such-thread", 5)
		require.NoError(t, err)
		assert.Empty(t, docs)
	})

	t.Run("load latest and list ordering", func(t *testing.T) {
		s := open(t)

		for i := 1; i <= 5; i++ {
			ok, err := s.SaveState(ctx, "t-order", fmt.Sprintf("c%d", i), map[string]any{"step": float64(i)}, nil)
			require.NoError(t, err)
			assert.True(t, ok)
			time.Sleep(10 * time.Millisecond)
		}

		latest, err := s.LoadState(ctx, "t-order", "")
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, "c5", latest.CheckpointID)

		docs, err := s.ListCheckpoints(ctx, "t-order", 3)
		require.NoError(t, err)
		require.Len(t, docs, 3)
		assert.Equal(t, "c5", docs[0].CheckpointID)
		assert.Equal(t, "c4", docs[1].CheckpointID)
		assert.Equal(t, "c3", docs[2].CheckpointID)
		for i := 1; i < len(docs); i++ {
			assert.False(t, docs[i-1].CreatedAt.Before(docs[i].CreatedAt),
				"list must be newest first")
		}

		all, err := s.ListCheckpoints(ctx, "t-order", 0)
		require.NoError(t, err)
		assert.Len(t, all, 5, "default limit covers all five")
	})

	t.Run("delete single checkpoint", func(t *testing.T) {
		s := open(t)

		for _, id := range []string{"keep-1", "drop", "keep-2"} {
			ok, err := s.SaveState(ctx, "t-del", id, map[string]any{"id": id}, nil)
			require.NoError(t, err)
			assert.True(t, ok)
			time.Sleep(5 * time.Millisecond)
		}

		ok, err := s.DeleteState(ctx, "t-del", "drop")
		require.NoError(t, err)
		assert.True(t, ok)

		doc, err := s.LoadState(ctx, "t-del", "drop")
		require.NoError(t, err)
		assert.Nil(t, doc)

		docs, err := s.ListCheckpoints(ctx, "t-del", 0)
		require.NoError(t, err)
		assert.Len(t, docs, 2)

		// Deleting the same key again is still a success.
		ok, err = s.DeleteState(ctx, "t-del", "drop")
		require.NoError(t, err)
		assert.True(t, ok)

		// So is deleting a key that never existed.
		ok, err = s.DeleteState(ctx, "t-del", "never-was")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("scenario save list load delete", func(t *testing.T) {
		s := open(t)

		for i := 1; i <= 3; i++ {
			ok, err := s.SaveState(ctx, "t1", fmt.Sprintf("c%d", i), map[string]any{"step": float64(i)}, nil)
			require.NoError(t, err)
			assert.True(t, ok)
			time.Sleep(10 * time.Millisecond)
		}

		docs, err := s.ListCheckpoints(ctx, "t1", 2)
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, "c3", docs[0].CheckpointID)
		assert.Equal(t, map[string]any{"step": float64(3)}, docs[0].State)
		assert.Equal(t, "c2", docs[1].CheckpointID)
		assert.Equal(t, map[string]any{"step": float64(2)}, docs[1].State)

		doc, err := s.LoadState(ctx, "t1", "c1")
		require.NoError(t, err)
		require.NotNil(t, doc)
		assert.Equal(t, map[string]any{"step": float64(1)}, doc.State)

		ok, err := s.DeleteState(ctx, "t1", "")
		require.NoError(t, err)
		assert.True(t, ok)

		docs, err = s.ListCheckpoints(ctx, "t1", 0)
		require.NoError(t, err)
		assert.Empty(t, docs)

		for i := 1; i <= 3; i++ {
			doc, err := s.LoadState(ctx, "t1", fmt.Sprintf("c%d", i))
			require.NoError(t, err)
			assert.Nil(t, doc)
		}
	})

	t.Run("thread deletion leaves other threads alone", func(t *testing.T) {
		s := open(t)

		ok, err := s.SaveState(ctx, "t-a", "c1", map[string]any{"v": float64(1)}, nil)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.SaveState(ctx, "t-b", "c1", map[string]any{"v": float64(2)}, nil)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.DeleteState(ctx, "t-a", "")
		require.NoError(t, err)
		assert.True(t, ok)

		doc, err := s.LoadState(ctx, "t-b", "c1")
		require.NoError(t, err)
		require.NotNil(t, doc)
		assert.Equal(t, map[string]any{"v": float64(2)}, doc.State)
	})

	t.Run("lifecycle state machine", func(t *testing.T) {
		s := newStore(t)

		// Before Initialize.
		_, err := s.SaveState(ctx, "t", "c", map[string]any{}, nil)
		assert.ErrorIs(t, err, ErrInvalidState)
		_, err = s.LoadState(ctx, "t", "c")
		assert.ErrorIs(t, err, ErrInvalidState)
		_, err = s.ListCheckpoints(ctx, "t", 0)
		assert.ErrorIs(t, err, ErrInvalidState)
		_, err = s.DeleteState(ctx, "t", "")
		assert.ErrorIs(t, err, ErrInvalidState)

		// Close before Initialize is a no-op.
		assert.NoError(t, s.Close())

		s = newStore(t)
		require.NoError(t, s.Initialize(ctx))
		// Initialize is idempotent.
		require.NoError(t, s.Initialize(ctx))

		ok, err := s.SaveState(ctx, "t", "c", map[string]any{"k": "v"}, nil)
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, s.Close())
		require.NoError(t, s.Close())

		_, err = s.LoadState(ctx, "t", "c")
		assert.ErrorIs(t, err, ErrInvalidState)
		err = s.Initialize(ctx)
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("cancelled context surfaces", func(t *testing.T) {
		s := open(t)

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := s.SaveState(cancelled, "t-ctx", "c1", map[string]any{"k": "v"}, nil)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
