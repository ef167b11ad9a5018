package persist_test

import (
	"context"
	"testing"
	"time"

	"github.com/illmade-knight/go-querycache/pkg/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exercisePersister runs the behaviour every backend must share.
func exercisePersister(t *testing.T, p query.Persister) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	updatedAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	const key = `{"user":"a/b"}`

	t.Run("Retrieve Miss", func(t *testing.T) {
		_, ok, err := p.Retrieve(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Persist and Retrieve", func(t *testing.T) {
		err := p.Persist(ctx, key, query.PersistedData{Value: `"v1"`, UpdatedAt: updatedAt})
		require.NoError(t, err)

		got, ok, err := p.Retrieve(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, `"v1"`, got.Value)
		assert.WithinDuration(t, updatedAt, got.UpdatedAt, time.Millisecond)
	})

	t.Run("Persist Overwrites", func(t *testing.T) {
		later := updatedAt.Add(time.Hour)
		err := p.Persist(ctx, key, query.PersistedData{Value: `"v2"`, UpdatedAt: later})
		require.NoError(t, err)

		got, ok, err := p.Retrieve(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, `"v2"`, got.Value)
		assert.WithinDuration(t, later, got.UpdatedAt, time.Millisecond)
	})

	t.Run("Remove", func(t *testing.T) {
		require.NoError(t, p.Remove(ctx, key))
		_, ok, err := p.Retrieve(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)

		// Removing a missing key is not an error.
		assert.NoError(t, p.Remove(ctx, key))
	})

	t.Run("Clear", func(t *testing.T) {
		for _, k := range []string{"1", "2", "3"} {
			require.NoError(t, p.Persist(ctx, k, query.PersistedData{Value: k, UpdatedAt: updatedAt}))
		}
		require.NoError(t, p.Clear(ctx))
		for _, k := range []string{"1", "2", "3"} {
			_, ok, err := p.Retrieve(ctx, k)
			require.NoError(t, err)
			assert.False(t, ok, "key %s should be cleared", k)
		}
	})
}
