package persist_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/illmade-knight/go-querycache/pkg/persist"
	"github.com/illmade-knight/go-querycache/pkg/query"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRow(value string) query.PersistedData {
	return query.PersistedData{Value: value, UpdatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// failingPersister returns err from every operation.
type failingPersister struct {
	err error
}

func (f failingPersister) Persist(context.Context, string, query.PersistedData) error { return f.err }
func (f failingPersister) Remove(context.Context, string) error                       { return f.err }
func (f failingPersister) Clear(context.Context) error                                { return f.err }
func (f failingPersister) Retrieve(context.Context, string) (query.PersistedData, bool, error) {
	return query.PersistedData{}, false, f.err
}

func TestTieredPersister(t *testing.T) {
	p := persist.NewTieredPersister(nil, persist.NewInMemoryPersister(), persist.NewInMemoryPersister(), zerolog.Nop())
	exercisePersister(t, p)
	assert.NoError(t, p.Close())
}

func TestTieredPersister_WritesBothTiers(t *testing.T) {
	ctx := context.Background()
	fast, durable := persist.NewInMemoryPersister(), persist.NewInMemoryPersister()
	p := persist.NewTieredPersister(nil, fast, durable, zerolog.Nop())

	require.NoError(t, p.Persist(ctx, "k", testRow("v")))

	assert.Equal(t, 1, fast.Len())
	assert.Equal(t, 1, durable.Len())
}

func TestTieredPersister_DurableHitWritesBack(t *testing.T) {
	// Arrange
	ctx := context.Background()
	fast, durable := persist.NewInMemoryPersister(), persist.NewInMemoryPersister()
	require.NoError(t, durable.Persist(ctx, "k", testRow("durable")))
	p := persist.NewTieredPersister(&persist.TieredConfig{WriteBackTimeout: time.Second}, fast, durable, zerolog.Nop())

	// Act
	got, ok, err := p.Retrieve(ctx, "k")

	// Assert
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "durable", got.Value)
	assert.Eventually(t, func() bool {
		row, hit, _ := fast.Retrieve(ctx, "k")
		return hit && row.Value == "durable"
	}, time.Second, 10*time.Millisecond)
}

func TestTieredPersister_FastFailureFallsBack(t *testing.T) {
	ctx := context.Background()
	durable := persist.NewInMemoryPersister()
	require.NoError(t, durable.Persist(ctx, "k", testRow("durable")))
	p := persist.NewTieredPersister(nil, failingPersister{err: errors.New("redis down")}, durable, zerolog.Nop())

	got, ok, err := p.Retrieve(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "durable", got.Value)
}

func TestTieredPersister_JoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	p := persist.NewTieredPersister(nil, persist.NewInMemoryPersister(), failingPersister{err: boom}, zerolog.Nop())
	ctx := context.Background()

	assert.ErrorIs(t, p.Persist(ctx, "k", testRow("v")), boom)
	assert.ErrorIs(t, p.Remove(ctx, "k"), boom)
	assert.ErrorIs(t, p.Clear(ctx), boom)

	_, _, err := p.Retrieve(ctx, "missing")
	assert.ErrorIs(t, err, boom)
}

// slowWriter delays Persist so a write-back is still running when the caller
// moves on.
type slowWriter struct {
	*persist.InMemoryPersister
	delay time.Duration
}

func (s slowWriter) Persist(ctx context.Context, key string, data query.PersistedData) error {
	time.Sleep(s.delay)
	return s.InMemoryPersister.Persist(ctx, key, data)
}

func TestTieredPersister_WriteBackNeverRevivesRemovedKey(t *testing.T) {
	for _, tc := range []struct {
		name  string
		erase func(ctx context.Context, p *persist.TieredPersister) error
	}{
		{name: "Remove", erase: func(ctx context.Context, p *persist.TieredPersister) error { return p.Remove(ctx, "k") }},
		{name: "Clear", erase: func(ctx context.Context, p *persist.TieredPersister) error { return p.Clear(ctx) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			// Arrange
			ctx := context.Background()
			fast, durable := persist.NewInMemoryPersister(), persist.NewInMemoryPersister()
			require.NoError(t, durable.Persist(ctx, "k", testRow("durable")))
			p := persist.NewTieredPersister(nil, slowWriter{InMemoryPersister: fast, delay: 30 * time.Millisecond}, durable, zerolog.Nop())
			_, ok, err := p.Retrieve(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok)

			// Act
			require.NoError(t, tc.erase(ctx, p))
			require.NoError(t, p.Close())

			// Assert
			_, hit, err := p.Retrieve(ctx, "k")
			require.NoError(t, err)
			assert.False(t, hit, "a write-back must not bring the key back")
			assert.Equal(t, 0, fast.Len())
		})
	}
}
