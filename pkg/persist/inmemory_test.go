package persist_test

import (
	"context"
	"testing"
	"time"

	"github.com/illmade-knight/go-querycache/pkg/persist"
	"github.com/illmade-knight/go-querycache/pkg/query"
	"github.com/stretchr/testify/assert"
)

func TestInMemoryPersister(t *testing.T) {
	p := persist.NewInMemoryPersister()
	exercisePersister(t, p)
	assert.Equal(t, 0, p.Len())
	assert.NoError(t, p.Close())
}

func TestInMemoryPersister_Len(t *testing.T) {
	p := persist.NewInMemoryPersister()
	ctx := context.Background()

	_ = p.Persist(ctx, "a", query.PersistedData{Value: "1", UpdatedAt: time.Now()})
	_ = p.Persist(ctx, "b", query.PersistedData{Value: "2", UpdatedAt: time.Now()})
	_ = p.Persist(ctx, "a", query.PersistedData{Value: "3", UpdatedAt: time.Now()})

	assert.Equal(t, 2, p.Len())
}
