package persist

import (
	"context"
	"sync"

	"github.com/illmade-knight/go-querycache/pkg/query"
)

// InMemoryPersister is a thread-safe, in-memory Persister. It is primarily
// intended for local development and testing, and as the fast tier of a
// TieredPersister.
type InMemoryPersister struct {
	mu   sync.RWMutex
	data map[string]query.PersistedData
}

// NewInMemoryPersister creates an empty in-memory persister.
func NewInMemoryPersister() *InMemoryPersister {
	return &InMemoryPersister{
		data: make(map[string]query.PersistedData),
	}
}

// Persist stores data under key.
func (p *InMemoryPersister) Persist(_ context.Context, key string, data query.PersistedData) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[key] = data
	return nil
}

// Remove deletes key.
func (p *InMemoryPersister) Remove(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.data, key)
	return nil
}

// Retrieve returns the row stored under key.
func (p *InMemoryPersister) Retrieve(_ context.Context, key string) (query.PersistedData, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	data, ok := p.data[key]
	return data, ok, nil
}

// Clear deletes every row.
func (p *InMemoryPersister) Clear(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data = make(map[string]query.PersistedData)
	return nil
}

// Len returns the number of stored rows.
func (p *InMemoryPersister) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.data)
}

// Close is a no-op for the in-memory implementation.
func (p *InMemoryPersister) Close() error {
	return nil
}
