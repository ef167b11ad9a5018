package persist

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-querycache/pkg/query"
)

type lruItem struct {
	key  string
	data query.PersistedData
}

// LRUPersister is a size-limited, in-memory Persister with a Least Recently
// Used eviction policy. It bounds the fast tier of a TieredPersister.
type LRUPersister struct {
	maxSize int

	mu    sync.Mutex
	ll    *list.List // front is most recently used
	items map[string]*list.Element
}

// NewLRUPersister creates an LRUPersister holding at most maxSize rows.
func NewLRUPersister(maxSize int) (*LRUPersister, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("maxSize must be greater than 0")
	}
	return &LRUPersister{
		maxSize: maxSize,
		ll:      list.New(),
		items:   make(map[string]*list.Element),
	}, nil
}

// Persist stores data under key, evicting the least recently used row when
// over capacity.
func (p *LRUPersister) Persist(_ context.Context, key string, data query.PersistedData) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if elem, ok := p.items[key]; ok {
		elem.Value.(*lruItem).data = data
		p.ll.MoveToFront(elem)
		return nil
	}
	p.items[key] = p.ll.PushFront(&lruItem{key: key, data: data})
	if p.ll.Len() > p.maxSize {
		p.evict()
	}
	return nil
}

// evict must be called with p.mu held.
func (p *LRUPersister) evict() {
	if back := p.ll.Back(); back != nil {
		item := p.ll.Remove(back).(*lruItem)
		delete(p.items, item.key)
	}
}

// Remove deletes key.
func (p *LRUPersister) Remove(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if elem, ok := p.items[key]; ok {
		p.ll.Remove(elem)
		delete(p.items, key)
	}
	return nil
}

// Retrieve returns the row for key and marks it recently used.
func (p *LRUPersister) Retrieve(_ context.Context, key string) (query.PersistedData, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	elem, ok := p.items[key]
	if !ok {
		return query.PersistedData{}, false, nil
	}
	p.ll.MoveToFront(elem)
	return elem.Value.(*lruItem).data, true, nil
}

// Clear deletes every row.
func (p *LRUPersister) Clear(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ll.Init()
	p.items = make(map[string]*list.Element)
	return nil
}

// Len returns the number of stored rows.
func (p *LRUPersister) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ll.Len()
}

// Close is a no-op.
func (p *LRUPersister) Close() error {
	return nil
}
