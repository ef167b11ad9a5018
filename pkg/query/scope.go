package query

import "context"

// Scope binds a fetcher and per-usage options for one (K, V) query shape, so
// call sites only deal in keys.
type Scope[K comparable, V any] struct {
	client  *Client
	fetcher Fetcher[K, V]
	opts    []Option
}

// NewScope declares a query shape on c.
func NewScope[K comparable, V any](c *Client, fetcher Fetcher[K, V], opts ...Option) *Scope[K, V] {
	return &Scope[K, V]{client: c, fetcher: fetcher, opts: opts}
}

// Use returns an active observer bound to key. The caller must Close it.
func (s *Scope[K, V]) Use(key K) *Observer[K, V] {
	o := NewObserver[K, V](s.client, s.fetcher, s.opts...)
	o.SetKey(key)
	return o
}

// Fetch fetches key and waits for the result.
func (s *Scope[K, V]) Fetch(ctx context.Context, key K) (State[V], error) {
	return FetchQuery[K, V](ctx, s.client, key, s.fetcher)
}

// Prefetch populates key in the background.
func (s *Scope[K, V]) Prefetch(key K) {
	PrefetchQuery[K, V](s.client, key, s.fetcher)
}

// Peek returns the current state of key without creating it.
func (s *Scope[K, V]) Peek(key K) (State[V], bool) {
	return PeekQueryState[K, V](s.client, key)
}

// Invalidate marks key Invalid.
func (s *Scope[K, V]) Invalidate(key K) bool {
	return InvalidateQuery[K, V](s.client, key)
}

// InvalidateAll marks every entry of this shape Invalid.
func (s *Scope[K, V]) InvalidateAll() int {
	return InvalidateQueryType[K, V](s.client)
}

// Set writes value for key.
func (s *Scope[K, V]) Set(key K, value V) {
	SetQueryData[K, V](s.client, key, value)
}

// Update computes a new value for key from the current one.
func (s *Scope[K, V]) Update(key K, f func(current *V) (V, bool)) bool {
	return UpdateQueryData[K, V](s.client, key, f)
}

// Cancel cancels the in-flight fetch for key.
func (s *Scope[K, V]) Cancel(key K) bool {
	return CancelQuery[K, V](s.client, key)
}
