package query

import (
	"context"

	"github.com/rs/zerolog"
)

// Client combines a Cache with default options. Typed operations are package
// functions parameterised by the key and value types, since the cache is
// type-erased internally.
type Client struct {
	cache    *Cache
	defaults Options
	logger   zerolog.Logger
}

// NewClient creates a client around a fresh cache. A nil cfg uses DefaultConfig.
func NewClient(cfg *Config, logger zerolog.Logger) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Client{
		cache:    NewCache(cfg, logger),
		defaults: cfg.Defaults,
		logger:   logger.With().Str("component", "QueryClient").Logger(),
	}
}

// Cache exposes the underlying cache.
func (c *Client) Cache() *Cache { return c.cache }

// Defaults returns the options every usage starts from.
func (c *Client) Defaults() Options { return c.defaults }

// Size returns the number of cached entries.
func (c *Client) Size() int { return c.cache.Size() }

// InvalidateAll marks every Loaded entry Invalid.
func (c *Client) InvalidateAll() { c.cache.InvalidateAll() }

// ClearAll evicts every entry and clears the persister.
func (c *Client) ClearAll() { c.cache.ClearAll() }

// AddPersister attaches a persister to the cache.
func (c *Client) AddPersister(p Persister) { c.cache.AddPersister(p) }

// RemovePersister detaches the persister, if any.
func (c *Client) RemovePersister() bool { return c.cache.RemovePersister() }

// HasPersister reports whether a persister is attached.
func (c *Client) HasPersister() bool { return c.cache.HasPersister() }

// RegisterCacheObserver subscribes o to cache events.
func (c *Client) RegisterCacheObserver(o CacheObserver) ObserverHandle {
	return c.cache.RegisterObserver(o)
}

// UnregisterCacheObserver removes a cache event subscriber.
func (c *Client) UnregisterCacheObserver(h ObserverHandle) bool {
	return c.cache.UnregisterObserver(h)
}

// Close stops the garbage collection and refetch timers of every entry and
// the persister worker.
func (c *Client) Close() {
	c.logger.Info().Msg("Closing query client.")
	c.cache.Close()
}

// FetchQuery fetches key and waits for the result. If a fetch for key is
// already running, it waits for that one instead of starting another. The
// returned error is only ever ctx.Err().
func FetchQuery[K comparable, V any](ctx context.Context, c *Client, key K, fetcher Fetcher[K, V]) (State[V], error) {
	q := GetOrCreateQuery[K, V](c.cache, key)
	return q.fetch(ctx, fetcher)
}

// PrefetchQuery populates key in the background if it is stale.
func PrefetchQuery[K comparable, V any](c *Client, key K, fetcher Fetcher[K, V]) {
	q := GetOrCreateQuery[K, V](c.cache, key)
	q.ensureExecute(fetcher)
}

// InvalidateQuery marks key Invalid if it is Loaded. Active observers of the
// entry trigger a background refetch.
func InvalidateQuery[K comparable, V any](c *Client, key K) bool {
	q, ok := GetQuery[K, V](c.cache, key)
	if !ok {
		return false
	}
	if !q.MarkInvalid() {
		return false
	}
	q.refetchIfActive()
	return true
}

// InvalidateQueries invalidates each key and returns the keys that changed.
func InvalidateQueries[K comparable, V any](c *Client, keys ...K) []K {
	var invalidated []K
	for _, key := range keys {
		if InvalidateQuery[K, V](c, key) {
			invalidated = append(invalidated, key)
		}
	}
	return invalidated
}

// InvalidateQueryType invalidates every entry of the (K, V) shape.
func InvalidateQueryType[K comparable, V any](c *Client) int {
	return InvalidateType[K, V](c.cache)
}

// PeekQueryState returns the current state of key without creating an entry.
func PeekQueryState[K comparable, V any](c *Client, key K) (State[V], bool) {
	q, ok := GetQuery[K, V](c.cache, key)
	if !ok {
		return Created[V](), false
	}
	return q.State(), true
}

// GetQueryState returns a passive observer bound to key. The caller owns the
// observer and must Close it.
func GetQueryState[K comparable, V any](c *Client, key K) *Observer[K, V] {
	o := NewObserver[K, V](c, nil)
	o.SetKey(key)
	return o
}

// SetQueryData writes value for key, creating the entry if needed. An
// in-flight fetch keeps its Fetching marker and will overwrite the value when
// it completes.
func SetQueryData[K comparable, V any](c *Client, key K, value V) {
	q := GetOrCreateQuery[K, V](c.cache, key)
	data := NewData(value, c.cache.clock.Now())
	q.UpdateState(func(s *State[V]) {
		if s.Status() == StatusFetching || s.Status() == StatusLoading {
			*s = Fetching(data)
			return
		}
		*s = Loaded(data)
	})
}

// UpdateQueryData computes a new value from the current one, if any. The
// entry is only written when f reports true.
func UpdateQueryData[K comparable, V any](c *Client, key K, f func(current *V) (V, bool)) bool {
	q := GetOrCreateQuery[K, V](c.cache, key)
	now := c.cache.clock.Now()
	return q.MaybeMapState(func(s State[V]) (State[V], bool) {
		var current *V
		if v, ok := s.Data(); ok {
			current = &v
		}
		next, ok := f(current)
		if !ok {
			return s, false
		}
		data := NewData(next, now)
		if s.Status() == StatusFetching || s.Status() == StatusLoading {
			return Fetching(data), true
		}
		return Loaded(data), true
	})
}

// UpdateQueryDataMut mutates the cached value in place. It reports false when
// key has no data.
//
// f receives the stored value itself. For a V holding a slice, map or
// pointer, changes made through it are also visible in states already
// delivered to listeners; use UpdateQueryData with a copied value when
// earlier snapshots must stay intact.
func UpdateQueryDataMut[K comparable, V any](c *Client, key K, f func(*V)) bool {
	q, ok := GetQuery[K, V](c.cache, key)
	if !ok {
		return false
	}
	now := c.cache.clock.Now()
	return q.MaybeMapState(func(s State[V]) (State[V], bool) {
		data, ok := s.QueryData()
		if !ok {
			return s, false
		}
		f(&data.Value)
		data.UpdatedAt = now
		return s.withData(data), true
	})
}

// CancelQuery cancels the in-flight fetch of key.
func CancelQuery[K comparable, V any](c *Client, key K) bool {
	q, ok := GetQuery[K, V](c.cache, key)
	if !ok {
		return false
	}
	return q.Cancel()
}

// RemoveQuery evicts key from the cache.
func RemoveQuery[K comparable, V any](c *Client, key K) bool {
	return EvictQuery[K, V](c.cache, key)
}
