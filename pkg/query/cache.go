package query

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type partitionKey struct {
	key   reflect.Type
	value reflect.Type
}

func (k partitionKey) String() string {
	return fmt.Sprintf("(%v, %v)", k.key, k.value)
}

// erasedQuery is the type-independent view of a Query used for cache-wide
// operations.
type erasedQuery interface {
	MarkInvalid() bool
	refetchIfActive()
	dispose() int
	stopTimers()
	event(t EventType, withState bool) CacheEvent
}

type erasedPartition interface {
	len() int
	entries() []erasedQuery
	drain() []erasedQuery
}

type partition[K comparable, V any] struct {
	queries map[K]*Query[K, V]
}

func (p *partition[K, V]) len() int { return len(p.queries) }

func (p *partition[K, V]) entries() []erasedQuery {
	out := make([]erasedQuery, 0, len(p.queries))
	for _, q := range p.queries {
		out = append(out, q)
	}
	return out
}

func (p *partition[K, V]) drain() []erasedQuery {
	out := p.entries()
	p.queries = make(map[K]*Query[K, V])
	return out
}

type registeredObserver struct {
	handle   ObserverHandle
	observer CacheObserver
}

// Cache is the process-wide registry of queries. It holds entries of
// arbitrary, unrelated (K, V) shapes, each shape in its own partition.
//
// Partition maps are only mutated under mu. State changes of distinct queries
// proceed independently once a *Query has been obtained.
type Cache struct {
	defaults         Options
	clock            Clock
	serializer       Serializer
	logger           zerolog.Logger
	debug            bool
	persisterTimeout time.Duration

	mu         sync.Mutex
	partitions map[partitionKey]erasedPartition
	size       atomic.Int64

	observersMu sync.RWMutex
	observers   []registeredObserver

	persisterMu sync.Mutex
	persister   *persisterObserver
}

// NewCache creates an empty cache. A nil cfg uses DefaultConfig.
func NewCache(cfg *Config, logger zerolog.Logger) *Cache {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &Cache{
		defaults:         cfg.Defaults,
		clock:            cfg.Clock,
		serializer:       cfg.Serializer,
		logger:           logger.With().Str("component", "QueryCache").Logger(),
		debug:            cfg.Debug,
		persisterTimeout: cfg.PersisterTimeout,
		partitions:       make(map[partitionKey]erasedPartition),
	}
	if c.clock == nil {
		c.clock = SystemClock{}
	}
	if c.serializer == nil {
		c.serializer = JSONSerializer{}
	}
	if c.persisterTimeout <= 0 {
		c.persisterTimeout = defaultPersisterTimeout
	}
	return c
}

func partitionKeyOf[K comparable, V any]() partitionKey {
	return partitionKey{key: reflect.TypeFor[K](), value: reflect.TypeFor[V]()}
}

func typeName[T any]() string {
	return reflect.TypeFor[T]().String()
}

// lookupPartition must be called with c.mu held.
func lookupPartition[K comparable, V any](c *Cache, create bool) *partition[K, V] {
	pk := partitionKeyOf[K, V]()
	erased, ok := c.partitions[pk]
	if !ok {
		if !create {
			return nil
		}
		p := &partition[K, V]{queries: make(map[K]*Query[K, V])}
		c.partitions[pk] = p
		return p
	}
	p, ok := erased.(*partition[K, V])
	if !ok {
		panic(fmt.Sprintf("query: cache partition %v holds %T", pk, erased))
	}
	return p
}

// GetOrCreateQuery returns the entry for key, creating it on first use.
func GetOrCreateQuery[K comparable, V any](c *Cache, key K) *Query[K, V] {
	c.mu.Lock()
	p := lookupPartition[K, V](c, true)
	if q, ok := p.queries[key]; ok {
		c.mu.Unlock()
		return q
	}
	q := newQuery[K, V](c, key, c.keyString(key))
	p.queries[key] = q
	c.size.Add(1)
	c.checkSizeLocked()
	c.mu.Unlock()

	c.logger.Debug().Str("key", q.keyString).Str("value_type", typeName[V]()).Msg("Query created.")
	c.notify(func() CacheEvent { return q.event(EventCreated, true) })

	if p := c.currentPersister(); p != nil {
		p.restore(func() { restore(c, p.persister, q) })
	}
	return q
}

// GetQuery returns the entry for key without side effects.
func GetQuery[K comparable, V any](c *Cache, key K) (*Query[K, V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := lookupPartition[K, V](c, false)
	if p == nil {
		return nil, false
	}
	q, ok := p.queries[key]
	return q, ok
}

// EvictQuery removes the entry for key. It reports false if there was none.
func EvictQuery[K comparable, V any](c *Cache, key K) bool {
	c.mu.Lock()
	p := lookupPartition[K, V](c, false)
	if p == nil {
		c.mu.Unlock()
		return false
	}
	q, ok := p.queries[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(p.queries, key)
	c.decrementSizeLocked()
	c.mu.Unlock()

	c.removed(q)
	return true
}

// evictIdle is the garbage collector's eviction path. The entry is removed
// only if it is still the one registered under its key and nobody actively
// observes it.
func evictIdle[K comparable, V any](c *Cache, q *Query[K, V]) {
	c.mu.Lock()
	p := lookupPartition[K, V](c, false)
	if p == nil || p.queries[q.key] != q || q.ActiveObservers() > 0 {
		c.mu.Unlock()
		return
	}
	delete(p.queries, q.key)
	c.decrementSizeLocked()
	c.mu.Unlock()

	c.logger.Debug().Str("key", q.keyString).Msg("Query garbage collected.")
	c.removed(q)
}

func (c *Cache) removed(q erasedQuery) {
	c.notify(func() CacheEvent { return q.event(EventRemoved, false) })
	if active := q.dispose(); active > 0 && c.debug {
		panic(fmt.Sprintf("query: evicted entry %s with %d active observers", q.event(EventRemoved, false).Key, active))
	}
}

// decrementSizeLocked must be called with c.mu held.
func (c *Cache) decrementSizeLocked() {
	if c.size.Load() > 0 {
		c.size.Add(-1)
	}
	c.checkSizeLocked()
}

func (c *Cache) allQueries() []erasedQuery {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []erasedQuery
	for _, p := range c.partitions {
		out = append(out, p.entries()...)
	}
	return out
}

// InvalidateAll marks every Loaded entry in every partition Invalid. Entries
// with active observers are refetched in the background.
func (c *Cache) InvalidateAll() {
	for _, q := range c.allQueries() {
		if q.MarkInvalid() {
			q.refetchIfActive()
		}
	}
}

// InvalidateType marks every Loaded entry of the (K, V) partition Invalid and
// returns how many were transitioned.
func InvalidateType[K comparable, V any](c *Cache) int {
	c.mu.Lock()
	p := lookupPartition[K, V](c, false)
	var queries []erasedQuery
	if p != nil {
		queries = p.entries()
	}
	c.mu.Unlock()

	n := 0
	for _, q := range queries {
		if q.MarkInvalid() {
			q.refetchIfActive()
			n++
		}
	}
	return n
}

// ClearAll removes and disposes every entry, then clears the attached
// persister's store in the background.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	var drained []erasedQuery
	for _, p := range c.partitions {
		drained = append(drained, p.drain()...)
	}
	c.size.Store(0)
	c.checkSizeLocked()
	c.mu.Unlock()

	pinned := 0
	for _, q := range drained {
		c.notify(func() CacheEvent { return q.event(EventRemoved, false) })
		if q.dispose() > 0 {
			pinned++
		}
	}
	c.logger.Info().Int("removed", len(drained)).Msg("Cleared all queries.")

	if p := c.currentPersister(); p != nil {
		p.clear()
	}
	if pinned > 0 && c.debug {
		panic(fmt.Sprintf("query: cleared %d entries that still had active observers", pinned))
	}
}

// Size returns the number of entries across all partitions.
func (c *Cache) Size() int {
	return int(c.size.Load())
}

// checkSizeLocked must be called with c.mu held. It only runs in debug mode.
func (c *Cache) checkSizeLocked() {
	if !c.debug {
		return
	}
	total := 0
	for _, p := range c.partitions {
		total += p.len()
	}
	if n := c.size.Load(); n != int64(total) {
		panic(fmt.Sprintf("query: cache size %d does not match %d stored entries", n, total))
	}
}

// RegisterObserver subscribes o to every cache event.
func (c *Cache) RegisterObserver(o CacheObserver) ObserverHandle {
	handle := ObserverHandle(uuid.New())
	c.observersMu.Lock()
	c.observers = append(c.observers, registeredObserver{handle: handle, observer: o})
	c.observersMu.Unlock()
	return handle
}

// UnregisterObserver removes a previously registered observer.
func (c *Cache) UnregisterObserver(handle ObserverHandle) bool {
	c.observersMu.Lock()
	defer c.observersMu.Unlock()
	for i, r := range c.observers {
		if r.handle == handle {
			c.observers = append(c.observers[:i], c.observers[i+1:]...)
			return true
		}
	}
	return false
}

// notify builds the event only if someone is listening and fans it out. A
// panicking observer is logged and skipped.
func (c *Cache) notify(build func() CacheEvent) {
	c.observersMu.RLock()
	if len(c.observers) == 0 {
		c.observersMu.RUnlock()
		return
	}
	observers := make([]registeredObserver, len(c.observers))
	copy(observers, c.observers)
	c.observersMu.RUnlock()

	event := build()
	for _, r := range observers {
		c.deliver(r, event)
	}
}

func (c *Cache) deliver(r registeredObserver, event CacheEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error().
				Str("observer", r.handle.String()).
				Str("event", event.Type.String()).
				Interface("panic", rec).
				Msg("Cache observer panicked.")
		}
	}()
	r.observer.OnCacheEvent(event)
}

func (c *Cache) keyString(key any) string {
	b, err := c.serializer.Marshal(key)
	if err != nil {
		return fmt.Sprintf("%v", key)
	}
	return string(b)
}

type erasedState struct {
	status    Status
	value     any
	updatedAt time.Time
	hasData   bool
}

func stateAsAny[V any](s State[V]) erasedState {
	data, ok := s.QueryData()
	return erasedState{status: s.Status(), value: data.Value, updatedAt: data.UpdatedAt, hasData: ok}
}

func (c *Cache) snapshot(s erasedState) StateSnapshot {
	snap := StateSnapshot{Status: s.status.String()}
	if !s.hasData {
		return snap
	}
	at := s.updatedAt
	snap.UpdatedAt = &at
	b, err := c.serializer.Marshal(s.value)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to serialize query value for cache event.")
		return snap
	}
	snap.Value = string(b)
	return snap
}

// Close stops every garbage collection and refetch timer and the persister
// worker. The cache must not be used afterwards.
func (c *Cache) Close() {
	for _, q := range c.allQueries() {
		q.stopTimers()
	}
	c.RemovePersister()
}
