package query

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Fetcher produces the value for a key. Fetch failures are expected to be
// encoded in V (see Result); the cache never inspects them.
type Fetcher[K any, V any] func(ctx context.Context, key K) V

// ObserverKind distinguishes subscriptions that drive fetching and pin the
// entry against eviction from read-only ones.
type ObserverKind int

const (
	// Active observers trigger fetch-on-mount and disable garbage collection.
	Active ObserverKind = iota
	// Passive observers only read, e.g. devtools.
	Passive
)

func (k ObserverKind) String() string {
	if k == Passive {
		return "passive"
	}
	return "active"
}

// CancellationToken marks one execution. Cancellation is cooperative: the
// fetcher keeps running, and its result is discarded at commit time.
type CancellationToken struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newCancellationToken() *CancellationToken {
	ctx, cancel := context.WithCancel(context.Background())
	return &CancellationToken{ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

// Context is passed to the fetcher so it may observe cancellation.
func (t *CancellationToken) Context() context.Context { return t.ctx }

// Cancelled reports whether Cancel was called on the owning query.
func (t *CancellationToken) Cancelled() bool { return t.ctx.Err() != nil }

// Done is closed once the execution has been finalized.
func (t *CancellationToken) Done() <-chan struct{} { return t.done }

// Subscription is one registered observer slot on a Query.
type Subscription[K comparable, V any] struct {
	slot    uint64
	kind    ObserverKind
	fetcher Fetcher[K, V]
	deliver func(State[V], uint64)

	mu    sync.Mutex
	state State[V]
	seq   uint64
}

// State returns the last state delivered to this slot.
func (s *Subscription[K, V]) State() State[V] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscription[K, V]) snapshot() (State[V], uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.seq
}

func (s *Subscription[K, V]) push(state State[V], seq uint64) {
	s.mu.Lock()
	s.state = state
	s.seq = seq
	s.mu.Unlock()
	if s.deliver != nil {
		s.deliver(state, seq)
	}
}

// Query is a single cache entry. Its state is written only through SetState,
// UpdateState, MaybeMapState and the executor; every write is delivered to all
// subscribers before the writing call returns.
//
// Subscriber callbacks run while the entry's write lock is held, so they must
// not write to the same Query synchronously.
type Query[K comparable, V any] struct {
	key       K
	keyString string
	cache     *Cache
	logger    zerolog.Logger
	gc        *garbageCollector
	refetch   *refetcher

	// transition serializes state writes together with their fan-out.
	transition sync.Mutex

	mu        sync.Mutex
	state     State[V]
	seq       uint64
	execution *CancellationToken
	subs      []*Subscription[K, V]
	nextSlot  uint64
	active    int
	timings   *timings
	disposed  bool
}

func newQuery[K comparable, V any](c *Cache, key K, keyString string) *Query[K, V] {
	q := &Query[K, V]{
		key:       key,
		keyString: keyString,
		cache:     c,
		logger:    c.logger.With().Str("key", keyString).Logger(),
		timings:   newTimings(c.defaults),
	}
	q.gc = newGarbageCollector(c.clock, c.defaults.GCTime, func() {
		evictIdle(c, q)
	})
	q.refetch = newRefetcher(c.clock, q.refetchIfActive)
	return q
}

// Key returns the entry's key.
func (q *Query[K, V]) Key() K { return q.key }

// State returns a snapshot of the current state.
func (q *Query[K, V]) State() State[V] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// SetState replaces the state and notifies every subscriber.
func (q *Query[K, V]) SetState(state State[V]) {
	q.transition.Lock()
	defer q.transition.Unlock()
	q.commit(state)
}

// UpdateState applies f to a copy of the current state and commits the result.
func (q *Query[K, V]) UpdateState(f func(*State[V])) {
	q.transition.Lock()
	defer q.transition.Unlock()
	state := q.State()
	f(&state)
	q.commit(state)
}

// MaybeMapState commits the state returned by f only if f reports true.
// Otherwise the state is left untouched and nobody is notified.
func (q *Query[K, V]) MaybeMapState(f func(State[V]) (State[V], bool)) bool {
	q.transition.Lock()
	defer q.transition.Unlock()
	next, ok := f(q.State())
	if !ok {
		return false
	}
	q.commit(next)
	return true
}

// MarkInvalid moves Loaded data to Invalid. Any other state is unchanged.
func (q *Query[K, V]) MarkInvalid() bool {
	return q.MaybeMapState(func(s State[V]) (State[V], bool) {
		if s.Status() != StatusLoaded {
			return s, false
		}
		return Invalid(s.data), true
	})
}

// commit must be called with q.transition held.
func (q *Query[K, V]) commit(state State[V]) {
	q.mu.Lock()
	q.state = state
	q.seq++
	seq := q.seq
	subs := make([]*Subscription[K, V], len(q.subs))
	copy(subs, q.subs)
	q.mu.Unlock()

	if at, ok := state.UpdatedAt(); ok {
		q.gc.setUpdatedAt(at)
	}
	for _, sub := range subs {
		sub.push(state, seq)
	}
	q.cache.notify(func() CacheEvent {
		return q.event(EventUpdated, true)
	})
}

// Register adds a subscriber slot. Active subscribers disable garbage
// collection until the last one unsubscribes. The returned function removes
// the slot and is safe to call more than once.
func (q *Query[K, V]) Register(kind ObserverKind, fetcher Fetcher[K, V], deliver func(State[V]), opts Options) (*Subscription[K, V], func()) {
	var push func(State[V], uint64)
	if deliver != nil {
		push = func(s State[V], _ uint64) { deliver(s) }
	}
	return q.register(kind, fetcher, push, opts)
}

// register is Register with deliveries stamped by commit sequence, so a
// subscriber can discard a state older than one it has already seen.
func (q *Query[K, V]) register(kind ObserverKind, fetcher Fetcher[K, V], deliver func(State[V], uint64), opts Options) (*Subscription[K, V], func()) {
	q.mu.Lock()
	q.nextSlot++
	sub := &Subscription[K, V]{
		slot:    q.nextSlot,
		kind:    kind,
		fetcher: fetcher,
		deliver: deliver,
		state:   q.state,
		seq:     q.seq,
	}
	q.subs = append(q.subs, sub)
	if kind == Active {
		q.active++
		q.timings.add(sub.slot, opts)
	}
	effective := q.timings.effective()
	disposed := q.disposed
	q.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() { q.unregister(sub, opts) })
	}
	if disposed {
		return sub, unsubscribe
	}

	if kind == Active {
		q.gc.disable()
	}
	q.gc.setGCTime(effective.GCTime)
	q.refetch.setInterval(effective.RefetchInterval)
	q.cache.notify(func() CacheEvent {
		ev := q.event(EventObserverAdded, false)
		ev.Observer = &ObserverSnapshot{Kind: kind.String(), Options: opts}
		return ev
	})
	return sub, unsubscribe
}

func (q *Query[K, V]) unregister(sub *Subscription[K, V], opts Options) {
	q.mu.Lock()
	for i, s := range q.subs {
		if s == sub {
			q.subs = append(q.subs[:i], q.subs[i+1:]...)
			break
		}
	}
	idle := false
	if sub.kind == Active {
		q.active--
		q.timings.withdraw(sub.slot)
		idle = q.active == 0
	}
	effective := q.timings.effective()
	disposed := q.disposed
	q.mu.Unlock()

	if disposed {
		return
	}
	q.gc.setGCTime(effective.GCTime)
	q.refetch.setInterval(effective.RefetchInterval)
	if idle {
		q.gc.enable()
	}
	q.cache.notify(func() CacheEvent {
		ev := q.event(EventObserverRemoved, false)
		ev.Observer = &ObserverSnapshot{Kind: sub.kind.String(), Options: opts}
		return ev
	})
}

// ActiveObservers returns the number of active subscribers.
func (q *Query[K, V]) ActiveObservers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Observers returns the number of subscribers of either kind.
func (q *Query[K, V]) Observers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.subs)
}

// EffectiveOptions returns the options currently aggregated across subscribers.
func (q *Query[K, V]) EffectiveOptions() Options {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.timings.effective()
}

// IsStale reports whether the entry should be refetched on next active use.
func (q *Query[K, V]) IsStale() bool {
	state := q.State()
	switch state.Status() {
	case StatusCreated, StatusInvalid:
		return true
	case StatusLoading, StatusFetching:
		return false
	}
	updatedAt, _ := state.UpdatedAt()
	staleTime := q.EffectiveOptions().StaleTime
	return TimeUntilStale(updatedAt, staleTime, q.cache.clock.Now()) == 0
}

// NewExecution claims the single execution slot. It returns false when a
// non-cancelled execution is already outstanding.
func (q *Query[K, V]) NewExecution() (*CancellationToken, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return nil, false
	}
	if q.execution != nil && !q.execution.Cancelled() {
		return nil, false
	}
	q.execution = newCancellationToken()
	return q.execution, true
}

// FinalizeExecution releases the slot claimed by NewExecution. It must be
// called exactly once per token.
func (q *Query[K, V]) FinalizeExecution(token *CancellationToken) {
	q.mu.Lock()
	if q.execution == token {
		q.execution = nil
	}
	q.mu.Unlock()
	token.cancel()
	close(token.done)
}

// Cancel signals the outstanding execution. It reports whether there was a
// live execution to cancel.
func (q *Query[K, V]) Cancel() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.execution == nil || q.execution.Cancelled() {
		return false
	}
	q.execution.cancel()
	return true
}

// IsFetching reports whether a non-cancelled execution is outstanding.
func (q *Query[K, V]) IsFetching() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.execution != nil && !q.execution.Cancelled()
}

func (q *Query[K, V]) inflight() *CancellationToken {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.execution
}

// otherExecutionActive must be called with q.mu held.
func (q *Query[K, V]) otherExecutionActive(token *CancellationToken) bool {
	return q.execution != nil && q.execution != token && !q.execution.Cancelled()
}

// Execute runs fetcher unless another execution is already in flight, in
// which case it returns immediately.
func (q *Query[K, V]) Execute(fetcher Fetcher[K, V]) {
	token, ok := q.NewExecution()
	if !ok {
		return
	}
	q.run(token, fetcher)
}

func (q *Query[K, V]) run(token *CancellationToken, fetcher Fetcher[K, V]) {
	defer q.FinalizeExecution(token)

	q.transition.Lock()
	previous, hadData := q.State().QueryData()
	if hadData {
		q.commit(Fetching(previous))
	} else {
		q.commit(Loading[V]())
	}
	q.transition.Unlock()

	q.logger.Debug().Bool("refetch", hadData).Msg("Executing fetcher.")
	value := fetcher(token.Context(), q.key)

	q.transition.Lock()
	defer q.transition.Unlock()

	if !token.Cancelled() {
		q.commit(Loaded(NewData(value, q.cache.clock.Now())))
		return
	}

	q.logger.Debug().Msg("Execution was cancelled, discarding result.")
	q.mu.Lock()
	current := q.state
	other := q.otherExecutionActive(token)
	q.mu.Unlock()
	if other {
		return
	}
	switch current.Status() {
	case StatusLoading:
		q.commit(Created[V]())
	case StatusFetching:
		q.commit(Loaded(current.data))
	}
}

// fetch runs or joins an execution and waits for it to finish.
func (q *Query[K, V]) fetch(ctx context.Context, fetcher Fetcher[K, V]) (State[V], error) {
	token, started := q.NewExecution()
	if started {
		go q.run(token, fetcher)
	} else {
		token = q.inflight()
	}
	if token != nil {
		select {
		case <-token.Done():
		case <-ctx.Done():
			return q.State(), ctx.Err()
		}
	}
	return q.State(), nil
}

// ensureExecute starts a background execution if the entry is stale.
func (q *Query[K, V]) ensureExecute(fetcher Fetcher[K, V]) {
	if fetcher == nil || !q.IsStale() {
		return
	}
	go q.Execute(fetcher)
}

// refetchIfActive starts a background execution with the fetcher of the first
// active subscriber, if there is one. It also drives the refetch interval.
func (q *Query[K, V]) refetchIfActive() {
	q.mu.Lock()
	var fetcher Fetcher[K, V]
	for _, sub := range q.subs {
		if sub.kind == Active && sub.fetcher != nil {
			fetcher = sub.fetcher
			break
		}
	}
	q.mu.Unlock()
	if fetcher != nil {
		go q.Execute(fetcher)
	}
}

func (q *Query[K, V]) isDisposed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.disposed
}

// dispose releases the entry once it has left the cache. It returns the
// number of active observers still attached, which should be zero.
func (q *Query[K, V]) dispose() int {
	q.mu.Lock()
	active := q.active
	q.disposed = true
	execution := q.execution
	q.mu.Unlock()

	if active > 0 {
		q.logger.Warn().Int("active_observers", active).Msg("Disposing query that still has active observers.")
	}
	if execution != nil {
		execution.cancel()
	}
	q.stopTimers()
	return active
}

func (q *Query[K, V]) event(t EventType, withState bool) CacheEvent {
	ev := CacheEvent{
		Type:      t,
		Key:       q.keyString,
		KeyType:   typeName[K](),
		ValueType: typeName[V](),
		Time:      q.cache.clock.Now(),
	}
	if withState {
		snapshot := q.cache.snapshot(stateAsAny(q.State()))
		ev.State = &snapshot
	}
	return ev
}

func (q *Query[K, V]) stopTimers() {
	q.gc.stop()
	q.refetch.stop()
}
