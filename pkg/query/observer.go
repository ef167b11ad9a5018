package query

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// ListenerID identifies a listener added to an Observer.
type ListenerID uint64

type listener[V any] struct {
	id ListenerID
	fn func(State[V])
}

// Observer is the subscription of one usage site. An observer with a fetcher
// is Active: it starts fetching when bound to a stale entry and keeps the entry
// from being garbage collected. Without a fetcher it is Passive.
//
// SetKey, ClearKey and Close must be called from a single goroutine, the usage
// site that owns the observer.
type Observer[K comparable, V any] struct {
	client  *Client
	fetcher Fetcher[K, V]
	options Options
	logger  zerolog.Logger

	mu          sync.Mutex
	query       *Query[K, V]
	unsubscribe func()
	listeners   []listener[V]
	nextID      ListenerID
	state       State[V]
	seq         uint64
	seen        bool
	changed     chan struct{}
	closed      bool
}

// NewObserver creates an unbound observer. Bind it with SetKey. An active
// observer's RefetchInterval joins those of the entry's other active
// observers; the entry is refetched on the shortest of them.
func NewObserver[K comparable, V any](c *Client, fetcher Fetcher[K, V], opts ...Option) *Observer[K, V] {
	return &Observer[K, V]{
		client:  c,
		fetcher: fetcher,
		options: c.defaults.apply(opts),
		logger:  c.logger.With().Str("component", "QueryObserver").Str("value_type", typeName[V]()).Logger(),
		changed: make(chan struct{}),
	}
}

// Kind reports whether the observer is Active or Passive.
func (o *Observer[K, V]) Kind() ObserverKind {
	if o.fetcher == nil {
		return Passive
	}
	return Active
}

// Options returns the options this observer contributes to its entry.
func (o *Observer[K, V]) Options() Options { return o.options }

// SetKey binds the observer to the entry for key, creating it if needed.
func (o *Observer[K, V]) SetKey(key K) {
	o.UpdateQuery(GetOrCreateQuery[K, V](o.client.cache, key))
}

// ClearKey unbinds the observer.
func (o *Observer[K, V]) ClearKey() {
	o.UpdateQuery(nil)
}

// UpdateQuery moves the subscription from the currently bound entry to q.
// A nil q leaves the observer unbound in the Created state.
func (o *Observer[K, V]) UpdateQuery(q *Query[K, V]) {
	o.mu.Lock()
	if o.closed || o.query == q {
		o.mu.Unlock()
		return
	}
	previous := o.unsubscribe
	o.bindLocked(q)
	o.unsubscribe = nil
	o.mu.Unlock()

	if previous != nil {
		previous()
	}
	if q == nil {
		o.deliver(nil, Created[V](), 0)
		return
	}

	for attempt := 0; ; attempt++ {
		bound := q
		sub, unsubscribe := q.register(o.Kind(), o.fetcher, func(s State[V], seq uint64) { o.deliver(bound, s, seq) }, o.options)
		if !q.isDisposed() || attempt == 2 {
			o.mu.Lock()
			o.unsubscribe = unsubscribe
			o.mu.Unlock()
			state, seq := sub.snapshot()
			o.deliver(q, state, seq)
			break
		}
		// The entry was evicted between lookup and registration.
		unsubscribe()
		q = GetOrCreateQuery[K, V](o.client.cache, q.key)
		o.mu.Lock()
		o.bindLocked(q)
		o.mu.Unlock()
	}

	if o.fetcher != nil {
		q.ensureExecute(o.fetcher)
	}
}

// bindLocked must be called with o.mu held.
func (o *Observer[K, V]) bindLocked(q *Query[K, V]) {
	o.query = q
	o.seq = 0
	o.seen = false
}

// deliver records state unless it comes from an entry the observer has left,
// or is older than a state already delivered from the bound entry.
func (o *Observer[K, V]) deliver(from *Query[K, V], state State[V], seq uint64) {
	o.mu.Lock()
	if o.query != from || (o.seen && seq <= o.seq) {
		o.mu.Unlock()
		return
	}
	o.seq = seq
	o.seen = true
	o.state = state
	close(o.changed)
	o.changed = make(chan struct{})
	listeners := make([]listener[V], len(o.listeners))
	copy(listeners, o.listeners)
	o.mu.Unlock()

	for _, l := range listeners {
		l.fn(state)
	}
}

// Query returns the bound entry, or nil.
func (o *Observer[K, V]) Query() *Query[K, V] {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.query
}

// State returns the last state delivered to this observer.
func (o *Observer[K, V]) State() State[V] {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// AddListener registers fn to be called with every new state.
// fn runs synchronously on the writer's goroutine; it may read the cache but
// must not write to the same query.
func (o *Observer[K, V]) AddListener(fn func(State[V])) ListenerID {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	o.listeners = append(o.listeners, listener[V]{id: o.nextID, fn: fn})
	return o.nextID
}

// RemoveListener unregisters a listener. It reports whether it was present.
func (o *Observer[K, V]) RemoveListener(id ListenerID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, l := range o.listeners {
		if l.id == id {
			o.listeners = append(o.listeners[:i], o.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Await blocks until the bound entry carries data, or ctx ends. Any state
// write wakes the wait, so data arriving by SetQueryData or a persister
// restore is observed as well as a completed fetch.
func (o *Observer[K, V]) Await(ctx context.Context) (V, error) {
	for {
		o.mu.Lock()
		state := o.state
		changed := o.changed
		o.mu.Unlock()

		if v, ok := state.Data(); ok {
			return v, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		}
	}
}

// Refetch starts a background fetch of the bound entry. Passive observers
// cannot refetch.
func (o *Observer[K, V]) Refetch() {
	q := o.Query()
	if q == nil || o.fetcher == nil {
		return
	}
	go q.Execute(o.fetcher)
}

// Close unsubscribes from the bound entry, withdrawing its refetch interval.
// Listeners should have been removed by then; leftovers are reported.
func (o *Observer[K, V]) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	unsubscribe := o.unsubscribe
	o.unsubscribe = nil
	o.query = nil
	leaked := len(o.listeners)
	o.listeners = nil
	o.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if leaked > 0 {
		o.logger.Warn().Int("listeners", leaked).Msg("Observer closed with listeners still registered.")
	}
}
