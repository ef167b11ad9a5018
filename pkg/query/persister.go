package query

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultPersisterTimeout = 10 * time.Second

// PersistedData is the row a Persister stores for one Loaded entry. Value is
// produced by the cache's Serializer and is opaque to the Persister.
type PersistedData struct {
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Persister mirrors Loaded cache entries into durable storage.
type Persister interface {
	Persist(ctx context.Context, key string, data PersistedData) error
	Remove(ctx context.Context, key string) error
	// Retrieve reports false without error when key is not stored.
	Retrieve(ctx context.Context, key string) (PersistedData, bool, error)
	Clear(ctx context.Context) error
}

// persisterObserver feeds cache events to a Persister. Writes run on a single
// worker goroutine in event order so a slow backend never blocks the cache.
type persisterObserver struct {
	persister Persister
	handle    ObserverHandle
	timeout   time.Duration
	logger    zerolog.Logger

	mu      sync.Mutex
	pending []func(context.Context)
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

func newPersisterObserver(p Persister, timeout time.Duration, logger zerolog.Logger) *persisterObserver {
	o := &persisterObserver{
		persister: p,
		timeout:   timeout,
		logger:    logger.With().Str("component", "PersisterObserver").Logger(),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go o.worker()
	return o
}

func (o *persisterObserver) OnCacheEvent(event CacheEvent) {
	switch event.Type {
	case EventUpdated:
		if event.State == nil || event.State.Status != StatusLoaded.String() || event.State.UpdatedAt == nil {
			return
		}
		key := event.Key
		data := PersistedData{Value: event.State.Value, UpdatedAt: *event.State.UpdatedAt}
		o.enqueue(func(ctx context.Context) {
			if err := o.persister.Persist(ctx, key, data); err != nil {
				o.logger.Error().Err(err).Str("key", key).Msg("Failed to persist query.")
			}
		})
	case EventRemoved:
		key := event.Key
		o.enqueue(func(ctx context.Context) {
			if err := o.persister.Remove(ctx, key); err != nil {
				o.logger.Error().Err(err).Str("key", key).Msg("Failed to remove persisted query.")
			}
		})
	}
}

func (o *persisterObserver) clear() {
	o.enqueue(func(ctx context.Context) {
		if err := o.persister.Clear(ctx); err != nil {
			o.logger.Error().Err(err).Msg("Failed to clear persister.")
		}
	})
}

// restore runs a retrieval off the write queue so a cold read does not wait
// behind pending writes.
func (o *persisterObserver) restore(f func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		f()
	}()
}

func (o *persisterObserver) enqueue(op func(context.Context)) {
	o.wg.Add(1)
	o.mu.Lock()
	o.pending = append(o.pending, op)
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *persisterObserver) worker() {
	defer close(o.done)
	for {
		o.mu.Lock()
		batch := o.pending
		o.pending = nil
		o.mu.Unlock()

		for _, op := range batch {
			ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
			op(ctx)
			cancel()
			o.wg.Done()
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-o.wake:
		case <-o.stop:
			o.mu.Lock()
			remaining := len(o.pending)
			o.mu.Unlock()
			if remaining == 0 {
				return
			}
		}
	}
}

// wait blocks until every queued operation has run.
func (o *persisterObserver) wait(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *persisterObserver) shutdown() {
	close(o.stop)
	<-o.done
}

func restore[K comparable, V any](c *Cache, p Persister, q *Query[K, V]) {
	ctx, cancel := context.WithTimeout(context.Background(), c.persisterTimeout)
	defer cancel()

	row, ok, err := p.Retrieve(ctx, q.keyString)
	if err != nil {
		q.logger.Warn().Err(err).Msg("Failed to retrieve persisted query.")
		return
	}
	if !ok {
		return
	}
	var value V
	if err := c.serializer.Unmarshal([]byte(row.Value), &value); err != nil {
		q.logger.Warn().Err(err).Msg("Failed to decode persisted query.")
		return
	}
	data := NewData(value, row.UpdatedAt)
	restored := q.MaybeMapState(func(s State[V]) (State[V], bool) {
		switch s.Status() {
		case StatusCreated:
			return Loaded(data), true
		case StatusLoading:
			return Fetching(data), true
		default:
			return s, false
		}
	})
	if restored {
		q.logger.Debug().Msg("Restored query from persister.")
	}
}

// AddPersister attaches p, replacing any previous persister.
func (c *Cache) AddPersister(p Persister) {
	c.RemovePersister()
	o := newPersisterObserver(p, c.persisterTimeout, c.logger)
	o.handle = c.RegisterObserver(o)
	c.persisterMu.Lock()
	c.persister = o
	c.persisterMu.Unlock()
	c.logger.Info().Msg("Persister attached.")
}

// RemovePersister detaches the current persister after flushing its queue.
// It reports whether one was attached.
func (c *Cache) RemovePersister() bool {
	c.persisterMu.Lock()
	o := c.persister
	c.persister = nil
	c.persisterMu.Unlock()
	if o == nil {
		return false
	}
	c.UnregisterObserver(o.handle)
	o.shutdown()
	c.logger.Info().Msg("Persister detached.")
	return true
}

// WaitForPersister blocks until queued persister I/O has completed.
func (c *Cache) WaitForPersister(ctx context.Context) error {
	o := c.currentPersister()
	if o == nil {
		return nil
	}
	return o.wait(ctx)
}

// HasPersister reports whether a persister is attached.
func (c *Cache) HasPersister() bool {
	return c.currentPersister() != nil
}

func (c *Cache) currentPersister() *persisterObserver {
	c.persisterMu.Lock()
	defer c.persisterMu.Unlock()
	return c.persister
}
