package query_test

import (
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-querycache/pkg/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventLog is a CacheObserver collecting every event.
type eventLog struct {
	mu     sync.Mutex
	events []query.CacheEvent
}

func (l *eventLog) OnCacheEvent(event query.CacheEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) ofType(t query.EventType) []query.CacheEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []query.CacheEvent
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func TestCache_Partitions(t *testing.T) {
	// Arrange
	client := newTestClient(t)
	cache := client.Cache()

	// Act
	asString := query.GetOrCreateQuery[int, string](cache, 1)
	asInt := query.GetOrCreateQuery[int, int](cache, 1)
	again := query.GetOrCreateQuery[int, string](cache, 1)

	// Assert
	assert.Same(t, asString, again)
	assert.Equal(t, 2, cache.Size(), "the same key in two value partitions is two entries")
	_, ok := query.GetQuery[int, bool](cache, 1)
	assert.False(t, ok)
	got, ok := query.GetQuery[int, int](cache, 1)
	require.True(t, ok)
	assert.Same(t, asInt, got)
}

func TestCache_SizeInvariant(t *testing.T) {
	// Arrange: debug mode panics if size and partition contents drift apart.
	client := newTestClient(t)
	cache := client.Cache()

	// Act
	for i := 0; i < 10; i++ {
		query.GetOrCreateQuery[int, string](cache, i)
		query.GetOrCreateQuery[string, int](cache, "k"+string(rune('a'+i)))
	}
	assert.Equal(t, 20, cache.Size())

	assert.True(t, query.EvictQuery[int, string](cache, 3))
	assert.False(t, query.EvictQuery[int, string](cache, 3))
	assert.False(t, query.EvictQuery[bool, bool](cache, true))
	assert.Equal(t, 19, cache.Size())

	var wg sync.WaitGroup
	for i := 100; i < 150; i++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			query.GetOrCreateQuery[int, string](cache, k)
			query.EvictQuery[int, string](cache, k-50)
		}(i)
	}
	wg.Wait()

	// Assert
	assert.Equal(t, 69, cache.Size())
	cache.ClearAll()
	assert.Equal(t, 0, cache.Size())
}

func TestCache_Events(t *testing.T) {
	// Arrange
	client := newTestClient(t)
	cache := client.Cache()
	log := &eventLog{}
	handle := cache.RegisterObserver(log)

	// Act
	q := query.GetOrCreateQuery[string, string](cache, "greeting")
	q.SetState(query.Loaded(query.NewData("hello", time.Now())))
	sub, unsubscribe := q.Register(query.Passive, nil, nil, client.Defaults())
	unsubscribe()
	query.EvictQuery[string, string](cache, "greeting")

	// Assert
	created := log.ofType(query.EventCreated)
	require.Len(t, created, 1)
	assert.Equal(t, `"greeting"`, created[0].Key)
	assert.Equal(t, "string", created[0].KeyType)
	assert.Equal(t, "created", created[0].State.Status)

	updated := log.ofType(query.EventUpdated)
	require.Len(t, updated, 1)
	assert.Equal(t, "loaded", updated[0].State.Status)
	assert.Equal(t, `"hello"`, updated[0].State.Value)
	assert.NotNil(t, updated[0].State.UpdatedAt)

	added := log.ofType(query.EventObserverAdded)
	require.Len(t, added, 1)
	assert.Equal(t, "passive", added[0].Observer.Kind)
	assert.Len(t, log.ofType(query.EventObserverRemoved), 1)
	assert.Len(t, log.ofType(query.EventRemoved), 1)
	assert.Equal(t, query.StatusLoaded, sub.State().Status())

	// Unregistered observers receive nothing further.
	assert.True(t, cache.UnregisterObserver(handle))
	assert.False(t, cache.UnregisterObserver(handle))
	query.GetOrCreateQuery[string, string](cache, "other")
	assert.Len(t, log.ofType(query.EventCreated), 1)
}

func TestCache_PanickingObserverIsIsolated(t *testing.T) {
	// Arrange
	client := newTestClient(t)
	cache := client.Cache()
	cache.RegisterObserver(query.CacheObserverFunc(func(query.CacheEvent) {
		panic("boom")
	}))
	log := &eventLog{}
	cache.RegisterObserver(log)

	// Act
	q := query.GetOrCreateQuery[int, int](cache, 1)
	q.SetState(query.Loaded(query.NewData(1, time.Now())))

	// Assert
	assert.Len(t, log.ofType(query.EventCreated), 1)
	assert.Len(t, log.ofType(query.EventUpdated), 1)
	assert.Equal(t, query.StatusLoaded, q.State().Status())
}

func TestCache_InvalidateAndClear(t *testing.T) {
	// Arrange
	client := newTestClient(t)
	cache := client.Cache()
	log := &eventLog{}
	cache.RegisterObserver(log)
	now := time.Now()
	a := query.GetOrCreateQuery[int, string](cache, 1)
	a.SetState(query.Loaded(query.NewData("a", now)))
	b := query.GetOrCreateQuery[string, int](cache, "b")
	b.SetState(query.Loaded(query.NewData(2, now)))
	c := query.GetOrCreateQuery[string, int](cache, "c")

	// Act
	cache.InvalidateAll()

	// Assert
	assert.Equal(t, query.StatusInvalid, a.State().Status())
	assert.Equal(t, query.StatusInvalid, b.State().Status())
	assert.Equal(t, query.StatusCreated, c.State().Status())
	assert.Equal(t, 3, cache.Size(), "invalidation never evicts")

	// Act
	cache.ClearAll()

	// Assert
	assert.Equal(t, 0, cache.Size())
	assert.Len(t, log.ofType(query.EventRemoved), 3)
	_, ok := query.GetQuery[int, string](cache, 1)
	assert.False(t, ok)
}

func TestCache_InvalidateType(t *testing.T) {
	client := newTestClient(t)
	cache := client.Cache()
	now := time.Now()
	query.GetOrCreateQuery[int, string](cache, 1).SetState(query.Loaded(query.NewData("a", now)))
	query.GetOrCreateQuery[int, string](cache, 2).SetState(query.Loaded(query.NewData("b", now)))
	other := query.GetOrCreateQuery[int, int](cache, 1)
	other.SetState(query.Loaded(query.NewData(1, now)))

	assert.Equal(t, 2, query.InvalidateType[int, string](cache))
	assert.Equal(t, query.StatusLoaded, other.State().Status())
	assert.Equal(t, 0, query.InvalidateType[bool, bool](cache))
}

func TestCache_GarbageCollection(t *testing.T) {
	t.Run("Idle entry is evicted after gc time", func(t *testing.T) {
		// Arrange
		client := newTestClient(t)
		cache := client.Cache()
		log := &eventLog{}
		cache.RegisterObserver(log)
		q := query.GetOrCreateQuery[int, string](cache, 1)
		_, unsubscribe := q.Register(query.Active, nil, nil, query.Options{GCTime: 50 * time.Millisecond})

		// Act
		unsubscribe()

		// Assert
		assert.Eventually(t, func() bool {
			_, ok := query.GetQuery[int, string](cache, 1)
			return !ok
		}, time.Second, 10*time.Millisecond)
		assert.Len(t, log.ofType(query.EventRemoved), 1)
		assert.Equal(t, 0, cache.Size())
	})

	t.Run("Active observer pins the entry", func(t *testing.T) {
		// Arrange
		client := newTestClient(t)
		cache := client.Cache()
		q := query.GetOrCreateQuery[int, string](cache, 1)
		_, unsubscribe := q.Register(query.Active, nil, nil, query.Options{GCTime: 20 * time.Millisecond})

		// Act
		time.Sleep(100 * time.Millisecond)

		// Assert
		_, ok := query.GetQuery[int, string](cache, 1)
		assert.True(t, ok, "an entry with an active observer is never evicted")

		unsubscribe()
		assert.Eventually(t, func() bool {
			_, ok := query.GetQuery[int, string](cache, 1)
			return !ok
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("Passive observer does not pin the entry", func(t *testing.T) {
		client := newTestClient(t)
		cache := client.Cache()
		q := query.GetOrCreateQuery[int, string](cache, 1)
		_, unsubscribeActive := q.Register(query.Active, nil, nil, query.Options{GCTime: 30 * time.Millisecond})
		_, unsubscribePassive := q.Register(query.Passive, nil, nil, query.Options{})
		defer unsubscribePassive()

		unsubscribeActive()

		assert.Eventually(t, func() bool {
			_, ok := query.GetQuery[int, string](cache, 1)
			return !ok
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("Longest gc time governs eviction", func(t *testing.T) {
		// Arrange
		client := newTestClient(t)
		cache := client.Cache()
		q := query.GetOrCreateQuery[int, string](cache, 7)
		_, unsubscribeLong := q.Register(query.Active, nil, nil, query.Options{GCTime: 400 * time.Millisecond})
		_, unsubscribeShort := q.Register(query.Active, nil, nil, query.Options{GCTime: 20 * time.Millisecond})

		// Act
		unsubscribeLong()
		unsubscribeShort()
		time.Sleep(150 * time.Millisecond)

		// Assert
		_, ok := query.GetQuery[int, string](cache, 7)
		assert.True(t, ok, "the short gc time must not win")
		assert.Eventually(t, func() bool {
			_, ok := query.GetQuery[int, string](cache, 7)
			return !ok
		}, 2*time.Second, 20*time.Millisecond)
	})
}

func TestCache_NoObserverEventsAfterEviction(t *testing.T) {
	// Arrange
	client := newTestClient(t)
	cache := client.Cache()
	log := &eventLog{}
	cache.RegisterObserver(log)
	q := query.GetOrCreateQuery[int, string](cache, 1)
	_, unsubscribe := q.Register(query.Passive, nil, nil, query.Options{})
	require.True(t, query.EvictQuery[int, string](cache, 1))

	// Act
	unsubscribe()
	_, late := q.Register(query.Passive, nil, nil, query.Options{})
	late()

	// Assert
	assert.Len(t, log.ofType(query.EventObserverAdded), 1)
	assert.Empty(t, log.ofType(query.EventObserverRemoved), "a disposed entry reports nothing")
	assert.Equal(t, 0, cache.Size())
}

func TestCache_ClearAllCompletesBeforeDebugPanic(t *testing.T) {
	// Arrange
	client := newTestClient(t)
	cache := client.Cache()
	log := &eventLog{}
	cache.RegisterObserver(log)
	persister := newMapPersister()
	client.AddPersister(persister)
	now := time.Now()
	pinned := query.GetOrCreateQuery[int, string](cache, 1)
	pinned.SetState(query.Loaded(query.NewData("a", now)))
	_, unsubscribe := pinned.Register(query.Active, nil, nil, client.Defaults())
	defer unsubscribe()
	query.GetOrCreateQuery[int, string](cache, 2).SetState(query.Loaded(query.NewData("b", now)))
	query.GetOrCreateQuery[string, int](cache, "c").SetState(query.Loaded(query.NewData(3, now)))
	waitForPersister(t, client)

	// Act
	assert.Panics(t, cache.ClearAll, "debug mode reports entries cleared under an active observer")

	// Assert
	waitForPersister(t, client)
	assert.Equal(t, 0, cache.Size())
	assert.Len(t, log.ofType(query.EventRemoved), 3, "every drained entry is reported")
	persister.mu.Lock()
	defer persister.mu.Unlock()
	assert.Equal(t, 1, persister.clears)
	assert.Empty(t, persister.rows)
}
