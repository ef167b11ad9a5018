package query_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-querycache/pkg/query"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, opts ...func(*query.Config)) *query.Client {
	t.Helper()
	cfg := query.DefaultConfig()
	cfg.Debug = true
	for _, opt := range opts {
		opt(cfg)
	}
	client := query.NewClient(cfg, zerolog.Nop())
	t.Cleanup(client.Close)
	return client
}

func TestQuery_MarkInvalidTransitionTable(t *testing.T) {
	data := query.NewData("d", time.Now())

	testCases := []struct {
		name     string
		state    query.State[string]
		expected query.State[string]
		changed  bool
	}{
		{name: "created", state: query.Created[string](), expected: query.Created[string]()},
		{name: "loading", state: query.Loading[string](), expected: query.Loading[string]()},
		{name: "fetching", state: query.Fetching(data), expected: query.Fetching(data)},
		{name: "loaded", state: query.Loaded(data), expected: query.Invalid(data), changed: true},
		{name: "invalid", state: query.Invalid(data), expected: query.Invalid(data)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Arrange
			client := newTestClient(t)
			q := query.GetOrCreateQuery[int, string](client.Cache(), 1)
			q.SetState(tc.state)

			// Act
			changed := q.MarkInvalid()

			// Assert
			assert.Equal(t, tc.changed, changed)
			assert.Equal(t, tc.expected, q.State())
		})
	}
}

func TestQuery_SingleFlight(t *testing.T) {
	// Arrange
	client := newTestClient(t)
	q := query.GetOrCreateQuery[string, int](client.Cache(), "k")

	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	fetcher := func(ctx context.Context, key string) int {
		calls.Add(1)
		started <- struct{}{}
		<-release
		return 7
	}

	// Act
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Execute(fetcher)
	}()
	<-started

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Execute(fetcher)
		}()
	}
	_, ok := q.NewExecution()
	assert.False(t, ok, "a second execution must not be granted while one is outstanding")
	assert.True(t, q.IsFetching())

	close(release)
	wg.Wait()

	// Assert
	assert.Equal(t, int32(1), calls.Load())
	v, ok := q.State().Data()
	require.True(t, ok)
	assert.Equal(t, 7, v)
	assert.Equal(t, query.StatusLoaded, q.State().Status())

	token, ok := q.NewExecution()
	require.True(t, ok, "the slot is free again once the execution is finalized")
	q.FinalizeExecution(token)
}

func TestQuery_StateProgression(t *testing.T) {
	// Arrange
	client := newTestClient(t)
	q := query.GetOrCreateQuery[string, string](client.Cache(), "k")

	var mu sync.Mutex
	var seen []query.Status
	_, unsubscribe := q.Register(query.Passive, nil, func(s query.State[string]) {
		mu.Lock()
		seen = append(seen, s.Status())
		mu.Unlock()
	}, client.Defaults())
	defer unsubscribe()

	// Act
	q.Execute(func(ctx context.Context, key string) string { return "first" })
	q.Execute(func(ctx context.Context, key string) string { return "second" })

	// Assert
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []query.Status{
		query.StatusLoading, query.StatusLoaded,
		query.StatusFetching, query.StatusLoaded,
	}, seen)
	v, _ := q.State().Data()
	assert.Equal(t, "second", v)
}

func TestQuery_Cancellation(t *testing.T) {
	t.Run("Cancelled first fetch reverts to created", func(t *testing.T) {
		// Arrange
		client := newTestClient(t)
		q := query.GetOrCreateQuery[int, string](client.Cache(), 1)
		started := make(chan struct{})
		release := make(chan struct{})
		done := make(chan struct{})

		// Act
		go func() {
			defer close(done)
			q.Execute(func(ctx context.Context, key int) string {
				close(started)
				<-release
				return "late"
			})
		}()
		<-started
		assert.Equal(t, query.StatusLoading, q.State().Status())
		assert.True(t, q.Cancel())
		assert.False(t, q.Cancel(), "a cancelled execution cannot be cancelled twice")
		close(release)
		<-done

		// Assert
		assert.Equal(t, query.StatusCreated, q.State().Status())
	})

	t.Run("Cancelled refetch keeps previous data", func(t *testing.T) {
		// Arrange
		client := newTestClient(t)
		q := query.GetOrCreateQuery[int, string](client.Cache(), 1)
		q.SetState(query.Loaded(query.NewData("old", time.Now())))
		started := make(chan struct{})
		release := make(chan struct{})
		done := make(chan struct{})

		// Act
		go func() {
			defer close(done)
			q.Execute(func(ctx context.Context, key int) string {
				close(started)
				<-release
				return "new"
			})
		}()
		<-started
		assert.Equal(t, query.StatusFetching, q.State().Status())
		q.Cancel()
		close(release)
		<-done

		// Assert
		v, ok := q.State().Data()
		require.True(t, ok)
		assert.Equal(t, "old", v)
		assert.Equal(t, query.StatusLoaded, q.State().Status())
	})

	t.Run("Cancelled fetch does not clobber a newer execution", func(t *testing.T) {
		// Arrange
		client := newTestClient(t)
		q := query.GetOrCreateQuery[int, string](client.Cache(), 1)
		q.SetState(query.Loaded(query.NewData("old", time.Now())))
		firstStarted := make(chan struct{})
		releaseFirst := make(chan struct{})
		firstDone := make(chan struct{})
		secondStarted := make(chan struct{})
		releaseSecond := make(chan struct{})
		secondDone := make(chan struct{})

		go func() {
			defer close(firstDone)
			q.Execute(func(ctx context.Context, key int) string {
				close(firstStarted)
				<-releaseFirst
				return "first"
			})
		}()
		<-firstStarted
		require.True(t, q.Cancel())

		// Act: a new execution may start once the first is cancelled.
		go func() {
			defer close(secondDone)
			q.Execute(func(ctx context.Context, key int) string {
				close(secondStarted)
				<-releaseSecond
				return "second"
			})
		}()
		<-secondStarted
		close(releaseFirst)
		<-firstDone

		// Assert: the cancelled fetch left the running refetch alone.
		assert.Equal(t, query.StatusFetching, q.State().Status())
		close(releaseSecond)
		<-secondDone
		v, _ := q.State().Data()
		assert.Equal(t, "second", v)
		assert.Equal(t, query.StatusLoaded, q.State().Status())
	})

	t.Run("Cancel without execution", func(t *testing.T) {
		client := newTestClient(t)
		q := query.GetOrCreateQuery[int, string](client.Cache(), 1)
		assert.False(t, q.Cancel())
	})
}

func TestQuery_MaybeMapState(t *testing.T) {
	// Arrange
	client := newTestClient(t)
	q := query.GetOrCreateQuery[int, int](client.Cache(), 1)
	var notified atomic.Int32
	_, unsubscribe := q.Register(query.Passive, nil, func(query.State[int]) { notified.Add(1) }, client.Defaults())
	defer unsubscribe()

	// Act
	rejected := q.MaybeMapState(func(s query.State[int]) (query.State[int], bool) {
		return query.Loaded(query.NewData(1, time.Now())), false
	})
	accepted := q.MaybeMapState(func(s query.State[int]) (query.State[int], bool) {
		return query.Loaded(query.NewData(2, time.Now())), true
	})

	// Assert
	assert.False(t, rejected)
	assert.True(t, accepted)
	assert.Equal(t, int32(1), notified.Load(), "only the committed transition notifies")
	v, _ := q.State().Data()
	assert.Equal(t, 2, v)
}

func TestQuery_UpdateState(t *testing.T) {
	client := newTestClient(t)
	q := query.GetOrCreateQuery[int, []string](client.Cache(), 1)
	q.SetState(query.Loaded(query.NewData([]string{"a"}, time.Now())))

	q.UpdateState(func(s *query.State[[]string]) {
		data, ok := s.QueryData()
		require.True(t, ok)
		data.Value = append(data.Value, "b")
		*s = query.Loaded(data)
	})

	v, _ := q.State().Data()
	assert.Equal(t, []string{"a", "b"}, v)
}

func TestQuery_OptionAggregation(t *testing.T) {
	// Arrange
	client := newTestClient(t)
	q := query.GetOrCreateQuery[int, string](client.Cache(), 1)
	noop := func(query.State[string]) {}

	// Act
	_, unsubscribeA := q.Register(query.Active, nil, noop, query.Options{GCTime: 10 * time.Second, StaleTime: 5 * time.Second})
	_, unsubscribeB := q.Register(query.Active, nil, noop, query.Options{
		GCTime:          30 * time.Second,
		StaleTime:       2 * time.Second,
		RefetchInterval: time.Minute,
	})

	// Assert
	eff := q.EffectiveOptions()
	assert.Equal(t, 30*time.Second, eff.GCTime)
	assert.Equal(t, 2*time.Second, eff.StaleTime)
	assert.Equal(t, time.Minute, eff.RefetchInterval)
	assert.Equal(t, 2, q.ActiveObservers())

	unsubscribeB()
	eff = q.EffectiveOptions()
	assert.Equal(t, 5*time.Second, eff.StaleTime, "withdrawing the binding stale time restores the other bound")
	assert.Zero(t, eff.RefetchInterval)
	assert.Equal(t, 30*time.Second, eff.GCTime, "the longest requested gc time is kept")

	unsubscribeA()
	unsubscribeA()
	assert.Equal(t, 0, q.ActiveObservers())
	assert.Equal(t, 0, q.Observers())
}

func TestQuery_IsStale(t *testing.T) {
	client := newTestClient(t)
	q := query.GetOrCreateQuery[int, string](client.Cache(), 1)
	_, unsubscribe := q.Register(query.Active, nil, func(query.State[string]) {}, query.Options{StaleTime: time.Hour, GCTime: time.Hour})
	defer unsubscribe()

	assert.True(t, q.IsStale(), "created entries are stale")
	q.SetState(query.Loaded(query.NewData("v", time.Now())))
	assert.False(t, q.IsStale())
	q.MarkInvalid()
	assert.True(t, q.IsStale())
	q.SetState(query.Loaded(query.NewData("v", time.Now().Add(-2*time.Hour))))
	assert.True(t, q.IsStale())
}
