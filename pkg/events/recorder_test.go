package events_test

import (
	"testing"
	"time"

	"github.com/illmade-knight/go-querycache/pkg/events"
	"github.com/illmade-knight/go-querycache/pkg/query"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *query.Client {
	t.Helper()
	cfg := query.DefaultConfig()
	cfg.Debug = true
	c := query.NewClient(cfg, zerolog.Nop())
	t.Cleanup(c.Close)
	return c
}

func TestRecorder_TracksEntries(t *testing.T) {
	// Arrange
	c := newTestClient(t)
	rec := events.NewRecorder(10)
	c.RegisterCacheObserver(rec)

	// Act
	query.SetQueryData(c, 1, "one")
	o := query.GetQueryState[int, string](c, 1)

	// Assert
	records := rec.Snapshot()
	require.Len(t, records, 1)
	r := records[0]
	assert.Equal(t, "1", r.Key)
	assert.Equal(t, "int", r.KeyType)
	assert.Equal(t, "string", r.ValueType)
	require.NotNil(t, r.State)
	assert.Equal(t, "loaded", r.State.Status)
	assert.Equal(t, `"one"`, r.State.Value)
	assert.Equal(t, 1, r.PassiveObservers)
	assert.Equal(t, 0, r.ActiveObservers)

	o.Close()
	assert.Equal(t, 0, rec.Snapshot()[0].PassiveObservers)

	query.RemoveQuery[int, string](c, 1)
	assert.Equal(t, 0, rec.Len())
}

func TestRecorder_SnapshotOrder(t *testing.T) {
	c := newTestClient(t)
	rec := events.NewRecorder(0)
	c.RegisterCacheObserver(rec)

	query.SetQueryData(c, "b", 2)
	query.SetQueryData(c, "a", 1)
	query.SetQueryData(c, 7, "seven")

	records := rec.Snapshot()
	require.Len(t, records, 3)
	assert.Equal(t, "int", records[0].KeyType)
	assert.Equal(t, `"a"`, records[1].Key)
	assert.Equal(t, `"b"`, records[2].Key)
}

func TestRecorder_HistoryIsBounded(t *testing.T) {
	c := newTestClient(t)
	rec := events.NewRecorder(3)
	c.RegisterCacheObserver(rec)

	for i := 0; i < 5; i++ {
		query.SetQueryData(c, i, i)
	}

	history := rec.History()
	require.Len(t, history, 3)
	last := history[len(history)-1]
	assert.Equal(t, query.EventUpdated, last.Type)
	assert.Equal(t, "4", last.Key)
}

func TestRecorder_EvictionUnderPassiveObserver(t *testing.T) {
	// Arrange
	cfg := query.DefaultConfig()
	cfg.Debug = true
	cfg.Defaults.GCTime = 20 * time.Millisecond
	c := query.NewClient(cfg, zerolog.Nop())
	t.Cleanup(c.Close)
	rec := events.NewRecorder(10)
	c.RegisterCacheObserver(rec)
	query.SetQueryData(c, 1, "one")
	o := query.GetQueryState[int, string](c, 1)
	require.Eventually(t, func() bool { return c.Size() == 0 }, time.Second, 5*time.Millisecond)

	// Act
	o.Close()

	// Assert
	assert.Equal(t, c.Size(), rec.Len(), "closing an observer of an evicted entry leaves no record behind")
	assert.Empty(t, rec.Snapshot())
}

func TestRecorder_IgnoresObserverEventsForUnknownEntries(t *testing.T) {
	rec := events.NewRecorder(10)

	rec.OnCacheEvent(query.CacheEvent{
		Type:     query.EventObserverRemoved,
		Key:      "1",
		KeyType:  "int",
		Observer: &query.ObserverSnapshot{Kind: query.Passive.String()},
	})

	assert.Equal(t, 0, rec.Len())
	assert.Len(t, rec.History(), 1)
}
