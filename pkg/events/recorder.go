// Package events ships query cache events to devtools and external sinks:
// an in-process recorder, a websocket hub, Pub/Sub and BigQuery.
package events

import (
	"sort"
	"sync"
	"time"

	"github.com/illmade-knight/go-querycache/pkg/query"
)

// QueryRecord is the devtools view of one cache entry.
type QueryRecord struct {
	Key              string               `json:"key"`
	KeyType          string               `json:"key_type"`
	ValueType        string               `json:"value_type"`
	State            *query.StateSnapshot `json:"state,omitempty"`
	ActiveObservers  int                  `json:"active_observers"`
	PassiveObservers int                  `json:"passive_observers"`
	CreatedAt        time.Time            `json:"created_at"`
	LastEventAt      time.Time            `json:"last_event_at"`
}

type recordKey struct {
	keyType   string
	valueType string
	key       string
}

// Recorder mirrors the cache into a table of QueryRecords and keeps a bounded
// history of recent events.
type Recorder struct {
	mu      sync.RWMutex
	records map[recordKey]*QueryRecord
	history []query.CacheEvent
	limit   int
}

// NewRecorder creates a Recorder keeping at most historyLimit events.
func NewRecorder(historyLimit int) *Recorder {
	if historyLimit <= 0 {
		historyLimit = 256
	}
	return &Recorder{
		records: make(map[recordKey]*QueryRecord),
		limit:   historyLimit,
	}
}

// OnCacheEvent implements query.CacheObserver.
func (r *Recorder) OnCacheEvent(event query.CacheEvent) {
	k := recordKey{keyType: event.KeyType, valueType: event.ValueType, key: event.Key}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.history = append(r.history, event)
	if len(r.history) > r.limit {
		r.history = r.history[len(r.history)-r.limit:]
	}

	if event.Type == query.EventRemoved {
		delete(r.records, k)
		return
	}

	rec, ok := r.records[k]
	if !ok {
		// Observer events never open a record: the entry is either unknown to
		// this recorder or already removed.
		if event.Type == query.EventObserverAdded || event.Type == query.EventObserverRemoved {
			return
		}
		rec = &QueryRecord{
			Key:       event.Key,
			KeyType:   event.KeyType,
			ValueType: event.ValueType,
			CreatedAt: event.Time,
		}
		r.records[k] = rec
	}
	rec.LastEventAt = event.Time
	if event.State != nil {
		rec.State = event.State
	}

	switch event.Type {
	case query.EventObserverAdded:
		r.countObserver(rec, event.Observer, 1)
	case query.EventObserverRemoved:
		r.countObserver(rec, event.Observer, -1)
	}
}

func (r *Recorder) countObserver(rec *QueryRecord, o *query.ObserverSnapshot, delta int) {
	if o == nil {
		return
	}
	if o.Kind == query.Passive.String() {
		rec.PassiveObservers += delta
	} else {
		rec.ActiveObservers += delta
	}
}

// Snapshot returns the current records ordered by type and key.
func (r *Recorder) Snapshot() []QueryRecord {
	r.mu.RLock()
	out := make([]QueryRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].KeyType != out[j].KeyType {
			return out[i].KeyType < out[j].KeyType
		}
		if out[i].ValueType != out[j].ValueType {
			return out[i].ValueType < out[j].ValueType
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// History returns the recorded events, oldest first.
func (r *Recorder) History() []query.CacheEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]query.CacheEvent, len(r.history))
	copy(out, r.history)
	return out
}

// Len returns the number of tracked entries.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
