package query

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a cache mutation.
type EventType int

const (
	EventCreated EventType = iota
	EventUpdated
	EventRemoved
	EventObserverAdded
	EventObserverRemoved
)

var eventTypeNames = map[EventType]string{
	EventCreated:         "created",
	EventUpdated:         "updated",
	EventRemoved:         "removed",
	EventObserverAdded:   "observer_added",
	EventObserverRemoved: "observer_removed",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// MarshalText encodes the event type by name.
func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes an event type name.
func (t *EventType) UnmarshalText(text []byte) error {
	for k, name := range eventTypeNames {
		if name == string(text) {
			*t = k
			return nil
		}
	}
	return fmt.Errorf("unknown cache event type %q", string(text))
}

// StateSnapshot is the serialized form of a State.
type StateSnapshot struct {
	Status    string     `json:"status"`
	Value     string     `json:"value,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// ObserverSnapshot describes the subscription an ObserverAdded or
// ObserverRemoved event refers to.
type ObserverSnapshot struct {
	Kind    string  `json:"kind"`
	Options Options `json:"options"`
}

// CacheEvent is the only channel through which external collaborators learn
// about cache mutations.
type CacheEvent struct {
	Type      EventType         `json:"type"`
	Key       string            `json:"key"`
	KeyType   string            `json:"key_type"`
	ValueType string            `json:"value_type"`
	State     *StateSnapshot    `json:"state,omitempty"`
	Observer  *ObserverSnapshot `json:"observer,omitempty"`
	Time      time.Time         `json:"time"`
}

// CacheObserver receives every CacheEvent synchronously, on the goroutine that
// caused the mutation. Implementations must not block and must not mutate the
// query the event refers to from within OnCacheEvent.
type CacheObserver interface {
	OnCacheEvent(event CacheEvent)
}

// CacheObserverFunc adapts a function to CacheObserver.
type CacheObserverFunc func(event CacheEvent)

func (f CacheObserverFunc) OnCacheEvent(event CacheEvent) { f(event) }

// ObserverHandle identifies a registered CacheObserver.
type ObserverHandle uuid.UUID

func (h ObserverHandle) String() string { return uuid.UUID(h).String() }
