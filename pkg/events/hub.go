package events

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-querycache/pkg/query"
	"github.com/rs/zerolog"
)

// Client is a single websocket subscriber. The network connection is managed
// by the websocket handler.
type Client interface {
	// Send queues message without blocking. It reports false if the client
	// cannot keep up.
	Send(message []byte) bool
	Close()
}

// Message is the envelope sent to websocket subscribers.
type Message struct {
	Kind    string            `json:"kind"`
	Event   *query.CacheEvent `json:"event,omitempty"`
	Queries []QueryRecord     `json:"queries,omitempty"`
}

const (
	MessageKindEvent    = "event"
	MessageKindSnapshot = "snapshot"
)

// Hub maintains the connected devtools clients and broadcasts every cache
// event to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]Client
	logger  zerolog.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[uuid.UUID]Client),
		logger:  logger.With().Str("component", "Hub").Logger(),
	}
}

// Register adds a client and returns its id.
func (h *Hub) Register(client Client) uuid.UUID {
	id := uuid.New()
	h.mu.Lock()
	h.clients[id] = client
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug().Str("client_id", id.String()).Int("clients", n).Msg("Client registered.")
	return id
}

// Unregister removes a client.
func (h *Hub) Unregister(id uuid.UUID) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
	h.logger.Debug().Str("client_id", id.String()).Msg("Client unregistered.")
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends message to every client. Slow clients are dropped.
func (h *Hub) Broadcast(message []byte) {
	var slow []uuid.UUID
	h.mu.RLock()
	for id, c := range h.clients {
		if !c.Send(message) {
			slow = append(slow, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range slow {
		h.mu.Lock()
		c, ok := h.clients[id]
		delete(h.clients, id)
		h.mu.Unlock()
		if ok {
			h.logger.Warn().Str("client_id", id.String()).Msg("Client too slow, disconnecting.")
			c.Close()
		}
	}
}

// OnCacheEvent implements query.CacheObserver.
func (h *Hub) OnCacheEvent(event query.CacheEvent) {
	if h.Len() == 0 {
		return
	}
	payload, err := json.Marshal(Message{Kind: MessageKindEvent, Event: &event})
	if err != nil {
		h.logger.Error().Err(err).Str("key", event.Key).Msg("Failed to marshal cache event.")
		return
	}
	h.Broadcast(payload)
}
