package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WebSocketConfig tunes the devtools event stream.
type WebSocketConfig struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	SendBuffer   int
}

// DefaultWebSocketConfig returns the settings used when none are given.
func DefaultWebSocketConfig() *WebSocketConfig {
	return &WebSocketConfig{
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
		WriteWait:    5 * time.Second,
		SendBuffer:   64,
	}
}

// wsClient implements Client by wrapping a websocket connection. Messages are
// written by a dedicated goroutine so Send never blocks the cache.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *wsClient) Send(message []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

func (c *wsClient) Close() {
	c.once.Do(func() { close(c.done) })
}

// WebSocketHandler upgrades requests and streams cache events to the client.
type WebSocketHandler struct {
	hub      *Hub
	recorder *Recorder
	cfg      *WebSocketConfig
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewWebSocketHandler creates the handler. recorder may be nil, in which case
// no initial snapshot is sent.
func NewWebSocketHandler(hub *Hub, recorder *Recorder, cfg *WebSocketConfig, logger zerolog.Logger) *WebSocketHandler {
	if cfg == nil {
		cfg = DefaultWebSocketConfig()
	}
	return &WebSocketHandler{
		hub:      hub,
		recorder: recorder,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Devtools are served from arbitrary local origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With().Str("component", "WebSocketHandler").Logger(),
	}
}

// ServeHTTP implements http.Handler.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Websocket upgrade failed.")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, h.cfg.SendBuffer),
		done: make(chan struct{}),
	}

	// The snapshot is queued before registration so it precedes every event.
	if h.recorder != nil {
		payload, err := json.Marshal(Message{Kind: MessageKindSnapshot, Queries: h.recorder.Snapshot()})
		if err == nil {
			client.Send(payload)
		}
	}
	id := h.hub.Register(client)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(client)
	}()
	defer func() {
		h.hub.Unregister(id)
		client.Close()
		<-writerDone
	}()

	// Reader loop: drain client messages and keep the connection alive via the
	// pong handler.
	conn.SetReadLimit(1024)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WebSocketHandler) writeLoop(c *wsClient) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.cfg.WriteWait))
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(h.cfg.WriteWait)); err != nil {
				c.Close()
				return
			}
		}
	}
}
