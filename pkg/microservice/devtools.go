package microservice

import (
	"context"
	"net/http"
	"strconv"

	"github.com/illmade-knight/go-querycache/pkg/events"
	"github.com/illmade-knight/go-querycache/pkg/query"
	"github.com/rs/zerolog"
)

// DevtoolsServer exposes a query client for inspection:
//
//	GET  /healthz     liveness, with cache size and persister attachment
//	GET  /queries     current entries
//	GET  /history     recent cache events (?limit=n)
//	GET  /stats       entry and subscriber counts
//	POST /invalidate  invalidate every entry
//	POST /clear       clear the cache
//	GET  /events      websocket stream of cache events
type DevtoolsServer struct {
	*BaseServer
	client   *query.Client
	recorder *events.Recorder
	hub      *events.Hub
	handles  []query.ObserverHandle
}

var _ Service = (*DevtoolsServer)(nil)

// Stats is the body of GET /stats.
type Stats struct {
	Entries     int `json:"entries"`
	Subscribers int `json:"subscribers"`
}

// CacheHealth is the detail of the "cache" health check.
type CacheHealth struct {
	Entries   int  `json:"entries"`
	Persisted bool `json:"persisted"`
}

// NewDevtoolsServer registers a recorder and a websocket hub on client and
// mounts the devtools routes.
func NewDevtoolsServer(
	httpPort string,
	client *query.Client,
	historyLimit int,
	wsCfg *events.WebSocketConfig,
	logger zerolog.Logger,
) *DevtoolsServer {
	logger = logger.With().Str("component", "DevtoolsServer").Logger()
	s := &DevtoolsServer{
		BaseServer: NewBaseServer(logger, httpPort),
		client:     client,
		recorder:   events.NewRecorder(historyLimit),
		hub:        events.NewHub(logger),
	}
	s.handles = append(s.handles,
		client.RegisterCacheObserver(s.recorder),
		client.RegisterCacheObserver(s.hub),
	)

	s.AddHealthCheck("cache", s.checkCache)
	s.HandleJSON("GET /queries", s.handleQueries)
	s.HandleJSON("GET /history", s.handleHistory)
	s.HandleJSON("GET /stats", s.handleStats)
	s.HandleAction("POST /invalidate", s.handleInvalidate)
	s.HandleAction("POST /clear", s.handleClear)
	s.Mux().Handle("GET /events", events.NewWebSocketHandler(s.hub, s.recorder, wsCfg, logger))
	return s
}

// Shutdown stops the HTTP server and detaches from the cache.
func (s *DevtoolsServer) Shutdown(ctx context.Context) error {
	for _, h := range s.handles {
		s.client.UnregisterCacheObserver(h)
	}
	return s.BaseServer.Shutdown(ctx)
}

// Recorder returns the recorder backing /queries and /history.
func (s *DevtoolsServer) Recorder() *events.Recorder { return s.recorder }

// Hub returns the websocket hub backing /events.
func (s *DevtoolsServer) Hub() *events.Hub { return s.hub }

func (s *DevtoolsServer) checkCache(context.Context) (any, error) {
	return CacheHealth{Entries: s.client.Size(), Persisted: s.client.HasPersister()}, nil
}

func (s *DevtoolsServer) handleQueries(*http.Request) (any, error) {
	return s.recorder.Snapshot(), nil
}

func (s *DevtoolsServer) handleHistory(r *http.Request) (any, error) {
	history := s.recorder.History()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return nil, BadRequest("limit must be a non-negative integer")
		}
		if limit < len(history) {
			history = history[len(history)-limit:]
		}
	}
	return history, nil
}

func (s *DevtoolsServer) handleStats(*http.Request) (any, error) {
	return Stats{Entries: s.client.Size(), Subscribers: s.hub.Len()}, nil
}

func (s *DevtoolsServer) handleInvalidate(*http.Request) {
	s.client.InvalidateAll()
	s.Logger.Info().Msg("Invalidated all queries via devtools.")
}

func (s *DevtoolsServer) handleClear(*http.Request) {
	s.client.ClearAll()
	s.Logger.Info().Msg("Cleared cache via devtools.")
}
