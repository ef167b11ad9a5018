// Package microservice hosts the query cache devtools behind an HTTP server.
package microservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Service is a server the command can start and stop.
type Service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Mux() *http.ServeMux
	GetHTTPPort() string
}

// HealthCheck reports the state of one dependency of a service. The returned
// detail is rendered under the check's name in /healthz; a non-nil error marks
// the service unhealthy.
type HealthCheck func(ctx context.Context) (detail any, err error)

// Health is the body of GET /healthz.
type Health struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one HealthCheck.
type CheckResult struct {
	OK     bool   `json:"ok"`
	Detail any    `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

// HTTPError carries a status code out of a JSONHandler.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string { return e.Message }

// BadRequest returns an HTTPError with status 400.
func BadRequest(format string, args ...any) error {
	return &HTTPError{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// JSONHandler produces the body of a JSON response.
type JSONHandler func(r *http.Request) (any, error)

// BaseServer owns the listener, the mux and the health checks of a service.
// Routes are added with HandleJSON and HandleAction, or directly on Mux.
type BaseServer struct {
	Logger   zerolog.Logger
	HTTPPort string

	httpServer *http.Server
	mux        *http.ServeMux

	mu         sync.RWMutex
	actualAddr string
	checks     map[string]HealthCheck
}

// NewBaseServer creates a server with GET /healthz mounted.
func NewBaseServer(logger zerolog.Logger, httpPort string) *BaseServer {
	s := &BaseServer{
		Logger:   logger,
		HTTPPort: httpPort,
		mux:      http.NewServeMux(),
		checks:   make(map[string]HealthCheck),
	}
	s.httpServer = &http.Server{Addr: httpPort, Handler: s.mux}
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	return s
}

// AddHealthCheck registers check under name, replacing any previous one.
func (s *BaseServer) AddHealthCheck(name string, check HealthCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// HandleJSON mounts fn on pattern. A returned *HTTPError sets the status;
// any other error is a 500.
func (s *BaseServer) HandleJSON(pattern string, fn JSONHandler) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		body, err := fn(r)
		if err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) {
				http.Error(w, httpErr.Message, httpErr.Status)
				return
			}
			s.Logger.Error().Err(err).Str("pattern", pattern).Msg("Handler failed.")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, body)
	})
}

// HandleAction mounts fn on pattern and answers 204 No Content.
func (s *BaseServer) HandleAction(pattern string, fn func(r *http.Request)) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		fn(r)
		w.WriteHeader(http.StatusNoContent)
	})
}

// Start listens on HTTPPort and serves in the background.
func (s *BaseServer) Start(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.HTTPPort)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", s.HTTPPort, err)
	}

	s.mu.Lock()
	s.actualAddr = listener.Addr().String()
	s.mu.Unlock()

	s.Logger.Info().Str("address", listener.Addr().String()).Msg("HTTP server listening.")
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error().Err(err).Msg("HTTP server failed.")
		}
	}()
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// ends.
func (s *BaseServer) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.Logger.Error().Err(err).Msg("Error during HTTP server shutdown.")
		return err
	}
	s.Logger.Info().Msg("HTTP server stopped.")
	return nil
}

// GetHTTPPort returns the bound port, which differs from HTTPPort when ":0"
// was requested.
func (s *BaseServer) GetHTTPPort() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, port, err := net.SplitHostPort(s.actualAddr)
	if err != nil {
		return s.HTTPPort
	}
	return ":" + port
}

// Mux returns the underlying ServeMux.
func (s *BaseServer) Mux() *http.ServeMux {
	return s.mux
}

// Health runs every registered check.
func (s *BaseServer) Health(ctx context.Context) Health {
	s.mu.RLock()
	checks := make(map[string]HealthCheck, len(s.checks))
	names := make([]string, 0, len(s.checks))
	for name, check := range s.checks {
		checks[name] = check
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	health := Health{Status: "ok"}
	if len(names) > 0 {
		health.Checks = make(map[string]CheckResult, len(names))
	}
	for _, name := range names {
		detail, err := checks[name](ctx)
		result := CheckResult{OK: err == nil, Detail: detail}
		if err != nil {
			result.Error = err.Error()
			health.Status = "degraded"
		}
		health.Checks[name] = result
	}
	return health
}

func (s *BaseServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	health := s.Health(r.Context())
	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, health)
}

func (s *BaseServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Warn().Err(err).Msg("Failed to write JSON response.")
	}
}
