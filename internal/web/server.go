// Package web serves the HTTP transport: a JSON API for analyses, a
// WebSocket chat, a WebSocket stream of bus events, health and usage
// endpoints, and a small HTML dashboard.
//
// Session IDs supplied by API clients are namespaced with a "web-"
// prefix so they can never address sessions owned by another transport.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/platecheck/internal/connwatch"
	"github.com/nugget/platecheck/internal/engine"
	"github.com/nugget/platecheck/internal/events"
	"github.com/nugget/platecheck/internal/session"
	"github.com/nugget/platecheck/internal/usage"
)

// Engine is the part of *engine.Engine the server uses.
type Engine interface {
	Handle(ctx context.Context, in engine.Input) engine.Outcome
	Reset(ctx context.Context, sessionID string) engine.Outcome
	Fact(ctx context.Context, sessionID string) engine.Outcome
	Session(id string) (session.Session, bool)
	Stats() engine.Stats
}

// UsageReporter summarizes recorded token usage.
type UsageReporter interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// Health reports external service reachability.
type Health interface {
	Status() map[string]connwatch.Status
	Healthy() bool
}

// Config holds the server's dependencies. Engine is required; the rest
// are optional and their endpoints answer 503 when unset.
type Config struct {
	Address string
	Port    int

	Engine Engine
	Events *events.Bus
	Health Health
	Usage  UsageReporter
	Model  string
	Logger *slog.Logger

	// MaxImageBytes bounds uploaded images. Requests are cut off a little
	// above it so the engine can report the oversize properly.
	MaxImageBytes int64
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	engine    Engine
	bus       *events.Bus
	health    Health
	usage     UsageReporter
	model     string
	maxImage  int64
	logger    *slog.Logger
	templates map[string]*template.Template
	server    *http.Server
}

// NewServer creates an API server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = 20 << 20
	}
	return &Server{
		address:   cfg.Address,
		port:      cfg.Port,
		engine:    cfg.Engine,
		bus:       cfg.Events,
		health:    cfg.Health,
		usage:     cfg.Usage,
		model:     cfg.Model,
		maxImage:  cfg.MaxImageBytes,
		logger:    logger.With("component", "web"),
		templates: loadTemplates(),
	}
}

// Handler returns the server's routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Engine endpoints
	mux.HandleFunc("POST /v1/analyze", s.handleAnalyze)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("POST /v1/sessions/{id}/reset", s.handleSessionReset)
	mux.HandleFunc("POST /v1/sessions/{id}/fact", s.handleSessionFact)

	// WebSocket endpoints
	mux.HandleFunc("GET /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	// Operational endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /{$}", s.handleDashboard)

	return s.withLogging(mux)
}

// Start serves HTTP until the server is shut down. It returns
// http.ErrServerClosed after a clean [Server.Shutdown].
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // analyses can take a while
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting web server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) publish(kind string, data map[string]any) {
	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceWeb,
		Kind:      kind,
		Data:      data,
	})
}
