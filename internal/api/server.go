// Package api exposes the REST and event-stream surface over chi.
// Handlers stay thin: validation and error mapping here, semantics in
// the services.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"komorebi/internal/bulk"
	"komorebi/internal/capture"
	"komorebi/internal/compactor"
	"komorebi/internal/events"
	"komorebi/internal/logging"
	"komorebi/internal/mcp"
	"komorebi/internal/similarity"
	"komorebi/internal/storage"
	"komorebi/pkg/types"
)

// Config tunes the event stream endpoints
type Config struct {
	SubscriberBuffer int
	KeepAlive        time.Duration
}

func (c Config) withDefaults() Config {
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = events.DefaultSubscriberBuffer
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = defaultSSEKeepAlive
	}
	return c
}

// Server bundles the handlers with their collaborators
type Server struct {
	cfg       Config
	store     storage.Store
	capture   *capture.Service
	compactor *compactor.Compactor
	bulk      *bulk.Manager
	mcp       *mcp.Service
	finder    *similarity.Finder
	bus       *events.Bus
	logger    logging.Logger
}

// NewServer creates the API server. The MCP service may be nil when no
// servers are configured.
func NewServer(cfg Config, store storage.Store, captureService *capture.Service, compactorService *compactor.Compactor,
	bulkManager *bulk.Manager, mcpService *mcp.Service, finder *similarity.Finder,
	bus *events.Bus, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Server{
		cfg:       cfg.withDefaults(),
		store:     store,
		capture:   captureService,
		compactor: compactorService,
		bulk:      bulkManager,
		mcp:       mcpService,
		finder:    finder,
		bus:       bus,
		logger:    logger.WithComponent("api"),
	}
}

// Router builds the route tree
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.traceMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/chunks", s.handleCaptureChunk)
		r.Get("/chunks", s.handleListChunks)
		r.Get("/chunks/{id}", s.handleGetChunk)
		r.Get("/chunks/{id}/related", s.handleRelatedChunks)

		r.Post("/projects", s.handleCreateProject)
		r.Get("/projects", s.handleListProjects)
		r.Post("/projects/{id}/compact", s.handleCompactProject)
		r.Get("/projects/{id}/entities", s.handleProjectEntities)

		r.Post("/bulk", s.handleBulkExecute)
		r.Post("/bulk/{id}/undo", s.handleBulkUndo)

		r.Get("/mcp/tools", s.handleMCPTools)
		r.Post("/mcp/call", s.handleMCPCall)

		r.Get("/events", s.handleSSE)
		r.Get("/ws", s.handleWebSocket)
	})
	return r
}

// traceMiddleware stamps every request with a trace id and logs it
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = uuid.New().String()
		}
		ctx := logging.WithTraceID(r.Context(), traceID)
		w.Header().Set("X-Trace-ID", traceID)

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		s.logger.DebugContext(ctx, "request",
			"method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByStatus(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	body := map[string]any{
		"status": "ok",
		"chunks": counts,
	}
	if oldest, err := s.store.OldestInbox(r.Context()); err == nil && oldest != nil {
		body["inbox_backlog_seconds"] = int(time.Since(oldest.CreatedAt).Seconds())
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("response encode failed", "error", err.Error())
	}
}

// writeError maps the domain taxonomy onto HTTP status codes
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, types.ErrQueueFull):
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	case errors.Is(err, types.ErrUndoExpired):
		status = http.StatusGone
	case errors.Is(err, types.ErrServerNotReady),
		errors.Is(err, types.ErrUnavailable),
		errors.Is(err, types.ErrStorageUnavailable),
		errors.Is(err, types.ErrTransportLost):
		status = http.StatusServiceUnavailable
	case errors.Is(err, types.ErrTimeout):
		status = http.StatusGatewayTimeout
	}

	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			"path", r.URL.Path, "error", err.Error())
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid json body: %v", types.ErrValidation, err)
	}
	return nil
}
