package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/connexus-ai/entityrag/pkg/config"
	"github.com/connexus-ai/entityrag/pkg/log"
	"github.com/connexus-ai/entityrag/pkg/manager"
	"github.com/connexus-ai/entityrag/pkg/metrics"
)

// Server is the HTTP front of the manager.
type Server struct {
	cfg  *config.Config
	mgr  *manager.Manager
	http *http.Server
}

// NewServer builds the server and its router.
func NewServer(cfg *config.Config, mgr *manager.Manager) *Server {
	s := &Server{cfg: cfg, mgr: mgr}
	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.BackendPort),
		Handler: s.Router(),
	}
	return s
}

// Router wires all routes; exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(instrument)

	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/entities", s.handleCreateEntity)
		r.Get("/entities", s.handleListEntities)
		r.Get("/entities/{id}", s.handleGetEntity)
		r.Delete("/entities/{id}", s.handleDeleteEntity)

		r.Post("/entities/{id}/files", s.handleUploadFile)
		r.Get("/entities/{id}/files", s.handleListFiles)
		r.Delete("/entities/{id}/files/{docID}", s.handleDeleteDocument)

		r.Post("/entities/{id}/chunks", s.handleIngestChunks)
		r.Post("/entities/{id}/chunks/batch", s.handleIngestChunks)

		r.Get("/entities/{id}/sessions", s.handleListSessions)

		r.Get("/tasks/{id}", s.handleGetTask)
		r.Get("/tasks", s.handleListTasks)

		r.Post("/chat/sessions", s.handleCreateSession)
		r.Delete("/chat/sessions/{id}", s.handleDeleteSession)
		r.Get("/chat/sessions/{id}/messages", s.handleSessionMessages)
		r.Post("/chat", s.handleChat)

		r.Get("/knowledge-graph", s.handleKnowledgeGraph)

		r.Get("/events", s.handleEvents)
	})
	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	logger := log.WithComponent("api")
	logger.Info().Str("addr", s.http.Addr).Msg("http server listening")
	metrics.UpdateComponent("api", true, "")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		metrics.UpdateComponent("api", false, err.Error())
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// instrument records request counts and latency per method.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush passes streaming flushes through to the underlying writer.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
