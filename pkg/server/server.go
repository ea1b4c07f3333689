// Package server is the HTTP surface: JSON endpoints for querying and
// corpus management, SSE endpoints for streamed answers, and the
// operational /health and /metrics routes.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sagekb/sage/pkg/config"
	"github.com/sagekb/sage/pkg/conversation"
	"github.com/sagekb/sage/pkg/ingest"
	"github.com/sagekb/sage/pkg/logger"
	"github.com/sagekb/sage/pkg/observability"
	"github.com/sagekb/sage/pkg/retriever"
	"github.com/sagekb/sage/pkg/session"
	"github.com/sagekb/sage/pkg/tools"
)

type Server struct {
	cfg     *config.Config
	orch    *session.Orchestrator
	builder *ingest.Builder
	retr    *retriever.Retriever
	store   *conversation.FileStore
	tools   *tools.Registry
	watcher *ingest.StaleWatcher

	log  *slog.Logger
	http *http.Server
}

// New wires the HTTP layer. watcher may be nil when document watching is
// disabled.
func New(cfg *config.Config, orch *session.Orchestrator, builder *ingest.Builder, retr *retriever.Retriever, store *conversation.FileStore, toolReg *tools.Registry, watcher *ingest.StaleWatcher) *Server {
	return &Server{
		cfg:     cfg,
		orch:    orch,
		builder: builder,
		retr:    retr,
		store:   store,
		tools:   toolReg,
		watcher: watcher,
		log:     logger.Component("server"),
	}
}

// Routes builds the router. Exposed separately from Start so tests can mount
// it on httptest servers.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/metrics", observability.MetricsHandler().ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/upload", s.handleUpload)
		r.Post("/build-start", s.handleBuildStart)
		r.Get("/build-progress", s.handleBuildProgress)

		r.Post("/query", s.handleQuery(""))
		r.Post("/query-stream", s.handleQueryStream(""))

		r.Route("/agent", func(r chi.Router) {
			r.Get("/status", s.handleAgentStatus)
			r.Get("/tools", s.handleAgentTools)
			r.Post("/query", s.handleQuery("full"))
			r.Post("/smart-query", s.handleQuery("smart"))
			r.Post("/query-stream", s.handleQueryStream("full"))
			r.Post("/execute-tool", s.handleExecuteTool)
			r.Post("/conversation/create", s.handleConversationCreate)
			r.Post("/conversation/{id}/clear", s.handleConversationClear)
		})

		r.Get("/conversations", s.handleConversationList)
		r.Get("/conversations/{id}", s.handleConversationGet)
		r.Delete("/conversations/{id}", s.handleConversationDelete)
	})

	return r
}

// Start blocks serving HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("http server listening", "addr", s.cfg.Server.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	s.log.Info("http server shutting down")
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}
