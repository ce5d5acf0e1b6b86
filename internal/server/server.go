package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lazypower/quill/internal/engine"
	"github.com/lazypower/quill/internal/metrics"
	"github.com/lazypower/quill/internal/store"
)

// Server is the quill HTTP API server.
type Server struct {
	db      *store.DB
	engine  *engine.Engine
	metrics *metrics.Metrics
	log     *zap.Logger
	router  chi.Router
	version string
	started time.Time
}

// Options configures optional server collaborators.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Version string
}

// New creates a Server over the engine. db backs the health check.
func New(db *store.DB, eng *engine.Engine, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		db:      db,
		engine:  eng,
		metrics: opts.Metrics,
		log:     opts.Logger,
		version: opts.Version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/maintenance/decay", s.handleDecay)
		r.Get("/retry-queue", s.handleRetryQueueSize)
		r.Post("/retry-queue/retry", s.handleRetryFailedWrites)
		r.Post("/clear", s.handleClearAll)

		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Get("/stats", s.handleStats)

			r.Post("/episodes", s.handleRecordEpisode)
			r.Post("/episodes/query", s.handleQueryEpisodes)
			r.Post("/context", s.handleAssembleContext)

			r.Post("/maintenance/evict", s.handleEvict)
			r.Post("/maintenance/compress", s.handleCompress)
			r.Post("/maintenance/purge", s.handlePurge)

			r.Get("/rules", s.handleListRules)
			r.Post("/rules", s.handleAddRule)
			r.Patch("/rules/{ruleID}", s.handleUpdateRule)
			r.Delete("/rules/{ruleID}", s.handleDeleteRule)
			r.Post("/rules/{ruleID}/promote", s.handlePromoteRule)

			r.Post("/distill", s.handleDistill)
			r.Get("/conflicts", s.handleConflicts)
			r.Post("/clear", s.handleClearProject)
		})
	})

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbOK := true
	if err := s.db.PingContext(ctx); err != nil {
		dbOK = false
	}

	writeData(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    s.version,
		"uptime":     time.Since(s.started).Seconds(),
		"db":         dbOK,
		"db_path":    s.db.Path,
		"retryQueue": s.engine.GetRetryQueueSize(),
	})
}

// requestLogger logs one line per request at debug level, and at warn for
// server errors.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		}
		if ww.Status() >= http.StatusInternalServerError {
			s.log.Warn("request failed", fields...)
			return
		}
		s.log.Debug("request", fields...)
	})
}
