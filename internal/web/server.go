// Package web provides the HTTP status, control and metrics API.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JonMunkholm/ledgerport/internal/config"
	"github.com/JonMunkholm/ledgerport/internal/core"
	"github.com/JonMunkholm/ledgerport/internal/report"
	mw "github.com/JonMunkholm/ledgerport/internal/web/middleware"
)

// Migrator is the orchestrator surface the API drives.
type Migrator interface {
	ListEntities() []core.EntityInfo
	Running() map[string]string
	Run(ctx context.Context, name string, opts core.RunOptions) (*core.RunReport, error)
	Requeue(ctx context.Context, name string, statuses []core.Status) (int64, error)
	Reset(ctx context.Context, name string) error
	Summary(ctx context.Context, name string) (core.Summary, error)
	Failures(ctx context.Context, name string, limit int) ([]core.FailureDetail, error)
	History(ctx context.Context, name string, limit int) ([]core.RunRecord, error)
	Progress(ctx context.Context) ([]core.EntityProgress, error)
}

var _ Migrator = (*core.Service)(nil)

// Server is the HTTP server for the migration API.
type Server struct {
	migrator Migrator
	runs     *core.RunLimiter
	sink     report.Sink
	cfg      config.ServerConfig
	router   *chi.Mux
	server   *http.Server

	// baseCtx outlives requests; background runs derive from it.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewServer creates a Server. sink may be nil to skip report export.
func NewServer(m Migrator, runs *core.RunLimiter, sink report.Sink, cfg config.ServerConfig) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		migrator: m,
		runs:     runs,
		sink:     sink,
		cfg:      cfg,
		router:   chi.NewRouter(),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(mw.TrustedRealIP(s.cfg.TrustedProxies))
	s.router.Use(mw.Logger)
	s.router.Use(middleware.Recoverer)
	if s.cfg.RequestTimeout > 0 {
		s.router.Use(middleware.Timeout(s.cfg.RequestTimeout))
	}
	s.router.Use(securityHeaders)
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/entities", s.handleListEntities)
		r.Get("/progress", s.handleProgress)
		r.Get("/runs", s.handleRuns)

		r.Route("/entities/{entity}", func(r chi.Router) {
			r.Get("/summary", s.handleSummary)
			r.Get("/failures", s.handleFailures)
			r.Get("/runs", s.handleRuns)

			r.Group(func(r chi.Router) {
				r.Use(mw.APIKeyAuth(s.cfg))
				r.Post("/run", s.handleRun)
				r.Post("/requeue", s.handleRequeue)
				r.Post("/reset", s.handleReset)
			})
		})
	})
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	slog.Info("starting server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown stops accepting requests, cancels background runs and waits for
// them to record their state.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.cancel()

	if drainErr := s.runs.WaitForDrain(ctx); drainErr != nil {
		slog.Warn("shutdown: background runs still active", "active", s.runs.ActiveCount())
	}
	return err
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v with status. Encoding errors are only logged since
// the header is already sent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
