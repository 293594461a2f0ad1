// Package api serves the worker's operational HTTP surface: health probes,
// job queue counts and manual retry of failed jobs.
package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/automation-engine/internal/pkg/logger"
	"github.com/ignite/automation-engine/internal/worker"
)

// JobQueue is the part of worker.Queue the ops endpoints use.
type JobQueue interface {
	Stats(ctx context.Context) (map[worker.JobStatus]int64, error)
	Retry(ctx context.Context, id string) error
}

// Server is the ops HTTP server.
type Server struct {
	router *chi.Mux
	health *HealthChecker
	queue  JobQueue
	log    *logger.Logger
}

// Options configures NewServer. DB, Redis and Queue may each be nil.
type Options struct {
	DB             *sql.DB
	Redis          *redis.Client
	Queue          JobQueue
	AllowedOrigins []string
}

// NewServer builds the router.
func NewServer(opts Options) *Server {
	s := &Server{
		health: NewHealthChecker(opts.DB, opts.Redis, opts.Queue),
		queue:  opts.Queue,
		log:    logger.With("component", "api"),
	}
	s.router = s.routes(opts.AllowedOrigins)
	return s
}

func (s *Server) routes(origins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.health.HandleHealth)
	r.Get("/healthz/live", s.health.HandleLiveness)
	r.Get("/healthz/ready", s.health.HandleReadiness)

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/stats", s.handleJobStats)
		r.Post("/{id}/retry", s.handleRetryJob)
	})
	// Kept for dashboards that poll the older path.
	r.Get("/stats/jobs", s.handleJobStats)

	return r
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("ops server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
