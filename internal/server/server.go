// Package server wires the HTTP routes and manages the server lifecycle.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/shardrouter/internal/config"
	"github.com/devrev/shardrouter/internal/handler"
)

// Server is the admin and routing HTTP server.
type Server struct {
	httpServer *http.Server
	cfg        config.ServerConfig
	logger     *zap.Logger
}

// New builds the route tree and returns a Server ready to start.
func New(cfg config.Config, h *handler.Handlers, reg *prometheus.Registry, logger *zap.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Server.WriteTimeout))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Metrics.Enabled {
		r.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	r.Get("/resolve", h.Resolve)

	r.Route("/shards", func(r chi.Router) {
		r.Post("/", h.AddShard)
		r.Get("/", h.ListShards)
		r.Delete("/{shardID}", h.RemoveShard)
	})

	r.Route("/migrations", func(r chi.Router) {
		r.Get("/", h.ListMigrations)
		r.Get("/{taskID}", h.GetMigration)
		r.Post("/{taskID}/abort", h.AbortMigration)
		r.Post("/{taskID}/retry", h.RetryMigration)
	})

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      r,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		cfg:    cfg.Server,
		logger: logger,
	}
}

// Start begins serving requests. It blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
