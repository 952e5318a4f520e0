// Package server wires the session registry, event store, progress
// streams, transport, and security gate into one HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/txn2/mcp-markdownify/pkg/config"
	"github.com/txn2/mcp-markdownify/pkg/convert"
	"github.com/txn2/mcp-markdownify/pkg/engine"
	"github.com/txn2/mcp-markdownify/pkg/events"
	"github.com/txn2/mcp-markdownify/pkg/health"
	"github.com/txn2/mcp-markdownify/pkg/middleware"
	"github.com/txn2/mcp-markdownify/pkg/progress"
	"github.com/txn2/mcp-markdownify/pkg/redisconn"
	"github.com/txn2/mcp-markdownify/pkg/session"
	"github.com/txn2/mcp-markdownify/pkg/tasks"
	"github.com/txn2/mcp-markdownify/pkg/transcribe"
	"github.com/txn2/mcp-markdownify/pkg/transport"
)

// Server owns the component graph and the HTTP listener.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	conn     *redisconn.Conn
	registry *session.Registry
	store    *events.Store
	handler  *transport.Handler
	checker  *health.Checker
	httpSrv  *http.Server
}

// New builds the full component graph from configuration. It never
// fails on an unreachable durable backend; only invalid configuration
// is an error.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn := redisconn.New(cfg.Redis.URL, logger)
	store := events.NewStore(conn, events.Config{
		Retention:   cfg.Events.Retention,
		FallbackCap: cfg.Events.FallbackCap,
	}, logger)
	registry := session.NewRegistry(conn, cfg.Session.TTL, logger)
	streams := progress.NewManager(store, logger)

	taskMgr := tasks.NewManager()
	factory := engine.NewFactory(engine.Deps{
		Converter:   convert.NewConverter(cfg.Converter.MaxFileBytes),
		Transcriber: transcribe.NewEngine(cfg.Transcribe, logger),
		Tasks:       taskMgr,
		Streams:     streams,
		Logger:      logger,
	})

	handler := transport.NewHandler(registry, store, streams, factory, logger)
	streams.SetSink(handler)

	checker := health.NewChecker(cfg.Server.Version)
	checker.Register("redis", conn)

	limiter, err := middleware.NewLimiter(cfg.RateLimits, logger)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		conn:     conn,
		registry: registry,
		store:    store,
		handler:  handler,
		checker:  checker,
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           s.routes(limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// routes assembles the middleware stack and endpoint tree.
func (s *Server) routes(limiter *middleware.Limiter) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.SecurityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORS.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-API-Key",
			session.IDHeader, "Last-Event-ID", middleware.RequestIDHeader},
		ExposedHeaders: []string{session.IDHeader, middleware.RequestIDHeader,
			"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
	}))

	// health endpoints stay outside the auth gate
	r.Group(func(r chi.Router) {
		r.Use(limiter.Limit(middleware.ClassHealth))
		r.Get("/health", s.checker.StatusHandler())
		r.Get("/healthz", s.checker.LivenessHandler())
		r.Get("/readyz", s.checker.ReadinessHandler())
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(s.cfg.Auth))

		r.Group(func(r chi.Router) {
			r.Use(limiter.Limit(middleware.ClassStream))
			r.Get("/mcp", s.handler.HandleStream)
		})

		r.Group(func(r chi.Router) {
			r.Use(limiter.Limit(middleware.ClassAPI))
			r.Post("/mcp", s.handler.HandleMessage)
			r.Delete("/mcp", s.handler.HandleDelete)
			sessionID := func(r *http.Request) string {
				return chi.URLParam(r, "id")
			}
			r.Get("/mcp/session/{id}/status", s.handler.HandleSessionStatus(sessionID))
			r.Get("/mcp/session/{id}/events", s.handler.HandleSessionEvents(sessionID))
		})

		r.Group(func(r chi.Router) {
			r.Use(limiter.Limit(middleware.ClassAudio))
			r.Get("/mcp/audio/progress/{taskID}", s.handler.HandleTaskStream(func(r *http.Request) string {
				return chi.URLParam(r, "taskID")
			}))
		})
	})

	return r
}

// Start runs the HTTP listener until ctx is canceled, then drains.
func (s *Server) Start(ctx context.Context) error {
	s.checker.SetReady()
	s.logger.Info("server: listening", "address", s.cfg.Server.Address)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen on %s: %w", s.cfg.Server.Address, err)
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown drains in-flight requests, closes live streams, and releases
// the component graph.
func (s *Server) Shutdown() error {
	s.checker.SetDraining()
	s.logger.Info("server: draining")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	s.handler.Shutdown()
	err := s.httpSrv.Shutdown(ctx)

	s.registry.Close()
	s.conn.Close()
	return err
}

// Handler exposes the assembled HTTP handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}
