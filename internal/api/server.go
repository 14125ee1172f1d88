package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/shohag/hookrelay/internal/config"
	"github.com/shohag/hookrelay/internal/delivery"
	"github.com/shohag/hookrelay/internal/dispatch"
	"github.com/shohag/hookrelay/internal/registry"
	"github.com/shohag/hookrelay/internal/storage"
)

type Server struct {
	cfg        config.Config
	store      storage.Store
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	executor   *delivery.Executor
	router     *chi.Mux
	log        zerolog.Logger
	http       *http.Server
}

func NewServer(cfg config.Config, store storage.Store, reg *registry.Registry, dispatcher *dispatch.Dispatcher, executor *delivery.Executor, log zerolog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		store:      store,
		registry:   reg,
		dispatcher: dispatcher,
		executor:   executor,
		log:        log,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	accountHandler := NewAccountHandler(s.store)
	webhookHandler := NewWebhookHandler(s.store, s.registry, s.executor)
	eventHandler := NewEventHandler(s.dispatcher)
	statsHandler := NewStatsHandler(s.store)

	// Health check — no auth
	r.Get("/health", statsHandler.Health)

	r.Route("/api/v1", func(r chi.Router) {
		// Account management — no bearer auth (admin routes)
		r.Post("/accounts", accountHandler.Create)
		r.Get("/accounts", accountHandler.List)
		r.Get("/accounts/{id}", accountHandler.Get)
		r.Delete("/accounts/{id}", accountHandler.Delete)
		r.Post("/accounts/{id}/rotate-key", accountHandler.RotateKey)

		// Owner-scoped routes
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(s.store))

			r.Group(func(r chi.Router) {
				r.Use(RequireWebhooksEnabled(s.cfg.Webhooks.Enabled))

				// Webhook registry
				r.Post("/webhooks", webhookHandler.Create)
				r.Get("/webhooks", webhookHandler.List)
				r.Get("/webhooks/{id}", webhookHandler.Get)
				r.Patch("/webhooks/{id}", webhookHandler.Update)
				r.Delete("/webhooks/{id}", webhookHandler.Delete)
				r.Post("/webhooks/{id}/rotate-secret", webhookHandler.RotateSecret)
				r.Post("/webhooks/{id}/test", webhookHandler.Test)
				r.Get("/webhooks/{id}/deliveries", webhookHandler.ListDeliveries)
			})

			// Event ingestion
			r.Post("/events", eventHandler.Emit)

			// Stats
			r.Get("/stats", statsHandler.Stats)
		})
	})

	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
