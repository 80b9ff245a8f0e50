package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/KeyHarbor/server/internal/config"
	"github.com/KeyHarbor/server/internal/delivery"
	"github.com/KeyHarbor/server/internal/idempotency"
	"github.com/KeyHarbor/server/internal/logger"
	"github.com/KeyHarbor/server/internal/metrics"
	"github.com/KeyHarbor/server/internal/ratelimit"
	"github.com/KeyHarbor/server/internal/settlement"
	"github.com/KeyHarbor/server/internal/storage"
	"github.com/KeyHarbor/server/internal/webhook"
)

var serverStartTime = time.Now()

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg              *config.Config
	store            storage.Store
	settlement       *settlement.Service
	codec            *delivery.Codec
	verifiers        map[string]*webhook.Verifier
	revealLimiter    *ratelimit.ActionLimiter
	idempotencyStore idempotency.Store
	metrics          *metrics.Metrics
	logger           zerolog.Logger
}

// Options holds everything the server needs.
type Options struct {
	Config           *config.Config
	Store            storage.Store
	Settlement       *settlement.Service
	Codec            *delivery.Codec
	Verifiers        map[string]*webhook.Verifier
	RevealLimiter    *ratelimit.ActionLimiter
	IdempotencyStore idempotency.Store
	Metrics          *metrics.Metrics
	Logger           zerolog.Logger
}

// New builds the HTTP server with its configured router.
func New(opts Options) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			cfg:              opts.Config,
			store:            opts.Store,
			settlement:       opts.Settlement,
			codec:            opts.Codec,
			verifiers:        opts.Verifiers,
			revealLimiter:    opts.RevealLimiter,
			idempotencyStore: opts.IdempotencyStore,
			metrics:          opts.Metrics,
			logger:           opts.Logger,
		},
		httpServer: &http.Server{
			Addr:         opts.Config.Server.Address,
			ReadTimeout:  opts.Config.Server.ReadTimeout.Duration,
			WriteTimeout: opts.Config.Server.WriteTimeout.Duration,
			IdleTimeout:  opts.Config.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	s.configureRouter(router)
	return s
}

// configureRouter attaches middleware and routes.
func (s *Server) configureRouter(router chi.Router) {
	cfg := s.cfg

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)
	router.Use(logger.Middleware(s.logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	rateLimitCfg := ratelimit.Config{
		GlobalEnabled: cfg.RateLimit.GlobalEnabled,
		GlobalLimit:   cfg.RateLimit.GlobalLimit,
		GlobalWindow:  cfg.RateLimit.GlobalWindow.Duration,
		PerIPEnabled:  cfg.RateLimit.PerIPEnabled,
		PerIPLimit:    cfg.RateLimit.PerIPLimit,
		PerIPWindow:   cfg.RateLimit.PerIPWindow.Duration,
		Metrics:       s.metrics,
	}
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	// Lightweight endpoints with a short timeout.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/health", s.health)
		r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).Handle("/metrics", promhttp.Handler())
	})

	// Settlement and delivery endpoints. Webhook URLs stay at the root
	// so they never change under providers already configured with them.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Post("/webhook/oxapay", s.handleOxaPayWebhook)
		r.Post("/webhook/paylix", s.handlePaylixWebhook)
		r.Post("/delivery/reveal", s.handleReveal)

		checkoutMW := idempotency.Middleware(s.idempotencyStore, cfg.Checkout.IdempotencyTTL.Duration)
		r.With(checkoutMW).Post("/checkout", s.handleCheckout)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
