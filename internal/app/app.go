// Package app assembles the settlement server from configuration: storage,
// the delivery codec, webhook verifiers, the settlement orchestrator, the
// reconciliation worker, and the HTTP surface. Embedders construct an App
// and either Run it or mount Handler on their own server.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/KeyHarbor/server/internal/chain"
	"github.com/KeyHarbor/server/internal/circuitbreaker"
	"github.com/KeyHarbor/server/internal/config"
	"github.com/KeyHarbor/server/internal/delivery"
	"github.com/KeyHarbor/server/internal/fulfillment"
	"github.com/KeyHarbor/server/internal/httpserver"
	"github.com/KeyHarbor/server/internal/idempotency"
	"github.com/KeyHarbor/server/internal/lifecycle"
	"github.com/KeyHarbor/server/internal/logger"
	"github.com/KeyHarbor/server/internal/metrics"
	"github.com/KeyHarbor/server/internal/notify"
	"github.com/KeyHarbor/server/internal/ratelimit"
	"github.com/KeyHarbor/server/internal/settlement"
	"github.com/KeyHarbor/server/internal/storage"
	"github.com/KeyHarbor/server/internal/webhook"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// shutdownGrace bounds how long Run waits for in-flight requests after
// the context is cancelled.
const shutdownGrace = 15 * time.Second

// App owns every long-lived component of the server.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Store  storage.Store

	server     *httpserver.Server
	reconciler *chain.Reconciler
	resources  *lifecycle.Manager
}

// Option customizes app construction.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
}

// WithRegisterer overrides the Prometheus registerer. Tests pass a
// private registry so repeated construction does not collide on
// collector registration.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = r
	}
}

// New builds the full application graph from cfg. Every closeable
// component is registered with the lifecycle manager; Close releases
// them in reverse construction order.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	optState := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&optState)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "keyharbor",
		Version:     Version,
		Environment: cfg.Logging.Environment,
	})

	resources := lifecycle.NewManager()
	collector := metrics.New(optState.registerer)

	store, err := storage.NewStore(storage.StoreConfig{
		Backend:         cfg.Storage.Backend,
		PostgresURL:     cfg.Storage.PostgresURL,
		MongoDBURL:      cfg.Storage.MongoDBURL,
		MongoDBDatabase: cfg.Storage.MongoDBDatabase,
	})
	if err != nil {
		return nil, fmt.Errorf("app: storage: %w", err)
	}
	resources.Register("storage", store)

	codec, err := delivery.NewCodec([]byte(cfg.Delivery.Secret), store,
		delivery.WithTTL(cfg.Delivery.TokenTTL.Duration))
	if err != nil {
		closeQuietly(resources, log)
		return nil, fmt.Errorf("app: delivery codec: %w", err)
	}

	breakers := circuitbreaker.NewManager(breakerConfig(cfg), log)

	notifier := buildNotifier(cfg, breakers, log)
	dispatcher := fulfillment.NewDispatcher(store, log)

	settlementSvc, err := settlement.NewService(settlement.Config{
		Store:           store,
		Codec:           codec,
		Fulfiller:       dispatcher,
		Notifier:        notifier,
		Metrics:         collector,
		DeliveryBaseURL: cfg.Delivery.BaseURL,
	})
	if err != nil {
		closeQuietly(resources, log)
		return nil, fmt.Errorf("app: settlement: %w", err)
	}

	ttlStore, err := buildTTLStore(cfg, resources)
	if err != nil {
		closeQuietly(resources, log)
		return nil, fmt.Errorf("app: rate limit backend: %w", err)
	}
	revealLimiter := ratelimit.NewActionLimiter(ttlStore, map[string]ratelimit.Limit{
		"reveal": {
			Max:    cfg.RateLimit.RevealLimit,
			Window: cfg.RateLimit.RevealWindow.Duration,
		},
	})

	idemStore := idempotency.NewMemoryStore(cfg.Checkout.IdempotencyMaxSize)
	resources.Register("idempotency-store", idemStore)

	app := &App{
		Config:    cfg,
		Logger:    log,
		Store:     store,
		resources: resources,
	}

	if cfg.Reconciliation.Enabled {
		reconciler, err := buildReconciler(cfg, store, settlementSvc, breakers, collector, log)
		if err != nil {
			closeQuietly(resources, log)
			return nil, err
		}
		app.reconciler = reconciler
		resources.Register("reconciler", reconciler)
	}

	app.server = httpserver.New(httpserver.Options{
		Config:           cfg,
		Store:            store,
		Settlement:       settlementSvc,
		Codec:            codec,
		Verifiers:        buildVerifiers(cfg),
		RevealLimiter:    revealLimiter,
		IdempotencyStore: idemStore,
		Metrics:          collector,
		Logger:           log,
	})

	return app, nil
}

// Run starts the reconciler and the HTTP listener, blocking until ctx is
// cancelled or the listener fails. Shutdown drains in-flight requests
// before returning.
func (a *App) Run(ctx context.Context) error {
	if a.reconciler != nil {
		a.reconciler.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.ListenAndServe()
	}()

	a.Logger.Info().
		Str("address", a.Config.Server.Address).
		Str("version", Version).
		Bool("reconciliation", a.Config.Reconciliation.Enabled).
		Msg("server.started")

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("app: listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("app: shutdown: %w", err)
	}
	return nil
}

// Handler exposes the configured router for embedding and tests.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Close releases every resource the app owns, LIFO.
func (a *App) Close() error {
	return a.resources.Close()
}

func buildVerifiers(cfg *config.Config) map[string]*webhook.Verifier {
	verifiers := make(map[string]*webhook.Verifier)
	if cfg.Providers.OxaPay.Enabled {
		verifiers[webhook.ProviderOxaPay] = webhook.NewVerifier(
			webhook.ProviderOxaPay, webhook.OxaPayHeader,
			[]byte(cfg.Providers.OxaPay.WebhookSecret))
	}
	if cfg.Providers.Paylix.Enabled {
		verifiers[webhook.ProviderPaylix] = webhook.NewVerifier(
			webhook.ProviderPaylix, webhook.PaylixHeader,
			[]byte(cfg.Providers.Paylix.WebhookSecret))
	}
	return verifiers
}

func buildNotifier(cfg *config.Config, breakers *circuitbreaker.Manager, log zerolog.Logger) notify.Notifier {
	retryCfg := notify.DefaultRetryConfig()
	n := cfg.Notifications
	if n.Retry.MaxAttempts > 0 {
		retryCfg.MaxAttempts = n.Retry.MaxAttempts
	}
	if n.Retry.InitialInterval.Duration > 0 {
		retryCfg.InitialInterval = n.Retry.InitialInterval.Duration
	}
	if n.Retry.MaxInterval.Duration > 0 {
		retryCfg.MaxInterval = n.Retry.MaxInterval.Duration
	}
	if n.Retry.Multiplier > 0 {
		retryCfg.Multiplier = n.Retry.Multiplier
	}
	if n.Timeout.Duration > 0 {
		retryCfg.Timeout = n.Timeout.Duration
	}

	return notify.NewRetryableClient(n.URL,
		notify.WithRetryConfig(retryCfg),
		notify.WithHeaders(n.Headers),
		notify.WithBreakers(breakers),
		notify.WithRetryLogger(log),
	)
}

func buildTTLStore(cfg *config.Config, resources *lifecycle.Manager) (ratelimit.TTLStore, error) {
	if cfg.RateLimit.Backend != "redis" {
		return ratelimit.NewMemoryTTLStore(), nil
	}
	redisOpts, err := redis.ParseURL(cfg.RateLimit.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	resources.Register("redis", client)
	return ratelimit.NewRedisTTLStore(client, "harbor:rl"), nil
}

func buildReconciler(cfg *config.Config, store storage.Store, svc *settlement.Service, breakers *circuitbreaker.Manager, collector *metrics.Metrics, log zerolog.Logger) (*chain.Reconciler, error) {
	rc := cfg.Reconciliation
	explorer, err := chain.NewExplorerClient(chain.ExplorerClientOptions{
		BaseURL:          rc.ExplorerURL,
		Timeout:          rc.ExplorerTimeout.Duration,
		Breakers:         breakers,
		Metrics:          collector,
		MinConfirmations: rc.MinConfirmations,
	})
	if err != nil {
		return nil, fmt.Errorf("app: explorer client: %w", err)
	}

	reconciler, err := chain.NewReconciler(chain.ReconcilerOptions{
		Store:           store,
		Settlement:      svc,
		Source:          explorer,
		Metrics:         collector,
		Logger:          log,
		AmountTolerance: rc.AmountTolerance,
		PendingAge:      rc.PendingAge.Duration,
		PollInterval:    rc.PollInterval.Duration,
		BatchSize:       rc.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("app: reconciler: %w", err)
	}
	return reconciler, nil
}

func breakerConfig(cfg *config.Config) circuitbreaker.Config {
	out := circuitbreaker.DefaultConfig()
	out.Enabled = cfg.CircuitBreaker.Enabled
	applyBreaker(&out.Explorer, cfg.CircuitBreaker.Explorer)
	applyBreaker(&out.Notifier, cfg.CircuitBreaker.Notifier)
	return out
}

func applyBreaker(dst *circuitbreaker.BreakerConfig, src config.BreakerServiceConfig) {
	if src.MaxRequests > 0 {
		dst.MaxRequests = src.MaxRequests
	}
	if src.Interval.Duration > 0 {
		dst.Interval = src.Interval.Duration
	}
	if src.Timeout.Duration > 0 {
		dst.Timeout = src.Timeout.Duration
	}
	if src.ConsecutiveFailures > 0 {
		dst.ConsecutiveFailures = src.ConsecutiveFailures
	}
	if src.FailureRatio > 0 {
		dst.FailureRatio = src.FailureRatio
	}
	if src.MinRequests > 0 {
		dst.MinRequests = src.MinRequests
	}
}

func closeQuietly(resources *lifecycle.Manager, log zerolog.Logger) {
	if err := resources.Close(); err != nil {
		log.Error().Err(err).Msg("app.partial_cleanup_failed")
	}
}
