package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the KeyHarbor settlement server.
type Metrics struct {
	// Webhook ingestion metrics
	WebhooksReceivedTotal *prometheus.CounterVec
	WebhookDuration       *prometheus.HistogramVec

	// Settlement metrics
	SettlementsTotal        *prometheus.CounterVec
	SettlementDuration      *prometheus.HistogramVec
	SideEffectFailuresTotal *prometheus.CounterVec

	// Delivery metrics
	TokensIssuedTotal prometheus.Counter
	RevealsTotal      *prometheus.CounterVec

	// Reconciliation metrics
	ReconcilePollsTotal *prometheus.CounterVec
	ExplorerCallsTotal  *prometheus.CounterVec
	ExplorerDuration    prometheus.Histogram

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		WebhooksReceivedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harbor_webhooks_received_total",
				Help: "Total inbound provider webhooks by verification/processing outcome",
			},
			[]string{"provider", "outcome"},
		),
		WebhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harbor_webhook_duration_seconds",
				Help:    "Webhook handling duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		SettlementsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harbor_settlements_total",
				Help: "Payment state transitions by provider and resulting status",
			},
			[]string{"provider", "status"},
		),
		SettlementDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harbor_settlement_duration_seconds",
				Help:    "Transition duration including side effects",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		SideEffectFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harbor_side_effect_failures_total",
				Help: "Completion side-effect steps that failed and were logged for manual remediation",
			},
			[]string{"step"},
		),
		TokensIssuedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "harbor_delivery_tokens_issued_total",
				Help: "Delivery tokens minted on payment completion",
			},
		),
		RevealsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harbor_delivery_reveals_total",
				Help: "Delivery reveal attempts by outcome",
			},
			[]string{"outcome"},
		),
		ReconcilePollsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harbor_reconcile_polls_total",
				Help: "Blockchain reconciliation polls by observed result",
			},
			[]string{"result"},
		),
		ExplorerCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harbor_explorer_calls_total",
				Help: "Block-explorer API calls by status",
			},
			[]string{"status"},
		),
		ExplorerDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harbor_explorer_call_duration_seconds",
				Help:    "Block-explorer API call duration",
				Buckets: prometheus.DefBuckets,
			},
		),
		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harbor_rate_limit_hits_total",
				Help: "Requests rejected by rate limiting",
			},
			[]string{"limit_type", "identifier"},
		),
	}
}

// ObserveWebhook records one inbound webhook and its handling duration.
func (m *Metrics) ObserveWebhook(provider, outcome string, duration time.Duration) {
	m.WebhooksReceivedTotal.WithLabelValues(provider, outcome).Inc()
	m.WebhookDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveSettlement records one state transition.
func (m *Metrics) ObserveSettlement(provider, status string, duration time.Duration) {
	m.SettlementsTotal.WithLabelValues(provider, status).Inc()
	m.SettlementDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveSideEffectFailure records a failed completion step.
func (m *Metrics) ObserveSideEffectFailure(step string) {
	m.SideEffectFailuresTotal.WithLabelValues(step).Inc()
}

// ObserveReveal records a reveal attempt outcome
// ("revealed", "already_used", "invalid", "mismatch").
func (m *Metrics) ObserveReveal(outcome string) {
	m.RevealsTotal.WithLabelValues(outcome).Inc()
}

// ObserveReconcilePoll records a reconciliation poll result.
func (m *Metrics) ObserveReconcilePoll(result string) {
	m.ReconcilePollsTotal.WithLabelValues(result).Inc()
}

// ObserveExplorerCall records one block-explorer API call.
func (m *Metrics) ObserveExplorerCall(status string, duration time.Duration) {
	m.ExplorerCallsTotal.WithLabelValues(status).Inc()
	m.ExplorerDuration.Observe(duration.Seconds())
}

// ObserveRateLimit records a rate limit rejection.
func (m *Metrics) ObserveRateLimit(limitType, identifier string) {
	m.RateLimitHitsTotal.WithLabelValues(limitType, identifier).Inc()
}
