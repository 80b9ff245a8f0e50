package circuitbreaker

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ServiceType identifies an external dependency with its own breaker.
// Each service gets an isolated breaker so a flapping explorer cannot
// starve admin notifications, and vice versa.
type ServiceType string

const (
	ServiceExplorer ServiceType = "chain_explorer"
	ServiceNotifier ServiceType = "admin_notifier"
)

// Manager holds one circuit breaker per external service.
type Manager struct {
	breakers map[ServiceType]*gobreaker.CircuitBreaker
	enabled  bool
}

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32

	// Interval is the closed-state period after which counts reset.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	// Trip conditions: either N consecutive failures, or a failure
	// ratio over at least MinRequests observations.
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// Config holds the per-service breaker settings.
type Config struct {
	Enabled  bool
	Explorer BreakerConfig
	Notifier BreakerConfig
}

// DefaultConfig returns the breaker settings used when the config file
// does not override them.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Explorer: BreakerConfig{
			MaxRequests:         3,
			Interval:            60 * time.Second,
			Timeout:             30 * time.Second,
			ConsecutiveFailures: 5,
			FailureRatio:        0.5,
			MinRequests:         10,
		},
		Notifier: BreakerConfig{
			MaxRequests:         5,
			Interval:            60 * time.Second,
			Timeout:             60 * time.Second,
			ConsecutiveFailures: 10,
			FailureRatio:        0.7,
			MinRequests:         20,
		},
	}
}

// NewManager builds breakers for every known service. With Enabled
// false all calls pass through untouched.
func NewManager(cfg Config, logger zerolog.Logger) *Manager {
	m := &Manager{
		breakers: make(map[ServiceType]*gobreaker.CircuitBreaker),
		enabled:  cfg.Enabled,
	}
	if !cfg.Enabled {
		return m
	}

	m.breakers[ServiceExplorer] = gobreaker.NewCircuitBreaker(toSettings(ServiceExplorer, cfg.Explorer, logger))
	m.breakers[ServiceNotifier] = gobreaker.NewCircuitBreaker(toSettings(ServiceNotifier, cfg.Notifier, logger))
	return m
}

// Execute runs fn under the service's breaker. Unknown services and
// disabled managers pass through.
func (m *Manager) Execute(service ServiceType, fn func() (interface{}, error)) (interface{}, error) {
	if !m.enabled {
		return fn()
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return fn()
	}
	return breaker.Execute(fn)
}

// State reports the breaker state for health reporting.
func (m *Manager) State(service ServiceType) string {
	if !m.enabled {
		return "disabled"
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return "not_configured"
	}
	return breaker.State().String()
}

func toSettings(service ServiceType, cfg BreakerConfig, logger zerolog.Logger) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        string(service),
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if cfg.FailureRatio > 0 && cfg.MinRequests > 0 && counts.Requests >= cfg.MinRequests {
				rate := float64(counts.TotalFailures) / float64(counts.Requests)
				if rate >= cfg.FailureRatio {
					return true
				}
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	}
}
