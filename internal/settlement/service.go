package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/KeyHarbor/server/internal/delivery"
	"github.com/KeyHarbor/server/internal/logger"
	"github.com/KeyHarbor/server/internal/metrics"
	"github.com/KeyHarbor/server/internal/money"
	"github.com/KeyHarbor/server/internal/notify"
	"github.com/KeyHarbor/server/internal/storage"
)

// ErrPaymentNotFound is fatal to a transition call: there is no record to
// transition.
var ErrPaymentNotFound = errors.New("settlement: payment not found")

// Evidence is the provenance of a transition: who claims the status change
// happened and the raw bytes backing the claim. Raw lands verbatim in the
// append-only transaction log.
type Evidence struct {
	Source            string // "webhook:oxapay", "webhook:paylix", "reconciler", "admin"
	ProviderPaymentID string
	Raw               json.RawMessage
}

// Result is the outcome of a transition call.
type Result struct {
	Payment storage.Payment

	// AlreadyProcessed marks a completion signal for a payment that was
	// already settled. Not an error: duplicate webhook delivery, repeated
	// reconciliation polls, and retried client confirmations all land
	// here, with zero side effects executed.
	AlreadyProcessed bool

	// Ignored marks a non-completion signal the monotonicity guard
	// rejected (e.g. a late "failed" webhook after completion).
	Ignored bool
}

// Fulfiller is the stock-allocation side-effect dependency.
type Fulfiller interface {
	Fulfill(ctx context.Context, order storage.Order) (storage.Asset, error)
}

// Service is the settlement orchestrator: the sole writer of payment
// status. It receives verified "provider says X happened" events, applies
// idempotent transitions through the store's atomic guard, and fans out
// completion side effects.
type Service struct {
	store           storage.Store
	codec           *delivery.Codec
	fulfiller       Fulfiller
	notifier        notify.Notifier
	metrics         *metrics.Metrics
	deliveryBaseURL string
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Store           storage.Store
	Codec           *delivery.Codec
	Fulfiller       Fulfiller
	Notifier        notify.Notifier
	Metrics         *metrics.Metrics // optional
	DeliveryBaseURL string           // delivery page; token is appended as ?token=
}

// NewService builds the settlement orchestrator.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("settlement: store required")
	}
	if cfg.Codec == nil {
		return nil, errors.New("settlement: delivery codec required")
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	return &Service{
		store:           cfg.Store,
		codec:           cfg.Codec,
		fulfiller:       cfg.Fulfiller,
		notifier:        notifier,
		metrics:         cfg.Metrics,
		deliveryBaseURL: cfg.DeliveryBaseURL,
	}, nil
}

// Transition applies one provider-claimed status change to a payment.
//
// Every call appends one immutable transaction-log row, duplicates
// included: the log records what was observed, not what was applied.
// Completion routes through the store's atomic guard, so exactly one of
// any number of concurrent "complete" signals executes side effects.
func (s *Service) Transition(ctx context.Context, paymentID string, target storage.PaymentStatus, ev Evidence) (Result, error) {
	log := logger.FromContext(ctx)
	start := time.Now()

	payment, err := s.store.GetPayment(ctx, paymentID)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, fmt.Errorf("%w: %s", ErrPaymentNotFound, paymentID)
	}
	if err != nil {
		return Result{}, fmt.Errorf("settlement: load payment: %w", err)
	}

	if err := s.appendTransaction(ctx, paymentID, target, ev); err != nil {
		// The audit row matters, but the observed event matters more:
		// a log write failure must not drop a real completion.
		log.Error().Err(err).
			Str("payment_id", paymentID).
			Msg("settlement.transaction_log_failed")
	}

	var result Result
	if target == storage.PaymentCompleted {
		result, err = s.complete(ctx, payment, ev)
	} else {
		result, err = s.update(ctx, payment, target)
	}
	if err != nil {
		return result, err
	}

	if s.metrics != nil {
		s.metrics.ObserveSettlement(result.Payment.Provider, string(result.Payment.Status), time.Since(start))
	}
	return result, nil
}

// TransitionByTrackID resolves the provider correlation id first; webhook
// handlers use this entry point.
func (s *Service) TransitionByTrackID(ctx context.Context, trackID string, target storage.PaymentStatus, ev Evidence) (Result, error) {
	payment, err := s.store.GetPaymentByTrackID(ctx, trackID)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, fmt.Errorf("%w: track %s", ErrPaymentNotFound, trackID)
	}
	if err != nil {
		return Result{}, fmt.Errorf("settlement: load payment by track id: %w", err)
	}
	return s.Transition(ctx, payment.ID, target, ev)
}

// complete runs the atomic completion and, when this call won, the
// side-effect sequence.
func (s *Service) complete(ctx context.Context, payment storage.Payment, ev Evidence) (Result, error) {
	log := logger.FromContext(ctx)

	updated, transitioned, err := s.store.CompletePayment(ctx, payment.ID, ev.ProviderPaymentID)
	if err != nil {
		return Result{}, fmt.Errorf("settlement: complete payment: %w", err)
	}
	if !transitioned {
		log.Info().
			Str("payment_id", payment.ID).
			Str("source", ev.Source).
			Msg("settlement.already_processed")
		return Result{Payment: updated, AlreadyProcessed: true}, nil
	}

	log.Info().
		Str("payment_id", updated.ID).
		Str("order_id", updated.OrderID).
		Str("provider", updated.Provider).
		Str("source", ev.Source).
		Msg("settlement.payment_completed")

	s.runCompletionSideEffects(ctx, updated)
	return Result{Payment: updated}, nil
}

// update writes a non-completion status under the monotonicity guard.
func (s *Service) update(ctx context.Context, payment storage.Payment, target storage.PaymentStatus) (Result, error) {
	log := logger.FromContext(ctx)

	updated, err := s.store.UpdatePaymentStatus(ctx, payment.ID, target)
	if errors.Is(err, storage.ErrInvalidTransition) {
		// A late failure/cancellation signal after settlement. The money
		// is the source of truth; the event is logged and ignored.
		log.Warn().
			Str("payment_id", payment.ID).
			Str("current_status", string(updated.Status)).
			Str("target_status", string(target)).
			Msg("settlement.transition_ignored")
		return Result{Payment: updated, Ignored: true}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("settlement: update status: %w", err)
	}
	return Result{Payment: updated}, nil
}

func (s *Service) appendTransaction(ctx context.Context, paymentID string, target storage.PaymentStatus, ev Evidence) error {
	return s.store.AppendPaymentTransaction(ctx, storage.PaymentTransaction{
		ID:        uuid.NewString(),
		PaymentID: paymentID,
		StatusTag: "status_updated_to_" + string(target),
		RawEvent:  ev.Raw,
	})
}

// runCompletionSideEffects executes the post-completion sequence. Each
// step has its own error boundary: the payment status is the source of
// truth that money was received, so a failed notification or token mint
// is logged for manual remediation and never reverts the payment.
func (s *Service) runCompletionSideEffects(ctx context.Context, payment storage.Payment) {
	log := logger.FromContext(ctx)

	order, err := s.store.GetOrder(ctx, payment.OrderID)
	if err != nil {
		// Without the order no step can run; visible, not fatal.
		s.sideEffectFailed(log, "load_order", payment, err)
		return
	}

	// 1. Mark the order paid.
	if err := s.store.MarkOrderPaid(ctx, order.ID); err != nil {
		s.sideEffectFailed(log, "mark_order_paid", payment, err)
	}

	// 2. Allocate the purchased asset (decrements stock).
	if s.fulfiller != nil {
		if _, err := s.fulfiller.Fulfill(ctx, order); err != nil {
			s.sideEffectFailed(log, "allocate_asset", payment, err)
		}
	}

	// 3. Admin notification.
	s.notifier.OrderCompleted(ctx, notify.OrderEvent{
		OrderID:    order.ID,
		ReadableID: order.ReadableID,
		Email:      order.Email,
		Provider:   payment.Provider,
		Amount:     formatAmount(payment.Currency, payment.Amount),
		Currency:   payment.Currency,
		PaidAt:     time.Now().UTC(),
	})

	// 4. Mint the delivery token and persist the delivery URL.
	token, claims, err := s.codec.Issue(order.ID, order.Email)
	if err != nil {
		s.sideEffectFailed(log, "mint_token", payment, err)
		return
	}
	deliveryURL := s.buildDeliveryURL(token)
	if err := s.store.SetOrderDeliveryURL(ctx, order.ID, deliveryURL); err != nil {
		s.sideEffectFailed(log, "persist_delivery_url", payment, err)
	}
	if s.metrics != nil {
		s.metrics.TokensIssuedTotal.Inc()
	}

	// 5. Audit entry for token issuance. The token itself stays out of
	// the logs; the hash is enough to correlate with the access log.
	log.Info().
		Str("payment_id", payment.ID).
		Str("order_id", order.ID).
		Str("email", logger.RedactEmail(order.Email)).
		Str("token_hash", logger.TruncateToken(delivery.TokenHash(token))).
		Str("jti", claims.JTI).
		Int64("expires_at", claims.ExpiresAt).
		Msg("audit.delivery_token_issued")
}

func (s *Service) sideEffectFailed(log zerolog.Logger, step string, payment storage.Payment, err error) {
	log.Error().
		Err(err).
		Str("step", step).
		Str("payment_id", payment.ID).
		Str("order_id", payment.OrderID).
		Msg("settlement.side_effect_failed")
	if s.metrics != nil {
		s.metrics.ObserveSideEffectFailure(step)
	}
}

// formatAmount renders an atomic-unit amount as a major-unit decimal
// string for the notification payload. Unknown currencies fall back to
// the raw atomic value so the event is never dropped over formatting.
func formatAmount(currency string, atomic int64) string {
	asset, ok := money.LookupAsset(currency)
	if !ok {
		return fmt.Sprintf("%d", atomic)
	}
	return money.New(asset, atomic).ToMajor()
}

func (s *Service) buildDeliveryURL(token string) string {
	base := s.deliveryBaseURL
	if base == "" {
		base = "/delivery"
	}
	return base + "?token=" + url.QueryEscape(token)
}
