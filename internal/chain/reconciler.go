package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/KeyHarbor/server/internal/metrics"
	"github.com/KeyHarbor/server/internal/money"
	"github.com/KeyHarbor/server/internal/settlement"
	"github.com/KeyHarbor/server/internal/storage"
	"github.com/rs/zerolog"
)

// Outcome describes what one reconciliation pass concluded.
type Outcome string

const (
	// OutcomeWaiting: nothing on chain yet, keep waiting.
	OutcomeWaiting Outcome = "waiting"
	// OutcomeDetected: transfer seen but not confirmed, payment moved to processing.
	OutcomeDetected Outcome = "detected"
	// OutcomeUnderpaid: confirmed transfer below the tolerated amount.
	OutcomeUnderpaid Outcome = "underpaid"
	// OutcomeCompleted: payment settled by this pass.
	OutcomeCompleted Outcome = "completed"
	// OutcomeAlreadyProcessed: a webhook settled the payment first.
	OutcomeAlreadyProcessed Outcome = "already_processed"
)

// DefaultAmountTolerance accepts up to 5% underpayment, absorbing
// network fees deducted on the sender's side.
const DefaultAmountTolerance = 0.95

// toleranceBasisPoints converts the configured fraction to basis points
// so the threshold itself is computed in integer money arithmetic.
func toleranceBasisPoints(tolerance float64) int64 {
	return int64(tolerance*10000 + 0.5)
}

// Reconciler settles payments whose provider webhook never arrived by
// asking the chain directly. It is the fallback path, not the primary
// one: completions still flow through the settlement orchestrator, so
// a reconciler pass racing a late webhook keeps the exactly-once
// guarantee.
type Reconciler struct {
	store        storage.Store
	settlement   *settlement.Service
	source       StatusSource
	metrics      *metrics.Metrics
	logger       zerolog.Logger
	toleranceBP  int64
	pendingAge   time.Duration
	pollInterval time.Duration
	batchSize    int
	stopChan     chan struct{}
	doneChan     chan struct{}
}

// ReconcilerOptions configures the reconciliation worker.
type ReconcilerOptions struct {
	Store      storage.Store
	Settlement *settlement.Service
	Source     StatusSource
	Metrics    *metrics.Metrics // optional
	Logger     zerolog.Logger

	// AmountTolerance is the accepted fraction of the expected amount
	// (default 0.95). PendingAge is how old a payment must be before
	// the worker starts asking the chain about it (default 2m).
	AmountTolerance float64
	PendingAge      time.Duration
	PollInterval    time.Duration // default 30s
	BatchSize       int           // payments per poll, default 50
}

// NewReconciler builds the reconciliation worker.
func NewReconciler(opts ReconcilerOptions) (*Reconciler, error) {
	if opts.Store == nil || opts.Settlement == nil || opts.Source == nil {
		return nil, fmt.Errorf("chain: store, settlement and source required")
	}
	if opts.AmountTolerance <= 0 || opts.AmountTolerance > 1 {
		opts.AmountTolerance = DefaultAmountTolerance
	}
	if opts.PendingAge <= 0 {
		opts.PendingAge = 2 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	return &Reconciler{
		store:        opts.Store,
		settlement:   opts.Settlement,
		source:       opts.Source,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		toleranceBP:  toleranceBasisPoints(opts.AmountTolerance),
		pendingAge:   opts.PendingAge,
		pollInterval: opts.PollInterval,
		batchSize:    opts.BatchSize,
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}, nil
}

// Start launches the polling loop.
func (r *Reconciler) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop halts the loop and waits for the in-flight pass to finish.
func (r *Reconciler) Stop() {
	close(r.stopChan)
	<-r.doneChan
}

// Close satisfies the shutdown manager.
func (r *Reconciler) Close() error {
	r.Stop()
	return nil
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.doneChan)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.logger.Info().
		Dur("pollInterval", r.pollInterval).
		Int64("toleranceBasisPoints", r.toleranceBP).
		Msg("chain reconciler started")

	for {
		select {
		case <-r.stopChan:
			r.logger.Info().Msg("chain reconciler stopping")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcilePending(ctx)
		}
	}
}

func (r *Reconciler) reconcilePending(ctx context.Context) {
	cutoff := time.Now().Add(-r.pendingAge)
	payments, err := r.store.ListUnsettledPayments(ctx, cutoff, r.batchSize)
	if err != nil {
		r.logger.Error().Err(err).Msg("reconciler: list unsettled payments failed")
		return
	}

	for _, payment := range payments {
		if payment.CryptoAddress == "" {
			// Nothing to reconcile against; card-style payments settle
			// by webhook only.
			continue
		}
		outcome, err := r.Reconcile(ctx, payment)
		if err != nil {
			r.logger.Error().Err(err).
				Str("payment_id", payment.ID).
				Msg("reconciler: pass failed")
			continue
		}
		if r.metrics != nil {
			r.metrics.ObserveReconcilePoll(string(outcome))
		}
	}
}

// Reconcile runs one pass for one payment and reports the outcome.
func (r *Reconciler) Reconcile(ctx context.Context, payment storage.Payment) (Outcome, error) {
	status, err := r.source.PaymentStatus(ctx, Query{
		Address:  payment.CryptoAddress,
		Currency: payment.Currency,
		Since:    payment.CreatedAt,
	})
	if err != nil {
		return "", fmt.Errorf("chain: query explorer: %w", err)
	}

	if !status.Detected {
		return OutcomeWaiting, nil
	}

	evidence := settlement.Evidence{
		Source:            "reconciler",
		ProviderPaymentID: status.TxID,
		Raw:               marshalEvidence(status),
	}

	if !status.Confirmed {
		if _, err := r.settlement.Transition(ctx, payment.ID, storage.PaymentProcessing, evidence); err != nil {
			return "", err
		}
		return OutcomeDetected, nil
	}

	if status.HasAmount {
		underpaid, threshold, err := r.belowThreshold(payment, status.AmountReceived)
		if err != nil {
			return "", err
		}
		if underpaid {
			// The transfer is real but short. Settlement stays manual:
			// auto-completing would hand out the asset below price.
			r.logger.Warn().
				Str("payment_id", payment.ID).
				Str("received", status.AmountReceived.String()).
				Str("threshold", threshold.String()).
				Msg("reconciler: confirmed transfer underpaid")
			if _, err := r.settlement.Transition(ctx, payment.ID, storage.PaymentProcessing, evidence); err != nil {
				return "", err
			}
			return OutcomeUnderpaid, nil
		}
	}

	result, err := r.settlement.Transition(ctx, payment.ID, storage.PaymentCompleted, evidence)
	if err != nil {
		return "", err
	}
	if result.AlreadyProcessed {
		return OutcomeAlreadyProcessed, nil
	}
	return OutcomeCompleted, nil
}

// belowThreshold compares a received amount against the tolerated
// fraction of the expected amount in atomic units.
func (r *Reconciler) belowThreshold(payment storage.Payment, received money.Money) (bool, money.Money, error) {
	asset, ok := money.LookupAsset(payment.Currency)
	if !ok {
		return false, money.Money{}, fmt.Errorf("chain: unsupported currency %q", payment.Currency)
	}
	threshold, err := money.New(asset, payment.Amount).MulBasisPoints(r.toleranceBP)
	if err != nil {
		return false, money.Money{}, fmt.Errorf("chain: tolerance threshold: %w", err)
	}
	return received.LessThan(threshold), threshold, nil
}

func marshalEvidence(status TxStatus) json.RawMessage {
	raw, err := json.Marshal(map[string]interface{}{
		"source":        "chain_explorer",
		"txId":          status.TxID,
		"amount":        status.AmountReceived.ToMajor(),
		"hasAmount":     status.HasAmount,
		"confirmations": status.Confirmations,
	})
	if err != nil {
		return nil
	}
	return raw
}
