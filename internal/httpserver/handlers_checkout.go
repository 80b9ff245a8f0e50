package httpserver

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apierrors "github.com/KeyHarbor/server/internal/errors"
	"github.com/KeyHarbor/server/internal/logger"
	"github.com/KeyHarbor/server/internal/money"
	"github.com/KeyHarbor/server/internal/storage"
	"github.com/KeyHarbor/server/internal/webhook"
	"github.com/KeyHarbor/server/pkg/responders"
	"github.com/google/uuid"
)

// checkoutRequest carries the amount as a major-unit decimal string
// ("25.00"): float JSON numbers cannot represent prices exactly.
type checkoutRequest struct {
	Email         string `json:"email"`
	ProductID     string `json:"productId"`
	Provider      string `json:"provider"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	CryptoAddress string `json:"cryptoAddress,omitempty"`
}

type checkoutResponse struct {
	OrderID    string `json:"orderId"`
	ReadableID string `json:"readableId"`
	PaymentID  string `json:"paymentId"`
	TrackID    string `json:"trackId"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	Status     string `json:"status"`
}

// handleCheckout creates a pending order and its payment record. The
// returned trackId is what the payment provider must be given so its
// webhook can be correlated back. Sits behind the idempotency
// middleware: a retried request with the same Idempotency-Key gets the
// original order back instead of a duplicate.
func (s *handlers) handleCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMalformedEvent, "invalid request body")
		return
	}
	var req checkoutRequest
	if err := decodeStrict(raw, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMalformedEvent, "invalid request body")
		return
	}

	total, err := validateCheckout(req)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}

	stock, err := s.store.CountAvailableAssets(ctx, req.ProductID)
	if err != nil {
		log.Error().Err(err).Msg("checkout stock lookup failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "internal error")
		return
	}
	if stock == 0 {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeAssetUnavailable, "product is out of stock")
		return
	}

	now := time.Now()
	order := storage.Order{
		ID:         uuid.NewString(),
		ReadableID: readableOrderID(now),
		Email:      strings.ToLower(strings.TrimSpace(req.Email)),
		ProductID:  req.ProductID,
		Total:      total.Atomic,
		Currency:   total.Asset.Code,
		Status:     storage.OrderPending,
		CreatedAt:  now,
	}
	payment := storage.Payment{
		ID:            uuid.NewString(),
		OrderID:       order.ID,
		Provider:      req.Provider,
		Amount:        total.Atomic,
		Currency:      total.Asset.Code,
		Status:        storage.PaymentPending,
		TrackID:       uuid.NewString(),
		CryptoAddress: req.CryptoAddress,
		CreatedAt:     now,
	}

	if err := s.store.CreateOrder(ctx, order); err != nil {
		log.Error().Err(err).Msg("checkout create order failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "internal error")
		return
	}
	if err := s.store.CreatePayment(ctx, payment); err != nil {
		log.Error().Err(err).Str("order_id", order.ID).Msg("checkout create payment failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "internal error")
		return
	}

	log.Info().
		Str("order_id", order.ID).
		Str("payment_id", payment.ID).
		Str("provider", payment.Provider).
		Str("email", logger.RedactEmail(order.Email)).
		Str("amount", total.String()).
		Msg("checkout order created")

	responders.JSON(w, http.StatusCreated, checkoutResponse{
		OrderID:    order.ID,
		ReadableID: order.ReadableID,
		PaymentID:  payment.ID,
		TrackID:    payment.TrackID,
		Amount:     total.ToMajor(),
		Currency:   payment.Currency,
		Status:     string(payment.Status),
	})
}

func validateCheckout(req checkoutRequest) (money.Money, error) {
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		return money.Money{}, fmt.Errorf("a valid email is required")
	}
	if req.ProductID == "" {
		return money.Money{}, fmt.Errorf("productId is required")
	}
	asset, ok := money.LookupAsset(req.Currency)
	if !ok {
		return money.Money{}, fmt.Errorf("currency must be one of %s", strings.Join(money.SupportedAssets(), ", "))
	}
	total, err := money.FromMajor(asset, req.Amount)
	if err != nil {
		return money.Money{}, fmt.Errorf("amount must be a decimal string like \"25.00\"")
	}
	if !total.IsPositive() {
		return money.Money{}, fmt.Errorf("amount must be positive")
	}
	switch req.Provider {
	case webhook.ProviderOxaPay, webhook.ProviderPaylix:
	default:
		return money.Money{}, fmt.Errorf("provider must be one of oxapay, paylix")
	}
	return total, nil
}

// readableOrderID builds the short id shown to buyers in emails and
// support threads.
func readableOrderID(now time.Time) string {
	return fmt.Sprintf("KH-%s-%s", now.UTC().Format("20060102"), strings.ToUpper(uuid.NewString()[:8]))
}
