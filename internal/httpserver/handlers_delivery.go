package httpserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/KeyHarbor/server/internal/delivery"
	apierrors "github.com/KeyHarbor/server/internal/errors"
	"github.com/KeyHarbor/server/internal/logger"
	"github.com/KeyHarbor/server/internal/storage"
	"github.com/KeyHarbor/server/pkg/responders"
)

type revealRequest struct {
	Token   string `json:"token"`
	OrderID string `json:"orderId"`
}

type revealResponse struct {
	Success bool   `json:"success"`
	Secret  string `json:"secret"`
}

// handleReveal exchanges a delivery token for the purchased secret,
// burning the token in the process.
//
// Rejections stay deliberately vague: the response never says whether
// the token was forged, expired, spent, or aimed at the wrong order.
func (s *handlers) handleReveal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var req revealRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil || req.Token == "" || req.OrderID == "" {
		s.observeReveal("malformed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "token and orderId are required")
		return
	}

	if s.revealLimiter != nil {
		allowed, err := s.revealLimiter.Allow(ctx, "reveal", req.OrderID)
		if err != nil {
			// Counter store down. Fail open: throttling is best-effort,
			// delivery is not.
			log.Error().Err(err).Msg("reveal limiter unavailable")
		} else if !allowed {
			s.observeReveal("rate_limited")
			apierrors.WriteSimpleError(w, apierrors.ErrCodeRateLimitExceeded, "too many attempts, try again later")
			return
		}
	}

	// First pass without single-use enforcement, so the token can be
	// matched to the claimed order before it is checked against that
	// order's usage record.
	claims, err := s.codec.Verify(ctx, req.Token, false)
	if err != nil {
		s.rejectReveal(w, r, err)
		return
	}
	if claims.OrderID != req.OrderID {
		s.observeReveal("order_mismatch")
		s.auditReveal(r, req.OrderID, "order_mismatch")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeOrderMismatch, "access denied")
		return
	}

	if _, err := s.codec.Verify(ctx, req.Token, true); err != nil {
		s.rejectReveal(w, r, err)
		return
	}

	asset, err := s.store.GetAssetByOrder(ctx, claims.OrderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Paid but never allocated: a fulfillment side effect failed
			// at settlement time and needs manual remediation.
			s.observeReveal("no_asset")
			log.Error().Str("order_id", claims.OrderID).Msg("reveal for order without allocated asset")
			apierrors.WriteSimpleError(w, apierrors.ErrCodeAssetUnavailable, "delivery not ready, contact support")
			return
		}
		log.Error().Err(err).Msg("reveal asset lookup failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "internal error")
		return
	}

	ip := logger.RemoteAddr(r)
	if err := s.codec.MarkUsed(ctx, req.Token, claims.OrderID, ip, r.UserAgent()); err != nil {
		// The secret must not go out with the token still live.
		log.Error().Err(err).Str("order_id", claims.OrderID).Msg("mark token used failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "internal error")
		return
	}

	s.observeReveal("success")
	s.auditReveal(r, claims.OrderID, "revealed")
	responders.JSON(w, http.StatusOK, revealResponse{Success: true, Secret: asset.Secret})
}

// rejectReveal maps a verification failure to its response, keeping the
// wording generic while the audit log records the precise reason.
func (s *handlers) rejectReveal(w http.ResponseWriter, r *http.Request, err error) {
	reason := delivery.ReasonOf(err)
	s.observeReveal(string(reason))
	s.auditReveal(r, "", string(reason))

	switch reason {
	case delivery.ReasonInvalidFormat:
		apierrors.WriteSimpleError(w, apierrors.ErrCodeTokenInvalidFormat, "invalid token")
	case delivery.ReasonInvalidSignature:
		apierrors.WriteSimpleError(w, apierrors.ErrCodeTokenInvalidSignature, "access denied")
	case delivery.ReasonExpired:
		apierrors.WriteSimpleError(w, apierrors.ErrCodeTokenExpired, "access denied")
	case delivery.ReasonAlreadyUsed:
		apierrors.WriteSimpleError(w, apierrors.ErrCodeTokenAlreadyUsed, "access denied")
	default:
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("reveal verification failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "internal error")
	}
}

func (s *handlers) auditReveal(r *http.Request, orderID, outcome string) {
	log := logger.FromContext(r.Context())
	event := log.Info().
		Str("outcome", outcome).
		Str("ip", logger.RemoteAddr(r))
	if orderID != "" {
		event = event.Str("order_id", orderID)
	}
	event.Msg("audit.delivery_reveal")
}

func (s *handlers) observeReveal(outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveReveal(outcome)
	}
}

// decodeStrict decodes a JSON body rejecting unknown fields.
func decodeStrict(raw []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
