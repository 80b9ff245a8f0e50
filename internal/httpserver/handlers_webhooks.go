package httpserver

import (
	"errors"
	"io"
	"net/http"
	"time"

	apierrors "github.com/KeyHarbor/server/internal/errors"
	"github.com/KeyHarbor/server/internal/logger"
	"github.com/KeyHarbor/server/internal/settlement"
	"github.com/KeyHarbor/server/internal/storage"
	"github.com/KeyHarbor/server/internal/webhook"
	"github.com/KeyHarbor/server/pkg/responders"
)

// maxWebhookBody caps inbound webhook payloads at 1 MiB.
const maxWebhookBody = 1 << 20

// readRawBody drains the request body before any parsing. The signature
// covers the raw bytes, so reading must happen exactly once and before
// JSON decoding.
func readRawBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	return io.ReadAll(r.Body)
}

// handleOxaPayWebhook processes OxaPay payment callbacks. OxaPay expects
// a plaintext "ok" acknowledgment and retries anything else.
func (s *handlers) handleOxaPayWebhook(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	start := time.Now()
	outcome := "error"
	defer func() {
		if s.metrics != nil {
			s.metrics.ObserveWebhook(webhook.ProviderOxaPay, outcome, time.Since(start))
		}
	}()

	raw, err := readRawBody(w, r)
	if err != nil {
		outcome = "body_error"
		responders.Text(w, http.StatusBadRequest, "invalid body")
		return
	}

	verifier, ok := s.verifiers[webhook.ProviderOxaPay]
	if !ok {
		responders.Text(w, http.StatusNotFound, "unknown provider")
		return
	}
	if err := verifier.Verify(raw, r.Header.Get(webhook.OxaPayHeader)); err != nil {
		outcome = "bad_signature"
		log.Warn().Str("provider", webhook.ProviderOxaPay).Msg("webhook signature rejected")
		responders.Text(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	event, err := webhook.ParseOxaPayEvent(raw)
	if err != nil {
		outcome = "malformed"
		log.Warn().Err(err).Str("provider", webhook.ProviderOxaPay).Msg("webhook payload rejected")
		responders.Text(w, http.StatusBadRequest, "invalid payload")
		return
	}

	if event.Status == "" {
		// Intermediate provider statuses carry no transition.
		outcome = "ignored"
		responders.Text(w, http.StatusOK, "ok")
		return
	}

	result, err := s.applyWebhookEvent(r, event)
	if err != nil {
		if errors.Is(err, settlement.ErrPaymentNotFound) {
			// OxaPay replays webhooks for invoices this deployment never
			// issued (shared merchant accounts). Acknowledge and drop.
			outcome = "unknown_payment"
			log.Warn().Str("track_id", event.TrackID).Msg("webhook for unknown payment")
			responders.Text(w, http.StatusOK, "ok")
			return
		}
		log.Error().Err(err).Str("track_id", event.TrackID).Msg("webhook settlement failed")
		responders.Text(w, http.StatusInternalServerError, "internal error")
		return
	}

	outcome = webhookOutcome(result)
	responders.Text(w, http.StatusOK, "ok")
}

// handlePaylixWebhook processes Paylix payment callbacks. Paylix speaks
// JSON both ways.
func (s *handlers) handlePaylixWebhook(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	start := time.Now()
	outcome := "error"
	defer func() {
		if s.metrics != nil {
			s.metrics.ObserveWebhook(webhook.ProviderPaylix, outcome, time.Since(start))
		}
	}()

	raw, err := readRawBody(w, r)
	if err != nil {
		outcome = "body_error"
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMalformedEvent, "invalid request body")
		return
	}

	verifier, ok := s.verifiers[webhook.ProviderPaylix]
	if !ok {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUnknownProvider, "unknown provider")
		return
	}
	if err := verifier.Verify(raw, r.Header.Get(webhook.PaylixHeader)); err != nil {
		outcome = "bad_signature"
		log.Warn().Str("provider", webhook.ProviderPaylix).
			Str("event", r.Header.Get(webhook.PaylixEventHeader)).
			Msg("webhook signature rejected")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeSignatureInvalid, "invalid signature")
		return
	}

	event, err := webhook.ParsePaylixEvent(raw)
	if err != nil {
		outcome = "malformed"
		log.Warn().Err(err).Str("provider", webhook.ProviderPaylix).Msg("webhook payload rejected")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMalformedEvent, "invalid payload")
		return
	}

	if event.Status == "" {
		outcome = "ignored"
		responders.JSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}

	result, err := s.applyWebhookEvent(r, event)
	if err != nil {
		if errors.Is(err, settlement.ErrPaymentNotFound) {
			outcome = "unknown_payment"
			apierrors.WriteSimpleError(w, apierrors.ErrCodePaymentNotFound, "payment not found")
			return
		}
		log.Error().Err(err).Str("track_id", event.TrackID).Msg("webhook settlement failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "internal error")
		return
	}

	outcome = webhookOutcome(result)
	responders.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// applyWebhookEvent routes a verified provider event into settlement.
func (s *handlers) applyWebhookEvent(r *http.Request, event webhook.Event) (settlement.Result, error) {
	return s.settlement.TransitionByTrackID(r.Context(), event.TrackID, event.Status, settlement.Evidence{
		Source:            "webhook:" + event.Provider,
		ProviderPaymentID: event.ProviderPaymentID,
		Raw:               event.Raw,
	})
}

func webhookOutcome(result settlement.Result) string {
	switch {
	case result.AlreadyProcessed:
		return "duplicate"
	case result.Ignored:
		return "ignored"
	case result.Payment.Status == storage.PaymentCompleted:
		return "completed"
	default:
		return "processed"
	}
}
