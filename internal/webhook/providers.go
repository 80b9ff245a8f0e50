package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/KeyHarbor/server/internal/storage"
)

// Provider identifiers and their signature header names.
const (
	ProviderOxaPay = "oxapay"
	ProviderPaylix = "paylix"

	OxaPayHeader      = "HMAC"
	PaylixHeader      = "X-Paylix-Signature"
	PaylixEventHeader = "X-Paylix-Event"
)

// Event is what a verified webhook payload reduces to: a provider's claim
// that a tracked payment reached a status.
type Event struct {
	Provider          string
	TrackID           string
	OrderID           string                // set when the provider includes it (OxaPay does)
	Status            storage.PaymentStatus // mapped to the internal state machine
	ProviderPaymentID string
	Raw               json.RawMessage // exact bytes as received, for the audit log
}

// oxaPayPayload is OxaPay's webhook body.
// Fields are rejected rather than passed through when unknown.
type oxaPayPayload struct {
	OrderID   string `json:"order_id"`
	Status    string `json:"status"` // paid | failed | expired | canceled
	TrackID   string `json:"trackId"`
	PaymentID string `json:"paymentId,omitempty"`
}

// ParseOxaPayEvent decodes a verified OxaPay body into an Event.
// Call only after signature verification.
func ParseOxaPayEvent(raw []byte) (Event, error) {
	var p oxaPayPayload
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Event{}, fmt.Errorf("oxapay: decode payload: %w", err)
	}
	if p.TrackID == "" {
		return Event{}, fmt.Errorf("oxapay: missing trackId")
	}

	return Event{
		Provider:          ProviderOxaPay,
		TrackID:           p.TrackID,
		OrderID:           p.OrderID,
		Status:            mapOxaPayStatus(p.Status),
		ProviderPaymentID: p.PaymentID,
		Raw:               raw,
	}, nil
}

// mapOxaPayStatus translates a provider status into the internal state
// machine. Intermediate statuses ("waiting", "confirming") map to the
// empty status: the event is acknowledged and logged but carries no
// transition.
func mapOxaPayStatus(s string) storage.PaymentStatus {
	switch s {
	case "paid":
		return storage.PaymentCompleted
	case "failed", "expired", "canceled":
		return storage.PaymentFailed
	default:
		return ""
	}
}

// paylixPayload is Paylix's webhook body. Paylix correlates by uniqid.
type paylixPayload struct {
	Status  string `json:"status"` // COMPLETED | FAILED | CANCELED
	UniqID  string `json:"uniqid"`
	Gateway string `json:"gateway,omitempty"`
	Total   string `json:"total,omitempty"`
}

// ParsePaylixEvent decodes a verified Paylix body into an Event.
// Call only after signature verification.
func ParsePaylixEvent(raw []byte) (Event, error) {
	var p paylixPayload
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Event{}, fmt.Errorf("paylix: decode payload: %w", err)
	}
	if p.UniqID == "" {
		return Event{}, fmt.Errorf("paylix: missing uniqid")
	}

	return Event{
		Provider:          ProviderPaylix,
		TrackID:           p.UniqID,
		Status:            mapPaylixStatus(p.Status),
		ProviderPaymentID: p.UniqID,
		Raw:               raw,
	}, nil
}

// mapPaylixStatus translates a provider status into the internal state
// machine. Unrecognized statuses carry no transition.
func mapPaylixStatus(s string) storage.PaymentStatus {
	switch s {
	case "COMPLETED":
		return storage.PaymentCompleted
	case "FAILED", "CANCELED":
		return storage.PaymentFailed
	default:
		return ""
	}
}
