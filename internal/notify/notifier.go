package notify

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Notifier delivers settlement events to the shop operator.
// The orchestrator calls this as a side-effect step; failures are logged
// by the caller and never fail the parent payment transition.
type Notifier interface {
	OrderCompleted(ctx context.Context, event OrderEvent)
}

// NoopNotifier ignores all events.
type NoopNotifier struct{}

func (NoopNotifier) OrderCompleted(context.Context, OrderEvent) {}

// OrderEvent summarizes a completed order for the admin notification.
// EventID is the idempotency key - consumers MUST use it to deduplicate,
// because retries re-send the same event.
type OrderEvent struct {
	EventID        string    `json:"eventId"`
	EventType      string    `json:"eventType"` // always "order.completed"
	EventTimestamp time.Time `json:"eventTimestamp"`

	OrderID    string    `json:"orderId"`
	ReadableID string    `json:"readableId"`
	Email      string    `json:"email"`
	Provider   string    `json:"provider"`
	Amount     string    `json:"amount"` // major-unit decimal string, e.g. "25.00"
	Currency   string    `json:"currency"`
	PaidAt     time.Time `json:"paidAt"`
}

// generateEventID creates a unique event identifier for idempotency.
// Format: "evt_" + 24 hex characters (12 random bytes).
func generateEventID() string {
	randomBytes := make([]byte, 12)
	if _, err := rand.Read(randomBytes); err != nil {
		// Fallback to timestamp-based ID if crypto/rand fails (extremely rare)
		return fmt.Sprintf("evt_%d", time.Now().UnixNano())
	}
	return "evt_" + hex.EncodeToString(randomBytes)
}

// PrepareOrderEvent ensures the event has required idempotency fields set.
// If EventID is already set, it is preserved (for retries).
func PrepareOrderEvent(event *OrderEvent) {
	if event.EventID == "" {
		event.EventID = generateEventID()
	}
	if event.EventType == "" {
		event.EventType = "order.completed"
	}
	if event.EventTimestamp.IsZero() {
		event.EventTimestamp = time.Now().UTC()
	}
	if event.PaidAt.IsZero() {
		event.PaidAt = time.Now().UTC()
	}
}
