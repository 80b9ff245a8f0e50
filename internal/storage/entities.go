package storage

import (
	"encoding/json"
	"time"
)

// PaymentStatus is the settlement state of a payment attempt.
// Statuses move monotonically toward terminal states: completed and
// refunded are terminal, and refunded is only reachable from completed.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
)

// IsTerminal reports whether no further non-refund transition is allowed.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentCompleted || s == PaymentRefunded
}

// Valid reports whether s is a known payment status.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentProcessing, PaymentCompleted, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}

// OrderStatus is the fulfillment state of an order.
type OrderStatus string

const (
	OrderPending OrderStatus = "pending"
	OrderPaid    OrderStatus = "paid"
)

// Payment is one payment attempt for an order. An order may accumulate
// several attempts but only one may ever reach completed.
type Payment struct {
	ID       string `json:"id" bson:"_id"`
	OrderID  string `json:"orderId" bson:"order_id"`
	Provider string `json:"provider" bson:"provider"` // gateway or coin, e.g. "oxapay", "paylix", "btc"
	// Amount is in the currency's atomic units (cents, satoshi).
	// Monetary arithmetic stays on int64 throughout.
	Amount            int64         `json:"amount" bson:"amount"`
	Currency          string        `json:"currency" bson:"currency"`
	Status            PaymentStatus `json:"status" bson:"status"`
	TrackID           string        `json:"trackId" bson:"track_id"`                      // provider-assigned correlation id
	ProviderPaymentID string        `json:"providerPaymentId" bson:"provider_payment_id"` // gateway transaction id, set on completion
	CryptoAddress     string        `json:"cryptoAddress,omitempty" bson:"crypto_address,omitempty"`
	CreatedAt         time.Time     `json:"createdAt" bson:"created_at"`
	UpdatedAt         time.Time     `json:"updatedAt" bson:"updated_at"`
}

// Order is created by the checkout flow before any payment attempt.
// The settlement pipeline only touches Status and DeliveryURL.
type Order struct {
	ID          string      `json:"id" bson:"_id"`
	ReadableID  string      `json:"readableId" bson:"readable_id"`
	Email       string      `json:"email" bson:"email"`
	ProductID   string      `json:"productId" bson:"product_id"`
	Total       int64       `json:"total" bson:"total"` // atomic units of Currency
	Currency    string      `json:"currency" bson:"currency"`
	Status      OrderStatus `json:"status" bson:"status"`
	DeliveryURL string      `json:"deliveryUrl,omitempty" bson:"delivery_url,omitempty"`
	CreatedAt   time.Time   `json:"createdAt" bson:"created_at"`
	UpdatedAt   time.Time   `json:"updatedAt" bson:"updated_at"`
}

// PaymentTransaction is one row per observed status-changing event for a
// payment, holding the raw inbound payload. Append-only; never mutated.
type PaymentTransaction struct {
	ID        string          `json:"id" bson:"_id"`
	PaymentID string          `json:"paymentId" bson:"payment_id"`
	StatusTag string          `json:"statusTag" bson:"status_tag"` // e.g. "status_updated_to_completed"
	RawEvent  json.RawMessage `json:"rawEvent" bson:"raw_event"`
	CreatedAt time.Time       `json:"createdAt" bson:"created_at"`
}

// DeliveryAccessLog records first use of a delivery token, keyed by a
// SHA-256 hash of the full token string. Once Revealed is true, every
// subsequent single-use verification of that exact token fails.
type DeliveryAccessLog struct {
	TokenHash  string    `json:"tokenHash" bson:"_id"`
	OrderID    string    `json:"orderId" bson:"order_id"`
	Revealed   bool      `json:"revealed" bson:"revealed"`
	IPAddress  string    `json:"ipAddress" bson:"ip_address"`
	UserAgent  string    `json:"userAgent" bson:"user_agent"`
	AccessedAt time.Time `json:"accessedAt" bson:"accessed_at"`
}

// Asset is a deliverable secret in the fulfillment pool: a license key,
// serial, or download grant. Allocation assigns it to exactly one order.
type Asset struct {
	ID          string    `json:"id" bson:"_id"`
	ProductID   string    `json:"productId" bson:"product_id"`
	Secret      string    `json:"secret" bson:"secret"`
	OrderID     string    `json:"orderId,omitempty" bson:"order_id,omitempty"`
	AllocatedAt time.Time `json:"allocatedAt,omitempty" bson:"allocated_at,omitempty"`
}

// Allocated reports whether the asset is already bound to an order.
func (a Asset) Allocated() bool {
	return a.OrderID != ""
}
