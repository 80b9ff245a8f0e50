package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a requested entity is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// ErrInvalidTransition is returned when a status write would move a payment
// backward from a terminal state.
var ErrInvalidTransition = errors.New("storage: invalid status transition")

// ErrNoAssets is returned when the fulfillment pool has no unallocated
// asset left for the requested product.
var ErrNoAssets = errors.New("storage: no assets available")

// Store captures the persistence requirements for the settlement pipeline.
//
// The store is the single synchronization point of the system: webhook
// handlers and reconciliation polls share no in-process state, so the
// exactly-once completion guarantee rests entirely on CompletePayment
// being atomic per payment id.
type Store interface {
	// Order operations. The checkout flow creates orders; settlement only
	// flips Status and writes DeliveryURL.
	CreateOrder(ctx context.Context, order Order) error
	GetOrder(ctx context.Context, orderID string) (Order, error)
	MarkOrderPaid(ctx context.Context, orderID string) error
	SetOrderDeliveryURL(ctx context.Context, orderID, url string) error

	// Payment operations.
	CreatePayment(ctx context.Context, payment Payment) error
	GetPayment(ctx context.Context, paymentID string) (Payment, error)
	// GetPaymentByTrackID correlates inbound webhooks to a payment record.
	GetPaymentByTrackID(ctx context.Context, trackID string) (Payment, error)

	// UpdatePaymentStatus writes a non-completion status. It enforces
	// monotonicity: once a payment is terminal, only completed->refunded
	// is accepted; anything else returns ErrInvalidTransition.
	UpdatePaymentStatus(ctx context.Context, paymentID string, status PaymentStatus) (Payment, error)

	// CompletePayment is the atomic completion guard. It sets
	// status=completed and records the provider's transaction id only
	// where the current status is not already terminal, and reports
	// whether THIS call performed the transition. Two concurrent calls
	// for the same payment must observe exactly one true.
	CompletePayment(ctx context.Context, paymentID, providerPaymentID string) (Payment, bool, error)

	// ListUnsettledPayments returns pending and processing payments
	// created before the cutoff, oldest first. The reconciliation worker
	// uses this to find payments whose webhook never arrived.
	ListUnsettledPayments(ctx context.Context, createdBefore time.Time, limit int) ([]Payment, error)

	// Payment transaction log (append-only audit trail).
	AppendPaymentTransaction(ctx context.Context, tx PaymentTransaction) error
	ListPaymentTransactions(ctx context.Context, paymentID string) ([]PaymentTransaction, error)

	// Delivery access log, keyed by token hash.
	GetAccessLog(ctx context.Context, tokenHash string) (DeliveryAccessLog, error)
	// MarkRevealed upserts the access log entry with revealed=true.
	// Conflicts on the same key overwrite; revealed only moves false->true.
	MarkRevealed(ctx context.Context, entry DeliveryAccessLog) error

	// Fulfillment asset pool.
	AddAssets(ctx context.Context, assets []Asset) error
	// AllocateAsset binds one unallocated asset for the product to the
	// order (decrementing available stock) and returns it. If the order
	// already holds an asset, that asset is returned unchanged so repeated
	// allocation stays idempotent.
	AllocateAsset(ctx context.Context, orderID, productID string) (Asset, error)
	GetAssetByOrder(ctx context.Context, orderID string) (Asset, error)
	CountAvailableAssets(ctx context.Context, productID string) (int, error)

	Close() error
}

// StoreConfig holds storage backend configuration.
type StoreConfig struct {
	Backend         string // "memory", "postgres", or "mongodb"
	PostgresURL     string
	MongoDBURL      string
	MongoDBDatabase string
}

// NewStore creates a Store instance based on the provided configuration.
func NewStore(cfg StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "memory":
		// Memory backend loses all settlement state on restart.
		// Only use for development and tests.
		return NewMemoryStore(), nil
	case "", "auto":
		// Auto-detect backend from provided configuration.
		// Priority order: postgres > mongodb > memory fallback.
		if cfg.PostgresURL != "" {
			return NewPostgresStore(cfg.PostgresURL)
		}
		if cfg.MongoDBURL != "" {
			if cfg.MongoDBDatabase == "" {
				cfg.MongoDBDatabase = "keyharbor"
			}
			return NewMongoDBStore(cfg.MongoDBURL, cfg.MongoDBDatabase)
		}
		return NewMemoryStore(), nil
	case "postgres":
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("postgres backend requires postgres_url")
		}
		return NewPostgresStore(cfg.PostgresURL)
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_url")
		}
		if cfg.MongoDBDatabase == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_database")
		}
		return NewMongoDBStore(cfg.MongoDBURL, cfg.MongoDBDatabase)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// MemoryStore is an in-memory Store implementation suitable for tests and
// single-instance development deployments.
type MemoryStore struct {
	mu              sync.RWMutex
	orders          map[string]Order
	payments        map[string]Payment
	paymentsByTrack map[string]string // trackID -> paymentID (secondary index)
	transactions    map[string][]PaymentTransaction
	accessLog       map[string]DeliveryAccessLog
	assets          map[string]Asset
	assetsByOrder   map[string]string // orderID -> assetID (secondary index)
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:          make(map[string]Order),
		payments:        make(map[string]Payment),
		paymentsByTrack: make(map[string]string),
		transactions:    make(map[string][]PaymentTransaction),
		accessLog:       make(map[string]DeliveryAccessLog),
		assets:          make(map[string]Asset),
		assetsByOrder:   make(map[string]string),
	}
}

// Close implements the Store interface.
func (m *MemoryStore) Close() error {
	return nil
}

// CreateOrder persists a new order.
func (m *MemoryStore) CreateOrder(_ context.Context, order Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orders[order.ID]; exists {
		return fmt.Errorf("order already exists: %s", order.ID)
	}
	if order.Status == "" {
		order.Status = OrderPending
	}
	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	m.orders[order.ID] = order
	return nil
}

// GetOrder retrieves an order by ID.
func (m *MemoryStore) GetOrder(_ context.Context, orderID string) (Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order, ok := m.orders[orderID]
	if !ok {
		return Order{}, ErrNotFound
	}
	return order, nil
}

// MarkOrderPaid sets the order status to paid.
func (m *MemoryStore) MarkOrderPaid(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	order.Status = OrderPaid
	order.UpdatedAt = time.Now()
	m.orders[orderID] = order
	return nil
}

// SetOrderDeliveryURL persists the minted delivery URL on the order.
func (m *MemoryStore) SetOrderDeliveryURL(_ context.Context, orderID, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	order.DeliveryURL = url
	order.UpdatedAt = time.Now()
	m.orders[orderID] = order
	return nil
}

// CreatePayment persists a new payment attempt.
func (m *MemoryStore) CreatePayment(_ context.Context, payment Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.payments[payment.ID]; exists {
		return fmt.Errorf("payment already exists: %s", payment.ID)
	}
	if payment.Status == "" {
		payment.Status = PaymentPending
	}
	now := time.Now()
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = now
	}
	payment.UpdatedAt = now
	m.payments[payment.ID] = payment
	if payment.TrackID != "" {
		m.paymentsByTrack[payment.TrackID] = payment.ID
	}
	return nil
}

// GetPayment retrieves a payment by ID.
func (m *MemoryStore) GetPayment(_ context.Context, paymentID string) (Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	payment, ok := m.payments[paymentID]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return payment, nil
}

// GetPaymentByTrackID retrieves a payment by provider correlation id.
func (m *MemoryStore) GetPaymentByTrackID(_ context.Context, trackID string) (Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	paymentID, ok := m.paymentsByTrack[trackID]
	if !ok {
		return Payment{}, ErrNotFound
	}
	payment, ok := m.payments[paymentID]
	if !ok {
		// Index out of sync (should never happen, but handle gracefully)
		return Payment{}, ErrNotFound
	}
	return payment, nil
}

// UpdatePaymentStatus writes a non-completion status with the monotonicity guard.
func (m *MemoryStore) UpdatePaymentStatus(_ context.Context, paymentID string, status PaymentStatus) (Payment, error) {
	if !status.Valid() {
		return Payment{}, fmt.Errorf("unknown payment status: %s", status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	payment, ok := m.payments[paymentID]
	if !ok {
		return Payment{}, ErrNotFound
	}

	if payment.Status.IsTerminal() {
		// completed -> refunded is the only exit from a terminal state
		if !(payment.Status == PaymentCompleted && status == PaymentRefunded) {
			return payment, ErrInvalidTransition
		}
	}

	payment.Status = status
	payment.UpdatedAt = time.Now()
	m.payments[paymentID] = payment
	return payment, nil
}

// ListUnsettledPayments returns pending/processing payments created
// before the cutoff, oldest first.
func (m *MemoryStore) ListUnsettledPayments(_ context.Context, createdBefore time.Time, limit int) ([]Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Payment
	for _, payment := range m.payments {
		if payment.Status != PaymentPending && payment.Status != PaymentProcessing {
			continue
		}
		if !payment.CreatedAt.Before(createdBefore) {
			continue
		}
		out = append(out, payment)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CompletePayment performs the atomic check-and-set completion under the
// store mutex. The bool result is true only for the call that actually
// moved the payment into completed.
func (m *MemoryStore) CompletePayment(_ context.Context, paymentID, providerPaymentID string) (Payment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	payment, ok := m.payments[paymentID]
	if !ok {
		return Payment{}, false, ErrNotFound
	}

	if payment.Status.IsTerminal() {
		return payment, false, nil
	}

	payment.Status = PaymentCompleted
	if providerPaymentID != "" {
		payment.ProviderPaymentID = providerPaymentID
	}
	payment.UpdatedAt = time.Now()
	m.payments[paymentID] = payment
	return payment, true, nil
}

// AppendPaymentTransaction appends one immutable audit row.
func (m *MemoryStore) AppendPaymentTransaction(_ context.Context, tx PaymentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	m.transactions[tx.PaymentID] = append(m.transactions[tx.PaymentID], tx)
	return nil
}

// ListPaymentTransactions returns the audit rows for a payment in insertion order.
func (m *MemoryStore) ListPaymentTransactions(_ context.Context, paymentID string) ([]PaymentTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.transactions[paymentID]
	out := make([]PaymentTransaction, len(rows))
	copy(out, rows)
	return out, nil
}

// GetAccessLog retrieves the access-log entry for a token hash.
func (m *MemoryStore) GetAccessLog(_ context.Context, tokenHash string) (DeliveryAccessLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.accessLog[tokenHash]
	if !ok {
		return DeliveryAccessLog{}, ErrNotFound
	}
	return entry, nil
}

// MarkRevealed upserts the access-log entry. Last writer wins; revealed
// only ever transitions false->true so the overwrite is harmless.
func (m *MemoryStore) MarkRevealed(_ context.Context, entry DeliveryAccessLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry.Revealed = true
	if entry.AccessedAt.IsZero() {
		entry.AccessedAt = time.Now()
	}
	m.accessLog[entry.TokenHash] = entry
	return nil
}

// AddAssets loads deliverable assets into the fulfillment pool.
func (m *MemoryStore) AddAssets(_ context.Context, assets []Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, asset := range assets {
		if asset.ID == "" {
			return fmt.Errorf("asset %d: missing id", i)
		}
		if _, exists := m.assets[asset.ID]; exists {
			return fmt.Errorf("asset already exists: %s", asset.ID)
		}
	}
	for _, asset := range assets {
		m.assets[asset.ID] = asset
	}
	return nil
}

// AllocateAsset binds one free asset to the order under the store mutex.
func (m *MemoryStore) AllocateAsset(_ context.Context, orderID, productID string) (Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Idempotent: an order that already holds an asset keeps it.
	if assetID, ok := m.assetsByOrder[orderID]; ok {
		return m.assets[assetID], nil
	}

	// Deterministic allocation order keeps tests stable.
	ids := make([]string, 0, len(m.assets))
	for id := range m.assets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		asset := m.assets[id]
		if asset.ProductID != productID || asset.Allocated() {
			continue
		}
		asset.OrderID = orderID
		asset.AllocatedAt = time.Now()
		m.assets[id] = asset
		m.assetsByOrder[orderID] = id
		return asset, nil
	}

	return Asset{}, ErrNoAssets
}

// GetAssetByOrder retrieves the asset allocated to an order.
func (m *MemoryStore) GetAssetByOrder(_ context.Context, orderID string) (Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	assetID, ok := m.assetsByOrder[orderID]
	if !ok {
		return Asset{}, ErrNotFound
	}
	return m.assets[assetID], nil
}

// CountAvailableAssets returns remaining stock for a product.
func (m *MemoryStore) CountAvailableAssets(_ context.Context, productID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, asset := range m.assets {
		if asset.ProductID == productID && !asset.Allocated() {
			count++
		}
	}
	return count, nil
}
