package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL.
//
// The exactly-once completion guarantee maps onto a single conditional
// UPDATE: concurrent completions race on the row, the database serializes
// them, and only one statement matches the non-terminal predicate.
type PostgresStore struct {
	db     *sql.DB
	ownsDB bool // Track if we created the DB connection (for Close())
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(connectionString string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		// NOTE: db.Close() error is intentionally ignored during initialization cleanup.
		// The primary error is returned to the caller.
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &PostgresStore{db: db, ownsDB: true}

	if err := store.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// NewPostgresStoreWithDB creates a PostgreSQL-backed store using an existing connection pool.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db, ownsDB: false}
	if err := store.createTables(); err != nil {
		return nil, err
	}
	return store, nil
}

// createTables creates the settlement tables if they don't exist.
func (s *PostgresStore) createTables() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			readable_id TEXT NOT NULL,
			email TEXT NOT NULL,
			product_id TEXT NOT NULL,
			total BIGINT NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			delivery_url TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS payments (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL REFERENCES orders(id),
			provider TEXT NOT NULL,
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			track_id TEXT,
			provider_payment_id TEXT,
			crypto_address TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_payments_track_id ON payments (track_id);
		CREATE INDEX IF NOT EXISTS idx_payments_order_id ON payments (order_id);

		CREATE TABLE IF NOT EXISTS payment_transactions (
			id TEXT PRIMARY KEY,
			payment_id TEXT NOT NULL,
			status_tag TEXT NOT NULL,
			raw_event JSONB,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_payment_transactions_payment_id
			ON payment_transactions (payment_id, created_at);

		CREATE TABLE IF NOT EXISTS delivery_access_log (
			token_hash TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			revealed BOOLEAN NOT NULL DEFAULT FALSE,
			ip_address TEXT,
			user_agent TEXT,
			accessed_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS assets (
			id TEXT PRIMARY KEY,
			product_id TEXT NOT NULL,
			secret TEXT NOT NULL,
			order_id TEXT,
			allocated_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_assets_product_free
			ON assets (product_id) WHERE order_id IS NULL;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_assets_order
			ON assets (order_id) WHERE order_id IS NOT NULL;
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// Close releases the database connection if this store owns it.
func (s *PostgresStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// CreateOrder persists a new order.
func (s *PostgresStore) CreateOrder(ctx context.Context, order Order) error {
	if order.Status == "" {
		order.Status = OrderPending
	}
	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, readable_id, email, product_id, total, currency, status, delivery_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		order.ID, order.ReadableID, order.Email, order.ProductID, order.Total,
		order.Currency, order.Status, nullString(order.DeliveryURL), order.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetOrder retrieves an order by ID.
func (s *PostgresStore) GetOrder(ctx context.Context, orderID string) (Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, readable_id, email, product_id, total, currency, status, COALESCE(delivery_url, ''), created_at, updated_at
		FROM orders WHERE id = $1`, orderID)
	return scanOrder(row)
}

// MarkOrderPaid sets the order status to paid.
func (s *PostgresStore) MarkOrderPaid(ctx context.Context, orderID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2`,
		OrderPaid, orderID)
	if err != nil {
		return fmt.Errorf("mark order paid: %w", err)
	}
	return requireRowAffected(res)
}

// SetOrderDeliveryURL persists the minted delivery URL on the order.
func (s *PostgresStore) SetOrderDeliveryURL(ctx context.Context, orderID, url string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET delivery_url = $1, updated_at = NOW() WHERE id = $2`,
		url, orderID)
	if err != nil {
		return fmt.Errorf("set delivery url: %w", err)
	}
	return requireRowAffected(res)
}

// CreatePayment persists a new payment attempt.
func (s *PostgresStore) CreatePayment(ctx context.Context, payment Payment) error {
	if payment.Status == "" {
		payment.Status = PaymentPending
	}
	now := time.Now()
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (id, order_id, provider, amount, currency, status, track_id, provider_payment_id, crypto_address, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		payment.ID, payment.OrderID, payment.Provider, payment.Amount, payment.Currency,
		payment.Status, nullString(payment.TrackID), nullString(payment.ProviderPaymentID),
		nullString(payment.CryptoAddress), payment.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// GetPayment retrieves a payment by ID.
func (s *PostgresStore) GetPayment(ctx context.Context, paymentID string) (Payment, error) {
	row := s.db.QueryRowContext(ctx, paymentSelect+` WHERE id = $1`, paymentID)
	return scanPayment(row)
}

// GetPaymentByTrackID retrieves a payment by provider correlation id.
func (s *PostgresStore) GetPaymentByTrackID(ctx context.Context, trackID string) (Payment, error) {
	row := s.db.QueryRowContext(ctx,
		paymentSelect+` WHERE track_id = $1 ORDER BY created_at DESC LIMIT 1`, trackID)
	return scanPayment(row)
}

// UpdatePaymentStatus writes a non-completion status with the monotonicity
// guard expressed in SQL.
func (s *PostgresStore) UpdatePaymentStatus(ctx context.Context, paymentID string, status PaymentStatus) (Payment, error) {
	if !status.Valid() {
		return Payment{}, fmt.Errorf("unknown payment status: %s", status)
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE payments SET status = $1, updated_at = NOW()
		WHERE id = $2
		  AND (status NOT IN ('completed', 'refunded')
		       OR (status = 'completed' AND $1 = 'refunded'))
		RETURNING `+paymentColumns, status, paymentID)

	payment, err := scanPayment(row)
	if errors.Is(err, ErrNotFound) {
		// No row matched: either the payment is missing or the guard
		// rejected the transition. Distinguish with a plain read.
		current, getErr := s.GetPayment(ctx, paymentID)
		if getErr != nil {
			return Payment{}, getErr
		}
		return current, ErrInvalidTransition
	}
	return payment, err
}

// CompletePayment sets status=completed only where the row is not already
// terminal. RETURNING tells us whether this statement won the race.
func (s *PostgresStore) CompletePayment(ctx context.Context, paymentID, providerPaymentID string) (Payment, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE payments
		SET status = 'completed',
		    provider_payment_id = COALESCE(NULLIF($2, ''), provider_payment_id),
		    updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'refunded')
		RETURNING `+paymentColumns, paymentID, providerPaymentID)

	payment, err := scanPayment(row)
	if err == nil {
		return payment, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Payment{}, false, err
	}

	// Another caller completed first, or the payment does not exist.
	current, getErr := s.GetPayment(ctx, paymentID)
	if getErr != nil {
		return Payment{}, false, getErr
	}
	return current, false, nil
}

// ListUnsettledPayments returns pending/processing payments created
// before the cutoff, oldest first.
func (s *PostgresStore) ListUnsettledPayments(ctx context.Context, createdBefore time.Time, limit int) ([]Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		paymentSelect+` WHERE status IN ('pending', 'processing') AND created_at < $1
		ORDER BY created_at ASC LIMIT $2`, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list unsettled payments: %w", err)
	}
	defer rows.Close()

	var payments []Payment
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, payment)
	}
	return payments, rows.Err()
}

// AppendPaymentTransaction appends one immutable audit row.
func (s *PostgresStore) AppendPaymentTransaction(ctx context.Context, tx PaymentTransaction) error {
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	raw := tx.RawEvent
	if len(raw) == 0 {
		raw = []byte("null")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_transactions (id, payment_id, status_tag, raw_event, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		tx.ID, tx.PaymentID, tx.StatusTag, []byte(raw), tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert payment transaction: %w", err)
	}
	return nil
}

// ListPaymentTransactions returns the audit rows for a payment oldest-first.
func (s *PostgresStore) ListPaymentTransactions(ctx context.Context, paymentID string) ([]PaymentTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payment_id, status_tag, COALESCE(raw_event, 'null'::jsonb), created_at
		FROM payment_transactions WHERE payment_id = $1 ORDER BY created_at ASC`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("list payment transactions: %w", err)
	}
	defer rows.Close()

	var out []PaymentTransaction
	for rows.Next() {
		var tx PaymentTransaction
		var raw []byte
		if err := rows.Scan(&tx.ID, &tx.PaymentID, &tx.StatusTag, &raw, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payment transaction: %w", err)
		}
		tx.RawEvent = raw
		out = append(out, tx)
	}
	return out, rows.Err()
}

// GetAccessLog retrieves the access-log entry for a token hash.
func (s *PostgresStore) GetAccessLog(ctx context.Context, tokenHash string) (DeliveryAccessLog, error) {
	var entry DeliveryAccessLog
	err := s.db.QueryRowContext(ctx, `
		SELECT token_hash, order_id, revealed, COALESCE(ip_address, ''), COALESCE(user_agent, ''), accessed_at
		FROM delivery_access_log WHERE token_hash = $1`, tokenHash).
		Scan(&entry.TokenHash, &entry.OrderID, &entry.Revealed, &entry.IPAddress, &entry.UserAgent, &entry.AccessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DeliveryAccessLog{}, ErrNotFound
	}
	if err != nil {
		return DeliveryAccessLog{}, fmt.Errorf("get access log: %w", err)
	}
	return entry, nil
}

// MarkRevealed upserts the access-log entry with revealed=true.
func (s *PostgresStore) MarkRevealed(ctx context.Context, entry DeliveryAccessLog) error {
	if entry.AccessedAt.IsZero() {
		entry.AccessedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_access_log (token_hash, order_id, revealed, ip_address, user_agent, accessed_at)
		VALUES ($1, $2, TRUE, $3, $4, $5)
		ON CONFLICT (token_hash) DO UPDATE SET
			revealed = TRUE,
			ip_address = EXCLUDED.ip_address,
			user_agent = EXCLUDED.user_agent,
			accessed_at = EXCLUDED.accessed_at`,
		entry.TokenHash, entry.OrderID, entry.IPAddress, entry.UserAgent, entry.AccessedAt)
	if err != nil {
		return fmt.Errorf("mark revealed: %w", err)
	}
	return nil
}

// AddAssets loads deliverable assets into the fulfillment pool.
func (s *PostgresStore) AddAssets(ctx context.Context, assets []Asset) error {
	if len(assets) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add assets: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO assets (id, product_id, secret) VALUES ($1, $2, $3)`)
	if err != nil {
		return fmt.Errorf("prepare add assets: %w", err)
	}
	defer stmt.Close()

	for i, asset := range assets {
		if _, err := stmt.ExecContext(ctx, asset.ID, asset.ProductID, asset.Secret); err != nil {
			return fmt.Errorf("asset %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// AllocateAsset binds one free asset to the order. FOR UPDATE SKIP LOCKED
// keeps concurrent allocations from claiming the same row.
func (s *PostgresStore) AllocateAsset(ctx context.Context, orderID, productID string) (Asset, error) {
	// Idempotent: an order that already holds an asset keeps it.
	if asset, err := s.GetAssetByOrder(ctx, orderID); err == nil {
		return asset, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Asset{}, err
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE assets
		SET order_id = $1, allocated_at = NOW()
		WHERE id = (
			SELECT id FROM assets
			WHERE product_id = $2 AND order_id IS NULL
			ORDER BY id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, product_id, secret, COALESCE(order_id, ''), allocated_at`,
		orderID, productID)

	asset, err := scanAsset(row)
	if errors.Is(err, ErrNotFound) {
		return Asset{}, ErrNoAssets
	}
	return asset, err
}

// GetAssetByOrder retrieves the asset allocated to an order.
func (s *PostgresStore) GetAssetByOrder(ctx context.Context, orderID string) (Asset, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, product_id, secret, COALESCE(order_id, ''), allocated_at
		FROM assets WHERE order_id = $1`, orderID)
	return scanAsset(row)
}

// CountAvailableAssets returns remaining stock for a product.
func (s *PostgresStore) CountAvailableAssets(ctx context.Context, productID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM assets WHERE product_id = $1 AND order_id IS NULL`,
		productID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count available assets: %w", err)
	}
	return count, nil
}

const paymentColumns = `id, order_id, provider, amount, currency, status,
	COALESCE(track_id, ''), COALESCE(provider_payment_id, ''), COALESCE(crypto_address, ''),
	created_at, updated_at`

const paymentSelect = `SELECT ` + paymentColumns + ` FROM payments`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.OrderID, &p.Provider, &p.Amount, &p.Currency, &p.Status,
		&p.TrackID, &p.ProviderPaymentID, &p.CryptoAddress, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Payment{}, ErrNotFound
	}
	if err != nil {
		return Payment{}, fmt.Errorf("scan payment: %w", err)
	}
	return p, nil
}

func scanOrder(row rowScanner) (Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.ReadableID, &o.Email, &o.ProductID, &o.Total, &o.Currency,
		&o.Status, &o.DeliveryURL, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("scan order: %w", err)
	}
	return o, nil
}

func scanAsset(row rowScanner) (Asset, error) {
	var a Asset
	var allocatedAt sql.NullTime
	err := row.Scan(&a.ID, &a.ProductID, &a.Secret, &a.OrderID, &allocatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Asset{}, ErrNotFound
	}
	if err != nil {
		return Asset{}, fmt.Errorf("scan asset: %w", err)
	}
	if allocatedAt.Valid {
		a.AllocatedAt = allocatedAt.Time
	}
	return a, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func requireRowAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
