package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDBStore implements Store using MongoDB.
//
// Atomicity of the completion guard relies on FindOneAndUpdate with a
// non-terminal status filter: MongoDB serializes writers on the document,
// so at most one caller observes the pre-image in a non-terminal state.
type MongoDBStore struct {
	client       *mongo.Client
	orders       *mongo.Collection
	payments     *mongo.Collection
	transactions *mongo.Collection
	accessLog    *mongo.Collection
	assets       *mongo.Collection
}

// NewMongoDBStore creates a new MongoDB-backed store.
func NewMongoDBStore(connectionString, database string) (*MongoDBStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		// Disconnect error during initialization cleanup is not actionable;
		// the primary error is returned to the caller.
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(database)

	store := &MongoDBStore{
		client:       client,
		orders:       db.Collection("orders"),
		payments:     db.Collection("payments"),
		transactions: db.Collection("payment_transactions"),
		accessLog:    db.Collection("delivery_access_log"),
		assets:       db.Collection("assets"),
	}

	if err := store.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	return store, nil
}

// createIndexes creates necessary indexes for collections.
func (s *MongoDBStore) createIndexes(ctx context.Context) error {
	// _id is automatically unique; secondary lookups need their own indexes.
	_, err := s.payments.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "track_id", Value: 1}}},
		{Keys: bson.D{{Key: "order_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create payments indexes: %w", err)
	}

	_, err = s.transactions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "payment_id", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create payment transactions indexes: %w", err)
	}

	_, err = s.assets.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "product_id", Value: 1}, {Key: "order_id", Value: 1}}},
		{
			Keys:    bson.D{{Key: "order_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{"order_id": bson.M{"$type": "string"}}),
		},
	})
	if err != nil {
		return fmt.Errorf("create assets indexes: %w", err)
	}

	return nil
}

// Close disconnects the client.
func (s *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// CreateOrder persists a new order.
func (s *MongoDBStore) CreateOrder(ctx context.Context, order Order) error {
	if order.Status == "" {
		order.Status = OrderPending
	}
	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	if _, err := s.orders.InsertOne(ctx, order); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("order already exists: %s", order.ID)
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetOrder retrieves an order by ID.
func (s *MongoDBStore) GetOrder(ctx context.Context, orderID string) (Order, error) {
	var order Order
	err := s.orders.FindOne(ctx, bson.M{"_id": orderID}).Decode(&order)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("get order: %w", err)
	}
	return order, nil
}

// MarkOrderPaid sets the order status to paid.
func (s *MongoDBStore) MarkOrderPaid(ctx context.Context, orderID string) error {
	res, err := s.orders.UpdateOne(ctx, bson.M{"_id": orderID},
		bson.M{"$set": bson.M{"status": OrderPaid, "updated_at": time.Now()}})
	if err != nil {
		return fmt.Errorf("mark order paid: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SetOrderDeliveryURL persists the minted delivery URL on the order.
func (s *MongoDBStore) SetOrderDeliveryURL(ctx context.Context, orderID, url string) error {
	res, err := s.orders.UpdateOne(ctx, bson.M{"_id": orderID},
		bson.M{"$set": bson.M{"delivery_url": url, "updated_at": time.Now()}})
	if err != nil {
		return fmt.Errorf("set delivery url: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// CreatePayment persists a new payment attempt.
func (s *MongoDBStore) CreatePayment(ctx context.Context, payment Payment) error {
	if payment.Status == "" {
		payment.Status = PaymentPending
	}
	now := time.Now()
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = now
	}
	payment.UpdatedAt = now

	if _, err := s.payments.InsertOne(ctx, payment); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("payment already exists: %s", payment.ID)
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// GetPayment retrieves a payment by ID.
func (s *MongoDBStore) GetPayment(ctx context.Context, paymentID string) (Payment, error) {
	var payment Payment
	err := s.payments.FindOne(ctx, bson.M{"_id": paymentID}).Decode(&payment)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Payment{}, ErrNotFound
	}
	if err != nil {
		return Payment{}, fmt.Errorf("get payment: %w", err)
	}
	return payment, nil
}

// GetPaymentByTrackID retrieves a payment by provider correlation id.
func (s *MongoDBStore) GetPaymentByTrackID(ctx context.Context, trackID string) (Payment, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	var payment Payment
	err := s.payments.FindOne(ctx, bson.M{"track_id": trackID}, opts).Decode(&payment)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Payment{}, ErrNotFound
	}
	if err != nil {
		return Payment{}, fmt.Errorf("get payment by track id: %w", err)
	}
	return payment, nil
}

// UpdatePaymentStatus writes a non-completion status with the monotonicity
// guard expressed in the update filter.
func (s *MongoDBStore) UpdatePaymentStatus(ctx context.Context, paymentID string, status PaymentStatus) (Payment, error) {
	if !status.Valid() {
		return Payment{}, fmt.Errorf("unknown payment status: %s", status)
	}

	// Terminal states only admit completed -> refunded.
	statusGuard := bson.M{"$nin": []PaymentStatus{PaymentCompleted, PaymentRefunded}}
	if status == PaymentRefunded {
		statusGuard = bson.M{"$ne": PaymentRefunded}
	}
	filter := bson.M{"_id": paymentID, "status": statusGuard}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var payment Payment
	err := s.payments.FindOneAndUpdate(ctx, filter,
		bson.M{"$set": bson.M{"status": status, "updated_at": time.Now()}}, opts).Decode(&payment)
	if errors.Is(err, mongo.ErrNoDocuments) {
		current, getErr := s.GetPayment(ctx, paymentID)
		if getErr != nil {
			return Payment{}, getErr
		}
		return current, ErrInvalidTransition
	}
	if err != nil {
		return Payment{}, fmt.Errorf("update payment status: %w", err)
	}
	return payment, nil
}

// CompletePayment performs the atomic completion via FindOneAndUpdate with
// a non-terminal filter. Only the caller that matched the pre-image gets
// transitioned=true.
func (s *MongoDBStore) CompletePayment(ctx context.Context, paymentID, providerPaymentID string) (Payment, bool, error) {
	set := bson.M{"status": PaymentCompleted, "updated_at": time.Now()}
	if providerPaymentID != "" {
		set["provider_payment_id"] = providerPaymentID
	}
	filter := bson.M{
		"_id":    paymentID,
		"status": bson.M{"$nin": []PaymentStatus{PaymentCompleted, PaymentRefunded}},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var payment Payment
	err := s.payments.FindOneAndUpdate(ctx, filter, bson.M{"$set": set}, opts).Decode(&payment)
	if err == nil {
		return payment, true, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return Payment{}, false, fmt.Errorf("complete payment: %w", err)
	}

	current, getErr := s.GetPayment(ctx, paymentID)
	if getErr != nil {
		return Payment{}, false, getErr
	}
	return current, false, nil
}

// ListUnsettledPayments returns pending/processing payments created
// before the cutoff, oldest first.
func (s *MongoDBStore) ListUnsettledPayments(ctx context.Context, createdBefore time.Time, limit int) ([]Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	filter := bson.M{
		"status":     bson.M{"$in": []PaymentStatus{PaymentPending, PaymentProcessing}},
		"created_at": bson.M{"$lt": createdBefore},
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(int64(limit))
	cursor, err := s.payments.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list unsettled payments: %w", err)
	}
	defer cursor.Close(ctx)

	var payments []Payment
	if err := cursor.All(ctx, &payments); err != nil {
		return nil, fmt.Errorf("decode unsettled payments: %w", err)
	}
	return payments, nil
}

// AppendPaymentTransaction appends one immutable audit row.
func (s *MongoDBStore) AppendPaymentTransaction(ctx context.Context, tx PaymentTransaction) error {
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	if _, err := s.transactions.InsertOne(ctx, tx); err != nil {
		return fmt.Errorf("insert payment transaction: %w", err)
	}
	return nil
}

// ListPaymentTransactions returns the audit rows for a payment oldest-first.
func (s *MongoDBStore) ListPaymentTransactions(ctx context.Context, paymentID string) ([]PaymentTransaction, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := s.transactions.Find(ctx, bson.M{"payment_id": paymentID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list payment transactions: %w", err)
	}
	defer cursor.Close(ctx)

	var out []PaymentTransaction
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode payment transactions: %w", err)
	}
	return out, nil
}

// GetAccessLog retrieves the access-log entry for a token hash.
func (s *MongoDBStore) GetAccessLog(ctx context.Context, tokenHash string) (DeliveryAccessLog, error) {
	var entry DeliveryAccessLog
	err := s.accessLog.FindOne(ctx, bson.M{"_id": tokenHash}).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return DeliveryAccessLog{}, ErrNotFound
	}
	if err != nil {
		return DeliveryAccessLog{}, fmt.Errorf("get access log: %w", err)
	}
	return entry, nil
}

// MarkRevealed upserts the access-log entry with revealed=true.
func (s *MongoDBStore) MarkRevealed(ctx context.Context, entry DeliveryAccessLog) error {
	entry.Revealed = true
	if entry.AccessedAt.IsZero() {
		entry.AccessedAt = time.Now()
	}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.accessLog.ReplaceOne(ctx, bson.M{"_id": entry.TokenHash}, entry, opts); err != nil {
		return fmt.Errorf("mark revealed: %w", err)
	}
	return nil
}

// AddAssets loads deliverable assets into the fulfillment pool.
func (s *MongoDBStore) AddAssets(ctx context.Context, assets []Asset) error {
	if len(assets) == 0 {
		return nil
	}
	docs := make([]any, len(assets))
	for i, asset := range assets {
		docs[i] = asset
	}
	if _, err := s.assets.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("add assets: %w", err)
	}
	return nil
}

// AllocateAsset claims one free asset atomically via FindOneAndUpdate.
func (s *MongoDBStore) AllocateAsset(ctx context.Context, orderID, productID string) (Asset, error) {
	// Idempotent: an order that already holds an asset keeps it.
	if asset, err := s.GetAssetByOrder(ctx, orderID); err == nil {
		return asset, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Asset{}, err
	}

	filter := bson.M{
		"product_id": productID,
		"order_id":   bson.M{"$in": []any{nil, ""}},
	}
	update := bson.M{"$set": bson.M{"order_id": orderID, "allocated_at": time.Now()}}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetSort(bson.D{{Key: "_id", Value: 1}})

	var asset Asset
	err := s.assets.FindOneAndUpdate(ctx, filter, update, opts).Decode(&asset)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Asset{}, ErrNoAssets
	}
	if err != nil {
		return Asset{}, fmt.Errorf("allocate asset: %w", err)
	}
	return asset, nil
}

// GetAssetByOrder retrieves the asset allocated to an order.
func (s *MongoDBStore) GetAssetByOrder(ctx context.Context, orderID string) (Asset, error) {
	var asset Asset
	err := s.assets.FindOne(ctx, bson.M{"order_id": orderID}).Decode(&asset)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Asset{}, ErrNotFound
	}
	if err != nil {
		return Asset{}, fmt.Errorf("get asset by order: %w", err)
	}
	return asset, nil
}

// CountAvailableAssets returns remaining stock for a product.
func (s *MongoDBStore) CountAvailableAssets(ctx context.Context, productID string) (int, error) {
	count, err := s.assets.CountDocuments(ctx, bson.M{
		"product_id": productID,
		"order_id":   bson.M{"$in": []any{nil, ""}},
	})
	if err != nil {
		return 0, fmt.Errorf("count available assets: %w", err)
	}
	return int(count), nil
}
