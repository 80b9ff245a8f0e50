package storage

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestPayment(id, orderID string) Payment {
	return Payment{
		ID:       id,
		OrderID:  orderID,
		Provider: "oxapay",
		Amount:   2500,
		Currency: "USD",
		Status:   PaymentPending,
		TrackID:  "track-" + id,
	}
}

func seedPayment(t *testing.T, store *MemoryStore, id, orderID string) {
	t.Helper()
	if err := store.CreateOrder(context.Background(), Order{
		ID: orderID, ReadableID: "R-" + orderID, Email: "buyer@example.com",
		ProductID: "prod-1", Total: 2500, Currency: "USD",
	}); err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	if err := store.CreatePayment(context.Background(), newTestPayment(id, orderID)); err != nil {
		t.Fatalf("CreatePayment() error = %v", err)
	}
}

func TestMemoryStore_CompletePayment_OnlyOnce(t *testing.T) {
	store := NewMemoryStore()
	seedPayment(t, store, "pay-1", "order-1")
	ctx := context.Background()

	payment, transitioned, err := store.CompletePayment(ctx, "pay-1", "provider-tx-1")
	if err != nil {
		t.Fatalf("CompletePayment() error = %v", err)
	}
	if !transitioned {
		t.Fatal("first CompletePayment() should transition")
	}
	if payment.Status != PaymentCompleted {
		t.Errorf("status = %s, want %s", payment.Status, PaymentCompleted)
	}
	if payment.ProviderPaymentID != "provider-tx-1" {
		t.Errorf("providerPaymentID = %q, want %q", payment.ProviderPaymentID, "provider-tx-1")
	}

	payment, transitioned, err = store.CompletePayment(ctx, "pay-1", "provider-tx-2")
	if err != nil {
		t.Fatalf("second CompletePayment() error = %v", err)
	}
	if transitioned {
		t.Fatal("second CompletePayment() must not transition again")
	}
	if payment.ProviderPaymentID != "provider-tx-1" {
		t.Errorf("providerPaymentID overwritten to %q", payment.ProviderPaymentID)
	}
}

func TestMemoryStore_CompletePayment_Concurrent(t *testing.T) {
	store := NewMemoryStore()
	seedPayment(t, store, "pay-1", "order-1")

	const callers = 16
	var wg sync.WaitGroup
	results := make(chan bool, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, transitioned, err := store.CompletePayment(context.Background(), "pay-1", "tx")
			if err != nil {
				t.Errorf("CompletePayment() error = %v", err)
				return
			}
			results <- transitioned
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for transitioned := range results {
		if transitioned {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("concurrent completions: %d transitions, want exactly 1", wins)
	}
}

func TestMemoryStore_UpdatePaymentStatus_Monotonic(t *testing.T) {
	store := NewMemoryStore()
	seedPayment(t, store, "pay-1", "order-1")
	ctx := context.Background()

	if _, _, err := store.CompletePayment(ctx, "pay-1", "tx"); err != nil {
		t.Fatalf("CompletePayment() error = %v", err)
	}

	// Completed payments cannot move backward.
	for _, target := range []PaymentStatus{PaymentPending, PaymentProcessing, PaymentFailed} {
		if _, err := store.UpdatePaymentStatus(ctx, "pay-1", target); err != ErrInvalidTransition {
			t.Errorf("UpdatePaymentStatus(%s) error = %v, want ErrInvalidTransition", target, err)
		}
	}

	// The refund path is the only exit from completed.
	payment, err := store.UpdatePaymentStatus(ctx, "pay-1", PaymentRefunded)
	if err != nil {
		t.Fatalf("UpdatePaymentStatus(refunded) error = %v", err)
	}
	if payment.Status != PaymentRefunded {
		t.Errorf("status = %s, want %s", payment.Status, PaymentRefunded)
	}

	// Refunded is fully terminal.
	if _, err := store.UpdatePaymentStatus(ctx, "pay-1", PaymentCompleted); err != ErrInvalidTransition {
		t.Errorf("UpdatePaymentStatus(completed) after refund error = %v, want ErrInvalidTransition", err)
	}
}

func TestMemoryStore_GetPaymentByTrackID(t *testing.T) {
	store := NewMemoryStore()
	seedPayment(t, store, "pay-1", "order-1")

	payment, err := store.GetPaymentByTrackID(context.Background(), "track-pay-1")
	if err != nil {
		t.Fatalf("GetPaymentByTrackID() error = %v", err)
	}
	if payment.ID != "pay-1" {
		t.Errorf("payment.ID = %q, want %q", payment.ID, "pay-1")
	}

	if _, err := store.GetPaymentByTrackID(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("GetPaymentByTrackID(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_PaymentTransactions_AppendOnly(t *testing.T) {
	store := NewMemoryStore()
	seedPayment(t, store, "pay-1", "order-1")
	ctx := context.Background()

	for _, tag := range []string{"status_updated_to_processing", "status_updated_to_completed"} {
		err := store.AppendPaymentTransaction(ctx, PaymentTransaction{
			ID:        "tx-" + tag,
			PaymentID: "pay-1",
			StatusTag: tag,
			RawEvent:  []byte(`{"status":"` + tag + `"}`),
		})
		if err != nil {
			t.Fatalf("AppendPaymentTransaction() error = %v", err)
		}
	}

	rows, err := store.ListPaymentTransactions(ctx, "pay-1")
	if err != nil {
		t.Fatalf("ListPaymentTransactions() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	if rows[0].StatusTag != "status_updated_to_processing" {
		t.Errorf("rows[0].StatusTag = %q", rows[0].StatusTag)
	}
}

func TestMemoryStore_MarkRevealed_Upsert(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.GetAccessLog(ctx, "hash-1"); err != ErrNotFound {
		t.Fatalf("GetAccessLog() before upsert error = %v, want ErrNotFound", err)
	}

	err := store.MarkRevealed(ctx, DeliveryAccessLog{
		TokenHash: "hash-1",
		OrderID:   "order-1",
		IPAddress: "203.0.113.9",
		UserAgent: "test-agent",
	})
	if err != nil {
		t.Fatalf("MarkRevealed() error = %v", err)
	}

	entry, err := store.GetAccessLog(ctx, "hash-1")
	if err != nil {
		t.Fatalf("GetAccessLog() error = %v", err)
	}
	if !entry.Revealed {
		t.Error("entry.Revealed = false, want true")
	}
	if entry.AccessedAt.IsZero() {
		t.Error("entry.AccessedAt is zero")
	}

	// Second writer overwrites metadata but revealed stays true.
	err = store.MarkRevealed(ctx, DeliveryAccessLog{
		TokenHash:  "hash-1",
		OrderID:    "order-1",
		IPAddress:  "198.51.100.7",
		AccessedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("second MarkRevealed() error = %v", err)
	}
	entry, _ = store.GetAccessLog(ctx, "hash-1")
	if !entry.Revealed {
		t.Error("entry.Revealed flipped back to false")
	}
	if entry.IPAddress != "198.51.100.7" {
		t.Errorf("entry.IPAddress = %q, want last writer", entry.IPAddress)
	}
}

func TestMemoryStore_AllocateAsset(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.AddAssets(ctx, []Asset{
		{ID: "a-1", ProductID: "prod-1", Secret: "KEY-AAAA"},
		{ID: "a-2", ProductID: "prod-1", Secret: "KEY-BBBB"},
		{ID: "b-1", ProductID: "prod-2", Secret: "KEY-CCCC"},
	})
	if err != nil {
		t.Fatalf("AddAssets() error = %v", err)
	}

	asset, err := store.AllocateAsset(ctx, "order-1", "prod-1")
	if err != nil {
		t.Fatalf("AllocateAsset() error = %v", err)
	}
	if asset.OrderID != "order-1" {
		t.Errorf("asset.OrderID = %q", asset.OrderID)
	}

	// Re-allocation for the same order is idempotent.
	again, err := store.AllocateAsset(ctx, "order-1", "prod-1")
	if err != nil {
		t.Fatalf("repeat AllocateAsset() error = %v", err)
	}
	if again.ID != asset.ID {
		t.Errorf("repeat allocation returned %q, want %q", again.ID, asset.ID)
	}

	count, err := store.CountAvailableAssets(ctx, "prod-1")
	if err != nil {
		t.Fatalf("CountAvailableAssets() error = %v", err)
	}
	if count != 1 {
		t.Errorf("available = %d, want 1 (stock decremented once)", count)
	}

	// Exhaust the pool.
	if _, err := store.AllocateAsset(ctx, "order-2", "prod-1"); err != nil {
		t.Fatalf("AllocateAsset(order-2) error = %v", err)
	}
	if _, err := store.AllocateAsset(ctx, "order-3", "prod-1"); err != ErrNoAssets {
		t.Errorf("AllocateAsset() on empty pool error = %v, want ErrNoAssets", err)
	}
}

func TestNewStore_BackendSelection(t *testing.T) {
	store, err := NewStore(StoreConfig{Backend: "memory"})
	if err != nil {
		t.Fatalf("NewStore(memory) error = %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Errorf("NewStore(memory) = %T, want *MemoryStore", store)
	}

	if _, err := NewStore(StoreConfig{Backend: "postgres"}); err == nil {
		t.Error("NewStore(postgres) without URL should fail")
	}
	if _, err := NewStore(StoreConfig{Backend: "bogus"}); err == nil {
		t.Error("NewStore(bogus) should fail")
	}
}
