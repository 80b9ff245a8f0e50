package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestActionLimiter_Allow(t *testing.T) {
	limiter := NewActionLimiter(NewMemoryTTLStore(), map[string]Limit{
		"reveal": {Max: 3, Window: time.Minute},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "reveal", "order-1")
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !ok {
			t.Fatalf("call %d denied, want allowed", i+1)
		}
	}
	ok, err := limiter.Allow(ctx, "reveal", "order-1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("4th call allowed, want denied")
	}

	// Other identifiers and actions have independent budgets.
	if ok, _ := limiter.Allow(ctx, "reveal", "order-2"); !ok {
		t.Error("different identifier denied")
	}
	if ok, _ := limiter.Allow(ctx, "checkout", "order-1"); !ok {
		t.Error("unconfigured action denied, want always allowed")
	}
}

func TestMemoryTTLStore_WindowExpiry(t *testing.T) {
	store := NewMemoryTTLStore()
	now := time.Unix(1000, 0)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := store.Incr(ctx, "k", time.Minute); err != nil {
			t.Fatal(err)
		}
	}
	count, _ := store.Incr(ctx, "k", time.Minute)
	if count != 6 {
		t.Errorf("count = %d, want 6", count)
	}

	now = now.Add(61 * time.Second)
	count, _ = store.Incr(ctx, "k", time.Minute)
	if count != 1 {
		t.Errorf("count after window = %d, want fresh 1", count)
	}
}

func TestIPLimiter_Returns429(t *testing.T) {
	cfg := Config{
		PerIPEnabled: true,
		PerIPLimit:   2,
		PerIPWindow:  time.Minute,
	}
	handler := IPLimiter(cfg)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}

	// A different IP is not affected.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("other IP status = %d, want 200", rec.Code)
	}
}

func TestLimitersDisabled(t *testing.T) {
	cfg := Config{}
	handler := GlobalLimiter(cfg)(IPLimiter(cfg)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("disabled limiter returned %d", rec.Code)
		}
	}
}
