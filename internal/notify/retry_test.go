package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func fastRetryConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
		Timeout:         time.Second,
	}
}

func TestRetryableClientRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	eventIDs := make(chan string, 3)
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", got)
		}
		if got := r.Header.Get("X-Admin-Key"); got != "k1" {
			t.Errorf("X-Admin-Key = %q, want k1", got)
		}

		var event OrderEvent
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			t.Errorf("decode event: %v", err)
		}
		eventIDs <- event.EventID

		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
		close(done)
	}))
	defer srv.Close()

	client := NewRetryableClient(srv.URL,
		WithRetryConfig(fastRetryConfig(5)),
		WithHeaders(map[string]string{"X-Admin-Key": "k1"}),
	)

	client.OrderCompleted(context.Background(), OrderEvent{
		OrderID:  "order-1",
		Email:    "buyer@example.com",
		Provider: "oxapay",
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("notification never succeeded")
	}

	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}

	// Retries must reuse the same event ID so the consumer can
	// deduplicate.
	first := <-eventIDs
	if first == "" {
		t.Fatal("event ID not populated")
	}
	for i := 0; i < 2; i++ {
		if id := <-eventIDs; id != first {
			t.Fatalf("attempt %d event ID = %q, want %q", i+2, id, first)
		}
	}
}

func TestRetryableClientGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewRetryableClient(srv.URL, WithRetryConfig(fastRetryConfig(2)))
	client.OrderCompleted(context.Background(), OrderEvent{OrderID: "order-2"})

	deadline := time.Now().Add(5 * time.Second)
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// Give a failed extra attempt a moment to show up.
	time.Sleep(50 * time.Millisecond)

	if got := calls.Load(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestEmptyURLDisablesNotifications(t *testing.T) {
	client := NewRetryableClient("")
	if _, ok := client.(NoopNotifier); !ok {
		t.Fatalf("client = %T, want NoopNotifier", client)
	}
}

func TestPrepareOrderEvent(t *testing.T) {
	event := OrderEvent{OrderID: "order-3"}
	PrepareOrderEvent(&event)

	if event.EventID == "" {
		t.Fatal("EventID not generated")
	}
	if event.EventType != "order.completed" {
		t.Fatalf("EventType = %q", event.EventType)
	}
	if event.EventTimestamp.IsZero() {
		t.Fatal("EventTimestamp not set")
	}

	// A pre-set ID survives preparation: retries carry the original.
	again := event
	PrepareOrderEvent(&again)
	if again.EventID != event.EventID {
		t.Fatalf("EventID changed on retry: %q -> %q", event.EventID, again.EventID)
	}
}
