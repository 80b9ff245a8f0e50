package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KeyHarbor/server/internal/config"
	"github.com/KeyHarbor/server/internal/delivery"
	"github.com/KeyHarbor/server/internal/fulfillment"
	"github.com/KeyHarbor/server/internal/idempotency"
	"github.com/KeyHarbor/server/internal/ratelimit"
	"github.com/KeyHarbor/server/internal/settlement"
	"github.com/KeyHarbor/server/internal/storage"
	"github.com/KeyHarbor/server/internal/webhook"
	"github.com/rs/zerolog"
)

type testServer struct {
	*Server
	store   *storage.MemoryStore
	codec   *delivery.Codec
	oxapay  *webhook.Verifier
	paylix  *webhook.Verifier
	idStore *idempotency.MemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := storage.NewMemoryStore()

	codec, err := delivery.NewCodec([]byte("test-delivery-secret"), store)
	if err != nil {
		t.Fatal(err)
	}
	svc, err := settlement.NewService(settlement.Config{
		Store:           store,
		Codec:           codec,
		Fulfiller:       fulfillment.NewDispatcher(store, zerolog.Nop()),
		DeliveryBaseURL: "https://shop.example.com/delivery",
	})
	if err != nil {
		t.Fatal(err)
	}

	oxapay := webhook.NewVerifier(webhook.ProviderOxaPay, webhook.OxaPayHeader, []byte("oxa-secret"))
	paylix := webhook.NewVerifier(webhook.ProviderPaylix, webhook.PaylixHeader, []byte("paylix-secret"))

	cfg := &config.Config{}
	cfg.Server.Address = ":0"
	cfg.Checkout.IdempotencyTTL = config.Duration{Duration: time.Hour}

	idStore := idempotency.NewMemoryStore(100)
	t.Cleanup(func() { idStore.Close() })

	srv := New(Options{
		Config:     cfg,
		Store:      store,
		Settlement: svc,
		Codec:      codec,
		Verifiers: map[string]*webhook.Verifier{
			webhook.ProviderOxaPay: oxapay,
			webhook.ProviderPaylix: paylix,
		},
		RevealLimiter: ratelimit.NewActionLimiter(ratelimit.NewMemoryTTLStore(), map[string]ratelimit.Limit{
			"reveal": {Max: 20, Window: time.Minute},
		}),
		IdempotencyStore: idStore,
		Logger:           zerolog.Nop(),
	})

	return &testServer{Server: srv, store: store, codec: codec, oxapay: oxapay, paylix: paylix, idStore: idStore}
}

func (ts *testServer) seedOrder(t *testing.T, orderID, trackID string) {
	t.Helper()
	ctx := context.Background()
	if err := ts.store.CreateOrder(ctx, storage.Order{
		ID: orderID, ReadableID: "KH-" + orderID, Email: "buyer@example.com",
		ProductID: "prod-1", Total: 2500, Currency: "USD",
	}); err != nil {
		t.Fatal(err)
	}
	if err := ts.store.CreatePayment(ctx, storage.Payment{
		ID: "pay-" + orderID, OrderID: orderID, Provider: "oxapay",
		Amount: 2500, Currency: "USD", TrackID: trackID,
	}); err != nil {
		t.Fatal(err)
	}
	if err := ts.store.AddAssets(ctx, []storage.Asset{
		{ID: "asset-" + orderID, ProductID: "prod-1", Secret: "LICENSE-" + orderID},
	}); err != nil {
		t.Fatal(err)
	}
}

func (ts *testServer) do(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	ts.Handler().ServeHTTP(rec, req)
	return rec
}

func TestOxaPayWebhook(t *testing.T) {
	ts := newTestServer(t)
	ts.seedOrder(t, "O1", "T1")

	body := []byte(`{"order_id":"O1","status":"paid","trackId":"T1"}`)

	t.Run("missing signature", func(t *testing.T) {
		rec := ts.do(http.MethodPost, "/webhook/oxapay", body, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("wrong signature", func(t *testing.T) {
		rec := ts.do(http.MethodPost, "/webhook/oxapay", body, map[string]string{
			webhook.OxaPayHeader: ts.paylix.Sign(body), // other provider's secret
		})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("valid paid webhook settles", func(t *testing.T) {
		rec := ts.do(http.MethodPost, "/webhook/oxapay", body, map[string]string{
			webhook.OxaPayHeader: ts.oxapay.Sign(body),
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
		}
		if rec.Body.String() != "ok" {
			t.Errorf("body = %q, want plaintext ok", rec.Body.String())
		}

		payment, err := ts.store.GetPaymentByTrackID(context.Background(), "T1")
		if err != nil {
			t.Fatal(err)
		}
		if payment.Status != storage.PaymentCompleted {
			t.Errorf("payment status = %s, want completed", payment.Status)
		}
		order, _ := ts.store.GetOrder(context.Background(), "O1")
		if order.Status != storage.OrderPaid || order.DeliveryURL == "" {
			t.Errorf("order = %s url=%q, want paid with delivery url", order.Status, order.DeliveryURL)
		}
	})

	t.Run("duplicate webhook still acks", func(t *testing.T) {
		rec := ts.do(http.MethodPost, "/webhook/oxapay", body, map[string]string{
			webhook.OxaPayHeader: ts.oxapay.Sign(body),
		})
		if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
			t.Fatalf("duplicate: status = %d body = %q", rec.Code, rec.Body.String())
		}
		// One transaction row per delivery attempt.
		rows, _ := ts.store.ListPaymentTransactions(context.Background(), "pay-O1")
		if len(rows) != 2 {
			t.Errorf("transaction rows = %d, want 2", len(rows))
		}
	})

	t.Run("unknown payment acks and drops", func(t *testing.T) {
		unknown := []byte(`{"order_id":"O9","status":"paid","trackId":"T-missing"}`)
		rec := ts.do(http.MethodPost, "/webhook/oxapay", unknown, map[string]string{
			webhook.OxaPayHeader: ts.oxapay.Sign(unknown),
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		bad := []byte(`{"order_id":"O1","status":"paid","trackId":"T1","injected":"x"}`)
		rec := ts.do(http.MethodPost, "/webhook/oxapay", bad, map[string]string{
			webhook.OxaPayHeader: ts.oxapay.Sign(bad),
		})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})
}

func TestPaylixWebhook(t *testing.T) {
	ts := newTestServer(t)
	ts.seedOrder(t, "O2", "U-77")

	body := []byte(`{"status":"COMPLETED","uniqid":"U-77"}`)

	t.Run("bad signature", func(t *testing.T) {
		rec := ts.do(http.MethodPost, "/webhook/paylix", body, map[string]string{
			webhook.PaylixHeader: "deadbeef",
		})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "error") {
			t.Errorf("body = %s, want JSON error", rec.Body.String())
		}
	})

	t.Run("valid completed webhook", func(t *testing.T) {
		rec := ts.do(http.MethodPost, "/webhook/paylix", body, map[string]string{
			webhook.PaylixHeader:      ts.paylix.Sign(body),
			webhook.PaylixEventHeader: "payment.completed",
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body)
		}
		var resp map[string]bool
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || !resp["success"] {
			t.Errorf("body = %s, want {success:true}", rec.Body)
		}

		payment, _ := ts.store.GetPaymentByTrackID(context.Background(), "U-77")
		if payment.Status != storage.PaymentCompleted {
			t.Errorf("payment status = %s", payment.Status)
		}
	})

	t.Run("unknown payment is 404", func(t *testing.T) {
		unknown := []byte(`{"status":"COMPLETED","uniqid":"U-none"}`)
		rec := ts.do(http.MethodPost, "/webhook/paylix", unknown, map[string]string{
			webhook.PaylixHeader: ts.paylix.Sign(unknown),
		})
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("late failure after completion acks", func(t *testing.T) {
		failed := []byte(`{"status":"FAILED","uniqid":"U-77"}`)
		rec := ts.do(http.MethodPost, "/webhook/paylix", failed, map[string]string{
			webhook.PaylixHeader: ts.paylix.Sign(failed),
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		payment, _ := ts.store.GetPaymentByTrackID(context.Background(), "U-77")
		if payment.Status != storage.PaymentCompleted {
			t.Errorf("late failure moved status to %s", payment.Status)
		}
	})
}

func settleOrder(t *testing.T, ts *testServer, trackID string) string {
	t.Helper()
	body := []byte(fmt.Sprintf(`{"order_id":"x","status":"paid","trackId":"%s"}`, trackID))
	rec := ts.do(http.MethodPost, "/webhook/oxapay", body, map[string]string{
		webhook.OxaPayHeader: ts.oxapay.Sign(body),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("settle webhook status = %d", rec.Code)
	}
	payment, err := ts.store.GetPaymentByTrackID(context.Background(), trackID)
	if err != nil {
		t.Fatal(err)
	}
	order, err := ts.store.GetOrder(context.Background(), payment.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	// Pull the token out of the persisted delivery URL.
	idx := strings.Index(order.DeliveryURL, "token=")
	if idx < 0 {
		t.Fatalf("no token in delivery url %q", order.DeliveryURL)
	}
	return order.DeliveryURL[idx+len("token="):]
}

func TestRevealEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.seedOrder(t, "O3", "T3")
	token := settleOrder(t, ts, "T3")

	revealBody := func(tok, orderID string) []byte {
		raw, _ := json.Marshal(map[string]string{"token": tok, "orderId": orderID})
		return raw
	}

	t.Run("missing fields", func(t *testing.T) {
		rec := ts.do(http.MethodPost, "/delivery/reveal", []byte(`{"token":""}`), nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		rec := ts.do(http.MethodPost, "/delivery/reveal", revealBody("not-a-token", "O3"), nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("wrong order", func(t *testing.T) {
		rec := ts.do(http.MethodPost, "/delivery/reveal", revealBody(token, "other-order"), nil)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", rec.Code)
		}
		if strings.Contains(rec.Body.String(), "other-order") {
			t.Error("response echoes the claimed order id")
		}
	})

	t.Run("successful reveal", func(t *testing.T) {
		rec := ts.do(http.MethodPost, "/delivery/reveal", revealBody(token, "O3"), nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body)
		}
		var resp revealResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if !resp.Success || resp.Secret != "LICENSE-O3" {
			t.Errorf("resp = %+v", resp)
		}
	})

	t.Run("second reveal denied", func(t *testing.T) {
		rec := ts.do(http.MethodPost, "/delivery/reveal", revealBody(token, "O3"), nil)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", rec.Code)
		}
		if strings.Contains(strings.ToLower(rec.Body.String()), "used") {
			t.Error("response reveals that the token was already used")
		}
	})

	t.Run("tampered token", func(t *testing.T) {
		tampered := token[:len(token)-2] + "zz"
		rec := ts.do(http.MethodPost, "/delivery/reveal", revealBody(tampered, "O3"), nil)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", rec.Code)
		}
	})
}

func TestCheckoutEndpoint(t *testing.T) {
	ts := newTestServer(t)
	if err := ts.store.AddAssets(context.Background(), []storage.Asset{
		{ID: "a1", ProductID: "prod-9", Secret: "KEY-9"},
	}); err != nil {
		t.Fatal(err)
	}

	body := []byte(`{"email":"Buyer@Example.com","productId":"prod-9","provider":"oxapay","amount":"12.50","currency":"USD"}`)

	t.Run("creates pending order and payment", func(t *testing.T) {
		rec := ts.do(http.MethodPost, "/checkout", body, nil)
		if rec.Code != http.StatusCreated {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body)
		}
		var resp checkoutResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.TrackID == "" || resp.Status != "pending" {
			t.Errorf("resp = %+v", resp)
		}
		if resp.Amount != "12.50" {
			t.Errorf("amount = %q, want 12.50", resp.Amount)
		}

		order, err := ts.store.GetOrder(context.Background(), resp.OrderID)
		if err != nil {
			t.Fatal(err)
		}
		if order.Email != "buyer@example.com" {
			t.Errorf("email = %q, want lowercased", order.Email)
		}
		if order.Total != 1250 {
			t.Errorf("total = %d atomic units, want 1250", order.Total)
		}
	})

	t.Run("idempotency key replays response", func(t *testing.T) {
		headers := map[string]string{"Idempotency-Key": "retry-1", "Content-Type": "application/json"}
		first := ts.do(http.MethodPost, "/checkout", body, headers)
		second := ts.do(http.MethodPost, "/checkout", body, headers)
		if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
			t.Fatalf("statuses = %d/%d", first.Code, second.Code)
		}
		if first.Body.String() != second.Body.String() {
			t.Error("replayed response differs from original")
		}
		if second.Header().Get("X-Idempotency-Replay") != "true" {
			t.Error("missing replay marker")
		}
	})

	t.Run("rejections", func(t *testing.T) {
		tests := []struct {
			name string
			body string
			want int
		}{
			{"bad email", `{"email":"nope","productId":"prod-9","provider":"oxapay","amount":"1.00","currency":"USD"}`, http.StatusBadRequest},
			{"unknown provider", `{"email":"a@b.c","productId":"prod-9","provider":"stripe","amount":"1.00","currency":"USD"}`, http.StatusBadRequest},
			{"zero amount", `{"email":"a@b.c","productId":"prod-9","provider":"oxapay","amount":"0","currency":"USD"}`, http.StatusBadRequest},
			{"float amount", `{"email":"a@b.c","productId":"prod-9","provider":"oxapay","amount":1.5,"currency":"USD"}`, http.StatusBadRequest},
			{"malformed amount", `{"email":"a@b.c","productId":"prod-9","provider":"oxapay","amount":"1.2.3","currency":"USD"}`, http.StatusBadRequest},
			{"unknown currency", `{"email":"a@b.c","productId":"prod-9","provider":"oxapay","amount":"1.00","currency":"DOGE"}`, http.StatusBadRequest},
			{"unknown field", `{"email":"a@b.c","productId":"prod-9","provider":"oxapay","amount":"1.00","currency":"USD","admin":true}`, http.StatusBadRequest},
			{"out of stock", `{"email":"a@b.c","productId":"prod-empty","provider":"oxapay","amount":"1.00","currency":"USD"}`, http.StatusConflict},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rec := ts.do(http.MethodPost, "/checkout", []byte(tt.body), nil)
				if rec.Code != tt.want {
					t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body)
				}
			})
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %v", resp["status"])
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
}
