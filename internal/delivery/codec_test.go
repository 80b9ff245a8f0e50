package delivery

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/KeyHarbor/server/internal/storage"
)

func newTestCodec(t *testing.T, opts ...Option) (*Codec, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	codec, err := NewCodec([]byte("test-signing-secret"), store, opts...)
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}
	return codec, store
}

func TestCodec_RoundTrip(t *testing.T) {
	codec, _ := newTestCodec(t)
	ctx := context.Background()

	token, claims, err := codec.Issue("order-1", "Buyer@Example.COM")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if claims.Email != "buyer@example.com" {
		t.Errorf("claims.Email = %q, want lower-cased", claims.Email)
	}
	if claims.JTI == "" {
		t.Error("claims.JTI is empty")
	}
	if claims.ExpiresAt != claims.IssuedAt+int64(DefaultTTL.Seconds()) {
		t.Errorf("exp = iat+%d, want iat+%d", claims.ExpiresAt-claims.IssuedAt, int64(DefaultTTL.Seconds()))
	}
	if strings.Count(token, ".") != 1 {
		t.Fatalf("token = %q, want two dot-separated segments", token)
	}

	got, err := codec.Verify(ctx, token, false)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got.OrderID != "order-1" {
		t.Errorf("OrderID = %q, want order-1", got.OrderID)
	}
}

func TestCodec_Verify_FailureModes(t *testing.T) {
	codec, _ := newTestCodec(t)
	ctx := context.Background()

	token, _, err := codec.Issue("order-1", "buyer@example.com")
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.SplitN(token, ".", 2)

	tests := []struct {
		name   string
		token  string
		reason Reason
	}{
		{"no separator", "nodotshere", ReasonInvalidFormat},
		{"empty signature", parts[0] + ".", ReasonInvalidFormat},
		{"empty payload", "." + parts[1], ReasonInvalidFormat},
		{"tampered payload", parts[0] + "x." + parts[1], ReasonInvalidSignature},
		{"tampered signature", parts[0] + "." + flipChar(parts[1]), ReasonInvalidSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Verify(ctx, tt.token, false)
			if got := ReasonOf(err); got != tt.reason {
				t.Errorf("reason = %q, want %q (err=%v)", got, tt.reason, err)
			}
		})
	}
}

func TestCodec_Verify_Expiry(t *testing.T) {
	now := time.Now()
	clock := &fakeClock{t: now}
	codec, _ := newTestCodec(t, WithClock(clock.Now), WithTTL(time.Hour))
	ctx := context.Background()

	token, _, err := codec.Issue("order-1", "buyer@example.com")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := codec.Verify(ctx, token, false); err != nil {
		t.Fatalf("Verify() before expiry error = %v", err)
	}

	clock.t = now.Add(time.Hour + time.Second)
	_, err = codec.Verify(ctx, token, false)
	if ReasonOf(err) != ReasonExpired {
		t.Errorf("Verify() after expiry error = %v, want expired", err)
	}
}

func TestCodec_SingleUse(t *testing.T) {
	codec, _ := newTestCodec(t)
	ctx := context.Background()

	token, _, err := codec.Issue("order-1", "buyer@example.com")
	if err != nil {
		t.Fatal(err)
	}

	// Fresh token passes with and without enforcement.
	if _, err := codec.Verify(ctx, token, true); err != nil {
		t.Fatalf("Verify(enforce) fresh token error = %v", err)
	}

	if err := codec.MarkUsed(ctx, token, "order-1", "203.0.113.4", "agent"); err != nil {
		t.Fatalf("MarkUsed() error = %v", err)
	}

	// Enforced verification now fails with AlreadyUsed.
	_, err = codec.Verify(ctx, token, true)
	if ReasonOf(err) != ReasonAlreadyUsed {
		t.Errorf("Verify(enforce) after use error = %v, want already_used", err)
	}

	// Without enforcement only format/signature/expiry are checked.
	if _, err := codec.Verify(ctx, token, false); err != nil {
		t.Errorf("Verify(no enforce) after use error = %v, want nil", err)
	}

	// MarkUsed is idempotent.
	if err := codec.MarkUsed(ctx, token, "order-1", "203.0.113.5", "agent2"); err != nil {
		t.Errorf("repeated MarkUsed() error = %v", err)
	}
}

func TestCodec_DistinctTokensDistinctUsage(t *testing.T) {
	codec, _ := newTestCodec(t)
	ctx := context.Background()

	tokenA, _, _ := codec.Issue("order-A", "a@example.com")
	tokenB, _, _ := codec.Issue("order-B", "b@example.com")

	if err := codec.MarkUsed(ctx, tokenA, "order-A", "", ""); err != nil {
		t.Fatal(err)
	}

	// Using token A must not burn token B.
	if _, err := codec.Verify(ctx, tokenB, true); err != nil {
		t.Errorf("Verify(tokenB) error = %v, want nil", err)
	}
}

func flipChar(s string) string {
	b := []byte(s)
	if b[0] == 'A' {
		b[0] = 'B'
	} else {
		b[0] = 'A'
	}
	return string(b)
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.t
}
