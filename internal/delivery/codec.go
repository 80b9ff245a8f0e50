package delivery

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/KeyHarbor/server/internal/storage"
)

// DefaultTTL is how long a delivery token stays valid after issuance.
const DefaultTTL = 72 * time.Hour

// Reason is the distinct failure mode of a token verification step.
type Reason string

const (
	ReasonInvalidFormat    Reason = "invalid_format"
	ReasonInvalidSignature Reason = "invalid_signature"
	ReasonExpired          Reason = "expired"
	ReasonAlreadyUsed      Reason = "already_used"
)

// VerificationError carries the failure mode of a rejected token.
type VerificationError struct {
	Reason Reason
}

func (e *VerificationError) Error() string {
	return "delivery: token " + string(e.Reason)
}

// ReasonOf extracts the verification failure mode, or "" for other errors.
func ReasonOf(err error) Reason {
	var verr *VerificationError
	if errors.As(err, &verr) {
		return verr.Reason
	}
	return ""
}

// Claims is the signed token payload. jti exists for entropy and
// traceability only; lookups always use a hash of the full token string.
type Claims struct {
	OrderID   string `json:"orderId"`
	Email     string `json:"email"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	JTI       string `json:"jti"`
}

// AccessLogStore is the slice of the payment store the codec needs for
// single-use enforcement.
type AccessLogStore interface {
	GetAccessLog(ctx context.Context, tokenHash string) (storage.DeliveryAccessLog, error)
	MarkRevealed(ctx context.Context, entry storage.DeliveryAccessLog) error
}

// Codec mints and verifies delivery tokens. The token itself is stateless:
// base64url(payload JSON) + "." + base64url(HMAC-SHA256(payload_b64, secret)).
// Only the single-use check touches the store.
type Codec struct {
	secret []byte
	ttl    time.Duration
	store  AccessLogStore
	now    func() time.Time
}

// Option customizes Codec construction.
type Option func(*Codec)

// WithTTL overrides the default token lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Codec) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock injects a clock, used by expiry tests.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// NewCodec builds a Codec over the given signing secret and access-log store.
func NewCodec(secret []byte, store AccessLogStore, opts ...Option) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New("delivery: signing secret required")
	}
	c := &Codec{
		secret: secret,
		ttl:    DefaultTTL,
		store:  store,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Issue mints a token for the order and buyer email using the codec TTL.
func (c *Codec) Issue(orderID, email string) (string, Claims, error) {
	return c.IssueWithTTL(orderID, email, c.ttl)
}

// IssueWithTTL mints a token with an explicit lifetime.
func (c *Codec) IssueWithTTL(orderID, email string, ttl time.Duration) (string, Claims, error) {
	if orderID == "" {
		return "", Claims{}, errors.New("delivery: orderID required")
	}
	if ttl <= 0 {
		ttl = c.ttl
	}

	now := c.now()
	claims := Claims{
		OrderID:   orderID,
		Email:     strings.ToLower(email),
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
		JTI:       uuid.NewString(),
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", Claims{}, fmt.Errorf("delivery: marshal claims: %w", err)
	}

	payloadB64 := base64.RawURLEncoding.EncodeToString(payload)
	sig := c.sign(payloadB64)
	return payloadB64 + "." + sig, claims, nil
}

// Verify checks a token in order: structure, signature, expiry, and (when
// enforceSingleUse is set) the access log. Each step fails with its own
// VerificationError reason.
//
// Callers that need to match the token against a claimed order first verify
// WITHOUT single-use, compare Claims.OrderID, and only then re-verify with
// enforcement. That keeps a token scoped to order A from being replay
// checked against order B's usage record.
func (c *Codec) Verify(ctx context.Context, token string, enforceSingleUse bool) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Claims{}, &VerificationError{Reason: ReasonInvalidFormat}
	}

	expected := c.sign(parts[0])
	if !hmac.Equal([]byte(expected), []byte(parts[1])) {
		return Claims{}, &VerificationError{Reason: ReasonInvalidSignature}
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, &VerificationError{Reason: ReasonInvalidFormat}
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, &VerificationError{Reason: ReasonInvalidFormat}
	}

	if c.now().Unix() > claims.ExpiresAt {
		return Claims{}, &VerificationError{Reason: ReasonExpired}
	}

	if enforceSingleUse {
		entry, err := c.store.GetAccessLog(ctx, TokenHash(token))
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return Claims{}, fmt.Errorf("delivery: access log lookup: %w", err)
		}
		if err == nil && entry.Revealed {
			return Claims{}, &VerificationError{Reason: ReasonAlreadyUsed}
		}
	}

	return claims, nil
}

// MarkUsed records first use in the access log, keyed by token hash.
// Idempotent upsert: always sets revealed=true, last writer wins on
// metadata (acceptable since revealed only ever moves false->true).
func (c *Codec) MarkUsed(ctx context.Context, token, orderID, ipAddress, userAgent string) error {
	return c.store.MarkRevealed(ctx, storage.DeliveryAccessLog{
		TokenHash:  TokenHash(token),
		OrderID:    orderID,
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
		AccessedAt: c.now(),
	})
}

// TokenHash returns the access-log key for a token: hex(SHA-256(token)).
func TokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// sign computes base64url(HMAC-SHA256(payloadB64, secret)).
func (c *Codec) sign(payloadB64 string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(payloadB64))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
