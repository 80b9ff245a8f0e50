package webhook

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
)

// ErrSignatureInvalid is the single rejection reason for inbound webhooks.
// Missing header, mismatched digest, and missing configured secret all
// collapse into it; the response must never say which one tripped.
var ErrSignatureInvalid = errors.New("webhook: signature invalid")

// Verifier checks provider webhook signatures.
//
// Each provider gets its own independently configured Verifier; verifiers
// share no state. Verification always runs over the exact raw request
// bytes, before any JSON decoding, so re-serialization can never change
// the signed byte sequence.
type Verifier struct {
	provider string
	header   string
	secret   []byte
}

// NewVerifier builds a verifier for one provider scheme.
// header is the HTTP header carrying the hex digest (e.g. "HMAC" or
// "X-Paylix-Signature").
func NewVerifier(provider, header string, secret []byte) *Verifier {
	return &Verifier{provider: provider, header: header, secret: secret}
}

// Provider returns the provider name this verifier is configured for.
func (v *Verifier) Provider() string {
	return v.provider
}

// Header returns the signature header name for this provider.
func (v *Verifier) Header() string {
	return v.header
}

// Verify checks the signature header against hex(HMAC-SHA512(rawBody, secret)).
// A constant-time comparison avoids leaking the expected digest through
// response timing.
func (v *Verifier) Verify(rawBody []byte, signatureHeader string) error {
	if len(v.secret) == 0 || signatureHeader == "" {
		return ErrSignatureInvalid
	}

	sig, err := hex.DecodeString(signatureHeader)
	if err != nil {
		return ErrSignatureInvalid
	}

	mac := hmac.New(sha512.New, v.secret)
	mac.Write(rawBody)
	expected := mac.Sum(nil)

	if !hmac.Equal(sig, expected) {
		return ErrSignatureInvalid
	}
	return nil
}

// Sign computes the hex digest for a body. Exposed for tests and outbound
// tooling that replays provider events against a local server.
func (v *Verifier) Sign(rawBody []byte) string {
	mac := hmac.New(sha512.New, v.secret)
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}
