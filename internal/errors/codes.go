package errors

// ErrorCode represents a machine-readable error identifier for frontend error handling.
type ErrorCode string

// Webhook / signature verification errors
const (
	// Inbound webhook failed HMAC verification (missing header, mismatched
	// digest, or no secret configured). The payload is never processed and
	// the response body never says which of the three it was.
	ErrCodeSignatureInvalid ErrorCode = "signature_invalid"

	ErrCodeUnknownProvider ErrorCode = "unknown_provider"
	ErrCodeMalformedEvent  ErrorCode = "malformed_event"
)

// Settlement errors. Duplicate completion signals are not in this list:
// they are acknowledged with a success response, never an error.
const (
	ErrCodePaymentNotFound   ErrorCode = "payment_not_found"
	ErrCodeOrderNotFound     ErrorCode = "order_not_found"
	ErrCodeInvalidTransition ErrorCode = "invalid_transition"
)

// Delivery token errors
const (
	ErrCodeTokenInvalidFormat    ErrorCode = "token_invalid_format"
	ErrCodeTokenInvalidSignature ErrorCode = "token_invalid_signature"
	ErrCodeTokenExpired          ErrorCode = "token_expired"
	ErrCodeTokenAlreadyUsed      ErrorCode = "token_already_used"
	ErrCodeOrderMismatch         ErrorCode = "order_mismatch"
)

// Reconciliation errors
const (
	// On-chain amount arrived below the tolerance band; payment stays
	// non-terminal pending manual review or top-up.
	ErrCodeUnderpaid ErrorCode = "underpaid"

	ErrCodeExplorerError ErrorCode = "explorer_error"
)

// Validation errors (request input validation)
const (
	ErrCodeMissingField ErrorCode = "missing_field"
	ErrCodeInvalidField ErrorCode = "invalid_field"
)

// Resource/state errors
const (
	ErrCodeAssetUnavailable  ErrorCode = "asset_unavailable"
	ErrCodeRateLimitExceeded ErrorCode = "rate_limit_exceeded"
)

// Internal/system errors
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeDatabaseError ErrorCode = "database_error"
)

// IsRetryable returns whether an error code represents a retryable error.
// Retryable errors are typically transient network/service issues, not validation failures.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeExplorerError,
		ErrCodeDatabaseError,
		ErrCodeInternalError:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - client validation errors
	case ErrCodeMalformedEvent,
		ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeTokenInvalidFormat,
		ErrCodeInvalidTransition:
		return 400

	// 401 Unauthorized - webhook signature rejection
	case ErrCodeSignatureInvalid:
		return 401

	// 402 Payment Required - settlement blocked on funds
	case ErrCodeUnderpaid:
		return 402

	// 403 Forbidden - token verification failures on the reveal path
	case ErrCodeTokenInvalidSignature,
		ErrCodeTokenExpired,
		ErrCodeTokenAlreadyUsed,
		ErrCodeOrderMismatch:
		return 403

	// 404 Not Found
	case ErrCodePaymentNotFound,
		ErrCodeOrderNotFound,
		ErrCodeUnknownProvider:
		return 404

	// 409 Conflict - stock exhausted for the purchased asset
	case ErrCodeAssetUnavailable:
		return 409

	// 429 Too Many Requests
	case ErrCodeRateLimitExceeded:
		return 429

	// 502 Bad Gateway - external service errors
	case ErrCodeExplorerError:
		return 502

	// 500 Internal Server Error
	default:
		return 500
	}
}
