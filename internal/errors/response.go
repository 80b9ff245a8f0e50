package errors

import (
	"net/http"

	"github.com/KeyHarbor/server/pkg/responders"
)

// ErrorResponse is the envelope for every non-2xx JSON body. Webhook
// endpoints whose providers dictate a plaintext contract bypass it.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a machine-readable code next to the human message.
// Retryable tells clients whether backing off and retrying can succeed.
type ErrorDetail struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// NewErrorResponse builds the envelope for code, deriving retryability
// from the code itself.
func NewErrorResponse(code ErrorCode, message string, details map[string]any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorDetail{
			Code:      code,
			Message:   message,
			Retryable: code.IsRetryable(),
			Details:   details,
		},
	}
}

// WriteError writes the envelope with the code's canonical HTTP status.
func WriteError(w http.ResponseWriter, code ErrorCode, message string, details map[string]any) {
	responders.JSON(w, code.HTTPStatus(), NewErrorResponse(code, message, details))
}

// WriteSimpleError writes an error without detail fields.
func WriteSimpleError(w http.ResponseWriter, code ErrorCode, message string) {
	WriteError(w, code, message, nil)
}

// WriteStatusError overrides the canonical status for endpoints whose
// contract pins a different one.
func WriteStatusError(w http.ResponseWriter, status int, code ErrorCode, message string) {
	responders.JSON(w, status, NewErrorResponse(code, message, nil))
}
