package intervention

import "fmt"

// Stable machine-readable error codes shared by client and server.
// These appear in the "error" field of HTTP error bodies and in
// APIError.Code on the client side.
const (
	CodeInvalidRequest          = "invalid_request"
	CodeContractVersionMismatch = "contract_version_mismatch"
	CodeUnsupportedProvider     = "unsupported_provider"
	CodeQuotaExceeded           = "quota_exceeded"
	CodeLLMNotConfigured        = "llm_not_configured"
	CodeParseError              = "parse_error"
	CodeVersionConflict         = "version_conflict"
	CodeNotFound                = "not_found"
	CodeInternal                = "internal_error"
)

// APIError is a structured error crossing the wire contract. Status is
// the HTTP status, Code one of the Code* constants, Details optional
// structured context (e.g. the server's contract version). Details never
// contain secrets.
type APIError struct {
	Status  int            `json:"-"`
	Code    string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// Retryable reports whether a client may retry the request after a
// delay. Transient server failures and quota exhaustion qualify;
// contract, validation, and configuration errors do not.
func (e *APIError) Retryable() bool {
	switch e.Code {
	case CodeQuotaExceeded:
		return true
	}
	return e.Status >= 500 && e.Code != CodeLLMNotConfigured
}
