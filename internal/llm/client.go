// Package llm provides LLM provider clients for intervention generation.
package llm

import (
	"context"
	"fmt"

	"github.com/Jackela/impetus/internal/intervention"
)

// Provider is the interface all LLM vendors implement. A provider turns
// writing context plus a mode into a structured intervention action.
// ActionID and IssuedAt are filled by the service layer, not here.
type Provider interface {
	// GenerateIntervention runs the mode-specific prompt against the
	// vendor API and parses the structured result.
	GenerateIntervention(ctx context.Context, req *intervention.Request) (*intervention.Response, error)

	// Name returns the vendor identifier (e.g. "anthropic").
	Name() string
}

// ProviderError is an expected provider or configuration failure with a
// stable code from the intervention package and an HTTP-equivalent
// status. The provider field identifies the vendor; API keys are never
// included.
type ProviderError struct {
	Code     string
	Message  string
	Status   int
	Provider string
}

func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Provider)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// upstreamError maps a vendor HTTP status to a ProviderError. Quota and
// rate-limit responses map to quota_exceeded so the API layer can answer
// 402; everything else is an internal upstream failure.
func upstreamError(provider string, status int, body string) *ProviderError {
	switch status {
	case 402, 429:
		return &ProviderError{
			Code:     intervention.CodeQuotaExceeded,
			Message:  "provider quota or rate limit exceeded",
			Status:   402,
			Provider: provider,
		}
	case 401, 403:
		return &ProviderError{
			Code:     intervention.CodeLLMNotConfigured,
			Message:  "provider rejected credentials",
			Status:   503,
			Provider: provider,
		}
	}
	return &ProviderError{
		Code:     intervention.CodeInternal,
		Message:  fmt.Sprintf("provider returned %d: %s", status, truncate(body, 200)),
		Status:   502,
		Provider: provider,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
