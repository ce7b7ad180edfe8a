package llm

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/Jackela/impetus/internal/config"
	"github.com/Jackela/impetus/internal/intervention"
)

func testRegistry(t *testing.T, cfg config.LLMConfig) *Registry {
	t.Helper()
	return NewRegistry(cfg, slog.Default())
}

func providerErr(t *testing.T, err error) *ProviderError {
	t.Helper()
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("error type = %T, want *ProviderError (%v)", err, err)
	}
	return pe
}

func TestResolveDefault(t *testing.T) {
	r := testRegistry(t, config.LLMConfig{
		DefaultProvider: "anthropic",
		Providers: map[string]config.ProviderConfig{
			"anthropic": {APIKey: "sk-ant-test", Model: "claude-3-5-haiku-latest"},
		},
	})

	p, err := r.Resolve(nil)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if p.Name() != "anthropic" {
		t.Errorf("Name() = %q, want anthropic", p.Name())
	}

	// Default instances are cached.
	p2, err := r.Resolve(nil)
	if err != nil {
		t.Fatalf("second Resolve() error: %v", err)
	}
	if p != p2 {
		t.Error("default provider not cached across requests")
	}
}

func TestResolveBYOKNotCached(t *testing.T) {
	r := testRegistry(t, config.LLMConfig{DefaultProvider: "openai"})

	o := &Override{Provider: "openai", APIKey: "sk-byok"}
	p1, err := r.Resolve(o)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	p2, err := r.Resolve(o)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if p1 == p2 {
		t.Error("BYOK instances must be request-scoped, not cached")
	}
}

func TestResolveUnsupported(t *testing.T) {
	r := testRegistry(t, config.LLMConfig{DefaultProvider: "openai"})

	_, err := r.Resolve(&Override{Provider: "cohere"})
	pe := providerErr(t, err)
	if pe.Code != intervention.CodeUnsupportedProvider {
		t.Errorf("Code = %q, want unsupported_provider", pe.Code)
	}
	if pe.Status != 422 {
		t.Errorf("Status = %d, want 422", pe.Status)
	}
}

func TestResolveDebugGated(t *testing.T) {
	r := testRegistry(t, config.LLMConfig{DefaultProvider: "openai"})
	if _, err := r.Resolve(&Override{Provider: "debug"}); err == nil {
		t.Error("debug provider resolved without allow_debug")
	}

	r = testRegistry(t, config.LLMConfig{DefaultProvider: "openai", AllowDebug: true})
	p, err := r.Resolve(&Override{Provider: "debug"})
	if err != nil {
		t.Fatalf("Resolve(debug) error: %v", err)
	}
	if p.Name() != "debug" {
		t.Errorf("Name() = %q, want debug", p.Name())
	}
}

func TestResolveNotConfigured(t *testing.T) {
	r := testRegistry(t, config.LLMConfig{DefaultProvider: "openai"})

	_, err := r.Resolve(nil)
	pe := providerErr(t, err)
	if pe.Code != intervention.CodeLLMNotConfigured {
		t.Errorf("Code = %q, want llm_not_configured", pe.Code)
	}
	if pe.Status != 503 {
		t.Errorf("Status = %d, want 503", pe.Status)
	}
}

func TestResolveModelOverride(t *testing.T) {
	r := testRegistry(t, config.LLMConfig{
		DefaultProvider: "openai",
		Providers: map[string]config.ProviderConfig{
			"openai": {APIKey: "sk-test", Model: "gpt-4o-mini"},
		},
	})

	p, err := r.Resolve(&Override{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	oc, ok := p.(*OpenAIClient)
	if !ok {
		t.Fatalf("provider type = %T, want *OpenAIClient", p)
	}
	if oc.model != "gpt-4o" {
		t.Errorf("model = %q, want override gpt-4o", oc.model)
	}
}
