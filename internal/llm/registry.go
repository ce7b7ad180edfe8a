package llm

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/Jackela/impetus/internal/config"
	"github.com/Jackela/impetus/internal/intervention"
)

// Override carries per-request BYOK credentials parsed from the
// X-LLM-* headers. Lifetime is one request; the key is never persisted,
// cached, or logged.
type Override struct {
	Provider string
	Model    string
	APIKey   string
}

// Empty reports whether the override carries nothing.
func (o *Override) Empty() bool {
	return o == nil || (o.Provider == "" && o.Model == "" && o.APIKey == "")
}

var modelFallbacks = map[string]string{
	"openai":    "gpt-4o-mini",
	"anthropic": "claude-3-5-haiku-latest",
	"debug":     "debug-model",
}

var temperatureFallbacks = map[string]float64{
	"openai":    0.9,
	"anthropic": 0.8,
	"debug":     0.0,
}

// Registry resolves a Provider per request from server defaults or a
// caller override. It is constructed once at startup and injected into
// handlers; default-config instances are cached, BYOK instances never are.
type Registry struct {
	cfg    config.LLMConfig
	logger *slog.Logger

	mu       sync.Mutex
	defaults map[string]Provider
}

// NewRegistry creates a registry from server configuration.
func NewRegistry(cfg config.LLMConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "openai"
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		defaults: make(map[string]Provider),
	}
}

// Resolve returns the provider for a request. The override, when
// non-empty, selects the vendor and may supply a model and key. Errors:
// unsupported_provider (422) for vendors outside the allowlist,
// llm_not_configured (503) when neither a server key nor a BYOK key is
// available.
func (r *Registry) Resolve(o *Override) (Provider, error) {
	name := r.cfg.DefaultProvider
	if o != nil && o.Provider != "" {
		name = o.Provider
	}
	name = strings.ToLower(strings.TrimSpace(name))

	if !r.allowed(name) {
		return nil, &ProviderError{
			Code:     intervention.CodeUnsupportedProvider,
			Message:  "unsupported provider: " + name,
			Status:   422,
			Provider: name,
		}
	}

	if name == "debug" {
		return NewDebugProvider(), nil
	}

	defaultCfg, hasDefault := r.cfg.Providers[name]

	model := ""
	if o != nil {
		model = strings.TrimSpace(o.Model)
	}
	if model == "" && hasDefault {
		model = defaultCfg.Model
	}
	if model == "" {
		model = modelFallbacks[name]
	}

	temperature := temperatureFallbacks[name]
	if hasDefault && defaultCfg.Temperature != 0 {
		temperature = defaultCfg.Temperature
	}

	// BYOK path: build a request-scoped instance around the caller's key.
	if o != nil && strings.TrimSpace(o.APIKey) != "" {
		return r.build(name, strings.TrimSpace(o.APIKey), model, temperature), nil
	}

	if !hasDefault || strings.TrimSpace(defaultCfg.APIKey) == "" {
		return nil, &ProviderError{
			Code:     intervention.CodeLLMNotConfigured,
			Message:  "server-side LLM key missing; provide BYOK credentials",
			Status:   503,
			Provider: name,
		}
	}

	// Default path: cache one instance per vendor+model.
	cacheKey := name + "/" + model
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.defaults[cacheKey]; ok {
		return p, nil
	}
	p := r.build(name, defaultCfg.APIKey, model, temperature)
	r.defaults[cacheKey] = p
	return p, nil
}

func (r *Registry) build(name, apiKey, model string, temperature float64) Provider {
	switch name {
	case "anthropic":
		return NewAnthropicClient(apiKey, model, temperature, r.logger)
	default:
		return NewOpenAIClient(apiKey, model, temperature, r.logger)
	}
}

func (r *Registry) allowed(name string) bool {
	switch name {
	case "openai", "anthropic":
		return true
	case "debug":
		return r.cfg.AllowDebug
	}
	return false
}
