// Package config handles Impetus configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/impetus/config.yaml, /etc/impetus/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "impetus", "config.yaml"))
	}

	paths = append(paths, "/etc/impetus/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Impetus server configuration.
type Config struct {
	Listen      ListenConfig      `yaml:"listen"`
	LLM         LLMConfig         `yaml:"llm"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Persistence PersistenceConfig `yaml:"persistence"`
	DataDir     string            `yaml:"data_dir"`
	LogLevel    string            `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// LLMConfig defines server-side provider defaults. Per-request BYOK
// headers override these; header-supplied keys are never persisted.
type LLMConfig struct {
	// DefaultProvider is used when a request carries no X-LLM-Provider
	// header. One of: openai, anthropic, debug.
	DefaultProvider string `yaml:"default_provider"`
	// AllowDebug enables the deterministic debug provider. Off by
	// default; only enable for local development and tests.
	AllowDebug bool                      `yaml:"allow_debug"`
	Providers  map[string]ProviderConfig `yaml:"providers"`
}

// ProviderConfig defines credentials and model selection for one vendor.
type ProviderConfig struct {
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
}

// IdempotencyConfig defines the response deduplication cache.
type IdempotencyConfig struct {
	// TTLSeconds is how long a cached response is returned for a
	// repeated Idempotency-Key. Default 15.
	TTLSeconds int `yaml:"ttl_seconds"`
}

// PersistenceConfig defines optional task/action storage. When disabled,
// the intervention endpoint still works; action history is simply not
// recorded.
type PersistenceConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path is the SQLite database file. Empty means data_dir/impetus.db.
	Path string `yaml:"path"`
}

// Default returns a config with sensible defaults for local development.
func Default() *Config {
	return &Config{
		Listen:      ListenConfig{Address: "", Port: 8000},
		LLM:         LLMConfig{DefaultProvider: "openai"},
		Idempotency: IdempotencyConfig{TTLSeconds: 15},
		Persistence: PersistenceConfig{Enabled: true},
		DataDir:     "./data",
		LogLevel:    "info",
	}
}

// Load reads and parses a config file. Values may reference environment
// variables with $VAR or ${VAR} syntax (e.g. api_key: ${OPENAI_API_KEY}),
// expanded at load time so secrets stay out of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Idempotency.TTLSeconds <= 0 {
		cfg.Idempotency.TTLSeconds = 15
	}
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = 8000
	}

	return cfg, nil
}

// DatabasePath resolves the SQLite file path for task persistence.
func (c *Config) DatabasePath() string {
	if c.Persistence.Path != "" {
		return c.Persistence.Path
	}
	return filepath.Join(c.DataDir, "impetus.db")
}
