package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Jackela/impetus/internal/config"
	"github.com/Jackela/impetus/internal/httpkit"
	"github.com/Jackela/impetus/internal/intervention"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicClient generates interventions via the Anthropic Messages API.
type AnthropicClient struct {
	apiKey      string
	model       string
	temperature float64
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewAnthropicClient creates an Anthropic provider. The key is held in
// memory only and never logged.
func NewAnthropicClient(apiKey, model string, temperature float64, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	// Generation can take a while before headers arrive; use a generous
	// response header timeout and rely on ctx for overall control.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 60 * time.Second

	return &AnthropicClient{
		apiKey:      apiKey,
		model:       model,
		temperature: temperature,
		logger:      logger.With("provider", "anthropic"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// Name implements Provider.
func (c *AnthropicClient) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// GenerateIntervention implements Provider.
func (c *AnthropicClient) GenerateIntervention(ctx context.Context, req *intervention.Request) (*intervention.Response, error) {
	body := anthropicRequest{
		Model:       c.model,
		System:      SystemPrompt(req.Mode),
		Messages:    []anthropicMessage{{Role: "user", Content: UserPrompt(req)}},
		MaxTokens:   512,
		Temperature: c.temperature,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("preparing request", "model", c.model, "mode", req.Mode, "context_len", len(req.Context))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicAPIURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 2048)
		c.logger.Warn("anthropic error response", "status", resp.StatusCode)
		return nil, upstreamError("anthropic", resp.StatusCode, errBody)
	}

	var ar anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, &ProviderError{
			Code:     intervention.CodeParseError,
			Message:  "undecodable anthropic response",
			Status:   502,
			Provider: "anthropic",
		}
	}

	var text string
	for _, block := range ar.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	c.logger.Log(ctx, config.LevelTrace, "anthropic response text", "text", text,
		"input_tokens", ar.Usage.InputTokens, "output_tokens", ar.Usage.OutputTokens)

	return ParseAction("anthropic", text, req.Mode)
}
