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

const openaiAPIURL = "https://api.openai.com/v1/chat/completions"

// OpenAIClient generates interventions via the OpenAI Chat Completions
// API with JSON-object response format.
type OpenAIClient struct {
	apiKey      string
	model       string
	temperature float64
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewOpenAIClient creates an OpenAI provider. The key is held in memory
// only and never logged.
func NewOpenAIClient(apiKey, model string, temperature float64, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 60 * time.Second

	return &OpenAIClient{
		apiKey:      apiKey,
		model:       model,
		temperature: temperature,
		logger:      logger.With("provider", "openai"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// Name implements Provider.
func (c *OpenAIClient) Name() string { return "openai" }

type openaiRequest struct {
	Model          string          `json:"model"`
	Messages       []openaiMessage `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *openaiFormat   `json:"response_format,omitempty"`
}

type openaiFormat struct {
	Type string `json:"type"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// GenerateIntervention implements Provider.
func (c *OpenAIClient) GenerateIntervention(ctx context.Context, req *intervention.Request) (*intervention.Response, error) {
	body := openaiRequest{
		Model: c.model,
		Messages: []openaiMessage{
			{Role: "system", Content: SystemPrompt(req.Mode)},
			{Role: "user", Content: UserPrompt(req)},
		},
		Temperature:    c.temperature,
		MaxTokens:      512,
		ResponseFormat: &openaiFormat{Type: "json_object"},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("preparing request", "model", c.model, "mode", req.Mode, "context_len", len(req.Context))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, openaiAPIURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 2048)
		c.logger.Warn("openai error response", "status", resp.StatusCode)
		return nil, upstreamError("openai", resp.StatusCode, errBody)
	}

	var or openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		return nil, &ProviderError{
			Code:     intervention.CodeParseError,
			Message:  "undecodable openai response",
			Status:   502,
			Provider: "openai",
		}
	}
	if len(or.Choices) == 0 {
		return nil, &ProviderError{
			Code:     intervention.CodeParseError,
			Message:  "openai response has no choices",
			Status:   502,
			Provider: "openai",
		}
	}

	text := or.Choices[0].Message.Content
	c.logger.Log(ctx, config.LevelTrace, "openai response text", "text", text,
		"prompt_tokens", or.Usage.PromptTokens, "completion_tokens", or.Usage.CompletionTokens)

	return ParseAction("openai", text, req.Mode)
}
