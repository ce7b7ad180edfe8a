// Package client implements the intervention API client used by the
// editor core: idempotent generation calls with bounded retries, task
// load/save with version conflict surfacing, and a health probe.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Jackela/impetus/internal/contract"
	"github.com/Jackela/impetus/internal/httpkit"
	"github.com/Jackela/impetus/internal/intervention"
	"github.com/Jackela/impetus/internal/taskstore"
)

// Sentinel errors surfaced to the editor layer.
var (
	// ErrVersionConflict means a task save raced another writer. The
	// caller must re-fetch and reconcile, never blind-retry the save.
	ErrVersionConflict = errors.New("task version conflict")

	// ErrNotFound means the referenced task does not exist on the server.
	ErrNotFound = errors.New("task not found")

	// ErrMalformedResponse means the server answered 2xx but the body did
	// not decode into a valid action. Never retried: the action may have
	// been generated and cached server-side.
	ErrMalformedResponse = errors.New("malformed intervention response")
)

const maxErrorBody = 8 * 1024

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithProviderOverride configures bring-your-own-key headers sent on
// every generation request. The key travels only in request headers,
// never in logs.
func WithProviderOverride(provider, model, apiKey string) Option {
	return func(c *Client) {
		c.override = &providerOverride{provider: provider, model: model, apiKey: apiKey}
	}
}

// WithRetry bounds the retry schedule: attempts is the total number of
// tries, baseDelay doubles per retry up to maxDelay.
func WithRetry(attempts int, baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.maxAttempts = attempts
		c.baseDelay = baseDelay
		c.maxDelay = maxDelay
	}
}

// WithSleep injects the inter-retry wait for deterministic tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// WithKeyFunc injects the idempotency key generator.
func WithKeyFunc(f func() string) Option {
	return func(c *Client) { c.newKey = f }
}

type providerOverride struct {
	provider string
	model    string
	apiKey   string
}

// Client talks to an impetusd server.
type Client struct {
	baseURL  string
	http     *http.Client
	logger   *slog.Logger
	override *providerOverride

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	newKey      func() string
}

// New creates a Client for the server at baseURL (no trailing slash
// required).
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     baseURL,
		logger:      slog.Default(),
		maxAttempts: 3,
		baseDelay:   500 * time.Millisecond,
		maxDelay:    5 * time.Second,
		newKey:      func() string { return uuid.New().String() },
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		c.http = httpkit.NewClient(httpkit.WithTimeout(120 * time.Second))
	}
	return c
}

// CallOption adjusts a single Generate call.
type CallOption func(*callConfig)

type callConfig struct {
	idempotencyKey string
	taskID         string
}

// WithIdempotencyKey pins the idempotency key instead of minting a
// fresh one. Two calls with the same key within the server TTL return
// the same action.
func WithIdempotencyKey(key string) CallOption {
	return func(c *callConfig) { c.idempotencyKey = key }
}

// WithTaskID links the generated action to a persisted task's history.
func WithTaskID(id string) CallOption {
	return func(c *callConfig) { c.taskID = id }
}

// Generate requests an intervention. A fresh idempotency key is minted
// per call; retries of the same call reuse it, so network-level
// duplicates collapse to one action server-side. Retries apply only to
// transport errors and retryable server statuses, never to 4xx or a
// cancelled context.
func (c *Client) Generate(ctx context.Context, req *intervention.Request, opts ...CallOption) (*intervention.Response, error) {
	cfg := &callConfig{idempotencyKey: c.newKey()}
	for _, o := range opts {
		o(cfg)
	}

	if err := req.Validate(); err != nil {
		return nil, &intervention.APIError{
			Status:  422,
			Code:    intervention.CodeInvalidRequest,
			Message: err.Error(),
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := c.baseURL + "/api/v1/impetus/generate-intervention"
	if cfg.taskID != "" {
		url += "?task_id=" + cfg.taskID
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			c.logger.Debug("retrying intervention request",
				"attempt", attempt+1, "delay", delay)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		resp, retryable, err := c.generateOnce(ctx, url, body, cfg.idempotencyKey)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) generateOnce(ctx context.Context, url string, body []byte, idemKey string) (*intervention.Response, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(contract.HeaderIdempotencyKey, idemKey)
	httpReq.Header.Set(contract.HeaderContractVersion, contract.Version)
	if c.override != nil {
		httpReq.Header.Set(contract.HeaderLLMProvider, c.override.provider)
		if c.override.model != "" {
			httpReq.Header.Set(contract.HeaderLLMModel, c.override.model)
		}
		if c.override.apiKey != "" {
			httpReq.Header.Set(contract.HeaderLLMAPIKey, c.override.apiKey)
		}
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		// Transport-level failure: the request may or may not have
		// reached the server, which is exactly what the idempotency key
		// protects against on retry.
		return nil, true, fmt.Errorf("intervention request: %w", err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, maxErrorBody)

	if sv := httpResp.Header.Get(contract.HeaderContractVersion); sv != "" && sv != contract.Version {
		c.logger.Debug("server speaks different contract revision", "server_version", sv)
	}

	if httpResp.StatusCode != http.StatusOK {
		apiErr := decodeAPIError(httpResp)
		return nil, apiErr.Retryable(), apiErr
	}

	var action intervention.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&action); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := action.Validate(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return &action, false, nil
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.baseDelay << (attempt - 1)
	if d > c.maxDelay {
		d = c.maxDelay
	}
	return d
}

// decodeAPIError turns a non-200 response into an *intervention.APIError,
// falling back to a generic error when the body is not the structured
// shape (e.g. a proxy in the path).
func decodeAPIError(resp *http.Response) *intervention.APIError {
	var apiErr intervention.APIError
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Code == "" {
		return &intervention.APIError{
			Status:  resp.StatusCode,
			Code:    intervention.CodeInternal,
			Message: fmt.Sprintf("unexpected status %d", resp.StatusCode),
		}
	}
	apiErr.Status = resp.StatusCode
	return &apiErr
}

// Health probes the server's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, maxErrorBody)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health probe: status %d", resp.StatusCode)
	}
	return nil
}

// CreateTask persists a new task on the server.
func (c *Client) CreateTask(ctx context.Context, content string, lockIDs []string) (*taskstore.Task, error) {
	body, err := json.Marshal(map[string]any{"content": content, "lock_ids": lockIDs})
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/tasks", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doTask(req, http.StatusCreated)
}

// LoadTask fetches a task by id.
func (c *Client) LoadTask(ctx context.Context, id string) (*taskstore.Task, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/tasks/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return c.doTask(req, http.StatusOK)
}

// SaveTask saves content and lock ids against the version the caller
// last observed. A concurrent save by another writer yields
// ErrVersionConflict; re-fetch with LoadTask and reconcile.
func (c *Client) SaveTask(ctx context.Context, id, content string, lockIDs []string, version int) (*taskstore.Task, error) {
	body, err := json.Marshal(map[string]any{
		"content":  content,
		"lock_ids": lockIDs,
		"version":  version,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/api/v1/tasks/"+id, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doTask(req, http.StatusOK)
}

func (c *Client) doTask(req *http.Request, wantStatus int) (*taskstore.Task, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("task request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, maxErrorBody)

	switch resp.StatusCode {
	case wantStatus:
	case http.StatusNotFound:
		return nil, ErrNotFound
	case http.StatusConflict:
		apiErr := decodeAPIError(resp)
		return nil, fmt.Errorf("%w: %s", ErrVersionConflict, apiErr.Message)
	default:
		return nil, decodeAPIError(resp)
	}

	var task taskstore.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &task, nil
}
