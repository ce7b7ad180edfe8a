package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/Jackela/impetus/internal/config"
	"github.com/Jackela/impetus/internal/contract"
	"github.com/Jackela/impetus/internal/idempotency"
	"github.com/Jackela/impetus/internal/intervention"
	"github.com/Jackela/impetus/internal/llm"
	"github.com/Jackela/impetus/internal/service"
	"github.com/Jackela/impetus/internal/taskstore"
)

func testServer(t *testing.T, withStore bool) (*httptest.Server, *taskstore.Store) {
	t.Helper()

	registry := llm.NewRegistry(config.LLMConfig{
		DefaultProvider: "debug",
		AllowDebug:      true,
	}, slog.Default())
	cache := idempotency.New(15 * time.Second)

	var store *taskstore.Store
	if withStore {
		var err error
		store, err = taskstore.NewStore(filepath.Join(t.TempDir(), "api_test.db"))
		if err != nil {
			t.Fatalf("NewStore: %v", err)
		}
		t.Cleanup(func() { store.Close() })
	}

	// A nil *taskstore.Store inside a non-nil Repository interface would
	// dodge the repo == nil check in the service, so assign conditionally.
	var repo service.Repository
	if store != nil {
		repo = store
	}
	svc := service.New(registry, cache, repo, slog.Default())

	srv := NewServer("127.0.0.1", 0, svc, store, slog.Default())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func generateRequest(t *testing.T, url string, mode intervention.Mode, docContext string) *http.Request {
	t.Helper()
	body, err := json.Marshal(&intervention.Request{
		Context: docContext,
		Mode:    mode,
		ClientMeta: intervention.ClientMeta{
			DocVersion:    3,
			SelectionFrom: 20,
			SelectionTo:   20,
		},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url+"/api/v1/impetus/generate-intervention", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeError(t *testing.T, resp *http.Response) *intervention.APIError {
	t.Helper()
	var apiErr intervention.APIError
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return &apiErr
}

func TestGenerateCompatibleContract(t *testing.T) {
	ts, _ := testServer(t, false)

	req := generateRequest(t, ts.URL, intervention.ModeMuse, "他打开门，犹豫着要不要进去。")
	req.Header.Set(contract.HeaderIdempotencyKey, "key-1")
	// Same major version as the server's 1.0.1 must be accepted.
	req.Header.Set(contract.HeaderContractVersion, "1.0.0")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get(contract.HeaderContractVersion); got != contract.Version {
		t.Errorf("echoed contract version = %q, want %q", got, contract.Version)
	}

	var action intervention.Response
	if err := json.NewDecoder(resp.Body).Decode(&action); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if err := action.Validate(); err != nil {
		t.Errorf("response invalid: %v", err)
	}
	if action.Source != intervention.ModeMuse {
		t.Errorf("Source = %q, want muse", action.Source)
	}
}

func TestGenerateContractMajorMismatch(t *testing.T) {
	ts, _ := testServer(t, false)

	req := generateRequest(t, ts.URL, intervention.ModeMuse, "他打开门，犹豫着要不要进去。")
	req.Header.Set(contract.HeaderIdempotencyKey, "key-1")
	req.Header.Set(contract.HeaderContractVersion, "2.0.0")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	// The version header is set even on rejection so old clients can
	// report what the server actually speaks.
	if got := resp.Header.Get(contract.HeaderContractVersion); got != contract.Version {
		t.Errorf("contract version header = %q, want %q", got, contract.Version)
	}

	apiErr := decodeError(t, resp)
	if apiErr.Code != intervention.CodeContractVersionMismatch {
		t.Errorf("Code = %q, want contract_version_mismatch", apiErr.Code)
	}
	if apiErr.Details["server_version"] != contract.Version {
		t.Errorf("Details = %v, want server_version %q", apiErr.Details, contract.Version)
	}
}

func TestGenerateMissingHeaders(t *testing.T) {
	ts, _ := testServer(t, false)

	tests := []struct {
		name    string
		headers map[string]string
	}{
		{"no idempotency key", map[string]string{contract.HeaderContractVersion: contract.Version}},
		{"no contract version", map[string]string{contract.HeaderIdempotencyKey: "key-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := generateRequest(t, ts.URL, intervention.ModeMuse, "他打开门。")
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusUnprocessableEntity {
				t.Fatalf("status = %d, want 422", resp.StatusCode)
			}
			if apiErr := decodeError(t, resp); apiErr.Code != intervention.CodeInvalidRequest {
				t.Errorf("Code = %q, want invalid_request", apiErr.Code)
			}
		})
	}
}

func TestGenerateIdempotentRepeat(t *testing.T) {
	ts, _ := testServer(t, false)

	do := func(key string) *intervention.Response {
		t.Helper()
		req := generateRequest(t, ts.URL, intervention.ModeMuse, "他打开门，犹豫着要不要进去。")
		req.Header.Set(contract.HeaderIdempotencyKey, key)
		req.Header.Set(contract.HeaderContractVersion, contract.Version)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		var action intervention.Response
		if err := json.NewDecoder(resp.Body).Decode(&action); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return &action
	}

	first := do("retry-key")
	second := do("retry-key")
	if first.ActionID != second.ActionID || first.LockID != second.LockID {
		t.Errorf("repeated key returned different identity: %q/%q vs %q/%q",
			first.ActionID, first.LockID, second.ActionID, second.LockID)
	}

	other := do("fresh-key")
	if other.ActionID == first.ActionID {
		t.Error("distinct keys returned the same action_id")
	}
}

func TestGenerateNotConfigured(t *testing.T) {
	registry := llm.NewRegistry(config.LLMConfig{DefaultProvider: "openai"}, slog.Default())
	svc := service.New(registry, idempotency.New(15*time.Second), nil, slog.Default())
	ts := httptest.NewServer(NewServer("127.0.0.1", 0, svc, nil, slog.Default()).Handler())
	defer ts.Close()

	req := generateRequest(t, ts.URL, intervention.ModeMuse, "他打开门，犹豫着要不要进去。")
	req.Header.Set(contract.HeaderIdempotencyKey, "key-1")
	req.Header.Set(contract.HeaderContractVersion, contract.Version)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if apiErr := decodeError(t, resp); apiErr.Code != intervention.CodeLLMNotConfigured {
		t.Errorf("Code = %q, want llm_not_configured", apiErr.Code)
	}
}

func TestTaskLifecycle(t *testing.T) {
	ts, _ := testServer(t, true)

	// Create.
	body := bytes.NewBufferString(`{"content": "第一章。他醒来时天还没亮。"}`)
	resp, err := http.Post(ts.URL+"/api/v1/tasks", "application/json", body)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var task taskstore.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	resp.Body.Close()
	if task.Version != 0 {
		t.Errorf("Version = %d, want 0", task.Version)
	}

	// Get.
	resp, err = http.Get(ts.URL + "/api/v1/tasks/" + task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	// Update with the correct version.
	update := fmt.Sprintf(`{"content": "第一章。改写过的开头。", "lock_ids": ["lock_1"], "version": %d}`, task.Version)
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/v1/tasks/"+task.ID, bytes.NewBufferString(update))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d, want 200", resp.StatusCode)
	}
	var updated taskstore.Task
	if err := json.NewDecoder(resp.Body).Decode(&updated); err != nil {
		t.Fatalf("decode updated: %v", err)
	}
	resp.Body.Close()
	if updated.Version != 1 {
		t.Errorf("updated Version = %d, want 1", updated.Version)
	}

	// Stale update must 409 with the current version in details.
	req, _ = http.NewRequest(http.MethodPut, ts.URL+"/api/v1/tasks/"+task.ID, bytes.NewBufferString(update))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stale update: %v", err)
	}
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("stale update status = %d, want 409", resp.StatusCode)
	}
	apiErr := decodeError(t, resp)
	resp.Body.Close()
	if apiErr.Code != intervention.CodeVersionConflict {
		t.Errorf("Code = %q, want version_conflict", apiErr.Code)
	}
	if apiErr.Details["current_version"] != float64(1) {
		t.Errorf("Details = %v, want current_version 1", apiErr.Details)
	}

	// Delete.
	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/tasks/"+task.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}

	resp, _ = http.Get(ts.URL + "/api/v1/tasks/" + task.ID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", resp.StatusCode)
	}
}

func TestGenerateRecordsHistory(t *testing.T) {
	ts, store := testServer(t, true)

	task, err := store.CreateTask("他打开门，犹豫着要不要进去。门后一片漆黑，像是有什么在等他。", nil)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	req := generateRequest(t, ts.URL, intervention.ModeMuse, "他打开门，犹豫着要不要进去。")
	req.URL.RawQuery = "task_id=" + task.ID
	req.Header.Set(contract.HeaderIdempotencyKey, "key-1")
	req.Header.Set(contract.HeaderContractVersion, contract.Version)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	// History endpoint shows the recorded action.
	resp, err = http.Get(ts.URL + "/api/v1/tasks/" + task.ID + "/actions?limit=10")
	if err != nil {
		t.Fatalf("actions: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("actions status = %d, want 200", resp.StatusCode)
	}

	var page struct {
		Total   int                       `json:"total"`
		Actions []*taskstore.ActionRecord `json:"actions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("decode actions: %v", err)
	}
	if page.Total != 1 || len(page.Actions) != 1 {
		t.Fatalf("total = %d, actions = %d, want 1 each", page.Total, len(page.Actions))
	}
	if page.Actions[0].TaskID != task.ID {
		t.Errorf("TaskID = %q, want %q", page.Actions[0].TaskID, task.ID)
	}
}

func TestTasksUnavailableWithoutStore(t *testing.T) {
	ts, _ := testServer(t, false)

	resp, err := http.Post(ts.URL+"/api/v1/tasks", "application/json",
		bytes.NewBufferString(`{"content": "内容"}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestVersionAndHealth(t *testing.T) {
	ts, _ := testServer(t, false)

	resp, err := http.Get(ts.URL + "/api/v1/version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var info map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode version: %v", err)
	}
	resp.Body.Close()
	if info["contract_version"] != contract.Version {
		t.Errorf("contract_version = %v, want %q", info["contract_version"], contract.Version)
	}

	resp, err = http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}
}
