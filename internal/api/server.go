// Package api implements the Impetus HTTP API: intervention generation,
// task persistence, and the action event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Jackela/impetus/internal/buildinfo"
	"github.com/Jackela/impetus/internal/contract"
	"github.com/Jackela/impetus/internal/intervention"
	"github.com/Jackela/impetus/internal/llm"
	"github.com/Jackela/impetus/internal/service"
	"github.com/Jackela/impetus/internal/taskstore"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server. Collaborators are injected at
// construction; there are no package-level singletons.
type Server struct {
	address string
	port    int
	svc     *service.Service
	tasks   *taskstore.Store // nil when persistence is disabled
	hub     *Hub
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates an API server. tasks may be nil.
func NewServer(address string, port int, svc *service.Service, tasks *taskstore.Store, logger *slog.Logger) *Server {
	return &Server{
		address: address,
		port:    port,
		svc:     svc,
		tasks:   tasks,
		hub:     NewHub(logger),
		logger:  logger,
	}
}

// Handler builds the route table. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/impetus/generate-intervention", s.handleGenerate)

	mux.HandleFunc("POST /api/v1/tasks", s.handleTaskCreate)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleTaskGet)
	mux.HandleFunc("PUT /api/v1/tasks/{id}", s.handleTaskUpdate)
	mux.HandleFunc("DELETE /api/v1/tasks/{id}", s.handleTaskDelete)
	mux.HandleFunc("GET /api/v1/tasks/{id}/actions", s.handleTaskActions)

	mux.HandleFunc("GET /api/v1/events", s.hub.handleSubscribe)

	mux.HandleFunc("GET /api/v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port,
		"contract_version", contract.Version)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server and closes event subscribers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, &intervention.APIError{
		Code:    code,
		Message: message,
		Details: details,
	}, s.logger)
}

// writeError maps typed errors from the service and llm layers onto the
// wire contract. Unknown errors become an opaque 500; their details stay
// in the server log, never in the response.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var apiErr *intervention.APIError
	if errors.As(err, &apiErr) {
		s.errorResponse(w, apiErr.Status, apiErr.Code, apiErr.Message, apiErr.Details)
		return
	}

	var provErr *llm.ProviderError
	if errors.As(err, &provErr) {
		details := map[string]any{}
		if provErr.Provider != "" {
			details["provider"] = provErr.Provider
		}
		s.errorResponse(w, provErr.Status, provErr.Code, provErr.Message, details)
		return
	}

	s.logger.Error("request failed", "error", err)
	s.errorResponse(w, http.StatusInternalServerError, intervention.CodeInternal, "internal error", nil)
}

// handleGenerate serves POST /api/v1/impetus/generate-intervention.
// An optional task_id query parameter links the action to a persisted
// task for history recording.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	// Clients always learn the server's contract version, success or not.
	w.Header().Set(contract.HeaderContractVersion, contract.Version)

	idemKey := r.Header.Get(contract.HeaderIdempotencyKey)
	if idemKey == "" {
		s.errorResponse(w, http.StatusUnprocessableEntity, intervention.CodeInvalidRequest,
			"Idempotency-Key header is required", nil)
		return
	}

	clientVersion := r.Header.Get(contract.HeaderContractVersion)
	if clientVersion == "" {
		s.errorResponse(w, http.StatusUnprocessableEntity, intervention.CodeInvalidRequest,
			"X-Contract-Version header is required", nil)
		return
	}
	if !contract.Compatible(clientVersion) {
		s.errorResponse(w, http.StatusUnprocessableEntity, intervention.CodeContractVersionMismatch,
			fmt.Sprintf("unsupported contract version %s", clientVersion),
			map[string]any{"server_version": contract.Version})
		return
	}

	var req intervention.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusUnprocessableEntity, intervention.CodeInvalidRequest,
			"invalid request body", nil)
		return
	}

	// BYOK headers are request-scoped; the override struct never outlives
	// this handler and the key is never logged.
	var override *llm.Override
	if o := (llm.Override{
		Provider: r.Header.Get(contract.HeaderLLMProvider),
		Model:    r.Header.Get(contract.HeaderLLMModel),
		APIKey:   r.Header.Get(contract.HeaderLLMAPIKey),
	}); !o.Empty() {
		override = &o
	}

	resp, cached, err := s.svc.Generate(r.Context(), idemKey, &req, override, r.URL.Query().Get("task_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	// A cached repeat already produced its event; re-broadcasting would
	// show one intervention twice to observers.
	if !cached {
		s.hub.Broadcast(ActionEvent{
			ActionID: resp.ActionID,
			Action:   resp.Action,
			Source:   resp.Source,
			LockID:   resp.LockID,
			IssuedAt: resp.IssuedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	info := buildinfo.Info()
	info["contract_version"] = contract.Version
	writeJSON(w, info, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

// --- Task endpoints ---

type taskCreateRequest struct {
	Content string   `json:"content"`
	LockIDs []string `json:"lock_ids"`
}

type taskUpdateRequest struct {
	Content string   `json:"content"`
	LockIDs []string `json:"lock_ids"`
	Version *int     `json:"version"`
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, intervention.CodeInternal,
			"task persistence not configured", nil)
		return
	}

	var req taskCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, intervention.CodeInvalidRequest,
			"invalid request body", nil)
		return
	}
	if req.Content == "" {
		s.errorResponse(w, http.StatusBadRequest, intervention.CodeInvalidRequest,
			"content is required", nil)
		return
	}

	task, err := s.tasks.CreateTask(req.Content, req.LockIDs)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, task, s.logger)
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, intervention.CodeInternal,
			"task persistence not configured", nil)
		return
	}

	task, err := s.tasks.GetTask(r.PathValue("id"))
	if errors.Is(err, taskstore.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, intervention.CodeNotFound, "task not found", nil)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, task, s.logger)
}

func (s *Server) handleTaskUpdate(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, intervention.CodeInternal,
			"task persistence not configured", nil)
		return
	}

	var req taskUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, intervention.CodeInvalidRequest,
			"invalid request body", nil)
		return
	}
	if req.Content == "" || req.Version == nil {
		s.errorResponse(w, http.StatusBadRequest, intervention.CodeInvalidRequest,
			"content and version are required", nil)
		return
	}

	id := r.PathValue("id")
	task, err := s.tasks.UpdateTask(id, req.Content, req.LockIDs, *req.Version)
	if errors.Is(err, taskstore.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, intervention.CodeNotFound, "task not found", nil)
		return
	}
	if errors.Is(err, taskstore.ErrVersionConflict) {
		details := map[string]any{"supplied_version": *req.Version}
		if current, gerr := s.tasks.GetTask(id); gerr == nil {
			details["current_version"] = current.Version
		}
		s.errorResponse(w, http.StatusConflict, intervention.CodeVersionConflict,
			"task was modified by another writer; re-fetch and reconcile", details)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, task, s.logger)
}

func (s *Server) handleTaskDelete(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, intervention.CodeInternal,
			"task persistence not configured", nil)
		return
	}

	err := s.tasks.DeleteTask(r.PathValue("id"))
	if errors.Is(err, taskstore.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, intervention.CodeNotFound, "task not found", nil)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTaskActions(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, intervention.CodeInternal,
			"task persistence not configured", nil)
		return
	}

	id := r.PathValue("id")
	if _, err := s.tasks.GetTask(id); errors.Is(err, taskstore.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, intervention.CodeNotFound, "task not found", nil)
		return
	}

	limit := parseIntParam(r, "limit", 100)
	offset := parseIntParam(r, "offset", 0)

	actions, err := s.tasks.ListActions(id, limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	total, err := s.tasks.CountActions(id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"total":   total,
		"limit":   limit,
		"offset":  offset,
		"actions": actions,
	}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
