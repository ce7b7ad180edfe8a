// Package service orchestrates intervention generation: idempotency,
// provider resolution, safety guards, and best-effort history
// persistence.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Jackela/impetus/internal/idempotency"
	"github.com/Jackela/impetus/internal/intervention"
	"github.com/Jackela/impetus/internal/llm"
	"github.com/Jackela/impetus/internal/taskstore"
)

// MinContextForDelete is the safety floor: a delete generated against a
// context shorter than this is downgraded to a protective provoke so
// the agent cannot hollow out a nearly-empty document.
const MinContextForDelete = 50

// Repository is the slice of taskstore the service needs. Nil is valid:
// persistence is best-effort and its absence must never fail a request.
type Repository interface {
	GetTask(id string) (*taskstore.Task, error)
	RecordAction(rec *taskstore.ActionRecord) error
}

// Option configures a Service.
type Option func(*Service)

// WithClock injects a time source for deterministic issued_at in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service generates intervention actions. Construct once at startup and
// inject into handlers; all state lives in the injected collaborators.
type Service struct {
	registry *llm.Registry
	cache    *idempotency.Cache
	repo     Repository
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Service. repo may be nil (no history persistence).
func New(registry *llm.Registry, cache *idempotency.Cache, repo Repository, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		registry: registry,
		cache:    cache,
		repo:     repo,
		logger:   logger,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Generate produces an intervention for the request, deduplicating by
// idempotency key: a repeat of a key within the cache TTL returns the
// original response verbatim, including action_id and lock_id. The
// second return reports whether the response came from the cache, so
// callers can skip side effects already performed for the original
// request. taskID may be empty; when set and a repository is
// configured, the action is recorded against that task.
func (s *Service) Generate(ctx context.Context, idemKey string, req *intervention.Request, override *llm.Override, taskID string) (*intervention.Response, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, &intervention.APIError{
			Status:  422,
			Code:    intervention.CodeInvalidRequest,
			Message: err.Error(),
		}
	}

	resp, cached, err := s.cache.Do(idemKey, func() (*intervention.Response, error) {
		return s.generate(ctx, req, override)
	})
	if err != nil {
		return nil, false, err
	}
	if cached {
		s.logger.Debug("idempotency cache hit", "action_id", resp.ActionID)
		return resp, true, nil
	}

	s.persist(resp, req, taskID)
	return resp, false, nil
}

func (s *Service) generate(ctx context.Context, req *intervention.Request, override *llm.Override) (*intervention.Response, error) {
	provider, err := s.registry.Resolve(override)
	if err != nil {
		return nil, err
	}

	resp, err := provider.GenerateIntervention(ctx, req)
	if err != nil {
		return nil, err
	}

	s.applySafetyGuard(resp, req)

	// Server-side identity: every generated response gets a unique
	// action id, and every lock-creating response a unique lock id.
	if resp.ActionID == "" {
		resp.ActionID = "act_" + uuid.New().String()
	}
	if (resp.Action == intervention.ActionProvoke || resp.Action == intervention.ActionRewrite) && resp.LockID == "" {
		resp.LockID = "lock_" + uuid.New().String()
	}
	resp.Source = req.Mode
	resp.IssuedAt = s.now().UTC()

	if err := resp.Validate(); err != nil {
		s.logger.Warn("provider produced invalid action", "provider", provider.Name(), "error", err)
		return nil, &llm.ProviderError{
			Code:     intervention.CodeParseError,
			Message:  "provider produced invalid action: " + err.Error(),
			Status:   502,
			Provider: provider.Name(),
		}
	}
	return resp, nil
}

// applySafetyGuard rewrites a delete against a short context into a
// protective provoke at the cursor.
func (s *Service) applySafetyGuard(resp *intervention.Response, req *intervention.Request) {
	if resp.Action != intervention.ActionDelete {
		return
	}
	if utf8.RuneCountInString(req.Context) >= MinContextForDelete {
		return
	}

	s.logger.Info("safety guard engaged: delete downgraded to provoke",
		"context_runes", utf8.RuneCountInString(req.Context))
	resp.Action = intervention.ActionProvoke
	resp.Content = "> [AI施压 - 保护]: 文档内容太少，继续写作吧。"
	resp.LockID = "lock_" + uuid.New().String()
	resp.Anchor = intervention.Anchor{
		Type: intervention.AnchorPos,
		From: req.ClientMeta.SelectionFrom,
	}
}

// persist writes the action record when a repository and task id are
// present. Failures are logged and swallowed: history is best-effort.
func (s *Service) persist(resp *intervention.Response, req *intervention.Request, taskID string) {
	if s.repo == nil || taskID == "" {
		return
	}
	if _, err := s.repo.GetTask(taskID); err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			s.logger.Warn("action not recorded: unknown task", "task_id", taskID)
		} else {
			s.logger.Warn("action not recorded: task lookup failed", "task_id", taskID, "error", err)
		}
		return
	}

	rec := &taskstore.ActionRecord{
		TaskID:     taskID,
		ActionType: resp.Action,
		ActionID:   resp.ActionID,
		LockID:     resp.LockID,
		Content:    resp.Content,
		Anchor:     resp.Anchor,
		Mode:       resp.Source,
		Context:    req.Context,
		IssuedAt:   resp.IssuedAt,
	}
	if err := s.repo.RecordAction(rec); err != nil {
		s.logger.Warn("action not recorded", "task_id", taskID, "error", err)
	}
}
