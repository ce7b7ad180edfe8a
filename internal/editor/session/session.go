// Package session wires the editor core together: one document, its
// lock registry and filter, the trigger controller, and the
// intervention client. A session is the single event loop the
// concurrency model assumes; all mutation goes through its methods.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Jackela/impetus/internal/client"
	"github.com/Jackela/impetus/internal/editor/document"
	"github.com/Jackela/impetus/internal/editor/lockreg"
	"github.com/Jackela/impetus/internal/editor/mutator"
	"github.com/Jackela/impetus/internal/editor/trigger"
	"github.com/Jackela/impetus/internal/intervention"
	"github.com/Jackela/impetus/internal/taskstore"
)

// ErrStaleResponse means an intervention arrived after the session
// epoch moved on (mode switch, task reload). The response is dropped
// without touching the document.
var ErrStaleResponse = errors.New("stale intervention response")

// Generator produces interventions. *client.Client satisfies it.
type Generator interface {
	Generate(ctx context.Context, req *intervention.Request, opts ...client.CallOption) (*intervention.Response, error)
}

// TaskAPI is the slice of the task client a session uses. Nil disables
// persistence.
type TaskAPI interface {
	CreateTask(ctx context.Context, content string, lockIDs []string) (*taskstore.Task, error)
	LoadTask(ctx context.Context, id string) (*taskstore.Task, error)
	SaveTask(ctx context.Context, id, content string, lockIDs []string, version int) (*taskstore.Task, error)
}

// Callbacks is the feedback surface. Both fields may be nil.
type Callbacks struct {
	// OnReject fires when an edit is vetoed by the lock filter or an
	// action is dropped for an invalid anchor.
	OnReject func()

	// OnApply fires after an intervention lands in the document.
	OnApply func(source intervention.Mode, action intervention.Action)
}

// ConflictError reports a save that lost an optimistic-concurrency
// race. Remote is the authoritative state for reconciliation.
type ConflictError struct {
	Remote *taskstore.Task
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task modified remotely at version %d; reconcile before saving", e.Remote.Version)
}

func (e *ConflictError) Unwrap() error { return client.ErrVersionConflict }

// Option configures a Session.
type Option func(*Session)

// WithTasks enables task persistence.
func WithTasks(t TaskAPI) Option {
	return func(s *Session) { s.tasks = t }
}

// WithCallbacks sets the feedback callbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(s *Session) { s.callbacks = cb }
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithTriggerOptions forwards options to the trigger controller.
func WithTriggerOptions(opts ...trigger.Option) Option {
	return func(s *Session) { s.trigOpts = opts }
}

// Session owns one document and its agent machinery.
type Session struct {
	mu        sync.Mutex
	doc       *document.Document
	reg       *lockreg.Registry
	gen       Generator
	tasks     TaskAPI
	trig      *trigger.Controller
	logger    *slog.Logger
	callbacks Callbacks
	trigOpts  []trigger.Option

	epoch      int
	taskID     string
	version    int
	docVersion int
	selFrom    int
	selTo      int
	runCtx     context.Context
}

// New creates a session over the given initial content.
func New(content string, gen Generator, trigCfg trigger.Config, opts ...Option) *Session {
	s := &Session{
		gen:    gen,
		logger: slog.Default(),
		runCtx: context.Background(),
	}
	for _, o := range opts {
		o(s)
	}
	s.installDocument(document.New(content), lockreg.NewRegistry())
	s.trig = trigger.New(trigCfg, s.dispatch, s.trigOpts...)
	s.trig.Reset(time.Now())
	return s
}

// installDocument swaps in a document and re-registers the lock filter
// and rejection wiring. Filters are per-instance: every new document
// gets a fresh registration.
func (s *Session) installDocument(d *document.Document, r *lockreg.Registry) {
	d.RegisterFilter(lockreg.Filter(r))
	d.OnReject(func() {
		if s.callbacks.OnReject != nil {
			s.callbacks.OnReject()
		}
	})
	s.doc = d
	s.reg = r
}

// Document returns the live document.
func (s *Session) Document() *document.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

// Locks returns the lock registry.
func (s *Session) Locks() *lockreg.Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg
}

// Trigger returns the trigger controller.
func (s *Session) Trigger() *trigger.Controller {
	return s.trig
}

// SetSelection records the cursor for context building.
func (s *Session) SetSelection(from, to int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selFrom, s.selTo = from, to
}

// Edit applies a user transaction and feeds the trigger's idle clock.
// A veto by the lock filter is benign: the edit degrades to a no-op
// and the rejection callback has already fired.
func (s *Session) Edit(now time.Time, tx *document.Transaction) error {
	s.mu.Lock()
	err := s.doc.Apply(tx)
	if err == nil {
		s.docVersion++
	}
	s.mu.Unlock()

	s.trig.RecordInput(now)
	if errors.Is(err, document.ErrVetoed) {
		return nil
	}
	return err
}

// SetMode switches the agent mode. The epoch advances so an in-flight
// intervention for the old mode cannot mutate the document.
func (s *Session) SetMode(mode intervention.Mode, now time.Time) {
	s.mu.Lock()
	s.epoch++
	s.mu.Unlock()
	s.trig.SetMode(mode, now)
}

// Run drives the trigger controller until ctx is cancelled.
func (s *Session) Run(ctx context.Context, interval time.Duration) {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()
	s.trig.Run(ctx, interval)
}

// dispatch is the trigger fire callback. The network call runs off the
// trigger goroutine; the epoch guard keeps late responses harmless.
func (s *Session) dispatch(mode intervention.Mode, reason trigger.Reason) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()

	go func() {
		if _, err := s.Intervene(ctx, mode); err != nil && !errors.Is(err, ErrStaleResponse) {
			s.logger.Warn("intervention failed", "mode", mode, "reason", reason, "error", err)
		}
	}()
}

// Intervene requests and applies one intervention for mode. Structural
// failures (invalid anchor, veto) degrade to a no-op plus feedback;
// network and server errors are returned for surfacing.
func (s *Session) Intervene(ctx context.Context, mode intervention.Mode) (*intervention.Response, error) {
	s.mu.Lock()
	epoch := s.epoch
	taskID := s.taskID
	req := &intervention.Request{
		Context: s.contextFor(mode),
		Mode:    mode,
		ClientMeta: intervention.ClientMeta{
			DocVersion:    s.docVersion,
			SelectionFrom: s.selFrom,
			SelectionTo:   s.selTo,
		},
	}
	s.mu.Unlock()

	var opts []client.CallOption
	if taskID != "" {
		opts = append(opts, client.WithTaskID(taskID))
	}
	resp, err := s.gen.Generate(ctx, req, opts...)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		s.logger.Debug("dropping stale intervention", "action_id", resp.ActionID)
		return nil, ErrStaleResponse
	}

	if err := mutator.Apply(s.doc, s.reg, resp); err != nil {
		s.logger.Info("intervention not applied", "action", resp.Action, "error", err)
		if s.callbacks.OnReject != nil && errors.Is(err, mutator.ErrInvalidAnchor) {
			s.callbacks.OnReject()
		}
		return nil, err
	}
	s.docVersion++
	if s.callbacks.OnApply != nil {
		s.callbacks.OnApply(resp.Source, resp.Action)
	}
	return resp, nil
}

// contextFor builds the request context. Muse sees the text leading up
// to the cursor; loki sees the document tail. Caller holds s.mu.
func (s *Session) contextFor(mode intervention.Mode) string {
	if mode == intervention.ModeMuse && s.selFrom > 0 {
		from := s.selFrom - intervention.MaxContextRunes
		if from < 0 {
			from = 0
		}
		return s.doc.Slice(from, s.selFrom)
	}
	l := s.doc.Len()
	from := l - intervention.MaxContextRunes
	if from < 0 {
		from = 0
	}
	return s.doc.Slice(from, l)
}

// Create persists the current document as a new task.
func (s *Session) Create(ctx context.Context) (*taskstore.Task, error) {
	if s.tasks == nil {
		return nil, errors.New("task persistence not configured")
	}
	s.mu.Lock()
	content := lockreg.Serialize(s.doc)
	lockIDs := s.reg.IDs()
	s.mu.Unlock()

	task, err := s.tasks.CreateTask(ctx, content, lockIDs)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.taskID, s.version = task.ID, task.Version
	s.mu.Unlock()
	return task, nil
}

// Load replaces the session state with a persisted task, recovering
// locks from content markers. The epoch advances so in-flight
// interventions against the old document are dropped.
func (s *Session) Load(ctx context.Context, taskID string) error {
	if s.tasks == nil {
		return errors.New("task persistence not configured")
	}
	task, err := s.tasks.LoadTask(ctx, taskID)
	if err != nil {
		return err
	}

	reg := lockreg.NewRegistry()
	spans := lockreg.Parse(task.Content, reg)

	s.mu.Lock()
	s.epoch++
	s.installDocument(document.FromSpans(spans), reg)
	s.taskID, s.version = task.ID, task.Version
	s.docVersion = 0
	s.mu.Unlock()
	return nil
}

// Save persists the document against the version loaded or last saved.
// A lost race returns *ConflictError carrying the remote state; the
// caller reconciles (e.g. via AdoptRemote) rather than overwriting.
func (s *Session) Save(ctx context.Context) error {
	if s.tasks == nil {
		return errors.New("task persistence not configured")
	}
	s.mu.Lock()
	taskID, version := s.taskID, s.version
	content := lockreg.Serialize(s.doc)
	lockIDs := s.reg.IDs()
	s.mu.Unlock()

	if taskID == "" {
		return errors.New("no task loaded")
	}

	task, err := s.tasks.SaveTask(ctx, taskID, content, lockIDs, version)
	if errors.Is(err, client.ErrVersionConflict) {
		remote, lerr := s.tasks.LoadTask(ctx, taskID)
		if lerr != nil {
			return fmt.Errorf("version conflict, re-fetch failed: %w", lerr)
		}
		return &ConflictError{Remote: remote}
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.version = task.Version
	s.mu.Unlock()
	return nil
}

// AdoptRemote discards local state in favor of the remote task, e.g.
// after the user chose the remote side of a conflict.
func (s *Session) AdoptRemote(task *taskstore.Task) {
	reg := lockreg.NewRegistry()
	spans := lockreg.Parse(task.Content, reg)

	s.mu.Lock()
	s.epoch++
	s.installDocument(document.FromSpans(spans), reg)
	s.taskID, s.version = task.ID, task.Version
	s.docVersion = 0
	s.mu.Unlock()
}
