// Package intervention defines the wire and domain types for agent
// interventions: the request a client sends when a trigger fires, and
// the structured action the server returns after consulting an LLM.
package intervention

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Mode identifies the agent responsible for an intervention.
type Mode string

const (
	// ModeMuse is the stuck-detection agent. It always provokes and
	// never deletes.
	ModeMuse Mode = "muse"

	// ModeLoki is the randomized chaos agent. It may provoke or delete.
	ModeLoki Mode = "loki"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeMuse || m == ModeLoki
}

// Action is the kind of document mutation an intervention requests.
type Action string

const (
	// ActionProvoke inserts locked content at a position.
	ActionProvoke Action = "provoke"

	// ActionRewrite replaces a range with locked content atomically.
	ActionRewrite Action = "rewrite"

	// ActionDelete removes a range. Carries no lock and bypasses undo.
	ActionDelete Action = "delete"
)

// Anchor type discriminators.
const (
	AnchorPos    = "pos"     // single point, From only
	AnchorRange  = "range"   // [From, To)
	AnchorLockID = "lock_id" // reference to an existing lock
)

// Anchor describes where an action applies in the document.
// Positions are 0-based rune offsets; ranges are half-open [From, To).
type Anchor struct {
	Type      string `json:"type"`
	From      int    `json:"from"`
	To        int    `json:"to,omitempty"`
	RefLockID string `json:"ref_lock_id,omitempty"`
}

// Validate checks structural anchor invariants. Bounds against the live
// document length are the mutator's job at apply time.
func (a Anchor) Validate() error {
	switch a.Type {
	case AnchorPos:
		if a.From < 0 {
			return fmt.Errorf("pos anchor: from %d is negative", a.From)
		}
	case AnchorRange:
		if a.From < 0 {
			return fmt.Errorf("range anchor: from %d is negative", a.From)
		}
		if a.To < a.From {
			return fmt.Errorf("range anchor: to %d < from %d", a.To, a.From)
		}
	case AnchorLockID:
		if a.RefLockID == "" {
			return fmt.Errorf("lock_id anchor: missing ref_lock_id")
		}
	default:
		return fmt.Errorf("unknown anchor type %q", a.Type)
	}
	return nil
}

// ClientMeta carries the client's view of document state at trigger time.
type ClientMeta struct {
	DocVersion    int `json:"doc_version"`
	SelectionFrom int `json:"selection_from"`
	SelectionTo   int `json:"selection_to"`
}

// MaxContextRunes bounds the context payload. Muse sends the last few
// sentences before the cursor; loki sends the recent document tail.
const MaxContextRunes = 2000

// Request is the body of POST /api/v1/impetus/generate-intervention.
// Built fresh per trigger and immutable once sent.
type Request struct {
	Context    string     `json:"context"`
	Mode       Mode       `json:"mode"`
	ClientMeta ClientMeta `json:"client_meta"`
}

// Validate checks request invariants before dispatch.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Context) == "" {
		return fmt.Errorf("context is required")
	}
	if utf8.RuneCountInString(r.Context) > MaxContextRunes {
		return fmt.Errorf("context exceeds %d runes", MaxContextRunes)
	}
	if !r.Mode.Valid() {
		return fmt.Errorf("unknown mode %q", r.Mode)
	}
	m := r.ClientMeta
	if m.DocVersion < 0 || m.SelectionFrom < 0 || m.SelectionTo < 0 {
		return fmt.Errorf("client_meta fields must be non-negative")
	}
	if m.SelectionTo < m.SelectionFrom {
		return fmt.Errorf("selection_to %d < selection_from %d", m.SelectionTo, m.SelectionFrom)
	}
	return nil
}

// Response is a generated intervention action. ActionID is unique per
// generated response; LockID is unique per lock-creating response.
type Response struct {
	Action   Action    `json:"action"`
	Content  string    `json:"content,omitempty"`
	LockID   string    `json:"lock_id,omitempty"`
	Anchor   Anchor    `json:"anchor"`
	ActionID string    `json:"action_id"`
	Source   Mode      `json:"source"`
	IssuedAt time.Time `json:"issued_at"`
}

// Validate enforces per-action payload shape:
//   - provoke and rewrite require content and a lock id
//   - rewrite and delete require a range anchor
//   - delete carries neither content nor lock (normalized here)
func (r *Response) Validate() error {
	switch r.Action {
	case ActionProvoke, ActionRewrite:
		if strings.TrimSpace(r.Content) == "" {
			return fmt.Errorf("%s action requires content", r.Action)
		}
		if r.LockID == "" {
			return fmt.Errorf("%s action requires lock_id", r.Action)
		}
	case ActionDelete:
		// Deletions never carry lock metadata.
		r.Content = ""
		r.LockID = ""
	default:
		return fmt.Errorf("unknown action %q", r.Action)
	}

	if (r.Action == ActionRewrite || r.Action == ActionDelete) && r.Anchor.Type != AnchorRange {
		return fmt.Errorf("%s action requires range anchor, got %q", r.Action, r.Anchor.Type)
	}
	if err := r.Anchor.Validate(); err != nil {
		return err
	}
	if !r.Source.Valid() {
		return fmt.Errorf("unknown source %q", r.Source)
	}
	if r.ActionID == "" {
		return fmt.Errorf("action_id is required")
	}
	return nil
}
