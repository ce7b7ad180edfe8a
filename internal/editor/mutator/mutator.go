// Package mutator translates intervention responses into atomic
// document transactions with lock tagging.
package mutator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Jackela/impetus/internal/editor/document"
	"github.com/Jackela/impetus/internal/editor/lockreg"
	"github.com/Jackela/impetus/internal/intervention"
)

// ErrInvalidAnchor means the action's anchor does not resolve inside
// the current document. The document is untouched.
var ErrInvalidAnchor = errors.New("invalid anchor")

// Apply executes one intervention action against the document as a
// single agent-originated transaction. Provoke and rewrite register
// their lock in the same logical operation; delete carries no lock and
// never enters the undo history.
func Apply(d *document.Document, reg *lockreg.Registry, resp *intervention.Response) error {
	if err := resp.Validate(); err != nil {
		return fmt.Errorf("invalid action: %w", err)
	}

	docLen := d.Len()
	anchor := resp.Anchor

	var step document.Step
	switch resp.Action {
	case intervention.ActionProvoke:
		if anchor.Type != intervention.AnchorPos {
			return fmt.Errorf("%w: provoke requires pos anchor, got %q", ErrInvalidAnchor, anchor.Type)
		}
		if anchor.From > docLen {
			return fmt.Errorf("%w: pos %d beyond document length %d", ErrInvalidAnchor, anchor.From, docLen)
		}
		step = document.Step{
			From:   anchor.From,
			To:     anchor.From,
			Text:   resp.Content,
			LockID: resp.LockID,
			Source: resp.Source,
		}

	case intervention.ActionRewrite:
		if err := checkRange(anchor, docLen); err != nil {
			return err
		}
		// Replacement and lock tagging ride the same step: there is no
		// observable state with the old text gone and the new text absent.
		step = document.Step{
			From:   anchor.From,
			To:     anchor.To,
			Text:   resp.Content,
			LockID: resp.LockID,
			Source: resp.Source,
		}

	case intervention.ActionDelete:
		if err := checkRange(anchor, docLen); err != nil {
			return err
		}
		step = document.Step{From: anchor.From, To: anchor.To}

	default:
		return fmt.Errorf("unknown action %q", resp.Action)
	}

	tx := &document.Transaction{
		Steps:           []document.Step{step},
		AgentOriginated: true,
		AddToHistory:    false,
	}
	if err := d.Apply(tx); err != nil {
		return fmt.Errorf("apply %s: %w", resp.Action, err)
	}

	if resp.LockID != "" {
		reg.Apply(lockreg.Lock{
			ID:     resp.LockID,
			Source: resp.Source,
			Shape:  shapeOf(resp.Content),
		})
	}
	return nil
}

func checkRange(a intervention.Anchor, docLen int) error {
	if a.Type != intervention.AnchorRange {
		return fmt.Errorf("%w: range anchor required, got %q", ErrInvalidAnchor, a.Type)
	}
	if a.From < 0 || a.To < a.From || a.To > docLen {
		return fmt.Errorf("%w: [%d, %d) in document of length %d", ErrInvalidAnchor, a.From, a.To, docLen)
	}
	return nil
}

// shapeOf classifies locked content: blockquotes and multi-line content
// are block locks, everything else inline.
func shapeOf(content string) string {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, ">") || strings.Contains(trimmed, "\n") {
		return lockreg.ShapeBlock
	}
	return lockreg.ShapeInline
}
