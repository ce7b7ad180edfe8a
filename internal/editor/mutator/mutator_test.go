package mutator

import (
	"errors"
	"testing"
	"time"

	"github.com/Jackela/impetus/internal/editor/document"
	"github.com/Jackela/impetus/internal/editor/lockreg"
	"github.com/Jackela/impetus/internal/intervention"
)

func action(kind intervention.Action, anchor intervention.Anchor, content, lockID string) *intervention.Response {
	return &intervention.Response{
		Action:   kind,
		Content:  content,
		LockID:   lockID,
		Anchor:   anchor,
		ActionID: "act_test",
		Source:   intervention.ModeMuse,
		IssuedAt: time.Now().UTC(),
	}
}

func TestProvokeInsertsLockedContent(t *testing.T) {
	d := document.New("他停下了笔。")
	reg := lockreg.NewRegistry()
	d.RegisterFilter(lockreg.Filter(reg))

	resp := action(intervention.ActionProvoke,
		intervention.Anchor{Type: intervention.AnchorPos, From: 6},
		"> [AI施压 - Muse]: 继续写。", "lock_1")
	if err := Apply(d, reg, resp); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}

	if got := d.String(); got != "他停下了笔。> [AI施压 - Muse]: 继续写。" {
		t.Errorf("document = %q", got)
	}
	if !reg.Has("lock_1") {
		t.Error("lock not registered after provoke")
	}
	if l, _ := reg.Get("lock_1"); l.Shape != lockreg.ShapeBlock {
		t.Errorf("Shape = %q, want block for blockquote content", l.Shape)
	}
	if d.CanUndo() {
		t.Error("agent provoke entered undo history")
	}

	// The freshly inserted span is immediately protected.
	err := d.Apply(&document.Transaction{
		Steps: []document.Step{{From: 6, To: 7}},
	})
	if !errors.Is(err, document.ErrVetoed) {
		t.Errorf("edit over new lock: error = %v, want ErrVetoed", err)
	}
}

func TestRewriteIsAtomic(t *testing.T) {
	d := document.New("0123456789")
	reg := lockreg.NewRegistry()

	resp := action(intervention.ActionRewrite,
		intervention.Anchor{Type: intervention.AnchorRange, From: 2, To: 6},
		"NEW", "lock_2")
	if err := Apply(d, reg, resp); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if got := d.String(); got != "01NEW6789" {
		t.Errorf("document = %q, want 01NEW6789", got)
	}

	// The replacement span carries the lock in the same transaction.
	spans := d.Spans()
	found := false
	for _, s := range spans {
		if s.Text == "NEW" && s.LockID == "lock_2" {
			found = true
		}
	}
	if !found {
		t.Errorf("rewritten span not lock-tagged: %+v", spans)
	}
}

func TestDeleteRemovesRange(t *testing.T) {
	d := document.New("保留删除保留")
	reg := lockreg.NewRegistry()

	resp := action(intervention.ActionDelete,
		intervention.Anchor{Type: intervention.AnchorRange, From: 2, To: 4}, "", "")
	if err := Apply(d, reg, resp); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if got := d.String(); got != "保留保留" {
		t.Errorf("document = %q, want 保留保留", got)
	}
	if reg.Len() != 0 {
		t.Error("delete registered a lock")
	}
	if d.CanUndo() {
		t.Error("agent delete entered undo history")
	}
}

func TestAnchorBeyondDocumentRejected(t *testing.T) {
	d := document.New("01234567890123456789") // 20 runes
	reg := lockreg.NewRegistry()

	resp := action(intervention.ActionRewrite,
		intervention.Anchor{Type: intervention.AnchorRange, From: 10, To: 25},
		"overflow", "lock_x")
	err := Apply(d, reg, resp)
	if !errors.Is(err, ErrInvalidAnchor) {
		t.Fatalf("Apply() error = %v, want ErrInvalidAnchor", err)
	}
	if d.String() != "01234567890123456789" {
		t.Errorf("document changed after rejected anchor: %q", d.String())
	}
	if reg.Has("lock_x") {
		t.Error("lock registered despite rejected anchor")
	}
}

func TestProvokePosBeyondLengthRejected(t *testing.T) {
	d := document.New("短")
	reg := lockreg.NewRegistry()

	resp := action(intervention.ActionProvoke,
		intervention.Anchor{Type: intervention.AnchorPos, From: 5},
		"content", "lock_y")
	if err := Apply(d, reg, resp); !errors.Is(err, ErrInvalidAnchor) {
		t.Errorf("Apply() error = %v, want ErrInvalidAnchor", err)
	}
}

func TestInvalidResponseRejected(t *testing.T) {
	d := document.New("content")
	reg := lockreg.NewRegistry()

	// provoke without content fails validation before any mutation.
	resp := action(intervention.ActionProvoke,
		intervention.Anchor{Type: intervention.AnchorPos, From: 0}, "", "lock_z")
	if err := Apply(d, reg, resp); err == nil {
		t.Error("Apply() accepted a provoke without content")
	}
	if d.String() != "content" {
		t.Errorf("document changed: %q", d.String())
	}
}
