package render

import (
	"strings"
	"testing"

	"github.com/Jackela/impetus/internal/editor/document"
	"github.com/Jackela/impetus/internal/intervention"
)

func TestLockedRanges(t *testing.T) {
	d := document.FromSpans([]document.Span{
		{Text: "自由文本"},
		{Text: "锁定一", LockID: "lock_1", Source: intervention.ModeMuse},
		{Text: "中间"},
		{Text: "锁定二", LockID: "lock_2", Source: intervention.ModeLoki},
	})

	ranges := LockedRanges(d)
	if len(ranges) != 2 {
		t.Fatalf("got %d ranges, want 2: %+v", len(ranges), ranges)
	}
	if ranges[0].From != 4 || ranges[0].To != 7 || ranges[0].LockID != "lock_1" {
		t.Errorf("ranges[0] = %+v", ranges[0])
	}
	if ranges[1].From != 9 || ranges[1].To != 12 || ranges[1].Source != intervention.ModeLoki {
		t.Errorf("ranges[1] = %+v", ranges[1])
	}
}

func TestLockedRangesMergeAdjacentSpans(t *testing.T) {
	// A split caused by an unrelated edit leaves two spans with the same
	// lock; the highlight must still be one contiguous range.
	d := document.FromSpans([]document.Span{
		{Text: "前"},
		{Text: "AB", LockID: "lock_1", Source: intervention.ModeMuse},
		{Text: "CD", LockID: "lock_1", Source: intervention.ModeMuse},
	})

	ranges := LockedRanges(d)
	if len(ranges) != 1 {
		t.Fatalf("got %d ranges, want 1 merged: %+v", len(ranges), ranges)
	}
	if ranges[0].From != 1 || ranges[0].To != 5 {
		t.Errorf("merged range = %+v, want [1, 5)", ranges[0])
	}
}

func TestHTMLHidesMarkers(t *testing.T) {
	r := NewRenderer()

	out, err := r.HTML("正文段落。<!-- lock:lock_1 source:muse -->\n\n> 引用。")
	if err != nil {
		t.Fatalf("HTML() error: %v", err)
	}
	if strings.Contains(out, "lock:lock_1") {
		t.Errorf("marker leaked into rendered output: %q", out)
	}
	if !strings.Contains(out, "<blockquote>") {
		t.Errorf("blockquote not rendered: %q", out)
	}
}

func TestDocumentHTML(t *testing.T) {
	r := NewRenderer()
	d := document.New("# 标题\n\n正文。")

	out, err := r.DocumentHTML(d)
	if err != nil {
		t.Fatalf("DocumentHTML() error: %v", err)
	}
	if !strings.Contains(out, "<h1") {
		t.Errorf("heading not rendered: %q", out)
	}
}
