// Package render is the decoration layer: it derives lock highlight
// ranges from the live document and renders content as HTML. Everything
// here is recomputed from document state and never authoritative.
package render

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/Jackela/impetus/internal/editor/document"
	"github.com/Jackela/impetus/internal/editor/lockreg"
	"github.com/Jackela/impetus/internal/intervention"
)

// LockedRange is a highlight range for one locked span, in rune
// offsets against the current document.
type LockedRange struct {
	From   int
	To     int
	LockID string
	Source intervention.Mode
}

// LockedRanges scans the document and returns the ranges to highlight.
// Call after every change; the result is derived state, cheap to
// recompute and safe to discard.
func LockedRanges(d *document.Document) []LockedRange {
	var out []LockedRange
	pos := 0
	for _, s := range d.Spans() {
		n := utf8.RuneCountInString(s.Text)
		if s.LockID != "" {
			// Extend the previous range when two adjacent spans share a lock.
			if len(out) > 0 && out[len(out)-1].LockID == s.LockID && out[len(out)-1].To == pos {
				out[len(out)-1].To = pos + n
			} else {
				out = append(out, LockedRange{
					From:   pos,
					To:     pos + n,
					LockID: s.LockID,
					Source: s.Source,
				})
			}
		}
		pos += n
	}
	return out
}

// Renderer converts document Markdown to HTML for preview. Persistence
// markers are stripped before rendering so they never leak into output.
type Renderer struct {
	md goldmark.Markdown
}

// NewRenderer creates a Markdown renderer. GFM covers the strikethrough
// and table syntax writers actually use; raw HTML stays disabled so a
// marker-shaped string in user text cannot smuggle markup through.
func NewRenderer() *Renderer {
	return &Renderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
	}
}

// HTML renders content to HTML with lock markers hidden.
func (r *Renderer) HTML(content string) (string, error) {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(lockreg.StripMarkers(content)), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}

// DocumentHTML renders the live document.
func (r *Renderer) DocumentHTML(d *document.Document) (string, error) {
	return r.HTML(d.String())
}
