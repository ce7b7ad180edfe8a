// Package document implements the rune-addressed span document the
// editor core mutates. Content is a sequence of spans carrying lock
// attributes; all mutation flows through transactions that are
// validated and filtered before anything is applied.
package document

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/Jackela/impetus/internal/intervention"
)

// Sentinel errors for transaction application.
var (
	// ErrOutOfBounds means a step's range falls outside the document.
	ErrOutOfBounds = errors.New("step out of document bounds")

	// ErrVetoed means a registered filter rejected the transaction.
	// Nothing was applied.
	ErrVetoed = errors.New("transaction vetoed")
)

const maxUndoDepth = 100

// Span is a run of text with uniform attributes. A non-empty LockID
// marks the span as agent-authored and immutable to user edits.
type Span struct {
	Text   string
	LockID string
	Source intervention.Mode
}

func (s Span) runeLen() int {
	return utf8.RuneCountInString(s.Text)
}

// Step replaces the rune range [From, To) with Text. Offsets address
// the document as it was before the transaction. A Step with empty Text
// is a deletion; From == To is a pure insertion.
type Step struct {
	From   int
	To     int
	Text   string
	LockID string
	Source intervention.Mode
}

// Transaction is the unit of mutation: all steps apply atomically or
// none do. AgentOriginated transactions bypass the lock filter and
// never enter the undo history.
type Transaction struct {
	Steps           []Step
	AgentOriginated bool
	AddToHistory    bool
}

// Filter inspects a candidate transaction before application. Returning
// false vetoes the whole transaction.
type Filter func(d *Document, tx *Transaction) bool

// Document is a mutable span document. Not safe for concurrent use; the
// editor drives it from a single event loop.
type Document struct {
	spans    []Span
	filters  []Filter
	onReject func()
	undo     []*Transaction
}

// New creates a document holding plain unlocked text.
func New(text string) *Document {
	d := &Document{}
	if text != "" {
		d.spans = []Span{{Text: text}}
	}
	return d
}

// FromSpans creates a document from pre-attributed spans, e.g. after
// recovering locks from persisted content.
func FromSpans(spans []Span) *Document {
	d := &Document{}
	for _, s := range spans {
		if s.Text != "" {
			d.spans = append(d.spans, s)
		}
	}
	return d
}

// RegisterFilter appends a filter to the ordered filter list. Filters
// run in registration order on every transaction; registration happens
// once per document instance.
func (d *Document) RegisterFilter(f Filter) {
	d.filters = append(d.filters, f)
}

// OnReject sets the callback invoked when a filter vetoes a transaction.
func (d *Document) OnReject(fn func()) {
	d.onReject = fn
}

// Len returns the document length in runes.
func (d *Document) Len() int {
	n := 0
	for _, s := range d.spans {
		n += s.runeLen()
	}
	return n
}

// String returns the full document text.
func (d *Document) String() string {
	var b strings.Builder
	for _, s := range d.spans {
		b.WriteString(s.Text)
	}
	return b.String()
}

// Spans returns a copy of the span list.
func (d *Document) Spans() []Span {
	out := make([]Span, len(d.spans))
	copy(out, d.spans)
	return out
}

// Slice returns the text of the rune range [from, to), clamped to the
// document bounds.
func (d *Document) Slice(from, to int) string {
	if from < 0 {
		from = 0
	}
	if l := d.Len(); to > l {
		to = l
	}
	if to <= from {
		return ""
	}

	var b strings.Builder
	pos := 0
	for _, s := range d.spans {
		n := s.runeLen()
		start, end := pos, pos+n
		pos = end
		if end <= from || start >= to {
			continue
		}
		runes := []rune(s.Text)
		lo, hi := 0, n
		if from > start {
			lo = from - start
		}
		if to < end {
			hi = to - start
		}
		b.WriteString(string(runes[lo:hi]))
	}
	return b.String()
}

// LocksOverlapping returns the lock ids of spans intersecting the rune
// range [from, to). For from == to (a caret position), spans strictly
// containing the position count as overlapping.
func (d *Document) LocksOverlapping(from, to int) []string {
	var ids []string
	seen := map[string]bool{}
	pos := 0
	for _, s := range d.spans {
		n := s.runeLen()
		start, end := pos, pos+n
		pos = end
		if s.LockID == "" || seen[s.LockID] {
			continue
		}
		overlaps := start < to && end > from
		if from == to {
			overlaps = start < from && end > from
		}
		if overlaps {
			seen[s.LockID] = true
			ids = append(ids, s.LockID)
		}
	}
	return ids
}

// Apply validates and applies a transaction atomically. On any
// validation failure or filter veto, the document is unchanged.
func (d *Document) Apply(tx *Transaction) error {
	if len(tx.Steps) == 0 {
		return nil
	}

	// Validate everything before touching the span list.
	docLen := d.Len()
	for _, st := range tx.Steps {
		if st.From < 0 || st.To < st.From || st.To > docLen {
			return fmt.Errorf("%w: [%d, %d) in document of length %d",
				ErrOutOfBounds, st.From, st.To, docLen)
		}
	}
	sorted := make([]Step, len(tx.Steps))
	copy(sorted, tx.Steps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].From > sorted[j].From })
	for i := 0; i < len(sorted)-1; i++ {
		// sorted descending: sorted[i+1] precedes sorted[i]
		if sorted[i+1].To > sorted[i].From {
			return fmt.Errorf("%w: overlapping steps", ErrOutOfBounds)
		}
	}

	for _, f := range d.filters {
		if !f(d, tx) {
			if d.onReject != nil {
				d.onReject()
			}
			return ErrVetoed
		}
	}

	inverse := d.invert(sorted, tx)

	// Descending order keeps each step's pre-transaction offsets valid.
	for _, st := range sorted {
		d.replaceRange(st)
	}

	d.mapHistory(sorted)

	if tx.AddToHistory && !tx.AgentOriginated {
		d.undo = append(d.undo, inverse)
		if len(d.undo) > maxUndoDepth {
			d.undo = d.undo[1:]
		}
	}
	return nil
}

// Undo reverses the most recent history-bearing transaction. The
// inverse runs through the same filter chain as any user edit, so an
// undo that would strip locked content is vetoed like any other edit.
func (d *Document) Undo() error {
	if len(d.undo) == 0 {
		return nil
	}
	inv := d.undo[len(d.undo)-1]
	d.undo = d.undo[:len(d.undo)-1]
	if err := d.Apply(inv); err != nil {
		d.undo = append(d.undo, inv)
		return err
	}
	return nil
}

// CanUndo reports whether the undo stack is non-empty.
func (d *Document) CanUndo() bool {
	return len(d.undo) > 0
}

// mapHistory translates stored inverse transactions into the
// coordinates left by the steps just applied. Agent edits shift the
// text under the undo stack like any other edit; without mapping, a
// later Undo would replay at stale offsets.
func (d *Document) mapHistory(applied []Step) {
	if len(d.undo) == 0 {
		return
	}
	asc := make([]Step, len(applied))
	copy(asc, applied)
	sort.Slice(asc, func(i, j int) bool { return asc[i].From < asc[j].From })
	for _, entry := range d.undo {
		for i := range entry.Steps {
			entry.Steps[i].From = mapPos(entry.Steps[i].From, asc)
			entry.Steps[i].To = mapPos(entry.Steps[i].To, asc)
		}
	}
}

// mapPos moves a position through a transaction's steps, given in
// ascending order with pre-transaction offsets. A position inside a
// replaced range collapses to the start of the replacement.
func mapPos(pos int, asc []Step) int {
	delta := 0
	for _, st := range asc {
		if st.To <= pos {
			delta += utf8.RuneCountInString(st.Text) - (st.To - st.From)
			continue
		}
		if st.From < pos {
			return st.From + delta
		}
		break
	}
	return pos + delta
}

// invert builds the inverse transaction for steps sorted descending by
// From, with offsets adjusted into post-transaction coordinates.
func (d *Document) invert(sorted []Step, tx *Transaction) *Transaction {
	inv := &Transaction{}
	for _, st := range sorted {
		// Delta contributed by steps located before this one.
		shift := 0
		for _, other := range sorted {
			if other.From < st.From {
				shift += utf8.RuneCountInString(other.Text) - (other.To - other.From)
			}
		}
		insLen := utf8.RuneCountInString(st.Text)
		inv.Steps = append(inv.Steps, Step{
			From: st.From + shift,
			To:   st.From + shift + insLen,
			Text: d.Slice(st.From, st.To),
		})
	}
	return inv
}

// replaceRange rewrites [st.From, st.To) with the step's content,
// splitting boundary spans as needed.
func (d *Document) replaceRange(st Step) {
	var out []Span
	pos := 0
	inserted := false

	appendNew := func() {
		if st.Text != "" {
			out = append(out, Span{Text: st.Text, LockID: st.LockID, Source: st.Source})
		}
		inserted = true
	}

	for _, s := range d.spans {
		n := s.runeLen()
		start, end := pos, pos+n
		pos = end

		switch {
		case end <= st.From:
			out = append(out, s)
		case start >= st.To:
			if !inserted {
				appendNew()
			}
			out = append(out, s)
		default:
			runes := []rune(s.Text)
			if start < st.From {
				out = append(out, Span{Text: string(runes[:st.From-start]), LockID: s.LockID, Source: s.Source})
			}
			if !inserted {
				appendNew()
			}
			if end > st.To {
				out = append(out, Span{Text: string(runes[st.To-start:]), LockID: s.LockID, Source: s.Source})
			}
		}
	}
	if !inserted {
		appendNew()
	}
	d.spans = out
}
