// Package lockreg tracks agent-authored locked spans: an in-memory
// registry consulted by the transaction filter, plus the textual marker
// format used to round-trip locks through persisted content.
package lockreg

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/Jackela/impetus/internal/editor/document"
	"github.com/Jackela/impetus/internal/intervention"
)

// Lock shapes.
const (
	ShapeInline = "inline"
	ShapeBlock  = "block"
)

// Lock marks a document span as immutable to user edits.
type Lock struct {
	ID     string
	Source intervention.Mode
	Shape  string
}

// markerPattern matches the persistence marker embedded in saved
// content. Anything that does not match exactly is ignored on load.
var markerPattern = regexp.MustCompile(`<!-- lock:([A-Za-z0-9_-]+) source:([A-Za-z0-9_-]+) -->`)

// Registry is the set of live locks for one document. Safe for
// concurrent reads; the editor applies locks from its event loop.
type Registry struct {
	mu    sync.RWMutex
	locks map[string]Lock
}

// NewRegistry creates an empty lock registry.
func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]Lock)}
}

// Apply registers a lock. Applying an id twice merges metadata instead
// of erroring: existing fields win, missing ones are filled in.
func (r *Registry) Apply(l Lock) {
	if l.ID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.locks[l.ID]
	if !ok {
		if l.Shape == "" {
			l.Shape = ShapeInline
		}
		r.locks[l.ID] = l
		return
	}
	if existing.Source == "" {
		existing.Source = l.Source
	}
	if existing.Shape == "" {
		existing.Shape = l.Shape
	}
	r.locks[l.ID] = existing
}

// Has reports whether id is a registered lock.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.locks[id]
	return ok
}

// Get returns a lock by id.
func (r *Registry) Get(id string) (Lock, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.locks[id]
	return l, ok
}

// IDs returns all registered lock ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.locks))
	for id := range r.locks {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of registered locks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.locks)
}

// Filter returns a document filter enforcing the lock invariant: a
// user transaction touching any span whose lock id is registered is
// vetoed wholesale. Agent-originated transactions pass through; the
// mutator validates their anchors separately.
func Filter(r *Registry) document.Filter {
	return func(d *document.Document, tx *document.Transaction) bool {
		if tx.AgentOriginated {
			return true
		}
		for _, st := range tx.Steps {
			for _, id := range d.LocksOverlapping(st.From, st.To) {
				if r.Has(id) {
					return false
				}
			}
		}
		return true
	}
}

// Marker renders the persistence marker for a lock.
func Marker(l Lock) string {
	return fmt.Sprintf("<!-- lock:%s source:%s -->", l.ID, l.Source)
}

// InjectMarker appends a lock marker to content for persistence.
func InjectMarker(content string, l Lock) string {
	return content + Marker(l)
}

// StripMarkers removes all lock markers from content.
func StripMarkers(content string) string {
	return markerPattern.ReplaceAllString(content, "")
}

// ExtractMarkers recovers locks from persisted content. Malformed
// markers simply fail the pattern and are skipped.
func ExtractMarkers(content string) []Lock {
	var locks []Lock
	for _, m := range markerPattern.FindAllStringSubmatch(content, -1) {
		locks = append(locks, Lock{
			ID:     m[1],
			Source: intervention.Mode(m[2]),
			Shape:  ShapeInline,
		})
	}
	return locks
}

// Serialize renders a document to persisted text: each locked span is
// followed by its marker so locks survive the round trip.
func Serialize(d *document.Document) string {
	var b strings.Builder
	for _, s := range d.Spans() {
		b.WriteString(s.Text)
		if s.LockID != "" {
			b.WriteString(Marker(Lock{ID: s.LockID, Source: s.Source}))
		}
	}
	return b.String()
}

// Parse rebuilds spans from persisted text and registers the recovered
// locks. The registry recovery is exact. Span extents are recovered by
// a line rule: a marker locks the text from the last newline before it
// up to the marker itself, which matches how Serialize emits markers
// directly after locked spans and how provoke content is line-shaped.
func Parse(serialized string, r *Registry) []document.Span {
	var spans []document.Span
	idx := markerPattern.FindAllStringSubmatchIndex(serialized, -1)

	prev := 0
	for _, m := range idx {
		segment := serialized[prev:m[0]]
		id := serialized[m[2]:m[3]]
		source := intervention.Mode(serialized[m[4]:m[5]])
		r.Apply(Lock{ID: id, Source: source, Shape: ShapeInline})

		// A trailing newline belongs to the locked line, not the head.
		body, tailNL := segment, ""
		if strings.HasSuffix(body, "\n") {
			body, tailNL = body[:len(body)-1], "\n"
		}
		locked := body
		if cut := strings.LastIndexByte(body, '\n'); cut >= 0 {
			if head := body[:cut+1]; head != "" {
				spans = append(spans, document.Span{Text: head})
			}
			locked = body[cut+1:]
		}
		if locked+tailNL != "" {
			spans = append(spans, document.Span{Text: locked + tailNL, LockID: id, Source: source})
		}
		prev = m[1]
	}
	if tail := serialized[prev:]; tail != "" {
		spans = append(spans, document.Span{Text: tail})
	}
	return spans
}
