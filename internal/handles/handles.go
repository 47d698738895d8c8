// Package handles mints and redeems the output handles (F<n>, M<n>, L<n>)
// that let Grep/Glob results stand in for a full path in a later tool call,
// so a model can refer back to a search result without repeating its full,
// possibly long, path. Only Grep and Glob mint handles in this tree (F and
// M); no tool mints L handles.
package handles

import (
	"fmt"
	"sync"
)

// Kind is the handle's leading letter.
type Kind string

const (
	KindFile     Kind = "F" // glob/grep match: a file path
	KindMatch    Kind = "M" // grep match: a file path + line number
	KindLocation Kind = "L" // a file path + line range; no tool mints it
)

// Entry is what a handle resolves to.
type Entry struct {
	Kind      Kind
	Path      string
	Line      int // 1-based; zero when not applicable
	EndLine   int // for L handles, the end of the symbol's range
}

// Table mints and resolves handles. Entries stay valid until Reset is
// called.
type Table struct {
	mu      sync.Mutex
	entries map[string]Entry
	seq     map[Kind]int
}

// NewTable returns an empty handle table.
func NewTable() *Table {
	return &Table{
		entries: make(map[string]Entry),
		seq:     make(map[Kind]int),
	}
}

// Mint allocates the next handle of kind and records what it resolves to.
func (t *Table) Mint(kind Kind, e Entry) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq[kind]++
	id := fmt.Sprintf("%s%d", kind, t.seq[kind])
	e.Kind = kind
	t.entries[id] = e
	return id
}

// Resolve looks up a previously minted handle. ok is false for an unknown
// id, which callers should surface as errorType "unknown_file_id".
func (t *Table) Resolve(id string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	return e, ok
}

// Reset clears every minted handle and restarts numbering. Nothing in this
// tree calls it, so handles minted in one turn stay valid in later turns.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]Entry)
	t.seq = make(map[Kind]int)
}

// Looks reports whether s has the shape of a handle id (a known kind
// prefix followed by digits) without needing the table — used by tool
// handlers to decide whether an argument should be resolved via Resolve
// before being treated as a literal path.
func Looks(s string) bool {
	if len(s) < 2 {
		return false
	}
	switch Kind(s[:1]) {
	case KindFile, KindMatch, KindLocation:
	default:
		return false
	}
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
