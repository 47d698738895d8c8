// Package snapshot implements the workspace snapshot/undo ledger: it
// captures before/after content for mutating tool calls and can revert the
// filesystem to any prior user-message (turn) boundary. Every mutating tool
// handler (Write, Edit, Bash) calls through this single package rather than
// keeping its own before/after bookkeeping.
package snapshot

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// maxSnapshotBytes is the largest file this package will read into memory
// for undo purposes; larger files are recorded with OmittedReason "too_large".
const maxSnapshotBytes = 1 << 20 // 1 MiB

// sniffBytes is how much of a file is inspected for the binary heuristic.
const sniffBytes = 8 << 10

// Entry is one captured before/after pair for a single mutating tool call.
type Entry struct {
	TurnID        int64
	ToolCallID    string
	AbsPath       string
	DisplayPath   string
	BeforeBytes   []byte // nil when the file was created or OmittedReason is set
	WasCreated    bool   // true when the path did not exist before the tool call
	OmittedReason string // "too_large" | "binary" — before-content genuinely unavailable
	AfterBytes    []byte
	IsExternal    bool
	Truncated     bool
}

// Ledger is the append-only (until discard/commit) store of Entry records
// for one session, indexed by TurnID.
type Ledger struct {
	mu      sync.Mutex
	turnID  int64
	entries []*Entry
}

// New returns an empty ledger.
func New() *Ledger { return &Ledger{} }

// BeginTurn starts a new turn boundary; subsequent captures are indexed
// under turnID until the next BeginTurn call.
func (l *Ledger) BeginTurn(turnID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turnID = turnID
}

// TurnID returns the current turn id.
func (l *Ledger) TurnID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.turnID
}

// All returns every entry currently held by the ledger, for session
// persistence.
func (l *Ledger) All() []*Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// sniffBinary reports whether data looks like binary content (contains a
// NUL byte in its first sniffBytes), matching the filesearch package's
// existing null-byte heuristic for text-vs-binary classification.
func sniffBinary(data []byte) bool {
	n := len(data)
	if n > sniffBytes {
		n = sniffBytes
	}
	return bytes.IndexByte(data[:n], 0) >= 0
}

// BeforeCapture reads absPath ahead of a mutating tool call and returns the
// Entry to later complete with AfterCapture. displayPath is the
// user-facing path shown in the transcript (may differ from absPath for
// external-path tools); isExternal marks paths outside the workspace root.
func BeforeCapture(toolCallID, absPath, displayPath string, isExternal bool) *Entry {
	e := &Entry{ToolCallID: toolCallID, AbsPath: absPath, DisplayPath: displayPath, IsExternal: isExternal}

	info, err := os.Stat(absPath)
	if err != nil {
		e.WasCreated = true
		return e
	}
	if info.Size() > maxSnapshotBytes {
		e.OmittedReason = "too_large"
		return e
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		e.WasCreated = true
		return e
	}
	if sniffBinary(data) {
		e.OmittedReason = "binary"
		return e
	}
	e.BeforeBytes = data
	return e
}

// AfterCapture fills in after-state once the mutating tool call has
// succeeded, and appends the entry to the ledger under the current turn.
func (l *Ledger) AfterCapture(e *Entry) {
	data, err := os.ReadFile(e.AbsPath)
	if err == nil {
		e.AfterBytes = data
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e.TurnID = l.turnID
	l.entries = append(l.entries, e)
}

// Discard drops a pending entry when the mutating tool call failed (it was
// never appended to the ledger, so this is a no-op retained for symmetry
// with BeforeCapture/AfterCapture call sites).
func Discard(*Entry) {}

// UndoWarning is returned for entries whose before-state was omitted: undo
// for them is a no-op, reported structurally rather than silently.
type UndoWarning struct {
	AbsPath string
	Reason  string
}

// Undo reverts every entry whose TurnID is strictly newer than boundary, in
// reverse (most-recent-first) order, and removes those entries from the
// ledger. Returns the paths touched and any omitted-entry warnings.
func (l *Ledger) Undo(boundary int64) (touched []string, warnings []UndoWarning, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var keep []*Entry
	var toRevert []*Entry
	for _, e := range l.entries {
		if e.TurnID > boundary {
			toRevert = append(toRevert, e)
		} else {
			keep = append(keep, e)
		}
	}

	for i := len(toRevert) - 1; i >= 0; i-- {
		e := toRevert[i]
		if e.OmittedReason != "" {
			warnings = append(warnings, UndoWarning{AbsPath: e.AbsPath, Reason: e.OmittedReason})
			continue
		}
		if e.WasCreated {
			// Created by this turn: undo removes the file.
			_ = os.Remove(e.AbsPath)
		} else if err := os.WriteFile(e.AbsPath, e.BeforeBytes, 0o600); err != nil {
			return touched, warnings, err
		}
		touched = append(touched, e.AbsPath)
	}

	l.entries = keep
	return touched, warnings, nil
}

// Redo replays AfterBytes for each of the given entries, in the order
// given — the inverse of Undo.
func (l *Ledger) Redo(entries []*Entry) error {
	for _, e := range entries {
		if e.AfterBytes == nil {
			continue
		}
		if err := os.WriteFile(e.AbsPath, e.AfterBytes, 0o600); err != nil {
			return err
		}
	}
	return nil
}

// DeleteTurn discards every ledger entry for turnID without touching the
// filesystem (used when the user commits past an undo boundary).
func (l *Ledger) DeleteTurn(turnID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.entries[:0]
	for _, e := range l.entries {
		if e.TurnID != turnID {
			kept = append(kept, e)
		}
	}
	l.entries = kept
}

// --- directory-wide pre/post diffing for shell command side effects ---

// DirSnapshot holds mtime+size+content for change detection across a shell
// command's execution.
type DirSnapshot struct {
	ModTime int64
	Size    int64
	Content []byte // nil for files over maxSnapshotBytes
}

var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "__pycache__": true,
	".venv": true, "vendor": true, ".cache": true, ".next": true,
	"dist": true, "build": true, "target": true,
}

// SnapshotDir walks root and returns a map of relative path -> DirSnapshot.
func SnapshotDir(root string) map[string]DirSnapshot {
	snap := make(map[string]DirSnapshot)
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		s := DirSnapshot{ModTime: info.ModTime().UnixNano(), Size: info.Size()}
		if info.Size() <= maxSnapshotBytes {
			s.Content, _ = os.ReadFile(path)
		}
		snap[rel] = s
		return nil
	})
	return snap
}

// RecordDirDeltas compares pre/post directory snapshots and appends ledger
// entries for every created, modified, or deleted file — used by the shell
// tool, whose side effects cannot be captured with a single before/after
// BeforeCapture/AfterCapture pair.
func (l *Ledger) RecordDirDeltas(toolCallID, root string, pre, post map[string]DirSnapshot) {
	for rel, postInfo := range post {
		abs := filepath.Join(root, rel)
		preInfo, existed := pre[rel]
		if !existed {
			l.AfterCapture(&Entry{ToolCallID: toolCallID, AbsPath: abs, DisplayPath: rel, WasCreated: true, AfterBytes: postInfo.Content})
			continue
		}
		if preInfo.ModTime != postInfo.ModTime || preInfo.Size != postInfo.Size {
			e := &Entry{ToolCallID: toolCallID, AbsPath: abs, DisplayPath: rel, BeforeBytes: preInfo.Content}
			e.AfterBytes = postInfo.Content
			l.mu.Lock()
			e.TurnID = l.turnID
			l.entries = append(l.entries, e)
			l.mu.Unlock()
		}
	}
	for rel, preInfo := range pre {
		if _, exists := post[rel]; exists {
			continue
		}
		abs := filepath.Join(root, rel)
		if preInfo.Content == nil {
			continue // can't restore what we never read
		}
		l.AfterCapture(&Entry{ToolCallID: toolCallID, AbsPath: abs, DisplayPath: rel, BeforeBytes: preInfo.Content})
	}
}
