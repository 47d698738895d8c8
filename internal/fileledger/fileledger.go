// Package fileledger tracks which files a session has read and serializes
// writes per absolute path. A file must be read before it can be edited,
// and an edit is rejected if the file changed on disk after that read, so
// a concurrent external edit is never silently clobbered.
package fileledger

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Ledger is a (session_id, abs_path) -> last_read_time map plus a per-path
// lock table (one sync.Mutex per path).
type Ledger struct {
	mu        sync.Mutex
	lastRead  map[string]map[string]time.Time // sessionID -> absPath -> time
	pathLocks map[string]*sync.Mutex
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		lastRead:  make(map[string]map[string]time.Time),
		pathLocks: make(map[string]*sync.Mutex),
	}
}

// MarkRead records that sessionID has just read absPath.
func (l *Ledger) MarkRead(sessionID, absPath string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.lastRead[sessionID]
	if !ok {
		m = make(map[string]time.Time)
		l.lastRead[sessionID] = m
	}
	m[absPath] = time.Now()
}

// lastReadTime returns the recorded read time, if any.
func (l *Ledger) lastReadTime(sessionID, absPath string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.lastRead[sessionID]
	if !ok {
		return time.Time{}, false
	}
	t, ok := m[absPath]
	return t, ok
}

// CheckReadBeforeWrite enforces C7's two invariants. A path that does not
// yet exist is exempt (new-file creation never needs a prior read).
func (l *Ledger) CheckReadBeforeWrite(sessionID, absPath string) error {
	info, statErr := os.Stat(absPath)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return nil
		}
		return statErr
	}

	lastRead, ok := l.lastReadTime(sessionID, absPath)
	if !ok {
		return fmt.Errorf("you must read the file %s before modifying it", absPath)
	}
	if info.ModTime().After(lastRead) {
		return fmt.Errorf(
			"file %s was modified on disk (mtime %s) after it was last read (%s); re-read before editing",
			absPath, info.ModTime().Format(time.RFC3339), lastRead.Format(time.RFC3339),
		)
	}
	return nil
}

// Lock acquires the lock for absPath, returning an unlock func that must be
// called on every exit path, including errors. Waiters are not granted the
// lock in arrival order.
func (l *Ledger) Lock(absPath string) func() {
	l.mu.Lock()
	m, ok := l.pathLocks[absPath]
	if !ok {
		m = &sync.Mutex{}
		l.pathLocks[absPath] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
