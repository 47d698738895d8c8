package fileledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCheckReadBeforeWriteNewFile(t *testing.T) {
	l := New()
	path := filepath.Join(t.TempDir(), "new.txt")
	if err := l.CheckReadBeforeWrite("s1", path); err != nil {
		t.Fatalf("expected a not-yet-existing file to be exempt, got %v", err)
	}
}

func TestCheckReadBeforeWriteUnread(t *testing.T) {
	l := New()
	path := filepath.Join(t.TempDir(), "existing.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := l.CheckReadBeforeWrite("s1", path); err == nil {
		t.Fatalf("expected an error for a file never read in this session")
	}
}

func TestCheckReadBeforeWriteAfterMarkRead(t *testing.T) {
	l := New()
	path := filepath.Join(t.TempDir(), "existing.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	l.MarkRead("s1", path)
	if err := l.CheckReadBeforeWrite("s1", path); err != nil {
		t.Fatalf("expected no error right after a read, got %v", err)
	}
}

func TestCheckReadBeforeWriteStaleAfterExternalEdit(t *testing.T) {
	l := New()
	path := filepath.Join(t.TempDir(), "existing.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	l.MarkRead("s1", path)

	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if err := l.CheckReadBeforeWrite("s1", path); err == nil {
		t.Fatalf("expected an error when the file's mtime moved past the last read time")
	}
}

func TestCheckReadBeforeWriteIsolatedPerSession(t *testing.T) {
	l := New()
	path := filepath.Join(t.TempDir(), "existing.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	l.MarkRead("s1", path)
	if err := l.CheckReadBeforeWrite("s2", path); err == nil {
		t.Fatalf("expected a read recorded under one session not to satisfy another session's check")
	}
}

func TestLockSerializesPerPath(t *testing.T) {
	l := New()
	path := "/tmp/some/file.go"

	unlock := l.Lock(path)
	done := make(chan struct{})
	go func() {
		unlock2 := l.Lock(path)
		unlock2()
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("expected the second Lock call to block while the first is held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected the second Lock call to proceed after the first unlocked")
	}
}
