package sessionstore

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/sacenox/symb-engine/internal/history"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	h := history.New()
	h.Append(&history.Message{
		ID:   "m1",
		Role: history.RoleUser,
		Parts: []history.Part{
			{Kind: history.KindText, State: history.StateDone, Text: "hello"},
		},
		CreatedAt: time.Now().Truncate(time.Second),
	})

	want := &Session{
		ID:      "sess-1",
		Title:   "test session",
		Mode:    "build",
		ModelID: "mock",
		History: h.All(),
	}
	if err := s.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load("sess-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Title != want.Title || got.Mode != want.Mode || got.ModelID != want.ModelID {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, want)
	}
	if len(got.History) != 1 || got.History[0].Text() != "hello" {
		t.Fatalf("history not preserved: %+v", got.History)
	}
}

func TestSaveIsAtomicNoTmpLeftBehind(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Save(&Session{ID: "sess-2"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(dir, "sessions"))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Fatalf("leftover tmp file: %s", e.Name())
		}
	}
}

func TestExistsAndDelete(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(dir)
	if s.Exists("nope") {
		t.Fatal("expected Exists to be false for a never-saved id")
	}
	_ = s.Save(&Session{ID: "sess-3"})
	if !s.Exists("sess-3") {
		t.Fatal("expected Exists to be true after Save")
	}
	if err := s.Delete("sess-3"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Exists("sess-3") {
		t.Fatal("expected Exists to be false after Delete")
	}
	if err := s.Delete("sess-3"); err != nil {
		t.Fatalf("Delete on missing file should not error: %v", err)
	}
}

func TestInputHistoryDedupAndCap(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(dir)

	if err := s.AppendInputHistory("ls"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendInputHistory("ls"); err != nil {
		t.Fatalf("append: %v", err)
	}
	ih, err := s.LoadInputHistory()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(ih.Entries, []string{"ls"}) {
		t.Fatalf("expected adjacent duplicate to be suppressed, got %v", ih.Entries)
	}

	for i := 0; i < defaultMaxInputHistoryEntries+10; i++ {
		_ = s.AppendInputHistory(strings.Repeat("x", i%3+1) + "_cmd")
	}
	ih, err = s.LoadInputHistory()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(ih.Entries) > defaultMaxInputHistoryEntries {
		t.Fatalf("expected entries bounded to %d, got %d", defaultMaxInputHistoryEntries, len(ih.Entries))
	}

	long := strings.Repeat("a", defaultMaxInputHistoryChars+500)
	if err := s.AppendInputHistory(long); err != nil {
		t.Fatalf("append long: %v", err)
	}
	ih, _ = s.LoadInputHistory()
	last := ih.Entries[len(ih.Entries)-1]
	if len([]rune(last)) != defaultMaxInputHistoryChars {
		t.Fatalf("expected entry truncated to %d chars, got %d", defaultMaxInputHistoryChars, len([]rune(last)))
	}
}
