// Package sessionstore persists session state as JSON blobs under a
// store-managed directory rooted at config.DataDir(): one file per session,
// holding its message history, snapshot ledger, and background job audit
// trail. Writes go through write-to-tmp-then-rename so a crash mid-save
// never leaves a truncated session file behind. The unrelated internal/store
// SQLite cache (web fetch/search results) is a separate concern and unaffected.
package sessionstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sacenox/symb-engine/internal/history"
	"github.com/sacenox/symb-engine/internal/jobs"
	"github.com/sacenox/symb-engine/internal/snapshot"
)

const schemaVersion = 1

// Store roots every session file under dir/sessions.
type Store struct {
	dir string
}

// Open returns a Store rooted at dir (typically config.DataDir()), creating
// the sessions subdirectory if it does not exist.
func Open(dir string) (*Store, error) {
	sessionsDir := filepath.Join(dir, "sessions")
	if err := os.MkdirAll(sessionsDir, 0o700); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Store{dir: sessionsDir}, nil
}

// Session is the full on-disk shape of sessions/<id>.json.
type Session struct {
	Version          int                `json:"version"`
	ID               string             `json:"id"`
	Title            string             `json:"title"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
	Mode             string             `json:"mode"`
	ModelID          string             `json:"model_id"`
	History          []*history.Message `json:"history"`
	SnapshotLedger   []*snapshot.Entry  `json:"snapshot_ledger"`
	BackgroundLedger []JobRecord        `json:"background_ledger"`
}

// JobRecord is the persisted shape of one background_ledger entry: a
// snapshot of jobs.Job's exported fields (the live process handle does not
// survive a restart, only the audit-relevant facts do).
type JobRecord struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Command   string    `json:"command"`
	Workdir   string    `json:"workdir"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Status    string    `json:"status"`
}

func jobRecordsFrom(jobList []*jobs.Job) []JobRecord {
	out := make([]JobRecord, 0, len(jobList))
	for _, j := range jobList {
		out = append(out, JobRecord{
			ID: j.ID, Key: j.Key, Command: j.Command, Workdir: j.Workdir,
			PID: j.PID, StartedAt: j.StartedAt, ExpiresAt: j.ExpiresAt, Status: string(j.Status),
		})
	}
	return out
}

// path returns the absolute path to sessions/<id>.json.
func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// writeAtomic serializes v as indented JSON and installs it at dst via
// write-to-tmp-then-rename, so a concurrent reader never observes a
// partially-written file.
func writeAtomic(dst string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", dst, err)
	}
	tmp := dst + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s -> %s: %w", tmp, dst, err)
	}
	return nil
}

// Save atomically writes one session's full state. A zero UpdatedAt is set
// to now and a zero CreatedAt to UpdatedAt; Save does not read an existing
// file (SaveTurn carries its CreatedAt over).
func (s *Store) Save(sess *Session) error {
	sess.Version = schemaVersion
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = time.Now()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = sess.UpdatedAt
	}
	return writeAtomic(s.path(sess.ID), sess)
}

// SaveTurn is the convenience entry point the cmd/symb REPL calls after each
// completed turn: it bundles history, the snapshot ledger, and the live
// background job table into one Session write.
func (s *Store) SaveTurn(id, title, mode, modelID string, h *history.History, snapshots *snapshot.Ledger, jobTable *jobs.Table) error {
	existing, err := s.Load(id)
	created := time.Time{}
	if err == nil && existing != nil {
		created = existing.CreatedAt
	}

	var entries []*snapshot.Entry
	if snapshots != nil {
		entries = snapshots.All()
	}
	var jobRecords []JobRecord
	if jobTable != nil {
		jobRecords = jobRecordsFrom(jobTable.List())
	}

	sess := &Session{
		ID:               id,
		Title:            title,
		CreatedAt:        created,
		Mode:             mode,
		ModelID:          modelID,
		History:          h.All(),
		SnapshotLedger:   entries,
		BackgroundLedger: jobRecords,
	}
	return s.Save(sess)
}

// Load reads sessions/<id>.json.
func (s *Store) Load(id string) (*Session, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return &sess, nil
}

// Exists reports whether a session file exists for id.
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(s.path(id))
	return err == nil
}

// Delete removes a session file. Missing files are not an error.
func (s *Store) Delete(id string) error {
	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Summary is a lightweight listing row, avoiding a full history decode.
type Summary struct {
	ID        string
	Title     string
	UpdatedAt time.Time
}

// List returns every persisted session, most-recently-updated first.
func (s *Store) List() ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	var out []Summary
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		id := e.Name()[:len(e.Name())-len(".json")]
		sess, err := s.Load(id)
		if err != nil {
			continue
		}
		out = append(out, Summary{ID: sess.ID, Title: sess.Title, UpdatedAt: sess.UpdatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Prune deletes sessions beyond maxSessions (oldest first by UpdatedAt) and
// any session file whose size exceeds maxBytes, implementing the
// sessions.maxSessions/sessions.maxSessionBytes configuration keys.
func (s *Store) Prune(maxSessions, maxBytes int) error {
	if maxBytes > 0 {
		entries, err := os.ReadDir(s.dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			info, err := e.Info()
			if err != nil || info.IsDir() {
				continue
			}
			if info.Size() > int64(maxBytes) {
				_ = os.Remove(filepath.Join(s.dir, e.Name()))
			}
		}
	}
	if maxSessions <= 0 {
		return nil
	}
	list, err := s.List()
	if err != nil {
		return err
	}
	if len(list) <= maxSessions {
		return nil
	}
	for _, sess := range list[maxSessions:] {
		if err := s.Delete(sess.ID); err != nil {
			return err
		}
	}
	return nil
}

const (
	defaultMaxInputHistoryEntries = 100
	defaultMaxInputHistoryChars   = 10000
)

// InputHistory is the on-disk shape of sessions/input-history.json: the
// shell-style recall buffer shared across sessions.
type InputHistory struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Entries   []string  `json:"entries"`
}

func (s *Store) inputHistoryPath() string {
	return filepath.Join(s.dir, "input-history.json")
}

// LoadInputHistory reads the shared input-history file, returning an empty
// one if it does not exist yet.
func (s *Store) LoadInputHistory() (*InputHistory, error) {
	data, err := os.ReadFile(s.inputHistoryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &InputHistory{Version: 1}, nil
		}
		return nil, err
	}
	var ih InputHistory
	if err := json.Unmarshal(data, &ih); err != nil {
		return nil, fmt.Errorf("unmarshal input history: %w", err)
	}
	return &ih, nil
}

// AppendInputHistory records one submitted input line, skipping it if
// identical to the immediately preceding entry (adjacent-duplicate
// suppression), truncating to the per-entry char cap, and bounding the
// total entry count, then writes the file atomically.
func (s *Store) AppendInputHistory(line string) error {
	if line == "" {
		return nil
	}
	ih, err := s.LoadInputHistory()
	if err != nil {
		return err
	}
	if len([]rune(line)) > defaultMaxInputHistoryChars {
		r := []rune(line)
		line = string(r[:defaultMaxInputHistoryChars])
	}
	if n := len(ih.Entries); n > 0 && ih.Entries[n-1] == line {
		return nil
	}
	ih.Entries = append(ih.Entries, line)
	if len(ih.Entries) > defaultMaxInputHistoryEntries {
		ih.Entries = ih.Entries[len(ih.Entries)-defaultMaxInputHistoryEntries:]
	}
	ih.Version = 1
	ih.UpdatedAt = time.Now()
	return writeAtomic(s.inputHistoryPath(), ih)
}
