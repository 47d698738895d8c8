// Package jobs implements the background job table: it deduplicates
// long-running shell jobs keyed by (workdir, command), spawns each in its
// own process group so it survives the parent's own signal handling, and
// auto-terminates them on TTL expiry.
package jobs

import (
	"bytes"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS background_jobs (
	id         TEXT PRIMARY KEY,
	key        TEXT NOT NULL,
	command    TEXT NOT NULL,
	workdir    TEXT NOT NULL,
	pid        INTEGER NOT NULL,
	status     TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_background_jobs_key ON background_jobs(key);
`

// Status is a background job's lifecycle state.
type Status string

const (
	StatusRunning Status = "running"
	StatusExpired Status = "expired"
	StatusKilled  Status = "killed"
	StatusExited  Status = "exited"
)

// Job is one live or recently-finished background command.
type Job struct {
	ID        string
	Key       string
	Command   string
	Workdir   string
	PID       int
	TTL       time.Duration
	StartedAt time.Time
	ExpiresAt time.Time
	Status    Status

	cmd    *exec.Cmd
	output *lineRingBuffer
	exited chan struct{}
}

// CapturedOutput returns the combined stdout/stderr lines captured during
// the job's capture window, oldest first.
func (j *Job) CapturedOutput() string {
	if j.output == nil {
		return ""
	}
	return j.output.String()
}

// lineRingBuffer keeps the most recent maxLines lines written to it,
// dropping the oldest once full. Safe for concurrent writers (stdout and
// stderr pipes) and a concurrent reader.
type lineRingBuffer struct {
	mu       sync.Mutex
	maxLines int
	lines    []string
	partial  bytes.Buffer
}

func newLineRingBuffer(maxLines int) *lineRingBuffer {
	if maxLines <= 0 {
		maxLines = 100
	}
	return &lineRingBuffer{maxLines: maxLines}
}

func (b *lineRingBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.partial.Write(p)
	for {
		buffered := b.partial.Bytes()
		idx := bytes.IndexByte(buffered, '\n')
		if idx < 0 {
			break
		}
		b.appendLocked(string(buffered[:idx]))
		b.partial.Next(idx + 1)
	}
	return len(p), nil
}

func (b *lineRingBuffer) appendLocked(line string) {
	b.lines = append(b.lines, line)
	if len(b.lines) > b.maxLines {
		b.lines = b.lines[len(b.lines)-b.maxLines:]
	}
}

func (b *lineRingBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := b.lines
	if b.partial.Len() > 0 {
		lines = append(append([]string{}, lines...), b.partial.String())
	}
	return strings.Join(lines, "\n")
}

// Key hashes (workdir, command) into the table's dedup key: two Start calls
// for the same command in the same directory resolve to the same job.
func Key(workdir, command string) string {
	h := sha256.Sum256([]byte(workdir + "\x00" + command))
	return hex.EncodeToString(h[:])[:16]
}

const (
	defaultTTL    = 10 * time.Minute
	killGracePeriod = 3 * time.Second
)

// Table is the process-wide live-job map.
type Table struct {
	mu   sync.Mutex
	jobs map[string]*Job // key -> job
	seq  int
	audit *sql.DB
}

// NewTable returns an empty job table.
func NewTable() *Table {
	return &Table{jobs: make(map[string]*Job)}
}

// SetAuditDB wires the background job table to the same sqlite database the
// web fetch/search cache uses (store.Cache.DB()), rather than opening a
// second file for an unrelated concern. Live job state still lives in the
// in-process map; the audit table only records lifecycle so history survives
// a restart even though the jobs themselves do not.
func (t *Table) SetAuditDB(db *sql.DB) error {
	if db == nil {
		return nil
	}
	if _, err := db.Exec(auditSchema); err != nil {
		return fmt.Errorf("jobs: create audit schema: %w", err)
	}
	t.mu.Lock()
	t.audit = db
	t.mu.Unlock()
	return nil
}

// recordAudit upserts one job's current state into the audit table. Best
// effort: a write failure is logged, not propagated, since the audit trail
// is a convenience, not the source of truth for live jobs.
func (t *Table) recordAudit(j *Job) {
	t.mu.Lock()
	db := t.audit
	t.mu.Unlock()
	if db == nil {
		return
	}
	_, err := db.Exec(
		`INSERT INTO background_jobs (id, key, command, workdir, pid, status, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		j.ID, j.Key, j.Command, j.Workdir, j.PID, string(j.Status), j.StartedAt.Unix(), time.Now().Unix(),
	)
	if err != nil {
		log.Warn().Err(err).Str("job_id", j.ID).Msg("jobs: failed to record audit entry")
	}
}

// StartResult reports whether Start reused an existing live job.
type StartResult struct {
	Reused bool
	Job    *Job
}

// Start spawns command in workdir detached in its own process group, or, if
// a live job with the same key already exists, refreshes its TTL and
// returns it instead. A lazy sweep for dead jobs runs on every call.
//
// Start blocks for up to captureWindow collecting the job's stdout/stderr
// (last captureLines lines, oldest dropped first) so the caller can report
// early startup failures before returning; the job keeps running detached
// regardless of whether it exits within that window.
func (t *Table) Start(workdir, command string, ttl, captureWindow time.Duration, captureLines int) (StartResult, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	key := Key(workdir, command)

	t.mu.Lock()
	t.sweepDeadLocked()
	if existing, ok := t.jobs[key]; ok && isAlive(existing.PID) {
		existing.ExpiresAt = time.Now().Add(ttl)
		t.mu.Unlock()
		return StartResult{Reused: true, Job: existing}, nil
	}
	t.mu.Unlock()

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = workdir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	ring := newLineRingBuffer(captureLines)
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return StartResult{}, fmt.Errorf("jobs: stdout pipe %q: %w", command, err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return StartResult{}, fmt.Errorf("jobs: stderr pipe %q: %w", command, err)
	}
	if err := cmd.Start(); err != nil {
		return StartResult{}, fmt.Errorf("jobs: start %q: %w", command, err)
	}
	go io.Copy(ring, stdoutPipe)
	go io.Copy(ring, stderrPipe)

	t.mu.Lock()
	t.seq++
	job := &Job{
		ID:        fmt.Sprintf("job-%d", t.seq),
		Key:       key,
		Command:   command,
		Workdir:   workdir,
		PID:       cmd.Process.Pid,
		TTL:       ttl,
		StartedAt: time.Now(),
		ExpiresAt: time.Now().Add(ttl),
		Status:    StatusRunning,
		cmd:       cmd,
		output:    ring,
		exited:    make(chan struct{}),
	}
	t.jobs[key] = job
	t.mu.Unlock()
	t.recordAudit(job)

	go t.watch(job)
	go t.scheduleTTL(job)

	if captureWindow > 0 {
		select {
		case <-job.exited:
		case <-time.After(captureWindow):
		}
	}

	return StartResult{Reused: false, Job: job}, nil
}

// watch waits for the process to exit and updates its status.
func (t *Table) watch(job *Job) {
	err := job.cmd.Wait()
	close(job.exited)
	t.mu.Lock()
	changed := false
	if job.Status == StatusRunning {
		if err != nil {
			job.Status = StatusKilled
		} else {
			job.Status = StatusExited
		}
		changed = true
	}
	t.mu.Unlock()
	if changed {
		t.recordAudit(job)
	}
}

// scheduleTTL fires SIGTERM then, after a grace period, SIGKILL once the
// job's TTL elapses without being refreshed by a reuse.
func (t *Table) scheduleTTL(job *Job) {
	for {
		t.mu.Lock()
		remaining := time.Until(job.ExpiresAt)
		status := job.Status
		t.mu.Unlock()
		if status != StatusRunning {
			return
		}
		if remaining <= 0 {
			break
		}
		time.Sleep(remaining)
	}

	t.mu.Lock()
	if job.Status != StatusRunning {
		t.mu.Unlock()
		return
	}
	job.Status = StatusExpired
	t.mu.Unlock()
	t.recordAudit(job)

	killGroup(job.PID, syscall.SIGTERM)
	time.AfterFunc(killGracePeriod, func() {
		if isAlive(job.PID) {
			killGroup(job.PID, syscall.SIGKILL)
		}
	})
}

// Cancel explicitly terminates a job by key.
func (t *Table) Cancel(key string) error {
	t.mu.Lock()
	job, ok := t.jobs[key]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("jobs: no job for key %s", key)
	}
	job.Status = StatusKilled
	t.recordAudit(job)
	return killGroup(job.PID, syscall.SIGTERM)
}

// List returns a snapshot of every tracked job.
func (t *Table) List() []*Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		out = append(out, j)
	}
	return out
}

// sweepDeadLocked removes entries whose process has exited; caller holds t.mu.
func (t *Table) sweepDeadLocked() {
	for key, j := range t.jobs {
		if j.Status != StatusRunning || !isAlive(j.PID) {
			delete(t.jobs, key)
		}
	}
}

func isAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// killGroup signals the whole process group so children spawned by the
// command are terminated too.
func killGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, sig)
}
