package jobs

import (
	"testing"
	"time"
)

func TestStartAndReuse(t *testing.T) {
	table := NewTable()

	res1, err := table.Start(t.TempDir(), "sleep 5", time.Minute, 0, 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res1.Reused {
		t.Fatalf("expected a fresh job on first start")
	}

	res2, err := table.Start(res1.Job.Workdir, "sleep 5", time.Minute, 0, 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !res2.Reused {
		t.Fatalf("expected the second start with the same workdir+command to reuse the live job")
	}
	if res2.Job.ID != res1.Job.ID {
		t.Fatalf("expected the same job id on reuse, got %s and %s", res1.Job.ID, res2.Job.ID)
	}

	if err := table.Cancel(res1.Job.Key); err != nil {
		t.Fatalf("cancel: %v", err)
	}
}

func TestStartCapturesEarlyOutput(t *testing.T) {
	table := NewTable()

	res, err := table.Start(t.TempDir(), "echo one; echo two; sleep 2", 5*time.Minute, 200*time.Millisecond, 10)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	out := res.Job.CapturedOutput()
	if out != "one\ntwo" {
		t.Fatalf("expected captured output %q, got %q", "one\ntwo", out)
	}

	table.Cancel(res.Job.Key)
}

func TestLineRingBufferDropsOldest(t *testing.T) {
	buf := newLineRingBuffer(2)
	buf.Write([]byte("a\nb\nc\n"))
	if got := buf.String(); got != "b\nc" {
		t.Fatalf("expected ring buffer to keep only the last 2 lines, got %q", got)
	}
}

func TestKey(t *testing.T) {
	a := Key("/tmp/work", "npm run build")
	b := Key("/tmp/work", "npm run build")
	c := Key("/tmp/work", "npm run test")
	if a != b {
		t.Fatalf("expected identical (workdir, command) pairs to hash the same")
	}
	if a == c {
		t.Fatalf("expected different commands to hash differently")
	}
}
