package agenttools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sacenox/symb-engine/internal/jobs"
	"github.com/sacenox/symb-engine/internal/shell"
	"github.com/sacenox/symb-engine/internal/snapshot"
	"github.com/sacenox/symb-engine/internal/tools"
)

// BashArgs are the arguments to the Bash tool.
type BashArgs struct {
	Command     string `json:"command"`
	Description string `json:"description"`
	Timeout     int    `json:"timeout,omitempty"`    // seconds, default 60, foreground only
	Background  bool   `json:"background,omitempty"` // run detached via the background job table
}

const (
	maxOutputChars    = 30000
	maxTimeoutSec     = 600
	defaultTimeoutSec = 60
)

// BashDefinition is the Bash tool's static shape.
var BashDefinition = tools.Definition{
	ID:   "bash",
	Name: "bash",
	Description: `Execute a shell command in an in-process POSIX interpreter.
Commands run inside the workspace directory. Shell state (cwd, env vars) persists across calls within the same session.
Dangerous commands (network, sudo, package managers, system modification) are blocked.
Set background=true for long-running processes (dev servers, watchers); they run detached and are deduplicated by working directory + command, with a TTL after which they are killed automatically.`,
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"command":     {"type": "string", "description": "The shell command to execute"},
			"description": {"type": "string", "description": "Brief description of what this command does (5-10 words)"},
			"timeout":     {"type": "integer", "description": "Timeout in seconds (default 60, foreground only)"},
			"background":  {"type": "boolean", "description": "Run detached via the background job table instead of waiting for completion"}
		},
		"required": ["command", "description"]
	}`),
	Meta: tools.Metadata{Category: "shell", RequiresApproval: true, PermissionName: "bash", PermissionPatterns: []tools.Pattern{{Type: tools.PatternCommand, Value: "*"}}},
}

// BashDeps bundles Bash's collaborators.
type BashDeps struct {
	Shell             *shell.Shell
	Snapshots         *snapshot.Ledger
	Jobs              *jobs.Table
	BackgroundTTL     time.Duration
	BackgroundCapture time.Duration // how long Start blocks collecting early output
	BackgroundLines   int           // how many trailing output lines to retain
	DefaultTimeout    time.Duration // foreground default when args.Timeout is unset
	OnOutput          func(chunk string)
}

// MakeBashHandler creates a handler for the Bash tool. Foreground commands
// run synchronously through the in-process shell.Shell interpreter with
// before/after directory snapshots recorded for undo; background=true
// instead hands the command to the background job table, which spawns it
// detached in its own process group and returns once the capture window
// (BackgroundCapture) has passed or the process has exited, whichever is
// first.
func MakeBashHandler(deps BashDeps) tools.Handler {
	return func(ctx context.Context, tctx tools.ToolContext, arguments json.RawMessage) (tools.Result, error) {
		var args BashArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return fail("invalid_arguments", "invalid arguments: %v", err), nil
		}
		if args.Command == "" {
			return fail("invalid_arguments", "command is required"), nil
		}

		if args.Background {
			return runBackground(deps, tctx, args)
		}
		return runForeground(ctx, deps, tctx, args)
	}
}

func runBackground(deps BashDeps, tctx tools.ToolContext, args BashArgs) (tools.Result, error) {
	if deps.Jobs == nil {
		return fail("jobs_unavailable", "background execution is not configured"), nil
	}
	workdir := tctx.WorkspaceRoot
	if deps.Shell != nil {
		workdir = deps.Shell.Dir()
	}
	ttl := deps.BackgroundTTL
	res, err := deps.Jobs.Start(workdir, args.Command, ttl, deps.BackgroundCapture, deps.BackgroundLines)
	if err != nil {
		return fail("job_start_failed", "%v", err), nil
	}
	verb := "Started"
	if res.Reused {
		verb = "Reusing already-running"
	}
	text := fmt.Sprintf("%s background job %s (pid %d): %s", verb, res.Job.ID, res.Job.PID, args.Command)
	if out := res.Job.CapturedOutput(); out != "" {
		text += "\n\noutput so far:\n" + out
	}
	return ok(text, map[string]any{"jobId": res.Job.ID, "pid": res.Job.PID, "reused": res.Reused}), nil
}

func runForeground(ctx context.Context, deps BashDeps, tctx tools.ToolContext, args BashArgs) (tools.Result, error) {
	if deps.Shell == nil {
		return fail("shell_unavailable", "shell is not configured"), nil
	}

	timeout := defaultTimeoutSec
	if deps.DefaultTimeout > 0 {
		timeout = int(deps.DefaultTimeout / time.Second)
	}
	if args.Timeout > 0 {
		timeout = args.Timeout
	}
	if timeout > maxTimeoutSec {
		timeout = maxTimeoutSec
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	shellCwd := deps.Shell.Dir()
	trackDeltas := deps.Snapshots != nil
	var preSnap map[string]snapshot.DirSnapshot
	if trackDeltas {
		preSnap = snapshot.SnapshotDir(shellCwd)
	}

	var stdout, stderr bytes.Buffer
	var execErr error
	if deps.OnOutput != nil {
		sw := &streamWriter{buf: &stdout, onChunk: deps.OnOutput}
		execErr = deps.Shell.ExecStream(ctx, args.Command, sw, &stderr)
	} else {
		execErr = deps.Shell.ExecStream(ctx, args.Command, &stdout, &stderr)
	}

	if trackDeltas {
		postSnap := snapshot.SnapshotDir(shellCwd)
		deps.Snapshots.RecordDirDeltas(tctx.SessionID+":bash", shellCwd, preSnap, postSnap)
	}

	exitCode := shell.ExitCode(execErr)
	output := formatShellOutput(stdout.String(), stderr.String(), exitCode, ctx.Err())
	if output == "" {
		output = "(no output)\n"
	}
	if len([]rune(output)) > maxOutputChars {
		output = truncateMiddle(output, maxOutputChars)
	}

	if exitCode != 0 {
		return tools.Result{Success: false, Error: output, Metadata: map[string]any{"errorType": "command_failed", "exitCode": exitCode}}, nil
	}
	return ok(output, map[string]any{"exitCode": exitCode}), nil
}

type streamWriter struct {
	buf     *bytes.Buffer
	onChunk func(string)
}

func (w *streamWriter) Write(p []byte) (int, error) {
	n, err := w.buf.Write(p)
	if n > 0 && w.onChunk != nil {
		w.onChunk(string(p[:n]))
	}
	return n, err
}

func formatShellOutput(stdout, stderr string, exitCode int, ctxErr error) string {
	var b strings.Builder
	if stdout != "" {
		b.WriteString(stdout)
		if !strings.HasSuffix(stdout, "\n") {
			b.WriteByte('\n')
		}
	}
	if stderr != "" {
		b.WriteString(stderr)
		if !strings.HasSuffix(stderr, "\n") {
			b.WriteByte('\n')
		}
	}
	if ctxErr != nil {
		fmt.Fprintf(&b, "[timed out]\n")
	}
	if exitCode != 0 {
		fmt.Fprintf(&b, "[exit code: %d]\n", exitCode)
	}
	return b.String()
}

func truncateMiddle(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	half := maxChars / 2
	return string(runes[:half]) + "\n\n... [truncated] ...\n\n" + string(runes[len(runes)-half:])
}
