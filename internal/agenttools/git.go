package agenttools

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"os/exec"

	"github.com/sacenox/symb-engine/internal/tools"
)

// GitStatusArgs represents arguments for the GitStatus tool.
type GitStatusArgs struct {
	Long bool `json:"long,omitempty"`
}

// GitDiffArgs represents arguments for the GitDiff tool.
type GitDiffArgs struct {
	File   string `json:"file,omitempty"`
	Staged bool   `json:"staged,omitempty"`
}

// GitStatusDefinition is the GitStatus tool's static shape.
var GitStatusDefinition = tools.Definition{
	ID:          "git.status",
	Name:        "git.status",
	Description: "Show the working tree status. Returns modified, staged, and untracked files.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"long": {"type": "boolean", "description": "Use long format output. Default: false (short format)"}
		}
	}`),
	Meta: tools.Metadata{Category: "vcs", ReadOnly: true},
}

// GitDiffDefinition is the GitDiff tool's static shape.
var GitDiffDefinition = tools.Definition{
	ID:          "git.diff",
	Name:        "git.diff",
	Description: "Show changes between working tree and index (unstaged), or between index and HEAD (staged). Returns unified diff output.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"file":   {"type": "string", "description": "Optional: specific file path to diff. If omitted, diffs all changed files."},
			"staged": {"type": "boolean", "description": "If true, show staged (cached) changes. Default: false (unstaged changes)"}
		}
	}`),
	Meta: tools.Metadata{Category: "vcs", ReadOnly: true},
}

// runGit executes a git command in dir and returns stdout, or a failure Result.
func runGit(ctx context.Context, dir string, args ...string) (string, *tools.Result) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// git diff returns exit code 1 when there are differences — not an error.
		if cmd.ProcessState != nil && cmd.ProcessState.ExitCode() == 1 && stderr.Len() == 0 {
			return stdout.String(), nil
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		res := fail("git_error", "git error: %s", msg)
		return "", &res
	}
	return stdout.String(), nil
}

// MakeGitStatusHandler creates a handler for the GitStatus tool.
func MakeGitStatusHandler() tools.Handler {
	return func(ctx context.Context, tctx tools.ToolContext, arguments json.RawMessage) (tools.Result, error) {
		var args GitStatusArgs
		if len(arguments) > 0 {
			if err := json.Unmarshal(arguments, &args); err != nil {
				return fail("invalid_arguments", "invalid arguments: %v", err), nil
			}
		}

		gitArgs := []string{"status"}
		if !args.Long {
			gitArgs = append(gitArgs, "--short")
		}

		out, errResult := runGit(ctx, tctx.WorkspaceRoot, gitArgs...)
		if errResult != nil {
			return *errResult, nil
		}
		if strings.TrimSpace(out) == "" {
			out = "nothing to commit, working tree clean"
		}
		return ok(out, nil), nil
	}
}

// MakeGitDiffHandler creates a handler for the GitDiff tool.
func MakeGitDiffHandler() tools.Handler {
	return func(ctx context.Context, tctx tools.ToolContext, arguments json.RawMessage) (tools.Result, error) {
		var args GitDiffArgs
		if len(arguments) > 0 {
			if err := json.Unmarshal(arguments, &args); err != nil {
				return fail("invalid_arguments", "invalid arguments: %v", err), nil
			}
		}

		gitArgs := []string{"diff"}
		if args.Staged {
			gitArgs = append(gitArgs, "--cached")
		}
		if args.File != "" {
			gitArgs = append(gitArgs, "--", args.File)
		}

		out, errResult := runGit(ctx, tctx.WorkspaceRoot, gitArgs...)
		if errResult != nil {
			return *errResult, nil
		}
		if strings.TrimSpace(out) == "" {
			label := "unstaged"
			if args.Staged {
				label = "staged"
			}
			out = "no " + label + " changes"
		}
		return ok(out, nil), nil
	}
}
