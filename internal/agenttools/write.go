package agenttools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sacenox/symb-engine/internal/fileledger"
	"github.com/sacenox/symb-engine/internal/lsp"
	"github.com/sacenox/symb-engine/internal/snapshot"
	"github.com/sacenox/symb-engine/internal/tools"
	"github.com/sacenox/symb-engine/internal/treesitter"
)

// WriteArgs represents arguments for the Write tool.
type WriteArgs struct {
	File    string `json:"file"`
	Content string `json:"content"`
}

// WriteDefinition is the Write tool's static shape: a standalone
// create-only tool, separate from Edit's find-and-replace contract.
var WriteDefinition = tools.Definition{
	ID:          "write",
	Name:        "write",
	Description: `Create a new file with the given content. Fails if the file already exists — use edit to modify an existing file.`,
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"file":    {"type": "string", "description": "Path to the file to create"},
			"content": {"type": "string", "description": "Full file content"}
		},
		"required": ["file", "content"]
	}`),
	Meta: tools.Metadata{Category: "filesystem", PermissionName: "edit", PermissionPatterns: []tools.Pattern{{Type: tools.PatternPath, Value: "*"}}},
}

// WriteDeps bundles Write's collaborators.
type WriteDeps struct {
	Ledger     *fileledger.Ledger
	Snapshots  *snapshot.Ledger
	LSPManager *lsp.Manager
	TSIndex    *treesitter.Index
}

// MakeWriteHandler creates a handler for the Write tool.
func MakeWriteHandler(deps WriteDeps) tools.Handler {
	return func(ctx context.Context, tctx tools.ToolContext, arguments json.RawMessage) (tools.Result, error) {
		var args WriteArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return fail("invalid_arguments", "invalid arguments: %v", err), nil
		}
		if args.File == "" {
			return fail("invalid_arguments", "file path cannot be empty"), nil
		}

		absPath, err := validatePathWithRoot(args.File, tctx.WorkspaceRoot, false)
		if err != nil {
			return fail("access_denied", "%v", err), nil
		}

		var unlock func()
		if deps.Ledger != nil {
			unlock = deps.Ledger.Lock(absPath)
			defer unlock()
		}

		if _, err := os.Stat(absPath); err == nil {
			return fail("file_exists", "file already exists: %s (use edit to modify it)", args.File), nil
		}

		var entry *snapshot.Entry
		if deps.Snapshots != nil {
			callID := tctx.SessionID + ":" + absPath
			entry = snapshot.BeforeCapture(callID, absPath, args.File, false)
		}

		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			return fail("mkdir_failed", "failed to create directories: %v", err), nil
		}
		if err := os.WriteFile(absPath, []byte(args.Content), 0o600); err != nil {
			return fail("write_failed", "failed to create file: %v", err), nil
		}
		if deps.Snapshots != nil && entry != nil {
			deps.Snapshots.AfterCapture(entry)
		}
		if deps.Ledger != nil {
			deps.Ledger.MarkRead(tctx.SessionID, absPath)
		}

		text := fmt.Sprintf("Created %s", args.File)
		if deps.LSPManager != nil {
			diags := deps.LSPManager.NotifyAndWait(ctx, absPath, 5*time.Second)
			text += lsp.FormatDiagnostics(args.File, diags)
		}
		if deps.TSIndex != nil {
			deps.TSIndex.UpdateFile(absPath)
		}

		return ok(text, nil), nil
	}
}
