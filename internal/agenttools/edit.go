package agenttools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sacenox/symb-engine/internal/fileledger"
	"github.com/sacenox/symb-engine/internal/handles"
	"github.com/sacenox/symb-engine/internal/lsp"
	"github.com/sacenox/symb-engine/internal/snapshot"
	"github.com/sacenox/symb-engine/internal/tools"
	"github.com/sacenox/symb-engine/internal/treesitter"
)

// EditArgs represents arguments for the Edit tool: a literal-string
// find-and-replace against a file's current contents.
type EditArgs struct {
	File       string `json:"file"`
	OldString  string `json:"oldString"`
	NewString  string `json:"newString"`
	ReplaceAll bool   `json:"replaceAll,omitempty"`
}

// EditDefinition is the Edit tool's static shape.
var EditDefinition = tools.Definition{
	ID:   "edit",
	Name: "edit",
	Description: `Replace oldString with newString in a file. You MUST Read the file first. oldString must match exactly; if it matches more than once, set replaceAll=true or include enough surrounding context to make it unique. oldString and newString must differ.`,
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"file":       {"type": "string", "description": "Path to the file to edit. Accepts a handle minted by Grep/Glob."},
			"oldString":  {"type": "string", "description": "Exact text to find. Must be unique in the file unless replaceAll is set."},
			"newString":  {"type": "string", "description": "Text to replace it with. Must differ from oldString."},
			"replaceAll": {"type": "boolean", "description": "Replace every occurrence of oldString instead of requiring a unique match."}
		},
		"required": ["file", "oldString", "newString"]
	}`),
	Meta: tools.Metadata{Category: "filesystem", PermissionName: "edit", PermissionPatterns: []tools.Pattern{{Type: tools.PatternPath, Value: "*"}}},
}

// EditDeps bundles Edit's collaborators.
type EditDeps struct {
	Ledger     *fileledger.Ledger
	Snapshots  *snapshot.Ledger
	LSPManager *lsp.Manager
	TSIndex    *treesitter.Index
	Handles    *handles.Table
}

// MakeEditHandler creates a handler for the Edit tool.
func MakeEditHandler(deps EditDeps) tools.Handler {
	return func(ctx context.Context, tctx tools.ToolContext, arguments json.RawMessage) (tools.Result, error) {
		var args EditArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return fail("invalid_arguments", "invalid arguments: %v", err), nil
		}
		if args.File == "" {
			return fail("invalid_arguments", "file path cannot be empty"), nil
		}
		if args.OldString == args.NewString {
			return fail("edit_no_op", "oldString and newString must be different"), nil
		}

		file, resolveErr := resolveHandleOrPath(deps.Handles, args.File)
		if resolveErr != nil {
			return *resolveErr, nil
		}

		absPath, err := validatePathWithRoot(file, tctx.WorkspaceRoot, false)
		if err != nil {
			return fail("access_denied", "%v", err), nil
		}

		if deps.Ledger != nil {
			if err := deps.Ledger.CheckReadBeforeWrite(tctx.SessionID, absPath); err != nil {
				return fail("unread_file", "%v", err), nil
			}
		}

		var unlock func()
		if deps.Ledger != nil {
			unlock = deps.Ledger.Lock(absPath)
			defer unlock()
		}

		var entry *snapshot.Entry
		if deps.Snapshots != nil {
			callID := tctx.SessionID + ":" + absPath
			entry = snapshot.BeforeCapture(callID, absPath, file, false)
		}

		content, err := os.ReadFile(absPath)
		if err != nil {
			return fail("read_failed", "failed to read file: %v", err), nil
		}
		original := string(content)

		count := strings.Count(original, args.OldString)
		if count == 0 {
			return fail("edit_oldstring_not_found", "oldString not found in %s", file), nil
		}
		if count > 1 && !args.ReplaceAll {
			return fail("edit_oldstring_multiple_matches", "oldString matches %d locations in %s; set replaceAll=true or include more context to make it unique", count, file), nil
		}

		var updated string
		if args.ReplaceAll {
			updated = strings.ReplaceAll(original, args.OldString, args.NewString)
		} else {
			updated = strings.Replace(original, args.OldString, args.NewString, 1)
		}

		if err := os.WriteFile(absPath, []byte(updated), 0o600); err != nil {
			return fail("write_failed", "failed to write file: %v", err), nil
		}
		if deps.Snapshots != nil && entry != nil {
			deps.Snapshots.AfterCapture(entry)
		}

		replacedCount := 1
		if args.ReplaceAll {
			replacedCount = count
		}
		text := fmt.Sprintf("Edited %s (%d replacement(s))", file, replacedCount)

		if deps.LSPManager != nil {
			diags := deps.LSPManager.NotifyAndWait(ctx, absPath, 5*time.Second)
			text += lsp.FormatDiagnostics(file, diags)
		}
		if deps.TSIndex != nil {
			deps.TSIndex.UpdateFile(absPath)
		}

		return ok(text, map[string]any{"replacements": replacedCount}), nil
	}
}
