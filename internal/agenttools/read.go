package agenttools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/sacenox/symb-engine/internal/fileledger"
	"github.com/sacenox/symb-engine/internal/handles"
	"github.com/sacenox/symb-engine/internal/lsp"
	"github.com/sacenox/symb-engine/internal/tools"
	"github.com/sacenox/symb-engine/internal/treesitter"
)

// ReadArgs represents arguments for the Read tool.
type ReadArgs struct {
	File  string `json:"file"`
	Start int    `json:"start,omitempty"`
	End   int    `json:"end,omitempty"`
}

// readMaxLines is the default line cap: a longer file must be read with an
// explicit start/end range.
const readMaxLines = 2000

// ReadDefinition is the Read tool's static shape.
var ReadDefinition = tools.Definition{
	ID:          "read",
	Name:        "read",
	Description: `Reads a file and returns its content with line numbers. You MUST Read a file before Editing it. Use start/end for line ranges; without a range, a file longer than the configured line cap is rejected with errorType read_requires_range.`,
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"file":  {"type": "string", "description": "Path to the file to read. Accepts an F/M handle minted by Grep/Glob."},
			"start": {"type": "integer", "description": "Optional: starting line number (1-indexed, inclusive)"},
			"end":   {"type": "integer", "description": "Optional: ending line number (1-indexed, inclusive)"}
		},
		"required": ["file"]
	}`),
	Meta: tools.Metadata{Category: "filesystem", ReadOnly: true, PermissionName: "read"},
}

// ReadDeps bundles Read's collaborators that must outlive a single call.
type ReadDeps struct {
	Ledger     *fileledger.Ledger
	LSPManager *lsp.Manager
	TSIndex    *treesitter.Index
	MaxLines   int
	Handles    *handles.Table
}

// MakeReadHandler creates a handler for the Read tool.
func MakeReadHandler(deps ReadDeps) tools.Handler {
	maxLines := deps.MaxLines
	if maxLines <= 0 {
		maxLines = readMaxLines
	}

	return func(ctx context.Context, tctx tools.ToolContext, arguments json.RawMessage) (tools.Result, error) {
		var args ReadArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return fail("invalid_arguments", "invalid arguments: %v", err), nil
		}
		if args.File == "" {
			return fail("invalid_arguments", "file path cannot be empty"), nil
		}

		file, resolveErr := resolveHandleOrPath(deps.Handles, args.File)
		if resolveErr != nil {
			return *resolveErr, nil
		}

		absPath, err := validatePathWithRoot(file, tctx.WorkspaceRoot, false)
		if err != nil {
			return fail("access_denied", "%v", err), nil
		}

		content, err := os.ReadFile(absPath)
		if err != nil {
			if os.IsNotExist(err) {
				return fail("file_not_found", "file not found: %s", file), nil
			}
			return fail("read_failed", "failed to read file: %v", err), nil
		}

		if deps.Ledger != nil {
			deps.Ledger.MarkRead(tctx.SessionID, absPath)
		}
		if deps.LSPManager != nil {
			go deps.LSPManager.TouchFile(context.Background(), absPath)
		}
		if deps.TSIndex != nil {
			go deps.TSIndex.UpdateFile(absPath)
		}

		lines := strings.Split(string(content), "\n")
		hasExplicitRange := args.Start > 0 || args.End > 0
		if !hasExplicitRange && len(lines) > maxLines {
			return tools.Result{
				Success: false,
				Error:   fmt.Sprintf("file has %d lines (max %d without an explicit range); pass start/end", len(lines), maxLines),
				Metadata: map[string]any{
					"errorType": "read_requires_range",
					"lines":     len(lines),
				},
			}, nil
		}

		selected, startLine, err := extractRange(lines, string(content), args.Start, args.End)
		if err != nil {
			return fail("invalid_range", "%v", err), nil
		}

		numbered := numberLines(selected, startLine)

		rangeInfo := ""
		if hasExplicitRange {
			end := args.End
			if end <= 0 || end > len(lines) {
				end = len(lines)
			}
			rangeInfo = fmt.Sprintf(" (lines %d-%d of %d)", startLine, end, len(lines))
		}

		return ok(fmt.Sprintf("%s%s\n\n%s", file, rangeInfo, numbered), map[string]any{"lines": len(lines)}), nil
	}
}

// numberLines renders content with "N\t" line-number prefixes starting at start.
func numberLines(content string, start int) string {
	lines := strings.Split(content, "\n")
	var b strings.Builder
	for i, l := range lines {
		fmt.Fprintf(&b, "%d\t%s\n", start+i, l)
	}
	return strings.TrimSuffix(b.String(), "\n")
}
