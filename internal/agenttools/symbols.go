package agenttools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sacenox/symb-engine/internal/handles"
	"github.com/sacenox/symb-engine/internal/lsp"
	"github.com/sacenox/symb-engine/internal/tools"
	"github.com/sacenox/symb-engine/internal/treesitter"
)

// SymbolsPeekArgs represents arguments for the symbols.peek tool.
type SymbolsPeekArgs struct {
	File string `json:"file"`
}

// SymbolsPeekDefinition is the symbols.peek tool's static shape.
var SymbolsPeekDefinition = tools.Definition{
	ID:          "symbols.peek",
	Name:        "symbols.peek",
	Description: `Lists top-level symbols (functions, types, methods, imports) for a file without reading its full content. Accepts a handle minted by Grep/Glob in place of a raw path.`,
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"file": {"type": "string", "description": "Path to the file, or an F/M/L handle"}
		},
		"required": ["file"]
	}`),
	Meta: tools.Metadata{Category: "code-intelligence", ReadOnly: true},
}

// SymbolsPeekDeps bundles symbols.peek's collaborators.
type SymbolsPeekDeps struct {
	TSIndex *treesitter.Index
	Handles *handles.Table
}

// MakeSymbolsPeekHandler creates a handler for the symbols.peek tool. It
// redeems any handle argument to a path, then delegates to the tree-sitter
// index, which parses and caches per-file symbol tables instead of
// reparsing on every call.
func MakeSymbolsPeekHandler(deps SymbolsPeekDeps) tools.Handler {
	return func(ctx context.Context, tctx tools.ToolContext, arguments json.RawMessage) (tools.Result, error) {
		var args SymbolsPeekArgs
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

		if !treesitter.Supported(absPath) {
			return fail("unsupported_file_type", "symbols.peek does not support %s", file), nil
		}

		if deps.TSIndex != nil {
			deps.TSIndex.UpdateFile(absPath)
		}

		syms, err := treesitter.ParseFile(absPath)
		if err != nil {
			return fail("parse_failed", "failed to parse %s: %v", file, err), nil
		}
		if len(syms) == 0 {
			return ok(fmt.Sprintf("%s: no symbols found", file), map[string]any{"count": 0}), nil
		}

		snap := map[string][]treesitter.Symbol{file: syms}
		return ok(treesitter.FormatOutline(snap), map[string]any{"count": len(syms)}), nil
	}
}

// LSPArgs represents arguments for the lsp tool.
type LSPArgs struct {
	File string `json:"file"`
}

// LSPDefinition is the lsp tool's static shape.
var LSPDefinition = tools.Definition{
	ID:          "lsp",
	Name:        "lsp",
	Description: `Opens a file in its language server and reports current diagnostics (errors/warnings). Accepts a handle minted by Grep/Glob in place of a raw path.`,
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"file": {"type": "string", "description": "Path to the file, or an F/M/L handle"}
		},
		"required": ["file"]
	}`),
	Meta: tools.Metadata{Category: "code-intelligence", ReadOnly: true, Timeout: 10 * time.Second},
}

// LSPDeps bundles lsp's collaborators.
type LSPDeps struct {
	Manager *lsp.Manager
	Handles *handles.Table
}

// MakeLSPHandler creates a handler for the lsp tool.
func MakeLSPHandler(deps LSPDeps) tools.Handler {
	return func(ctx context.Context, tctx tools.ToolContext, arguments json.RawMessage) (tools.Result, error) {
		var args LSPArgs
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

		if deps.Manager == nil {
			return fail("lsp_unavailable", "no language server manager configured"), nil
		}

		diags := deps.Manager.NotifyAndWait(ctx, absPath, 5*time.Second)
		if len(diags) == 0 {
			return ok(fmt.Sprintf("%s: no diagnostics", file), map[string]any{"count": 0}), nil
		}

		var b strings.Builder
		b.WriteString(lsp.FormatDiagnostics(file, diags))
		return ok(strings.TrimSpace(b.String()), map[string]any{"count": len(diags)}), nil
	}
}
