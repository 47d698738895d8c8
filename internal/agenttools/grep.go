package agenttools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sacenox/symb-engine/internal/filesearch"
	"github.com/sacenox/symb-engine/internal/handles"
	"github.com/sacenox/symb-engine/internal/tools"
)

// GrepArgs represents arguments for the Grep tool.
type GrepArgs struct {
	Pattern       string `json:"pattern"`
	CaseSensitive bool   `json:"caseSensitive,omitempty"`
	MaxResults    int    `json:"maxResults,omitempty"`
}

// GlobArgs represents arguments for the Glob tool.
type GlobArgs struct {
	Pattern    string `json:"pattern"`
	MaxResults int    `json:"maxResults,omitempty"`
}

const defaultSearchMaxResults = 100

// GrepDefinition is the Grep tool's static shape.
var GrepDefinition = tools.Definition{
	ID:          "grep",
	Name:        "grep",
	Description: `Search file contents for a regex pattern within the workspace. Returns matches as M<n> handles (file + line) redeemable by Read/Edit.`,
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern":       {"type": "string", "description": "Regex pattern to search for in file contents"},
			"caseSensitive": {"type": "boolean", "description": "Case-sensitive matching. Default: false"},
			"maxResults":    {"type": "integer", "description": "Maximum results to return. Default: 100"}
		},
		"required": ["pattern"]
	}`),
	Meta: tools.Metadata{Category: "search", ReadOnly: true},
}

// GlobDefinition is the Glob tool's static shape.
var GlobDefinition = tools.Definition{
	ID:          "glob",
	Name:        "glob",
	Description: `Find files whose path matches a regex pattern within the workspace. Returns matches as F<n> handles redeemable by Read/Edit.`,
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern":    {"type": "string", "description": "Regex pattern to match against file paths"},
			"maxResults": {"type": "integer", "description": "Maximum results to return. Default: 100"}
		},
		"required": ["pattern"]
	}`),
	Meta: tools.Metadata{Category: "search", ReadOnly: true},
}

// MakeGrepHandler creates a handler for the Grep tool, minting M<n> handles
// for each match so later Read/Edit calls can redeem them in place of a raw
// path.
func MakeGrepHandler(table *handles.Table) tools.Handler {
	return func(ctx context.Context, tctx tools.ToolContext, arguments json.RawMessage) (tools.Result, error) {
		var args GrepArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return fail("invalid_arguments", "invalid arguments: %v", err), nil
		}
		if args.Pattern == "" {
			return fail("invalid_arguments", "pattern is required"), nil
		}
		if args.MaxResults <= 0 {
			args.MaxResults = defaultSearchMaxResults
		}

		searcher, err := filesearch.NewSearcher(tctx.WorkspaceRoot)
		if err != nil {
			return fail("search_init_failed", "%v", err), nil
		}
		results, err := searcher.Search(ctx, filesearch.Options{
			Pattern:       args.Pattern,
			ContentSearch: true,
			MaxResults:    args.MaxResults,
			CaseSensitive: args.CaseSensitive,
			RootDir:       tctx.WorkspaceRoot,
		})
		if err != nil {
			return fail("search_failed", "%v", err), nil
		}
		if len(results) == 0 {
			return ok("No matches found.", map[string]any{"count": 0}), nil
		}

		var b strings.Builder
		fmt.Fprintf(&b, "Found %d match(es):\n", len(results))
		for _, r := range results {
			id := table.Mint(handles.KindMatch, handles.Entry{Path: r.Path, Line: r.Line})
			fmt.Fprintf(&b, "%s  %s:%d: %s\n", id, r.Path, r.Line, r.Content)
		}
		return ok(b.String(), map[string]any{"count": len(results)}), nil
	}
}

// MakeGlobHandler creates a handler for the Glob tool, minting F<n> handles
// for each matched file path.
func MakeGlobHandler(table *handles.Table) tools.Handler {
	return func(ctx context.Context, tctx tools.ToolContext, arguments json.RawMessage) (tools.Result, error) {
		var args GlobArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return fail("invalid_arguments", "invalid arguments: %v", err), nil
		}
		if args.Pattern == "" {
			return fail("invalid_arguments", "pattern is required"), nil
		}
		if args.MaxResults <= 0 {
			args.MaxResults = defaultSearchMaxResults
		}

		searcher, err := filesearch.NewSearcher(tctx.WorkspaceRoot)
		if err != nil {
			return fail("search_init_failed", "%v", err), nil
		}
		results, err := searcher.Search(ctx, filesearch.Options{
			Pattern:       args.Pattern,
			ContentSearch: false,
			MaxResults:    args.MaxResults,
			RootDir:       tctx.WorkspaceRoot,
		})
		if err != nil {
			return fail("search_failed", "%v", err), nil
		}
		if len(results) == 0 {
			return ok("No files matched.", map[string]any{"count": 0}), nil
		}

		var b strings.Builder
		fmt.Fprintf(&b, "Found %d file(s):\n", len(results))
		for _, r := range results {
			id := table.Mint(handles.KindFile, handles.Entry{Path: r.Path})
			fmt.Fprintf(&b, "%s  %s\n", id, r.Path)
		}
		return ok(b.String(), map[string]any{"count": len(results)}), nil
	}
}
