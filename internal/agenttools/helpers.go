// Package agenttools implements the built-in tool handlers (Read, Edit,
// Write, Grep, Glob, Bash, GitStatus, GitDiff, WebFetch, WebSearch,
// TodoWrite, Symbols, SubAgent) against the tools.Registry contract: one
// file per tool, each exporting a Definition and a Make*Handler
// constructor that closes over its collaborators (the file ledger,
// snapshot ledger, handle table, and so on).
package agenttools

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sacenox/symb-engine/internal/handles"
	"github.com/sacenox/symb-engine/internal/tools"
)

// resolveHandleOrPath redeems id via table if it has handle shape (F<n>/
// M<n>/L<n>); otherwise it is returned unchanged as a literal path. An
// id that looks like a handle but isn't known fails with
// errorType "unknown_file_id".
func resolveHandleOrPath(table *handles.Table, id string) (string, *tools.Result) {
	if table == nil || !handles.Looks(id) {
		return id, nil
	}
	e, found := table.Resolve(id)
	if !found {
		res := fail("unknown_file_id", "unknown handle: %s", id)
		return "", &res
	}
	return e.Path, nil
}

// validatePathWithRoot resolves file (absolute, or relative to root) and
// rejects any path that escapes root unless allowExternal is set.
func validatePathWithRoot(file, root string, allowExternal bool) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("invalid root path: %w", err)
	}
	var absPath string
	if filepath.IsAbs(file) {
		absPath = file
	} else {
		absPath = filepath.Join(rootAbs, file)
	}
	absPath, err = filepath.Abs(absPath)
	if err != nil {
		return "", fmt.Errorf("invalid file path: %w", err)
	}
	if allowExternal {
		return absPath, nil
	}
	relPath, err := filepath.Rel(rootAbs, absPath)
	if err != nil || strings.HasPrefix(relPath, "..") || filepath.IsAbs(relPath) {
		return "", fmt.Errorf("access denied: path outside workspace root")
	}
	return absPath, nil
}

// ok returns a successful Result carrying text as data["text"].
func ok(text string, metadata map[string]any) tools.Result {
	data, _ := json.Marshal(map[string]string{"text": text})
	return tools.Result{Success: true, Data: data, Metadata: metadata}
}

// fail returns a failed Result with a formatted message.
func fail(errorType, format string, args ...any) tools.Result {
	return tools.Result{
		Success:  false,
		Error:    fmt.Sprintf(format, args...),
		Metadata: map[string]any{"errorType": errorType},
	}
}

// extractRange returns the selected content and start line number for an
// optional 1-indexed [start,end] line range; a zero range returns the whole
// file starting at line 1.
func extractRange(lines []string, full string, start, end int) (string, int, error) {
	if start <= 0 && end <= 0 {
		return full, 1, nil
	}
	if start <= 0 {
		start = 1
	}
	if start < 1 || start > len(lines) {
		return "", 0, fmt.Errorf("start line %d out of range (file has %d lines)", start, len(lines))
	}
	if end <= 0 || end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return "", 0, fmt.Errorf("invalid range: start (%d) > end (%d)", start, end)
	}
	return strings.Join(lines[start-1:end], "\n"), start, nil
}
