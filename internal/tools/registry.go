// Package tools implements the tool registry: definitions, handlers, and
// the execute-with-timeout wrapper the turn engine calls into. Every call
// runs with a per-call timeout, duration measurement, and panic recovery,
// and returns a structured {success, error, metadata} result regardless of
// whether the handler itself returned an error or panicked.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// PatternType classifies one entry in a tool's permission pattern list.
type PatternType string

const (
	PatternRaw     PatternType = "raw"
	PatternPath    PatternType = "path"
	PatternCommand PatternType = "command"
)

// Pattern is one typed permission pattern contributed by a tool definition.
type Pattern struct {
	Type  PatternType
	Value string
}

// Metadata describes a tool's category and permission/approval behavior.
type Metadata struct {
	Category              string
	RequiresApproval       bool
	ReadOnly               bool
	PermissionName         string
	PermissionPatterns     []Pattern
	SupportsExternalPaths  bool
	// Timeout overrides the default 30s per-call timeout when > 0.
	Timeout time.Duration
}

// Definition is a registered tool's static shape: id, name, description,
// JSON-Schema parameters, and metadata. Tool ids are unique process-wide.
type Definition struct {
	ID          string
	Name        string
	Description string
	Parameters  json.RawMessage
	Meta        Metadata
}

// ToolContext is passed to every handler invocation (spec 6.2).
type ToolContext struct {
	WorkspaceRoot string
	ActiveEditor  any // always nil in this headless engine; editor UI is out of scope
	SessionID     string
	Cancellation  context.Context
	Progress      func(msg string)
	Log           func(msg string)
}

// Result is the structured outcome of a tool execution (spec 6.2/4.4).
type Result struct {
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// Handler executes one tool call.
type Handler func(ctx context.Context, tctx ToolContext, args json.RawMessage) (Result, error)

const defaultTimeout = 30 * time.Second

// Registry holds definitions and handlers for both locally-registered tools
// and those contributed by external providers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	defs     map[string]Definition
	order    []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		defs:     make(map[string]Definition),
	}
}

// RegisterTool adds a tool definition and handler. A duplicate id is
// rejected (the later registration is skipped and logged) rather than
// overwriting the first.
func (r *Registry) RegisterTool(def Definition, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.ID]; exists {
		log.Warn().Str("tool_id", def.ID).Msg("tools: duplicate registration skipped")
		return fmt.Errorf("tool already registered: %s", def.ID)
	}
	r.defs[def.ID] = def
	r.handlers[def.ID] = h
	r.order = append(r.order, def.ID)
	return nil
}

// RegisterProvider registers every tool a provider contributes. The first
// registration failure does not abort the rest — each is attempted and
// logged independently, matching the "later registration skipped" rule.
func (r *Registry) RegisterProvider(defs []Definition, handlers map[string]Handler) {
	for _, def := range defs {
		h, ok := handlers[def.ID]
		if !ok {
			continue
		}
		_ = r.RegisterTool(def, h)
	}
}

// GetTools returns definitions matching filter (a set of allowed names; nil
// or empty means "all tools").
func (r *Registry) GetTools(filter map[string]bool) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.order))
	for _, id := range r.order {
		if len(filter) > 0 && !filter[r.defs[id].Name] {
			continue
		}
		out = append(out, r.defs[id])
	}
	return out
}

// Lookup returns a tool's definition by id.
func (r *Registry) Lookup(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[id]
	return d, ok
}

// ExecuteTool runs the named tool's handler with a per-call timeout
// (definition override, else 30s), measuring duration and capturing any
// panic or error as a structured failure rather than propagating it.
func (r *Registry) ExecuteTool(ctx context.Context, id string, args json.RawMessage, tctx ToolContext) Result {
	r.mu.RLock()
	def, ok := r.defs[id]
	h := r.handlers[id]
	r.mu.RUnlock()
	if !ok {
		return Result{Success: false, Error: "Unknown tool: " + id}
	}

	timeout := defaultTimeout
	if def.Meta.Timeout > 0 {
		timeout = def.Meta.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	tctx.Cancellation = callCtx

	start := time.Now()
	resCh := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- Result{
					Success: false,
					Error:   fmt.Sprintf("tool panicked: %v", r),
					Metadata: map[string]any{
						"errorType": "panic",
					},
				}
			}
		}()
		res, err := h(callCtx, tctx, args)
		if err != nil {
			res = Result{
				Success: false,
				Error:   err.Error(),
				Metadata: map[string]any{
					"errorType": "handler_error",
				},
			}
		}
		resCh <- res
	}()

	select {
	case res := <-resCh:
		if res.Metadata == nil {
			res.Metadata = map[string]any{}
		}
		res.Metadata["durationMs"] = time.Since(start).Milliseconds()
		return res
	case <-callCtx.Done():
		return Result{
			Success: false,
			Error:   "tool call timed out",
			Metadata: map[string]any{
				"errorType":  "timeout",
				"durationMs": time.Since(start).Milliseconds(),
			},
		}
	}
}
