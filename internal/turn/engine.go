// Package turn implements the turn engine: the state machine that drives
// one user message through preflight compaction, a streaming model call,
// permission/approval-gated tool dispatch, and repeat-until-done. The
// engine never touches the filesystem, a process, or a lock directly;
// every one of those concerns lives inside the tool handlers in
// internal/agenttools, reached only through tools.Registry.
package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sacenox/symb-engine/internal/approval"
	"github.com/sacenox/symb-engine/internal/compaction"
	"github.com/sacenox/symb-engine/internal/history"
	"github.com/sacenox/symb-engine/internal/permission"
	"github.com/sacenox/symb-engine/internal/provider"
	"github.com/sacenox/symb-engine/internal/retry"
	"github.com/sacenox/symb-engine/internal/snapshot"
	"github.com/sacenox/symb-engine/internal/tools"
)

// Defaults for the tool-round loop and the retry budget around each
// provider call.
const (
	DefaultMaxToolRounds = 25
	DefaultMaxRetries    = 3
)

// Engine runs one user turn to completion. A single Engine is shared across
// every turn in a session; all per-turn state lives on the history.History
// and snapshot.Ledger the caller passes in.
type Engine struct {
	Provider    provider.Provider
	Tools       *tools.Registry
	Permissions *permission.Ruleset
	Approvals   *approval.Broker
	Snapshots   *snapshot.Ledger
	Policy      compaction.Policy

	WorkspaceRoot      string
	Mode               permission.Mode
	AllowExternalPaths bool
	BlockGitPush       bool
	SystemPrompt       string

	// ToolFilter is a glob-style allow-list over tool names. Empty means
	// every registered tool is available.
	ToolFilter []string

	MaxToolRounds int
	MaxRetries    int

	// LLMTimeout bounds a single streaming model call; zero means no
	// per-call deadline beyond ctx.
	LLMTimeout time.Duration

	// OnEvent, when set, is called for every streaming delta and lifecycle
	// event so a CLI frontend can render output incrementally. Called from
	// the same goroutine that invoked Run; never concurrently.
	OnEvent func(Event)
}

// EventKind distinguishes the events Engine.Run emits through OnEvent.
type EventKind string

const (
	EventText          EventKind = "text"
	EventReasoning     EventKind = "reasoning"
	EventToolStart     EventKind = "tool_start"
	EventToolEnd       EventKind = "tool_end"
	EventApprovalAsked EventKind = "approval_asked"
	EventRetry         EventKind = "retry"
	EventCompacted     EventKind = "compacted"
)

// Event is one engine notification surfaced to the frontend during Run.
type Event struct {
	Kind     EventKind
	Text     string
	ToolName string
	CallID   string
	Err      error
}

func (e *Engine) emit(ev Event) {
	if e.OnEvent != nil {
		e.OnEvent(ev)
	}
}

// Run appends userText as a new user message under turnID (the snapshot
// ledger's undo boundary for this turn) and drives the model/tool loop to
// completion, returning the final assistant message. A non-nil error means
// the loop stopped early (exhausted retries, exceeded MaxToolRounds, or the
// context was cancelled); the partial history up to that point is still
// valid and h already reflects it.
func (e *Engine) Run(ctx context.Context, h *history.History, sessionID string, turnID int64, userText string) (*history.Message, error) {
	if e.Snapshots != nil {
		e.Snapshots.BeginTurn(turnID)
	}

	h.Append(&history.Message{
		ID:        uuid.NewString(),
		Role:      history.RoleUser,
		Parts:     []history.Part{{Kind: history.KindText, State: history.StateDone, Text: userText}},
		CreatedAt: time.Now(),
	})

	maxRounds := e.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxToolRounds
	}

	for round := 0; round < maxRounds; round++ {
		e.preflight(ctx, h)

		assistantMsg, err := e.runModelRound(ctx, h, sessionID)
		if err != nil {
			return assistantMsg, err
		}

		pending := pendingToolCalls(assistantMsg)
		if len(pending) == 0 {
			return assistantMsg, nil
		}
		for _, part := range pending {
			if ctx.Err() != nil {
				return assistantMsg, ctx.Err()
			}
			e.dispatchTool(ctx, assistantMsg, part, sessionID)
		}
	}

	return h.Last(), fmt.Errorf("turn exceeded %d tool rounds", maxRounds)
}

// preflight runs the compaction policy's overflow check and selective
// pruning before every model round.
func (e *Engine) preflight(ctx context.Context, h *history.History) {
	if e.Policy.AutoCompact {
		if usage := lastUsage(h); usage != nil && compaction.Overflow(usage.InputTokens, e.Policy) {
			if err := compaction.AutoCompact(ctx, h, e.summarizer()); err != nil {
				log.Warn().Err(err).Msg("turn: auto-compact failed, continuing uncompacted")
			} else {
				e.emit(Event{Kind: EventCompacted})
			}
		}
	}
	if e.Policy.AutoPrune {
		compaction.Prune(h.All(), e.Policy)
	}
}

// runModelRound builds the model view of the current history, calls the
// provider with retry/backoff around transient failures, and appends the
// resulting assistant message to h.
func (e *Engine) runModelRound(ctx context.Context, h *history.History, sessionID string) (*history.Message, error) {
	view := compaction.BuildModelView(h.EffectiveHistory())
	msgs := historyToProviderMessages(e.SystemPrompt, view)
	toolDefs := toProviderTools(e.Tools.GetTools(e.toolFilterSet()))

	maxAttempts := e.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxRetries
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts+1; attempt++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if e.LLMTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, e.LLMTimeout)
		}
		assistantMsg, usage, err := e.streamOnce(callCtx, msgs, toolDefs)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			assistantMsg.Metadata.Usage = usage
			h.Append(assistantMsg)
			return assistantMsg, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		decision := retry.Classify(err, 0, nil, err.Error())
		if !decision.Retryable || attempt > maxAttempts {
			break
		}
		e.emit(Event{Kind: EventRetry, Err: err})
		if sleepErr := retry.Sleep(ctx, retry.Backoff(decision, attempt)); sleepErr != nil {
			return nil, sleepErr
		}
	}
	return nil, fmt.Errorf("model call failed: %w", lastErr)
}

// dispatchTool resolves, permission-gates, optionally asks for approval,
// then executes one pending tool call, recording its result on m's matching
// tool_call part.
func (e *Engine) dispatchTool(ctx context.Context, m *history.Message, part *history.Part, sessionID string) {
	e.emit(Event{Kind: EventToolStart, ToolName: part.ToolName, CallID: part.CallID})
	defer e.emit(Event{Kind: EventToolEnd, ToolName: part.ToolName, CallID: part.CallID})

	if !json.Valid(part.Input) {
		e.recordToolResult(m, part, tools.Result{
			Success:  false,
			Error:    "malformed tool call arguments",
			Metadata: map[string]any{"errorType": "malformed_arguments"},
		})
		return
	}

	def, ok := findToolByName(e.Tools, part.ToolName)
	if !ok {
		e.recordToolResult(m, part, tools.Result{
			Success:  false,
			Error:    "unknown tool: " + part.ToolName,
			Metadata: map[string]any{"errorType": "unknown_tool"},
		})
		return
	}
	if filter := e.toolFilterSet(); filter != nil && !filter[part.ToolName] {
		e.recordToolResult(m, part, tools.Result{
			Success:  false,
			Error:    "tool " + part.ToolName + " is excluded by toolFilter",
			Metadata: map[string]any{"errorType": "tool_filtered"},
		})
		return
	}

	decision := permission.EvaluateShellCall(e.Permissions, def, e.Mode, shellCallArgs(def, part.Input), e.WorkspaceRoot, e.AllowExternalPaths || def.Meta.SupportsExternalPaths, e.BlockGitPush)
	switch decision.Action {
	case permission.Deny:
		e.recordToolResult(m, part, tools.Result{
			Success:  false,
			Error:    orDefault(decision.Reason, "tool call denied by policy"),
			Metadata: map[string]any{"errorType": orDefault(decision.ErrorType, "permission_denied")},
		})
		return
	case permission.Ask:
		e.emit(Event{Kind: EventApprovalAsked, ToolName: part.ToolName, CallID: part.CallID})
		outcome := e.Approvals.AwaitDecision(ctx, part.CallID, part.ToolName, string(part.Input))
		if outcome != approval.Approved {
			e.recordToolResult(m, part, tools.Result{
				Success:  false,
				Error:    "user rejected this tool call",
				Metadata: map[string]any{"errorType": "rejected"},
			})
			return
		}
	}

	tctx := tools.ToolContext{
		WorkspaceRoot: e.WorkspaceRoot,
		SessionID:     sessionID,
		Cancellation:  ctx,
		Progress:      func(string) {},
		Log:           func(msg string) { log.Debug().Str("tool", part.ToolName).Msg(msg) },
	}
	res := e.Tools.ExecuteTool(ctx, def.ID, part.Input, tctx)
	e.recordToolResult(m, part, res)
}

func (e *Engine) recordToolResult(m *history.Message, part *history.Part, res tools.Result) {
	data, err := json.Marshal(res)
	if err != nil {
		data, _ = json.Marshal(tools.Result{Success: false, Error: "failed to encode tool result"})
	}
	history.SetToolOutput(m, part.CallID, data)
}

// shellCallArgs extracts the Bash tool's command/background/timeout
// arguments for the shell-specific permission gates; every other tool
// passes a zero-value ShellCall through (its empty Command short-circuits
// those gates).
func shellCallArgs(def tools.Definition, args json.RawMessage) permission.ShellCall {
	if def.Meta.Category != "shell" {
		return permission.ShellCall{}
	}
	var a struct {
		Command    string `json:"command"`
		Background bool   `json:"background"`
		Timeout    int    `json:"timeout"`
	}
	_ = json.Unmarshal(args, &a)
	return permission.ShellCall{Command: a.Command, Background: a.Background, Timeout: a.Timeout}
}

// toolFilterSet expands e.ToolFilter's glob patterns against every currently
// registered tool name into the allow-set tools.Registry.GetTools expects.
// Returns nil (meaning "no filtering") when ToolFilter is empty.
func (e *Engine) toolFilterSet() map[string]bool {
	if len(e.ToolFilter) == 0 {
		return nil
	}
	out := make(map[string]bool)
	for _, def := range e.Tools.GetTools(nil) {
		for _, pattern := range e.ToolFilter {
			if matched, err := filepath.Match(pattern, def.Name); err == nil && matched {
				out[def.Name] = true
				break
			}
		}
	}
	return out
}

func findToolByName(r *tools.Registry, name string) (tools.Definition, bool) {
	for _, d := range r.GetTools(nil) {
		if d.Name == name {
			return d, true
		}
	}
	return tools.Definition{}, false
}

func pendingToolCalls(m *history.Message) []*history.Part {
	var out []*history.Part
	for i := range m.Parts {
		p := &m.Parts[i]
		if p.Kind == history.KindToolCall && p.State == history.StateInputAvailable {
			out = append(out, p)
		}
	}
	return out
}

func lastUsage(h *history.History) *history.Usage {
	all := h.All()
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Metadata.Usage != nil {
			return all[i].Metadata.Usage
		}
	}
	return nil
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

// engineSummarizer adapts Engine to compaction.Summarizer without an import
// cycle: compaction depends only on history, and this file (not
// compaction.go) holds the provider-calling implementation.
type engineSummarizer Engine

func (e *Engine) summarizer() compaction.Summarizer { return (*engineSummarizer)(e) }

func (s *engineSummarizer) Summarize(ctx context.Context, effectiveHistory []*history.Message) (string, error) {
	eng := (*Engine)(s)
	view := compaction.BuildModelView(effectiveHistory)
	msgs := historyToProviderMessages(eng.SystemPrompt, view)
	m, _, err := eng.streamOnce(ctx, msgs, nil)
	if err != nil {
		return "", err
	}
	return m.Text(), nil
}
