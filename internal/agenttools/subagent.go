package agenttools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sacenox/symb-engine/internal/tools"
)

const (
	// MaxSubAgentIterations is the default max tool rounds for sub-agents.
	MaxSubAgentIterations = 5

	// MaxAllowedIterations is the upper bound for a caller-specified
	// maxIterations.
	MaxAllowedIterations = 20
)

// SubAgentArgs represents arguments for the SubAgent tool.
type SubAgentArgs struct {
	Prompt        string `json:"prompt"`
	MaxIterations int    `json:"maxIterations,omitempty"`
}

// SubAgentDefinition is the SubAgent tool's static shape.
var SubAgentDefinition = tools.Definition{
	ID:          "subagent",
	Name:        "subagent",
	Description: `Spawn a sub-agent to handle a focused task. The sub-agent runs with the same built-in tools but cannot spawn further sub-agents. Use this to decompose complex tasks into smaller, manageable pieces. The sub-agent's work is returned as a summary.`,
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"prompt":        {"type": "string", "description": "Task description for the sub-agent. Be specific about what needs to be accomplished and the expected output format."},
			"maxIterations": {"type": "integer", "description": "Maximum tool rounds for the sub-agent (default: 5)"}
		},
		"required": ["prompt"]
	}`),
	Meta: tools.Metadata{Category: "agent", RequiresApproval: true},
}

// RunSubAgent runs one sub-turn to completion and returns its final
// response text plus accumulated token usage. Implemented by whatever
// constructs the tool registry (main.go), which closes over a freshly
// built child *turn.Engine with its own bounded iteration budget — this
// indirection is what lets agenttools register the SubAgent tool without
// importing internal/turn, which would otherwise import agenttools back
// (turn.Engine dispatches through tools.Registry, and agenttools populates
// that registry).
type RunSubAgent func(ctx context.Context, prompt string, maxIterations int) (summary string, inputTokens, outputTokens int, err error)

// MakeSubAgentHandler creates a handler for the SubAgent tool: it clamps
// the caller-requested iteration budget, delegates to run for the actual
// sub-turn, and formats the result as a short "N in, M out" usage summary
// alongside the sub-agent's response text. The isolated tool set and
// recursion guard for the sub-agent itself live in the RunSubAgent
// closure's turn.Engine setup, not here.
func MakeSubAgentHandler(run RunSubAgent) tools.Handler {
	return func(ctx context.Context, tctx tools.ToolContext, arguments json.RawMessage) (tools.Result, error) {
		if err := ctx.Err(); err != nil {
			return fail("aborted", "sub-agent cancelled: %v", err), nil
		}
		if run == nil {
			return fail("subagent_unavailable", "sub-agent recursion is not configured"), nil
		}

		var args SubAgentArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return fail("invalid_arguments", "invalid arguments: %v", err), nil
		}
		if args.Prompt == "" {
			return fail("invalid_arguments", "prompt is required"), nil
		}

		maxIter := MaxSubAgentIterations
		if args.MaxIterations > 0 {
			if args.MaxIterations > MaxAllowedIterations {
				return fail("invalid_arguments", "maxIterations too large (max %d)", MaxAllowedIterations), nil
			}
			maxIter = args.MaxIterations
		}

		summary, in, out, err := run(ctx, args.Prompt, maxIter)
		if err != nil {
			return fail("subagent_failed", "sub-agent failed: %v", err), nil
		}
		if summary == "" {
			return fail("subagent_empty_response", "sub-agent produced no final response"), nil
		}

		text := fmt.Sprintf("Sub-agent completed.\n\n%s\n\n---\nToken usage: %d in, %d out", summary, in, out)
		return ok(text, map[string]any{"inputTokens": in, "outputTokens": out}), nil
	}
}

// SubAgentSystemPrompt is the system prompt given to every sub-agent turn.
func SubAgentSystemPrompt() string {
	return `You are a focused sub-agent working on a specific task assigned by a parent agent.

Your role:
- Complete the assigned task efficiently
- Use tools as needed (read, edit, grep, bash, etc.)
- Provide a clear, concise final response summarizing what you accomplished
- You cannot spawn further sub-agents

Output format:
- Use tools to gather information and make changes
- When done, respond with a summary of what was accomplished
- Be specific about any files modified, tests run, or issues found

You have a limited number of tool rounds - work efficiently.`
}
