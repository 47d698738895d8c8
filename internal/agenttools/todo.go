package agenttools

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sacenox/symb-engine/internal/tools"
)

// Scratchpad holds the agent's current plan/notes. It is safe for concurrent
// access. The content is kept in memory only; nothing in this tree adds it
// to the model's context.
type Scratchpad struct {
	mu      sync.RWMutex
	content string
}

// Content returns the current scratchpad text.
func (s *Scratchpad) Content() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.content
}

// TodoWriteArgs represents arguments for the TodoWrite tool.
type TodoWriteArgs struct {
	Content string `json:"content"`
}

// TodoWriteDefinition is the TodoWrite tool's static shape.
var TodoWriteDefinition = tools.Definition{
	ID:   "todo.write",
	Name: "todo.write",
	Description: `Write or update your working plan/scratchpad. The content replaces any previous plan; it is stored by the tool and not added back into your context. Use this to track goals, progress, and next steps for tasks with 3+ steps. Rewrite it as you complete steps to stay focused. Skip for simple single-step tasks.`,
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"content": {"type": "string", "description": "Your current plan, todo list, or working notes. This replaces the previous content entirely."}
		},
		"required": ["content"]
	}`),
	Meta: tools.Metadata{Category: "planning", ReadOnly: true},
}

// MakeTodoWriteHandler creates a handler that stores content in the scratchpad.
func MakeTodoWriteHandler(pad *Scratchpad) tools.Handler {
	return func(_ context.Context, _ tools.ToolContext, arguments json.RawMessage) (tools.Result, error) {
		var args TodoWriteArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return fail("invalid_arguments", "invalid arguments: %v", err), nil
		}
		if args.Content == "" {
			return fail("invalid_arguments", "content cannot be empty"), nil
		}

		pad.mu.Lock()
		pad.content = args.Content
		pad.mu.Unlock()

		return ok("Plan updated.", nil), nil
	}
}
