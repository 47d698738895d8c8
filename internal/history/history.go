// Package history holds a session's ordered message list and derives the
// "effective history" sent to the model after compaction.
package history

import (
	"encoding/json"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartState is the lifecycle stage of a streaming or tool-call part.
type PartState string

const (
	StateStreaming PartState = "streaming"
	StateDone      PartState = "done"

	StateInputStreaming PartState = "input-streaming"
	StateInputAvailable PartState = "input-available"
	StateOutputAvailable PartState = "output-available"
)

// PartKind distinguishes the tagged variants a Part can hold.
type PartKind string

const (
	KindText     PartKind = "text"
	KindReasoning PartKind = "reasoning"
	KindToolCall PartKind = "tool_call"
)

// Part is one tagged unit of message content. Only the fields relevant to
// Kind are populated.
type Part struct {
	Kind  PartKind
	State PartState
	Text  string // text/reasoning content

	// Tool-call fields.
	ToolName    string
	CallID      string
	Input       json.RawMessage
	Output      json.RawMessage
	CompactedAt *time.Time
}

// Metadata carries out-of-band facts about a message that do not belong to
// any single part.
type Metadata struct {
	Mode            string // "plan" | "build"
	FinishReason    string
	Synthetic       bool
	Summary         bool // true for compaction summary messages
	CompactionMarker bool // true for the synthetic user message preceding a summary
	Usage           *Usage
}

// Usage is a provider-reported token count.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Message is one immutable-identity entry in a session's history. Its Parts
// slice is mutated in place while streaming; the Message itself is never
// replaced.
type Message struct {
	ID        string
	Role      Role
	Parts     []Part
	Metadata  Metadata
	CreatedAt time.Time
}

// Text concatenates all done-or-streaming text parts, in order.
func (m *Message) Text() string {
	var s string
	for _, p := range m.Parts {
		if p.Kind == KindText {
			s += p.Text
		}
	}
	return s
}

// ToolCalls returns the tool_call parts of an assistant message.
func (m *Message) ToolCalls() []Part {
	var out []Part
	for _, p := range m.Parts {
		if p.Kind == KindToolCall {
			out = append(out, p)
		}
	}
	return out
}

// History is the append-only-during-a-turn, mutable-at-turn-boundaries
// message sequence for one session.
type History struct {
	messages []*Message
}

// New returns an empty history.
func New() *History { return &History{} }

// Append adds a fully-formed message (used for user/tool messages, and to
// seed a fresh streaming assistant message with zero parts).
func (h *History) Append(m *Message) { h.messages = append(h.messages, m) }

// All returns the full, persisted history (what is shown to the user).
func (h *History) All() []*Message { return h.messages }

// Last returns the most recently appended message, or nil if empty.
func (h *History) Last() *Message {
	if len(h.messages) == 0 {
		return nil
	}
	return h.messages[len(h.messages)-1]
}

// AppendTextDelta implements the "append to last streaming part, else start
// a new one" rule for text and reasoning parts on the given message.
func AppendTextDelta(m *Message, kind PartKind, delta string) {
	if n := len(m.Parts); n > 0 {
		last := &m.Parts[n-1]
		if last.Kind == kind && last.State == StateStreaming {
			last.Text += delta
			return
		}
	}
	m.Parts = append(m.Parts, Part{Kind: kind, State: StateStreaming, Text: delta})
}

// FinalizeStreamingParts transitions every still-streaming part of m to done.
// Called once per round at stream end (or on abort).
func FinalizeStreamingParts(m *Message) {
	for i := range m.Parts {
		if m.Parts[i].State == StateStreaming {
			m.Parts[i].State = StateDone
		}
	}
}

// UpsertToolCall implements the call_id-keyed upsert rule: absent call_id
// appends a new part in the given state; present call_id updates in place,
// advancing state monotonically (never backward).
func UpsertToolCall(m *Message, callID, toolName string, input json.RawMessage, state PartState) {
	order := map[PartState]int{
		StateInputStreaming:  0,
		StateInputAvailable:  1,
		StateOutputAvailable: 2,
	}
	for i := range m.Parts {
		p := &m.Parts[i]
		if p.Kind == KindToolCall && p.CallID == callID {
			if order[state] >= order[p.State] {
				p.State = state
			}
			if len(input) > 0 {
				p.Input = input
			}
			if toolName != "" {
				p.ToolName = toolName
			}
			return
		}
	}
	m.Parts = append(m.Parts, Part{
		Kind:     KindToolCall,
		State:    state,
		CallID:   callID,
		ToolName: toolName,
		Input:    input,
	})
}

// SetToolOutput records the handler result for call_id and marks the part
// output-available.
func SetToolOutput(m *Message, callID string, output json.RawMessage) {
	for i := range m.Parts {
		p := &m.Parts[i]
		if p.Kind == KindToolCall && p.CallID == callID {
			p.Output = output
			p.State = StateOutputAvailable
			return
		}
	}
}

// EffectiveHistory returns the subsequence sent to the model: scanning from
// the end, if a summary message is found and its immediate predecessor is a
// compaction-marker user message, the slice starts at that pair; otherwise
// it starts at the bare summary; otherwise the full history is returned.
func (h *History) EffectiveHistory() []*Message {
	for i := len(h.messages) - 1; i >= 0; i-- {
		if h.messages[i].Metadata.Summary {
			if i > 0 && h.messages[i-1].Metadata.CompactionMarker {
				return h.messages[i-1:]
			}
			return h.messages[i:]
		}
	}
	return h.messages
}
