package turn

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sacenox/symb-engine/internal/history"
	"github.com/sacenox/symb-engine/internal/provider"
	"github.com/sacenox/symb-engine/internal/tools"
)

// toolAccum collects one in-flight tool call's streamed argument fragments,
// since a provider may emit EventToolCallDelta several times for the same
// ToolCallIndex before the arguments JSON is complete.
type toolAccum struct {
	callID string
	name   string
	args   strings.Builder
}

// streamOnce opens one ChatStream call and drains it into a single, freshly
// built assistant message, not yet appended to any history.History. usage
// is nil if the provider never emitted an EventUsage event.
func (e *Engine) streamOnce(ctx context.Context, msgs []provider.Message, toolDefs []provider.Tool) (*history.Message, *history.Usage, error) {
	stream, err := e.Provider.ChatStream(ctx, msgs, toolDefs)
	if err != nil {
		return nil, nil, err
	}

	m := &history.Message{ID: uuid.NewString(), Role: history.RoleAssistant, CreatedAt: time.Now()}
	accum := map[int]*toolAccum{}
	var order []int
	var usage *history.Usage

	for ev := range stream {
		switch ev.Type {
		case provider.EventContentDelta:
			history.AppendTextDelta(m, history.KindText, ev.Content)
			e.emit(Event{Kind: EventText, Text: ev.Content})
		case provider.EventReasoningDelta:
			history.AppendTextDelta(m, history.KindReasoning, ev.Content)
			e.emit(Event{Kind: EventReasoning, Text: ev.Content})
		case provider.EventToolCallBegin:
			a := &toolAccum{callID: ev.ToolCallID, name: ev.ToolCallName}
			accum[ev.ToolCallIndex] = a
			order = append(order, ev.ToolCallIndex)
			history.UpsertToolCall(m, a.callID, a.name, nil, history.StateInputStreaming)
		case provider.EventToolCallDelta:
			a, ok := accum[ev.ToolCallIndex]
			if !ok {
				a = &toolAccum{callID: uuid.NewString()}
				accum[ev.ToolCallIndex] = a
				order = append(order, ev.ToolCallIndex)
			}
			a.args.WriteString(ev.ToolCallArgs)
		case provider.EventUsage:
			usage = &history.Usage{InputTokens: ev.InputTokens, OutputTokens: ev.OutputTokens}
		case provider.EventError:
			return nil, nil, ev.Err
		case provider.EventDone:
			// Draining continues until the channel closes; nothing to do.
		}
	}

	for _, idx := range order {
		a := accum[idx]
		history.UpsertToolCall(m, a.callID, a.name, json.RawMessage(a.args.String()), history.StateInputAvailable)
	}
	history.FinalizeStreamingParts(m)
	return m, usage, nil
}

// toProviderTools converts registry definitions into the flat shape the
// provider wire format expects.
func toProviderTools(defs []tools.Definition) []provider.Tool {
	out := make([]provider.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, provider.Tool{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
	}
	return out
}

// historyToProviderMessages flattens the part-tagged history into the
// provider's flat Message list, synthesizing a separate Role:"tool"
// message for every output-available tool_call part — the history itself
// never persists a standalone tool-role message (the output lives on the
// assistant message's part per history.SetToolOutput), but most LLM wire
// protocols require one, so the synthesis happens here at send time.
func historyToProviderMessages(systemPrompt string, msgs []*history.Message) []provider.Message {
	out := make([]provider.Message, 0, len(msgs)+1)
	if systemPrompt != "" {
		out = append(out, provider.Message{Role: "system", Content: systemPrompt})
	}
	for _, m := range msgs {
		switch m.Role {
		case history.RoleUser, history.RoleSystem:
			out = append(out, provider.Message{Role: string(m.Role), Content: m.Text(), CreatedAt: m.CreatedAt})
		case history.RoleAssistant:
			pm := provider.Message{
				Role:         "assistant",
				Content:      m.Text(),
				Reasoning:    reasoningText(m),
				CreatedAt:    m.CreatedAt,
				InputTokens:  usageInput(m),
				OutputTokens: usageOutput(m),
			}
			var toolMsgs []provider.Message
			for _, p := range m.Parts {
				if p.Kind != history.KindToolCall {
					continue
				}
				pm.ToolCalls = append(pm.ToolCalls, provider.ToolCall{ID: p.CallID, Name: p.ToolName, Arguments: p.Input})
				if p.State == history.StateOutputAvailable {
					toolMsgs = append(toolMsgs, provider.Message{
						Role:         "tool",
						Content:      outputText(p.Output),
						ToolCallID:   p.CallID,
						FunctionName: p.ToolName,
						CreatedAt:    m.CreatedAt,
					})
				}
			}
			out = append(out, pm)
			out = append(out, toolMsgs...)
		}
	}
	return out
}

func reasoningText(m *history.Message) string {
	var s string
	for _, p := range m.Parts {
		if p.Kind == history.KindReasoning {
			s += p.Text
		}
	}
	return s
}

func usageInput(m *history.Message) int {
	if m.Metadata.Usage == nil {
		return 0
	}
	return m.Metadata.Usage.InputTokens
}

func usageOutput(m *history.Message) int {
	if m.Metadata.Usage == nil {
		return 0
	}
	return m.Metadata.Usage.OutputTokens
}

// outputText renders a tool_call part's structured Result JSON as the plain
// text a model expects in a tool-role message.
func outputText(raw json.RawMessage) string {
	var full struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if len(raw) == 0 {
		return "(no output)"
	}
	if err := json.Unmarshal(raw, &full); err != nil {
		return string(raw)
	}
	if !full.Success {
		if full.Error != "" {
			return "Error: " + full.Error
		}
		return "Error: tool call failed"
	}
	if len(full.Data) == 0 {
		return "(no output)"
	}
	var d struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(full.Data, &d); err == nil && d.Text != "" {
		return d.Text
	}
	return string(full.Data)
}
