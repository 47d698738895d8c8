// Package compaction estimates token usage and prunes or summarizes older
// history so a turn's prompt stays within the model's context window.
package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sacenox/symb-engine/internal/history"
)

// EstimateTokens implements the coarse ceil(len/4) heuristic used whenever a
// provider hasn't reported real usage yet.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// MessageTokens sums the estimated token cost of every part of m, summing
// the serialized form of non-string tool outputs.
func MessageTokens(m *history.Message) int {
	total := 0
	for _, p := range m.Parts {
		switch p.Kind {
		case history.KindText, history.KindReasoning:
			total += EstimateTokens(p.Text)
		case history.KindToolCall:
			total += EstimateTokens(string(p.Input))
			if p.Output != nil {
				total += EstimateTokens(string(p.Output))
			}
		}
	}
	return total
}

// Policy configures pruning and overflow thresholds. Field names mirror the
// configuration surface's compaction.* keys.
type Policy struct {
	ProtectTurns        int // messages in the current turn + this many prior turns are never pruned
	PruneProtectTokens   int
	PruneMinimumTokens   int
	AutoCompact          bool
	AutoPrune            bool
	ContextLimit         int
	ReservedOutputTokens int
}

// DefaultPolicy matches the Open Question resolution: protect window =
// current turn + one prior turn.
func DefaultPolicy() Policy {
	return Policy{
		ProtectTurns:         1,
		PruneProtectTokens:   4000,
		PruneMinimumTokens:   2000,
		AutoCompact:          true,
		AutoPrune:            true,
		ContextLimit:         200_000,
		ReservedOutputTokens: 8_000,
	}
}

// toolOutputPlaceholder is what a compacted tool_call part's output field is
// replaced with when the effective history is built for the model. Shape
// preserved so handlers that expect {success,...} still parse it.
func toolOutputPlaceholder(original json.RawMessage) json.RawMessage {
	var probe struct {
		Success *bool `json:"success"`
	}
	_ = json.Unmarshal(original, &probe)
	if probe.Success != nil {
		b, _ := json.Marshal(map[string]any{
			"success":  *probe.Success,
			"metadata": map[string]any{"compacted": true},
		})
		return b
	}
	b, _ := json.Marshal(map[string]any{
		"truncated": true,
		"metadata":  map[string]any{"compacted": true},
	})
	return b
}

// Prune walks msgs newest-to-oldest, skipping the protected window, and
// marks completed tool outputs as compacted once the accumulated prunable
// total exceeds PruneMinimumTokens beyond PruneProtectTokens. It mutates
// parts in place, stamping CompactedAt, and halts at the first already-
// compacted part or a summary message. Returns the number of parts marked.
func Prune(msgs []*history.Message, p Policy) int {
	protectedTurns := 0
	inProtected := true
	accumulated := 0
	marked := 0
	var toMark []*history.Part

	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Metadata.Summary {
			break
		}
		if inProtected {
			if m.Role == history.RoleUser {
				protectedTurns++
				if protectedTurns > p.ProtectTurns {
					inProtected = false
				}
			}
			continue
		}

		halted := false
		for j := range m.Parts {
			part := &m.Parts[j]
			if part.Kind != history.KindToolCall || part.State != history.StateOutputAvailable {
				continue
			}
			if part.CompactedAt != nil {
				halted = true
				break
			}
			sz := EstimateTokens(string(part.Output))
			accumulated += sz
			if accumulated > p.PruneProtectTokens {
				toMark = append(toMark, part)
			}
		}
		if halted {
			break
		}
	}

	prunableTotal := 0
	for _, part := range toMark {
		prunableTotal += EstimateTokens(string(part.Output))
	}
	if prunableTotal <= p.PruneMinimumTokens {
		return 0
	}

	now := time.Now()
	for _, part := range toMark {
		part.CompactedAt = &now
		marked++
	}
	return marked
}

// Overflow reports whether the last reported usage exceeds the model's
// usable context (context limit minus the reserved output budget).
func Overflow(lastInputTokens int, p Policy) bool {
	return lastInputTokens > p.ContextLimit-p.ReservedOutputTokens
}

// Summarizer performs a single non-tool model call with a summarization
// system prompt and returns the resulting summary text. Implemented by the
// turn engine's provider adapter; kept as an interface here to avoid an
// import cycle between compaction and provider/turn.
type Summarizer interface {
	Summarize(ctx context.Context, effectiveHistory []*history.Message) (string, error)
}

const compactionPrompt = "The conversation above is getting long. Summarize everything important " +
	"(decisions made, files touched, outstanding work) in a few dense paragraphs. " +
	"This summary will replace the detailed history."

// AutoCompact runs the auto-compaction sub-turn: it appends a synthetic
// compaction-marker user message, asks the summarizer for a summary, and
// appends the result as a summary assistant message. The caller's history
// is mutated via h.
func AutoCompact(ctx context.Context, h *history.History, s Summarizer) error {
	marker := &history.Message{
		ID:        newSyntheticID("compact-marker"),
		Role:      history.RoleUser,
		Parts:     []history.Part{{Kind: history.KindText, State: history.StateDone, Text: compactionPrompt}},
		Metadata:  history.Metadata{Synthetic: true, CompactionMarker: true},
		CreatedAt: time.Now(),
	}
	h.Append(marker)

	summary, err := s.Summarize(ctx, h.EffectiveHistory())
	if err != nil {
		return fmt.Errorf("compaction summarize: %w", err)
	}

	summaryMsg := &history.Message{
		ID:        newSyntheticID("summary"),
		Role:      history.RoleAssistant,
		Parts:     []history.Part{{Kind: history.KindText, State: history.StateDone, Text: summary}},
		Metadata:  history.Metadata{Synthetic: true, Summary: true},
		CreatedAt: time.Now(),
	}
	h.Append(summaryMsg)
	return nil
}

var syntheticCounter int

func newSyntheticID(prefix string) string {
	syntheticCounter++
	return fmt.Sprintf("%s-%d", prefix, syntheticCounter)
}

// BuildModelView applies the compacted-output placeholder rule over the
// effective history, returning a copy suitable for sending to the provider
// without mutating the session's real history.
func BuildModelView(msgs []*history.Message) []*history.Message {
	out := make([]*history.Message, len(msgs))
	for i, m := range msgs {
		clone := *m
		clone.Parts = make([]history.Part, len(m.Parts))
		copy(clone.Parts, m.Parts)
		for j, part := range clone.Parts {
			if part.Kind == history.KindToolCall && part.CompactedAt != nil {
				clone.Parts[j].Output = toolOutputPlaceholder(part.Output)
			}
		}
		out[i] = &clone
	}
	return out
}
