package turn

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sacenox/symb-engine/internal/approval"
	"github.com/sacenox/symb-engine/internal/compaction"
	"github.com/sacenox/symb-engine/internal/history"
	"github.com/sacenox/symb-engine/internal/permission"
	"github.com/sacenox/symb-engine/internal/provider"
	"github.com/sacenox/symb-engine/internal/snapshot"
	"github.com/sacenox/symb-engine/internal/tools"
)

func readOnlyDef(id string) tools.Definition {
	return tools.Definition{ID: id, Name: id, Meta: tools.Metadata{ReadOnly: true}}
}

func mutatingDef(id string) tools.Definition {
	return tools.Definition{ID: id, Name: id, Meta: tools.Metadata{RequiresApproval: true}}
}

func newTestEngine(t *testing.T, p *provider.MockProvider, defs []tools.Definition, handlers map[string]tools.Handler) *Engine {
	t.Helper()
	reg := tools.NewRegistry()
	for _, d := range defs {
		if err := reg.RegisterTool(d, handlers[d.ID]); err != nil {
			t.Fatalf("register %s: %v", d.ID, err)
		}
	}
	return &Engine{
		Provider:    p,
		Tools:       reg,
		Permissions: permission.NewRuleset(),
		Approvals:   approval.NewBroker(),
		Snapshots:   snapshot.New(),
		Policy:      compaction.DefaultPolicy(),
		Mode:        permission.ModeBuild,
	}
}

func TestRunSimpleResponse(t *testing.T) {
	p := provider.NewMock("mock", "hello there")
	e := newTestEngine(t, p, nil, nil)
	h := history.New()

	msg, err := e.Run(context.Background(), h, "sess-1", 1, "hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if msg.Text() != "hello there" {
		t.Fatalf("got text %q", msg.Text())
	}
	if len(h.All()) != 2 {
		t.Fatalf("expected user+assistant messages, got %d", len(h.All()))
	}
}

func TestRunToolRound(t *testing.T) {
	called := false
	handler := func(ctx context.Context, tctx tools.ToolContext, args json.RawMessage) (tools.Result, error) {
		called = true
		data, _ := json.Marshal(map[string]string{"text": "file contents"})
		return tools.Result{Success: true, Data: data}, nil
	}

	p := provider.NewMock("mock", "").WithToolCalls([]provider.ToolCall{
		{ID: "call-1", Name: "read", Arguments: json.RawMessage(`{"file":"a.go"}`)},
	})
	p.Enqueue("done reading", "", nil, nil)

	e := newTestEngine(t, p, []tools.Definition{readOnlyDef("read")}, map[string]tools.Handler{"read": handler})
	h := history.New()

	msg, err := e.Run(context.Background(), h, "sess-1", 1, "read a.go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !called {
		t.Fatal("tool handler was never invoked")
	}
	if msg.Text() != "done reading" {
		t.Fatalf("got final text %q", msg.Text())
	}
	if p.Calls() != 2 {
		t.Fatalf("expected 2 model rounds, got %d", p.Calls())
	}
}

func TestRunEditWithoutReadFails(t *testing.T) {
	handler := func(ctx context.Context, tctx tools.ToolContext, args json.RawMessage) (tools.Result, error) {
		return tools.Result{Success: false, Error: "you must read the file before modifying it", Metadata: map[string]any{"errorType": "unread_file"}}, nil
	}

	p := provider.NewMock("mock", "").WithToolCalls([]provider.ToolCall{
		{ID: "call-1", Name: "edit", Arguments: json.RawMessage(`{"file":"a.go"}`)},
	})
	p.Enqueue("I'll read it first", "", nil, nil)

	e := newTestEngine(t, p, []tools.Definition{mutatingDef("edit")}, map[string]tools.Handler{"edit": handler})
	e.Approvals.PreApprove("edit")
	h := history.New()

	msg, err := e.Run(context.Background(), h, "sess-1", 1, "edit a.go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if msg.Text() != "I'll read it first" {
		t.Fatalf("got %q", msg.Text())
	}

	all := h.All()
	assistantFirst := all[1]
	calls := assistantFirst.ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 recorded tool call, got %d", len(calls))
	}
	var res tools.Result
	if err := json.Unmarshal(calls[0].Output, &res); err != nil {
		t.Fatalf("unmarshal tool output: %v", err)
	}
	if res.Success {
		t.Fatal("expected recorded tool output to report failure")
	}
}

func TestRunDeniedInPlanMode(t *testing.T) {
	p := provider.NewMock("mock", "").WithToolCalls([]provider.ToolCall{
		{ID: "call-1", Name: "edit", Arguments: json.RawMessage(`{}`)},
	})
	p.Enqueue("ok, skipping the edit", "", nil, nil)

	called := false
	handler := func(ctx context.Context, tctx tools.ToolContext, args json.RawMessage) (tools.Result, error) {
		called = true
		return tools.Result{Success: true}, nil
	}
	e := newTestEngine(t, p, []tools.Definition{mutatingDef("edit")}, map[string]tools.Handler{"edit": handler})
	e.Mode = permission.ModePlan
	h := history.New()

	if _, err := e.Run(context.Background(), h, "sess-1", 1, "edit a.go"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if called {
		t.Fatal("handler must not run when permission denies the call in plan mode")
	}
}

func TestRunRateLimitRetry(t *testing.T) {
	p := provider.NewMock("mock", "").WithStreamError(errors.New("rate limit exceeded, please slow down"))
	p.Enqueue("recovered", "", nil, nil)
	e := newTestEngine(t, p, nil, nil)
	e.MaxRetries = 2
	h := history.New()

	start := time.Now()
	msg, err := e.Run(context.Background(), h, "sess-1", 1, "hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if msg.Text() != "recovered" {
		t.Fatalf("got %q", msg.Text())
	}
	if time.Since(start) < 1900*time.Millisecond {
		t.Fatal("expected the backoff delay to actually be waited out")
	}
}

func TestRunMalformedToolArguments(t *testing.T) {
	calledHandler := false
	handler := func(ctx context.Context, tctx tools.ToolContext, args json.RawMessage) (tools.Result, error) {
		calledHandler = true
		return tools.Result{Success: true}, nil
	}
	p := provider.NewMock("mock", "").WithToolCalls([]provider.ToolCall{
		{ID: "call-1", Name: "read", Arguments: json.RawMessage(`{not valid json`)},
	})
	p.Enqueue("handled the bad arguments", "", nil, nil)

	e := newTestEngine(t, p, []tools.Definition{readOnlyDef("read")}, map[string]tools.Handler{"read": handler})
	h := history.New()

	if _, err := e.Run(context.Background(), h, "sess-1", 1, "read something"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calledHandler {
		t.Fatal("handler must not run for malformed arguments")
	}
}

func TestRunUndoBoundaryTracksTurnID(t *testing.T) {
	p := provider.NewMock("mock", "done")
	e := newTestEngine(t, p, nil, nil)
	h := history.New()

	if _, err := e.Run(context.Background(), h, "sess-1", 7, "hi"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := e.Snapshots.TurnID(); got != 7 {
		t.Fatalf("expected snapshot ledger turn id 7, got %d", got)
	}
}

func TestRunMaxToolRoundsExceeded(t *testing.T) {
	handler := func(ctx context.Context, tctx tools.ToolContext, args json.RawMessage) (tools.Result, error) {
		return tools.Result{Success: true}, nil
	}
	p := provider.NewMock("mock", "").WithToolCalls([]provider.ToolCall{
		{ID: "call-1", Name: "read", Arguments: json.RawMessage(`{}`)},
	})
	// Every queued round (and the initial one) keeps requesting the same
	// tool, so the engine must hit MaxToolRounds rather than loop forever.
	for i := 0; i < 5; i++ {
		p.Enqueue("", "", []provider.ToolCall{{ID: "call-1", Name: "read", Arguments: json.RawMessage(`{}`)}}, nil)
	}
	e := newTestEngine(t, p, []tools.Definition{readOnlyDef("read")}, map[string]tools.Handler{"read": handler})
	e.MaxToolRounds = 3
	h := history.New()

	_, err := e.Run(context.Background(), h, "sess-1", 1, "loop forever")
	if err == nil {
		t.Fatal("expected an error once MaxToolRounds is exceeded")
	}
}
