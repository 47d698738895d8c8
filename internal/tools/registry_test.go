package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func echoHandler(ctx context.Context, tctx ToolContext, args json.RawMessage) (Result, error) {
	return Result{Success: true, Data: args}, nil
}

func TestRegisterToolRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	def := Definition{ID: "echo", Name: "echo"}
	if err := r.RegisterTool(def, echoHandler); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if err := r.RegisterTool(def, echoHandler); err == nil {
		t.Fatalf("expected a duplicate id registration to be rejected")
	}
	if got := r.GetTools(nil); len(got) != 1 {
		t.Fatalf("expected exactly one registered tool, got %d", len(got))
	}
}

func TestGetToolsFilter(t *testing.T) {
	r := NewRegistry()
	r.RegisterTool(Definition{ID: "a", Name: "a"}, echoHandler)
	r.RegisterTool(Definition{ID: "b", Name: "b"}, echoHandler)

	all := r.GetTools(nil)
	if len(all) != 2 {
		t.Fatalf("expected 2 tools with no filter, got %d", len(all))
	}

	filtered := r.GetTools(map[string]bool{"a": true})
	if len(filtered) != 1 || filtered[0].Name != "a" {
		t.Fatalf("expected only tool %q, got %+v", "a", filtered)
	}
}

func TestExecuteToolSuccess(t *testing.T) {
	r := NewRegistry()
	r.RegisterTool(Definition{ID: "echo", Name: "echo"}, echoHandler)

	res := r.ExecuteTool(context.Background(), "echo", json.RawMessage(`{"x":1}`), ToolContext{})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if _, ok := res.Metadata["durationMs"]; !ok {
		t.Fatalf("expected durationMs in metadata, got %+v", res.Metadata)
	}
}

func TestExecuteToolUnknown(t *testing.T) {
	r := NewRegistry()
	res := r.ExecuteTool(context.Background(), "missing", nil, ToolContext{})
	if res.Success {
		t.Fatalf("expected failure for an unregistered tool id")
	}
}

func TestExecuteToolRecoversPanic(t *testing.T) {
	r := NewRegistry()
	r.RegisterTool(Definition{ID: "boom", Name: "boom"}, func(ctx context.Context, tctx ToolContext, args json.RawMessage) (Result, error) {
		panic("kaboom")
	})
	res := r.ExecuteTool(context.Background(), "boom", nil, ToolContext{})
	if res.Success {
		t.Fatalf("expected a panicking handler to surface as a failed result")
	}
	if res.Metadata["errorType"] != "panic" {
		t.Fatalf("expected errorType=panic, got %+v", res.Metadata)
	}
}

func TestExecuteToolTimeout(t *testing.T) {
	r := NewRegistry()
	r.RegisterTool(Definition{ID: "slow", Name: "slow", Meta: Metadata{Timeout: 20 * time.Millisecond}}, func(ctx context.Context, tctx ToolContext, args json.RawMessage) (Result, error) {
		time.Sleep(time.Second)
		return Result{Success: true}, nil
	})
	res := r.ExecuteTool(context.Background(), "slow", nil, ToolContext{})
	if res.Success || res.Metadata["errorType"] != "timeout" {
		t.Fatalf("expected a timeout failure, got %+v", res)
	}
}
