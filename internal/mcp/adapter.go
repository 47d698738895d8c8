package mcp

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/sacenox/symb-engine/internal/tools"
)

// AdaptProxy converts every tool currently known to an MCP Proxy (local and
// upstream) into registry definitions and handlers, so external MCP servers
// show up in the same tools.Registry the built-in agent tools live in rather
// than needing a second dispatch path in the turn engine.
//
// Called once per turn-engine startup, after p.Initialize has run, so
// upstream ListTools reflects whatever the upstream actually offers.
func AdaptProxy(ctx context.Context, p *Proxy) ([]tools.Definition, map[string]tools.Handler, error) {
	mcpTools, err := p.ListTools(ctx)
	if err != nil {
		return nil, nil, err
	}

	defs := make([]tools.Definition, 0, len(mcpTools))
	handlers := make(map[string]tools.Handler, len(mcpTools))
	for _, t := range mcpTools {
		id := "mcp:" + t.Name
		defs = append(defs, tools.Definition{
			ID:          id,
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
			Meta: tools.Metadata{
				Category:       "mcp",
				RequiresApproval: true,
				ReadOnly:       false,
			},
		})
		handlers[id] = makeProxyHandler(p, t.Name)
	}
	return defs, handlers, nil
}

// makeProxyHandler closes over the tool name so the registry's one Handler
// signature can dispatch to Proxy.CallTool, translating its ContentBlock
// result shape into the registry's structured Result.
func makeProxyHandler(p *Proxy, name string) tools.Handler {
	return func(ctx context.Context, _ tools.ToolContext, args json.RawMessage) (tools.Result, error) {
		res, err := p.CallTool(ctx, name, args)
		if err != nil {
			return tools.Result{Success: false, Error: err.Error()}, nil
		}
		var text strings.Builder
		for _, block := range res.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		if res.IsError {
			return tools.Result{Success: false, Error: text.String()}, nil
		}
		data, _ := json.Marshal(map[string]string{"text": text.String()})
		return tools.Result{Success: true, Data: data}, nil
	}
}
