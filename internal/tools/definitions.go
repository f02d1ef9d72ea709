// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"sort"

	"github.com/jeranaias/rigchat/internal/engine"
)

// =============================================================================
// TOOL DEFINITION
// =============================================================================

// Tool is one callable function.
type Tool struct {
	// Name is the identifier the model calls, e.g. "getTime".
	Name string

	// Description is sent to the model.
	Description string

	// Schema defines the tool's parameters.
	Schema Schema

	// Executor handles the actual execution.
	Executor ToolExecutor
}

// Schema defines a tool's parameters.
type Schema struct {
	Parameters []Parameter
}

// Parameter defines a single tool parameter.
type Parameter struct {
	Name        string
	Type        string
	Required    bool
	Description string
}

// Spec converts t to the engine's tool description.
func (t *Tool) Spec() engine.ToolSpec {
	spec := engine.ToolSpec{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  make(map[string]engine.ToolParam, len(t.Schema.Parameters)),
	}
	for _, p := range t.Schema.Parameters {
		spec.Parameters[p.Name] = engine.ToolParam{Type: p.Type, Description: p.Description}
		if p.Required {
			spec.Required = append(spec.Required, p.Name)
		}
	}
	return spec
}

// =============================================================================
// TOOL EXECUTOR INTERFACE
// =============================================================================

// ToolExecutor runs a tool. The returned map is encoded as the tool result.
type ToolExecutor interface {
	Execute(ctx context.Context, args map[string]any) map[string]any
}

// ExecutorFunc adapts a function to ToolExecutor.
type ExecutorFunc func(ctx context.Context, args map[string]any) map[string]any

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, args map[string]any) map[string]any {
	return f(ctx, args)
}

// =============================================================================
// BUILT-IN TOOLS
// =============================================================================

func (r *Router) builtins() []*Tool {
	return []*Tool{
		{
			Name:        "getTime",
			Description: "Get the current local time as an ISO string.",
			Executor:    ExecutorFunc(r.getTime),
		},
		{
			Name:        "calculate",
			Description: "Calculate the result of a mathematical expression.",
			Schema: Schema{Parameters: []Parameter{{
				Name:        "expression",
				Type:        "string",
				Required:    true,
				Description: "The mathematical expression to evaluate (e.g., '2 + 2 * 3')",
			}}},
			Executor: ExecutorFunc(calculate),
		},
		{
			Name:        "getWeather",
			Description: "Get the current weather for a specified location.",
			Schema: Schema{Parameters: []Parameter{{
				Name:        "location",
				Type:        "string",
				Required:    true,
				Description: "The city and optional state/country (e.g., 'New York' or 'London, UK')",
			}}},
			Executor: ExecutorFunc(r.getWeather),
		},
	}
}

// Names returns the tool names, sorted.
func (r *Router) Names() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
