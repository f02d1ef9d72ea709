// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"

	"github.com/jeranaias/rigchat/internal/model"
)

// ToolParam describes one string or number argument of a tool.
type ToolParam struct {
	Type        string
	Description string
}

// ToolSpec is a function the model may call.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]ToolParam
	Required    []string
}

// Reply is a complete, non-streamed assistant message.
type Reply struct {
	Content   string
	ToolCalls []model.ToolCall
}

// ToolCaller is implemented by runtimes that support function calling.
type ToolCaller interface {
	ChatWithTools(ctx context.Context, turns []model.Turn, tools []ToolSpec, p Params) (Reply, error)
}

// Tools returns e's function-calling capability, if it has one.
func Tools(e Engine) (ToolCaller, bool) {
	if tc, ok := e.(ToolCaller); ok {
		return tc, true
	}
	if se, ok := e.(*streamingEngine); ok && !se.closed {
		tc, ok := se.s.(ToolCaller)
		return tc, ok
	}
	return nil, false
}
