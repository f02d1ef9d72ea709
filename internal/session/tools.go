// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jeranaias/rigchat/internal/engine"
	"github.com/jeranaias/rigchat/internal/model"
	"github.com/jeranaias/rigchat/internal/tools"
)

// SendWithTools runs the two-step function-calling flow: the model is asked
// with the demo tools, every requested call is executed and answered with a
// tool turn, then the model is asked again for the final answer.
func (c *Controller) SendWithTools(ctx context.Context, text string) (*Result, error) {
	eng, gen, err := c.begin()
	if err != nil {
		return nil, err
	}
	defer c.end()

	if eng.Backend() != engine.BackendGPU {
		c.render.AppendTurn(RoleError, "Error: "+ErrToolsUnavailable.Error())
		return nil, ErrToolsUnavailable
	}
	supported := c.catalog.FunctionCalling()
	caller, ok := engine.Tools(eng)
	if !ok || !slices.Contains(supported, eng.Model()) {
		err := &ToolsUnsupportedError{Model: eng.Model(), Supported: supported}
		c.render.AppendTurn(RoleError, err.Error())
		return nil, err
	}

	_, plan, err := c.prepare(text)
	if err != nil {
		return nil, err
	}
	result := &Result{Truncated: plan.Truncated, Evicted: len(plan.Evicted)}

	genCtx, stop := gen.token.bind(ctx)
	defer stop()
	params := c.params(eng)

	fail := func(err error) (*Result, error) {
		if gen.token.Cancelled() || errors.Is(err, context.Canceled) {
			c.render.AppendTurn(RoleError, "Generation cancelled: "+err.Error())
			result.Text = CancelledMarker
			result.Cancelled = true
			c.render.AppendTurn(model.RoleAssistant, result.Text)
			c.history.Append(model.NewTurn(model.RoleAssistant, result.Text))
			return result, nil
		}
		c.logger.Warn("tool generation failed", "model", eng.Model(), "err", err)
		// Drop this cycle's turns; evictions made while budgeting stay.
		if rerr := c.history.Replace(plan.History); rerr != nil {
			c.logger.Error("rollback failed", "err", rerr)
		}
		c.render.AppendTurn(RoleError, "Error: "+err.Error())
		return nil, err
	}

	reply, err := caller.ChatWithTools(genCtx, c.history.Snapshot(), c.router.Specs(), params)
	if err != nil {
		return fail(err)
	}

	final := reply.Content
	if len(reply.ToolCalls) == 0 {
		if strings.TrimSpace(final) == "" {
			final = tools.FallbackNoTools
		}
	} else {
		calls := make([]model.ToolCall, len(reply.ToolCalls))
		for i, call := range reply.ToolCalls {
			if call.ID == "" {
				call.ID = fmt.Sprintf("call_%d", i)
			}
			calls[i] = call
		}
		asked := model.NewTurn(model.RoleAssistant, reply.Content)
		asked.ToolCalls = calls
		c.history.Append(asked)

		for _, call := range calls {
			if gen.token.Cancelled() {
				return fail(context.Canceled)
			}
			out := c.router.Execute(genCtx, call)
			c.logger.Debug("tool call", "name", call.Name, "result", out)
			c.render.AppendTurn(model.RoleTool, fmt.Sprintf("%s → %s", call.Name, out))
			c.history.Append(model.NewToolTurn(call, out))
		}
		result.ToolCalls = calls

		reply, err = caller.ChatWithTools(genCtx, c.history.Snapshot(), nil, params)
		if err != nil {
			return fail(err)
		}
		final = reply.Content
		if strings.TrimSpace(final) == "" {
			final = tools.FallbackAfterTools
		}
	}

	if gen.token.Cancelled() {
		final += CancelledMarker
		result.Cancelled = true
	}
	result.Text = final
	h := c.render.AppendTurn(model.RoleAssistant, final)
	c.finish(h)
	c.history.Append(model.NewTurn(model.RoleAssistant, final))
	return result, nil
}
