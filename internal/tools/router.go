// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/jeranaias/rigchat/internal/engine"
	"github.com/jeranaias/rigchat/internal/model"
)

// Router dispatches tool calls.
type Router struct {
	tools map[string]*Tool
	order []string

	now func() time.Time
	rng *rand.Rand
}

// Option configures a Router.
type Option func(*Router)

// WithClock fixes the time returned by getTime.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithRand seeds the mock weather generator.
func WithRand(rng *rand.Rand) Option {
	return func(r *Router) { r.rng = rng }
}

// NewRouter returns a router over the built-in tools.
func NewRouter(opts ...Option) *Router {
	r := &Router{
		tools: make(map[string]*Tool),
		now:   time.Now,
		rng:   rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
	for _, o := range opts {
		o(r)
	}
	for _, t := range r.builtins() {
		r.tools[t.Name] = t
		r.order = append(r.order, t.Name)
	}
	return r
}

// Specs returns the tool descriptions offered to the model.
func (r *Router) Specs() []engine.ToolSpec {
	specs := make([]engine.ToolSpec, 0, len(r.order))
	for _, n := range r.order {
		specs = append(specs, r.tools[n].Spec())
	}
	return specs
}

// Execute runs call and returns its JSON-encoded result.
func (r *Router) Execute(ctx context.Context, call model.ToolCall) string {
	return encode(r.Run(ctx, call))
}

// Run runs call and returns its result object.
func (r *Router) Run(ctx context.Context, call model.ToolCall) (result map[string]any) {
	t, ok := r.tools[call.Name]
	if !ok {
		return map[string]any{"success": false, "error": "Unknown function"}
	}
	defer func() {
		if p := recover(); p != nil {
			result = map[string]any{
				"success": false,
				"error":   "Error processing function call",
				"message": fmt.Sprint(p),
			}
		}
	}()
	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	return t.Executor.Execute(ctx, args)
}

func encode(v map[string]any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return `{"success":false,"error":"Error processing function call"}`
	}
	return string(data)
}

// =============================================================================
// getTime / getWeather
// =============================================================================

func (r *Router) getTime(ctx context.Context, args map[string]any) map[string]any {
	now := r.now()
	return map[string]any{
		"success":   true,
		"time":      now.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		"formatted": now.Local().Format("1/2/2006, 3:04:05 PM"),
	}
}

var conditions = []string{"Sunny", "Partly Cloudy", "Cloudy", "Rainy", "Thunderstorm"}

func (r *Router) getWeather(ctx context.Context, args map[string]any) map[string]any {
	location, _ := args["location"].(string)
	location = strings.TrimSpace(location)
	if location == "" {
		return map[string]any{"success": false, "error": "Missing location"}
	}
	return map[string]any{
		"success":     true,
		"location":    location,
		"temperature": int(math.Round(r.rng.Float64()*30 + 10)),
		"condition":   conditions[r.rng.IntN(len(conditions))],
		"humidity":    int(math.Round(r.rng.Float64()*50 + 30)),
		"wind":        fmt.Sprintf("%.1f", r.rng.Float64()*20),
	}
}
