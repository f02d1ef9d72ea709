// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"fmt"
	"iter"

	"github.com/dustin/go-humanize"

	"github.com/jeranaias/rigchat/internal/catalog"
	"github.com/jeranaias/rigchat/internal/engine"
	"github.com/jeranaias/rigchat/internal/model"
)

// =============================================================================
// PROVIDER
// =============================================================================

// Provider creates streaming engines backed by Ollama.
type Provider struct {
	Client *Client

	// AutoPull downloads models that are not present locally.
	AutoPull bool
}

// NewProvider returns a provider that pulls missing models.
func NewProvider(client *Client) *Provider {
	if client == nil {
		client = NewClient()
	}
	return &Provider{Client: client, AutoPull: true}
}

// Name identifies the provider in status output.
func (p *Provider) Name() string {
	return "ollama"
}

// CreateEngine makes modelID ready on the GPU: it checks the server,
// pulls the model when missing and loads it into memory. Each stage is
// reported through onProgress.
func (p *Provider) CreateEngine(ctx context.Context, modelID string, onProgress func(string), cat *catalog.Catalog) (engine.Engine, error) {
	report := func(s string) {
		if onProgress != nil {
			onProgress(s)
		}
	}

	report("Connecting to Ollama at " + p.Client.BaseURL())
	if err := p.Client.CheckRunning(ctx); err != nil {
		return nil, err
	}

	present, err := p.Client.HasModel(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if !present {
		if !p.AutoPull {
			return nil, &ClientError{Type: ErrTypeModelNotFound, Message: "model not found: " + modelID}
		}
		report("Downloading " + modelID)
		err := p.Client.Pull(ctx, modelID, func(pp PullProgress) {
			report(FormatPull(modelID, pp))
		})
		if err != nil {
			return nil, err
		}
	}

	report("Loading " + modelID + " into GPU memory")
	if err := p.Client.Load(ctx, modelID); err != nil {
		return nil, err
	}

	s := &streamer{client: p.Client, model: modelID}
	if m, ok := cat.Get(modelID); ok && m.Context > 0 {
		s.numCtx = m.Context
	}
	return engine.NewStreaming(modelID, s, nil), nil
}

// FormatPull renders a pull status line for progress output.
func FormatPull(modelID string, p PullProgress) string {
	if pct := p.Percent(); pct >= 0 {
		return fmt.Sprintf("Downloading %s: %d%% (%s / %s)", modelID, pct,
			humanize.Bytes(uint64(p.Completed)), humanize.Bytes(uint64(p.Total)))
	}
	return fmt.Sprintf("%s: %s", modelID, p.Status)
}

// =============================================================================
// STREAMER
// =============================================================================

type streamer struct {
	client *Client
	model  string
	numCtx int
}

func (s *streamer) options(p engine.Params) *Options {
	return &Options{
		Temperature: p.Temperature,
		Seed:        p.Seed,
		NumPredict:  p.MaxTokens,
		NumCtx:      s.numCtx,
	}
}

// GenerateStreaming streams the assistant reply to turns.
func (s *streamer) GenerateStreaming(ctx context.Context, turns []model.Turn, p engine.Params) iter.Seq2[engine.Delta, error] {
	req := ChatRequest{
		Model:    s.model,
		Messages: toMessages(turns),
		Options:  s.options(p),
	}
	return func(yield func(engine.Delta, error) bool) {
		for chunk, err := range s.client.ChatStream(ctx, req) {
			if err != nil {
				yield(engine.Delta{}, err)
				return
			}
			if chunk.Content == "" {
				continue
			}
			if !yield(engine.Delta{Text: chunk.Content}, nil) {
				return
			}
		}
	}
}

// ChatWithTools sends a non-streaming request offering tools.
func (s *streamer) ChatWithTools(ctx context.Context, turns []model.Turn, tools []engine.ToolSpec, p engine.Params) (engine.Reply, error) {
	resp, err := s.client.Chat(ctx, ChatRequest{
		Model:    s.model,
		Messages: toMessages(turns),
		Options:  s.options(p),
		Tools:    toTools(tools),
	})
	if err != nil {
		return engine.Reply{}, err
	}

	reply := engine.Reply{Content: resp.Message.Content}
	for i, tc := range resp.Message.ToolCalls {
		reply.ToolCalls = append(reply.ToolCalls, model.ToolCall{
			ID:        fmt.Sprintf("call_%d", i),
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return reply, nil
}

// =============================================================================
// CONVERSION
// =============================================================================

func toMessages(turns []model.Turn) []Message {
	msgs := make([]Message, 0, len(turns))
	for _, t := range turns {
		m := Message{Role: t.Role.String(), Content: t.Content}
		for _, tc := range t.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, ToolCall{
				Function: ToolFunction{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func toTools(specs []engine.ToolSpec) []Tool {
	tools := make([]Tool, 0, len(specs))
	for _, spec := range specs {
		props := make(map[string]ToolProperty, len(spec.Parameters))
		for name, param := range spec.Parameters {
			props[name] = ToolProperty{Type: param.Type, Description: param.Description}
		}
		tools = append(tools, Tool{
			Type: "function",
			Function: ToolSchema{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters: ToolParameters{
					Type:       "object",
					Properties: props,
					Required:   spec.Required,
				},
			},
		})
	}
	return tools
}
