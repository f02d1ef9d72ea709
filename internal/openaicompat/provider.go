// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"slices"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/jeranaias/rigchat/internal/catalog"
	"github.com/jeranaias/rigchat/internal/engine"
	"github.com/jeranaias/rigchat/internal/model"
)

// DefaultBaseURL is LM Studio's default endpoint.
const DefaultBaseURL = "http://127.0.0.1:1234/v1"

// localKey is sent when no key is configured; local servers ignore it but
// the SDK refuses to send requests without one.
const localKey = "local"

// Config configures the provider.
type Config struct {
	BaseURL string
	APIKey  string

	// HTTPClient overrides the transport (offline guard, tests).
	HTTPClient *http.Client
}

// Provider creates streaming engines against an OpenAI-compatible server.
type Provider struct {
	client  openai.Client
	baseURL string
}

// New creates a provider.
func New(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIKey == "" {
		cfg.APIKey = localKey
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithMaxRetries(0),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &Provider{client: openai.NewClient(opts...), baseURL: cfg.BaseURL}
}

// Name identifies the provider in status output.
func (p *Provider) Name() string {
	return "openai"
}

// CreateEngine checks that the server answers and returns a streaming
// engine for modelID. Servers that list models but not modelID are
// reported through onProgress and used anyway; some route every name to
// the one model they have loaded.
func (p *Provider) CreateEngine(ctx context.Context, modelID string, onProgress func(string), _ *catalog.Catalog) (engine.Engine, error) {
	report := func(s string) {
		if onProgress != nil {
			onProgress(s)
		}
	}

	report("Connecting to " + p.baseURL)
	page, err := p.client.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("openai-compatible server at %s: %w", p.baseURL, err)
	}
	var ids []string
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	if len(ids) > 0 && !slices.Contains(ids, modelID) {
		report(fmt.Sprintf("Server does not list %s; sending requests anyway", modelID))
	}
	report("Ready: " + modelID)

	return engine.NewStreaming(modelID, &streamer{client: p.client, model: modelID}, nil), nil
}

type streamer struct {
	client openai.Client
	model  string
}

func (s *streamer) params(turns []model.Turn, p engine.Params) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(s.model),
		Messages:    toMessages(turns),
		Temperature: openai.Float(p.Temperature),
		Seed:        openai.Int(int64(p.Seed)),
	}
	if p.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(p.MaxTokens))
	}
	return params
}

// GenerateStreaming streams content deltas from /chat/completions.
func (s *streamer) GenerateStreaming(ctx context.Context, turns []model.Turn, p engine.Params) iter.Seq2[engine.Delta, error] {
	return func(yield func(engine.Delta, error) bool) {
		stream := s.client.Chat.Completions.NewStreaming(ctx, s.params(turns, p))
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			if !yield(engine.Delta{Text: chunk.Choices[0].Delta.Content}, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
				err = fmt.Errorf("%w: %v", ctx.Err(), err)
			}
			yield(engine.Delta{}, fmt.Errorf("openai streaming error: %w", err))
		}
	}
}

// ChatWithTools sends a non-streaming request offering tools.
func (s *streamer) ChatWithTools(ctx context.Context, turns []model.Turn, tools []engine.ToolSpec, p engine.Params) (engine.Reply, error) {
	params := s.params(turns, p)
	params.Tools = toTools(tools)

	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return engine.Reply{}, err
	}
	if len(resp.Choices) == 0 {
		return engine.Reply{}, errors.New("openai: response has no choices")
	}

	msg := resp.Choices[0].Message
	reply := engine.Reply{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return engine.Reply{}, fmt.Errorf("tool call %s: invalid arguments: %w", tc.Function.Name, err)
			}
		}
		reply.ToolCalls = append(reply.ToolCalls, model.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return reply, nil
}

// =============================================================================
// CONVERSION
// =============================================================================

func toMessages(turns []model.Turn) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case model.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(t.Content))
		case model.RoleUser:
			msgs = append(msgs, openai.UserMessage(t.Content))
		case model.RoleTool:
			msgs = append(msgs, openai.ToolMessage(t.Content, t.ToolCallID))
		case model.RoleAssistant:
			var calls []openai.ChatCompletionMessageToolCallParam
			for _, tc := range t.ToolCalls {
				args, _ := json.Marshal(tc.Arguments)
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			assistant := openai.ChatCompletionAssistantMessageParam{
				Content:   openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(t.Content)},
				ToolCalls: calls,
			}
			msgs = append(msgs, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		}
	}
	return msgs
}

func toTools(specs []engine.ToolSpec) []openai.ChatCompletionToolParam {
	var out []openai.ChatCompletionToolParam
	for _, spec := range specs {
		props := make(map[string]any, len(spec.Parameters))
		for name, param := range spec.Parameters {
			props[name] = map[string]any{"type": param.Type, "description": param.Description}
		}
		fn := shared.FunctionParameters{
			"type":       "object",
			"properties": props,
		}
		if len(spec.Required) > 0 {
			fn["required"] = spec.Required
		}
		out = append(out, openai.ChatCompletionToolParam{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        spec.Name,
				Description: openai.String(spec.Description),
				Parameters:  fn,
			},
		})
	}
	return out
}
