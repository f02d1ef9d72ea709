// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigchat/internal/catalog"
	"github.com/jeranaias/rigchat/internal/engine"
	"github.com/jeranaias/rigchat/internal/model"
)

// fakeOllama serves the handful of endpoints the provider touches.
type fakeOllama struct {
	mu      sync.Mutex
	models  []string
	pulled  []string
	loaded  []string
	chunks  []string
	lastReq ChatRequest
}

func (f *fakeOllama) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "Ollama is running")
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var resp ListModelsResponse
		for _, m := range f.models {
			resp.Models = append(resp.Models, ModelInfo{Name: m})
		}
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/api/pull", func(w http.ResponseWriter, r *http.Request) {
		var req PullRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.pulled = append(f.pulled, req.Model)
		f.mu.Unlock()
		fmt.Fprintln(w, `{"status":"pulling manifest"}`)
		fmt.Fprintln(w, `{"status":"downloading","total":200,"completed":100}`)
		fmt.Fprintln(w, `{"status":"success"}`)
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(req.Messages) == 0 {
			f.loaded = append(f.loaded, req.Model)
			fmt.Fprint(w, `{"done":true}`)
			return
		}
		f.lastReq = req
		if !req.Stream {
			fmt.Fprint(w, `{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"getTime","arguments":{}}}]},"done":true}`)
			return
		}
		for _, c := range f.chunks {
			data, _ := json.Marshal(map[string]any{"message": map[string]string{"content": c}})
			fmt.Fprintln(w, string(data))
		}
		fmt.Fprintln(w, `{"done":true,"eval_count":3}`)
	})
	return mux
}

func (f *fakeOllama) snapshot() (pulled, loaded []string, last ChatRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulled, f.loaded, f.lastReq
}

func newTestClient(t *testing.T, f *fakeOllama) *Client {
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})
}

// =============================================================================
// CLIENT TESTS
// =============================================================================

func TestCheckRunning_NotRunning(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: url})
	err := client.CheckRunning(context.Background())
	require.Error(t, err)
	require.True(t, IsNotRunning(err), "got %v", err)
}

func TestHasModel_MatchesLatestTag(t *testing.T) {
	client := newTestClient(t, &fakeOllama{models: []string{"mistral:latest", "llama3.2:1b"}})

	ok, err := client.HasModel(context.Background(), "mistral")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = client.HasModel(context.Background(), "llama3.2:3b")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestChatStream_YieldsChunks(t *testing.T) {
	client := newTestClient(t, &fakeOllama{chunks: []string{"Hel", "lo"}})

	var got strings.Builder
	var done bool
	for chunk, err := range client.ChatStream(context.Background(), ChatRequest{
		Model:    "llama3.2:1b",
		Messages: []Message{{Role: "user", Content: "hi"}},
	}) {
		require.NoError(t, err)
		got.WriteString(chunk.Content)
		done = chunk.Done
	}
	require.Equal(t, "Hello", got.String())
	require.True(t, done)
}

func TestChatStream_Cancelled(t *testing.T) {
	client := newTestClient(t, &fakeOllama{chunks: []string{"a"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var gotErr error
	for _, err := range client.ChatStream(ctx, ChatRequest{Model: "m", Messages: []Message{{Role: "user", Content: "x"}}}) {
		gotErr = err
	}
	require.Error(t, gotErr)
	require.True(t, errors.Is(gotErr, context.Canceled), "got %v", gotErr)
}

func TestStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"model 'nope' not found"}`)
	}))
	defer srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})
	_, err := client.Chat(context.Background(), ChatRequest{Model: "nope"})
	require.True(t, IsModelNotFound(err), "got %v", err)
	require.Contains(t, err.Error(), "nope")
}

func TestStreamReader_ErrorLine(t *testing.T) {
	r := NewStreamReader(strings.NewReader("{\"message\":{\"content\":\"a\"}}\nnot json\n{\"error\":\"out of memory\"}\n"))

	chunk, err := r.NextChat()
	require.NoError(t, err)
	require.Equal(t, "a", chunk.Content)

	_, err = r.NextChat()
	require.Error(t, err)
	require.Contains(t, err.Error(), "out of memory")
}

func TestPullProgress_Percent(t *testing.T) {
	require.Equal(t, -1, PullProgress{Status: "pulling manifest"}.Percent())
	require.Equal(t, 50, PullProgress{Total: 200, Completed: 100}.Percent())
}

// =============================================================================
// PROVIDER TESTS
// =============================================================================

func TestProvider_PullsMissingModel(t *testing.T) {
	f := &fakeOllama{chunks: []string{"ok"}}
	p := NewProvider(newTestClient(t, f))

	var progress []string
	eng, err := p.CreateEngine(context.Background(), "llama3.2:1b", func(s string) {
		progress = append(progress, s)
	}, catalog.Builtin())
	require.NoError(t, err)
	require.Equal(t, engine.BackendGPU, eng.Backend())
	require.Equal(t, "llama3.2:1b", eng.Model())
	pulled, loaded, _ := f.snapshot()
	require.Equal(t, []string{"llama3.2:1b"}, pulled)
	require.Equal(t, []string{"llama3.2:1b"}, loaded)
	require.Contains(t, strings.Join(progress, "\n"), "Downloading llama3.2:1b: 50%")
}

func TestProvider_NoAutoPull(t *testing.T) {
	p := NewProvider(newTestClient(t, &fakeOllama{}))
	p.AutoPull = false

	_, err := p.CreateEngine(context.Background(), "llama3.2:1b", nil, nil)
	require.True(t, IsModelNotFound(err), "got %v", err)
}

func TestProvider_GenerateStreams(t *testing.T) {
	f := &fakeOllama{models: []string{"llama3.2:1b"}, chunks: []string{"Hi", "", " there"}}
	p := NewProvider(newTestClient(t, f))
	eng, err := p.CreateEngine(context.Background(), "llama3.2:1b", nil, catalog.Builtin())
	require.NoError(t, err)
	pulled, _, _ := f.snapshot()
	require.Empty(t, pulled)

	turns := []model.Turn{
		model.NewTurn(model.RoleSystem, "be brief"),
		model.NewTurn(model.RoleUser, "hello"),
	}
	var deltas []string
	for d, err := range eng.Generate(context.Background(), turns, engine.Params{Temperature: 0.2, Seed: 7}) {
		require.NoError(t, err)
		deltas = append(deltas, d.Text)
	}
	require.Equal(t, []string{"Hi", " there"}, deltas)
	_, _, last := f.snapshot()
	require.Equal(t, "system", last.Messages[0].Role)
	require.Equal(t, 7, last.Options.Seed)
	require.InDelta(t, 0.2, last.Options.Temperature, 1e-9)
}

func TestProvider_ChatWithTools(t *testing.T) {
	f := &fakeOllama{models: []string{"hermes3:3b"}}
	p := NewProvider(newTestClient(t, f))
	eng, err := p.CreateEngine(context.Background(), "hermes3:3b", nil, nil)
	require.NoError(t, err)

	tc, ok := engine.Tools(eng)
	require.True(t, ok)

	reply, err := tc.ChatWithTools(context.Background(),
		[]model.Turn{model.NewTurn(model.RoleUser, "time?")},
		[]engine.ToolSpec{{Name: "getTime", Description: "current time"}},
		engine.DefaultParams())
	require.NoError(t, err)
	require.Len(t, reply.ToolCalls, 1)
	require.Equal(t, "getTime", reply.ToolCalls[0].Name)
	_, _, last := f.snapshot()
	require.Len(t, last.Tools, 1)
	require.Equal(t, "object", last.Tools[0].Function.Parameters.Type)
}
