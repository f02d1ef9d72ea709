// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigchat/internal/engine"
	"github.com/jeranaias/rigchat/internal/model"
)

type fakeServer struct {
	mu   sync.Mutex
	last map[string]any
}

func (f *fakeServer) lastRequest() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	f := &fakeServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"object":"list","data":[{"id":"qwen2.5:7b","object":"model","created":0,"owned_by":"local"}]}`)
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.last = body
		f.mu.Unlock()

		if stream, _ := body["stream"].(bool); stream {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, piece := range []string{"Hel", "lo"} {
				fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":0,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", piece)
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c2","object":"chat.completion","created":0,"model":"m","choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":"","tool_calls":[{"id":"call_1","type":"function","function":{"name":"calculate","arguments":"{\"expression\":\"2+2\"}"}}]}}]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func TestCreateEngine_Streams(t *testing.T) {
	f, srv := newFakeServer(t)
	p := New(Config{BaseURL: srv.URL + "/v1"})

	var progress []string
	eng, err := p.CreateEngine(context.Background(), "llama3.2:1b", func(s string) { progress = append(progress, s) }, nil)
	require.NoError(t, err)
	require.Equal(t, engine.BackendGPU, eng.Backend())
	require.Contains(t, progress, "Server does not list llama3.2:1b; sending requests anyway")

	turns := []model.Turn{
		model.NewTurn(model.RoleSystem, "sys"),
		model.NewTurn(model.RoleUser, "hi"),
	}
	var text string
	for d, err := range eng.Generate(context.Background(), turns, engine.Params{Temperature: 0.5, Seed: 3}) {
		require.NoError(t, err)
		text += d.Text
	}
	require.Equal(t, "Hello", text)

	last := f.lastRequest()
	require.Equal(t, "llama3.2:1b", last["model"])
	require.EqualValues(t, 3, last["seed"])
	msgs := last["messages"].([]any)
	require.Len(t, msgs, 2)
	require.Equal(t, "system", msgs[0].(map[string]any)["role"])
}

func TestCreateEngine_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(Config{BaseURL: url + "/v1"}).CreateEngine(context.Background(), "m", nil, nil)
	require.Error(t, err)
}

func TestChatWithTools(t *testing.T) {
	f, srv := newFakeServer(t)
	eng, err := New(Config{BaseURL: srv.URL + "/v1"}).CreateEngine(context.Background(), "qwen2.5:7b", nil, nil)
	require.NoError(t, err)

	tc, ok := engine.Tools(eng)
	require.True(t, ok)

	reply, err := tc.ChatWithTools(context.Background(),
		[]model.Turn{model.NewTurn(model.RoleUser, "2+2?")},
		[]engine.ToolSpec{{
			Name:        "calculate",
			Description: "evaluate",
			Parameters:  map[string]engine.ToolParam{"expression": {Type: "string"}},
			Required:    []string{"expression"},
		}},
		engine.DefaultParams())
	require.NoError(t, err)
	require.Len(t, reply.ToolCalls, 1)
	require.Equal(t, "call_1", reply.ToolCalls[0].ID)
	require.Equal(t, "2+2", reply.ToolCalls[0].Arguments["expression"])

	tools := f.lastRequest()["tools"].([]any)
	require.Len(t, tools, 1)
}

func TestToMessages_ToolRoundTrip(t *testing.T) {
	call := model.ToolCall{ID: "call_9", Name: "getTime", Arguments: map[string]any{}}
	assistant := model.NewTurn(model.RoleAssistant, "")
	assistant.ToolCalls = []model.ToolCall{call}

	msgs := toMessages([]model.Turn{
		model.NewTurn(model.RoleUser, "time?"),
		assistant,
		model.NewToolTurn(call, `{"success":true}`),
	})
	require.Len(t, msgs, 3)
	require.NotNil(t, msgs[1].OfAssistant)
	require.Equal(t, "call_9", msgs[1].OfAssistant.ToolCalls[0].ID)
	require.NotNil(t, msgs[2].OfTool)
	require.Equal(t, "call_9", msgs[2].OfTool.ToolCallID)
}
