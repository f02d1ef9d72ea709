// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llamacpp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigchat/internal/assets"
	"github.com/jeranaias/rigchat/internal/engine"
	"github.com/jeranaias/rigchat/internal/model"
)

type fakeServer struct {
	mu      sync.Mutex
	content string
	last    completionRequest
}

func (f *fakeServer) request() completionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func newFakeServer(t *testing.T, content string) (*fakeServer, *httptest.Server) {
	f := &fakeServer{content: content}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":"ok"}`)
	})
	mux.HandleFunc("/completion", func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.last = req
		f.mu.Unlock()
		if req.Prompt == "fail" {
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, `{"error":{"message":"slot unavailable"}}`)
			return
		}
		json.NewEncoder(w).Encode(completionResponse{Content: f.content, Stop: true})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

// =============================================================================
// CLIENT
// =============================================================================

func TestGenerateOnce_SendsSampling(t *testing.T) {
	f, srv := newFakeServer(t, "Once upon a time")
	c := NewClient(srv.URL, nil)

	out, err := c.GenerateOnce(context.Background(), "Tell a story", engine.Params{Temperature: 0.7, Seed: 4})
	require.NoError(t, err)
	assert.Equal(t, "Once upon a time", out)

	req := f.request()
	assert.Equal(t, "Tell a story", req.Prompt)
	assert.Equal(t, engine.DefaultWASMMaxTokens, req.NPredict)
	assert.Equal(t, DefaultTopK, req.TopK)
	assert.InDelta(t, DefaultTopP, req.TopP, 1e-9)
	assert.InDelta(t, 0.7, req.Temperature, 1e-9)
	assert.Equal(t, 4, req.Seed)
	assert.False(t, req.Stream)
}

func TestGenerateOnce_EmptyOutput(t *testing.T) {
	_, srv := newFakeServer(t, "  \n")
	out, err := NewClient(srv.URL, nil).GenerateOnce(context.Background(), "x", engine.DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, NoOutput, out)
}

func TestGenerateOnce_ServerError(t *testing.T) {
	_, srv := newFakeServer(t, "")
	_, err := NewClient(srv.URL, nil).GenerateOnce(context.Background(), "fail", engine.DefaultParams())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slot unavailable")
}

// =============================================================================
// PROVIDER
// =============================================================================

func TestProvider_RemoteServer(t *testing.T) {
	f, srv := newFakeServer(t, "hello")
	p := NewProvider(Config{ServerURL: srv.URL, MaxTokens: 32}, nil, nil)

	a, err := p.LoadRuntimeAssets(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, a.Remote)

	eng, err := p.CreateEngine(context.Background(), a, engine.DemoModel, nil)
	require.NoError(t, err)
	assert.Equal(t, engine.BackendWASM, eng.Backend())
	assert.Equal(t, "tinyllamas/stories260K", eng.Model())

	turns := []model.Turn{
		model.NewTurn(model.RoleSystem, "sys"),
		model.NewTurn(model.RoleUser, "earlier"),
		model.NewTurn(model.RoleUser, "latest"),
	}
	var deltas []engine.Delta
	for d, err := range eng.Generate(context.Background(), turns, engine.DefaultParams()) {
		require.NoError(t, err)
		deltas = append(deltas, d)
	}
	require.Len(t, deltas, 1)
	assert.True(t, deltas[0].Final)
	assert.Equal(t, "hello", deltas[0].Text)
	assert.Equal(t, "latest", f.request().Prompt)
	assert.Equal(t, 32, f.request().NPredict)
}

func TestProvider_RemoteUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewProvider(Config{ServerURL: url}, nil, nil).LoadRuntimeAssets(context.Background(), nil)
	assert.Error(t, err)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestProvider_LocalFetchesModelThroughCache(t *testing.T) {
	_, srv := newFakeServer(t, "story")

	store, err := assets.Open(t.TempDir(), "")
	require.NoError(t, err)
	defer store.Close()

	var downloads int
	cache := assets.NewTransport(store, roundTripFunc(func(r *http.Request) (*http.Response, error) {
		downloads++
		return &http.Response{
			StatusCode: http.StatusOK,
			Status:     "200 OK",
			Header:     http.Header{"Content-Type": {"application/octet-stream"}},
			Body:       io.NopCloser(strings.NewReader("GGUF-tiny")),
			Request:    r,
		}, nil
	}))

	p := NewProvider(Config{PromptStyle: "transcript"}, cache, nil)
	var started []string
	p.start = func(ctx context.Context, binary, modelPath string, opts ServerOptions) (*Server, error) {
		started = append(started, modelPath)
		done := make(chan struct{})
		close(done)
		return &Server{url: srv.URL, done: done}, nil
	}

	var progress []string
	report := func(s string) { progress = append(progress, s) }
	a := engine.Assets{Runtime: "/usr/bin/llama-server"}

	eng, err := p.CreateEngine(context.Background(), a, engine.DemoModel, report)
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	_, err = p.CreateEngine(context.Background(), a, engine.DemoModel, report)
	require.NoError(t, err)

	assert.Equal(t, 1, downloads, "second load must come from the cache")
	require.Len(t, started, 2)
	assert.Equal(t, started[0], started[1])
	assert.Contains(t, progress, "Using cached tinyllamas/stories260K.gguf")
}

func TestProvider_LocalFollowsHubRedirect(t *testing.T) {
	_, srv := newFakeServer(t, "story")

	store, err := assets.Open(t.TempDir(), "")
	require.NoError(t, err)
	defer store.Close()

	var hosts []string
	cache := assets.NewTransport(store, roundTripFunc(func(r *http.Request) (*http.Response, error) {
		hosts = append(hosts, r.URL.Host)
		if r.URL.Host == "huggingface.co" {
			return &http.Response{
				StatusCode: http.StatusFound,
				Status:     "302 Found",
				Header:     http.Header{"Location": {"https://cdn-lfs.huggingface.co/repos/ab/cd/blob?X-Amz-Signature=x"}},
				Body:       io.NopCloser(strings.NewReader("")),
				Request:    r,
			}, nil
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Status:     "200 OK",
			Header:     http.Header{"Content-Type": {"application/octet-stream"}},
			Body:       io.NopCloser(strings.NewReader("GGUF-tiny")),
			Request:    r,
		}, nil
	}))

	p := NewProvider(Config{PromptStyle: "transcript"}, cache, nil)
	var started []string
	p.start = func(ctx context.Context, binary, modelPath string, opts ServerOptions) (*Server, error) {
		started = append(started, modelPath)
		done := make(chan struct{})
		close(done)
		return &Server{url: srv.URL, done: done}, nil
	}
	a := engine.Assets{Runtime: "/usr/bin/llama-server"}

	eng, err := p.CreateEngine(context.Background(), a, engine.DemoModel, nil)
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	_, err = p.CreateEngine(context.Background(), a, engine.DemoModel, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"huggingface.co", "cdn-lfs.huggingface.co"}, hosts,
		"second load must come from the cache")
	require.Len(t, started, 2)
	assert.Equal(t, started[0], started[1])
}

// =============================================================================
// SERVER
// =============================================================================

func TestFindServer_ConfiguredMissing(t *testing.T) {
	_, err := FindServer("/nonexistent/llama-server")
	assert.Error(t, err)
}

func TestStartServer_ExitsDuringStartup(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no false(1) on windows")
	}
	bin, err := exec.LookPath("false")
	if err != nil {
		t.Skip("false(1) not available")
	}

	_, err = StartServer(context.Background(), bin, "model.gguf", ServerOptions{StartTimeout: 5 * time.Second})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited during startup")
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{max: 4}
	b.Write([]byte("abc"))
	b.Write([]byte("def"))
	assert.Equal(t, "cdef", string(b.Bytes()))
}
