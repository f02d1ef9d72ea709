// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package assets

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, dir, version string) *Store {
	t.Helper()
	s, err := Open(dir, version)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type origin struct {
	srv  *httptest.Server
	hits atomic.Int32
}

func newOrigin(t *testing.T) *origin {
	o := &origin{}
	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		switch r.URL.Path {
		case "/models/tiny.gguf":
			w.Header().Set("Content-Type", "application/octet-stream")
			io.WriteString(w, "GGUF-weights")
		case "/config.json":
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"vocab":32000}`)
		case "/partial.gguf":
			w.WriteHeader(http.StatusPartialContent)
			io.WriteString(w, "GG")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *origin) origin() string {
	return o.srv.URL
}

func get(t *testing.T, client *http.Client, rawURL string) (*http.Response, string) {
	t.Helper()
	resp, err := client.Get(rawURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

// =============================================================================
// POLICY
// =============================================================================

func TestIsModelAsset(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://example.com/tiny.GGUF", true},
		{"https://example.com/runtime.wasm", true},
		{"https://example.com/weights.safetensors", true},
		{"https://example.com/shard-1.bin", true},
		{"https://example.com/mlc-ai/config.json", true},
		{"https://example.com/dist/web-llm/index.js", true},
		{"https://huggingface.co/ggml-org/models/resolve/main/README.md", true},
		{"https://example.com/app.js", false},
		{"https://example.com/index.html", false},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.url)
		require.NoError(t, err)
		assert.Equal(t, tt.want, IsModelAsset(u), tt.url)
	}
}

func TestClassify(t *testing.T) {
	origins := []string{"https://example.com"}
	mk := func(method, rawURL string, rng bool) *http.Request {
		req := httptest.NewRequest(method, rawURL, nil)
		if rng {
			req.Header.Set("Range", "bytes=0-10")
		}
		return req
	}

	assert.Equal(t, CacheFirst, Classify(mk("GET", "https://example.com/a.gguf", false), origins))
	assert.Equal(t, NetworkFirst, Classify(mk("GET", "https://example.com/app.js", false), origins))
	assert.Equal(t, PassThrough, Classify(mk("POST", "https://example.com/a.gguf", false), origins))
	assert.Equal(t, PassThrough, Classify(mk("GET", "https://example.com/a.gguf", true), origins))
	assert.Equal(t, PassThrough, Classify(mk("GET", "https://other.org/a.gguf", false), origins))
	assert.Equal(t, PassThrough, Classify(mk("GET", "http://example.com/a.gguf", false), origins))
	assert.Equal(t, PassThrough, Classify(mk("GET", "https://example.com:8443/a.gguf", false), origins))
	assert.Equal(t, CacheFirst, Classify(mk("GET", "https://EXAMPLE.com:443/a.gguf", false), origins))
	assert.Equal(t, CacheFirst, Classify(mk("GET", "https://example.com/a.gguf", false), []string{"example.com"}),
		"bare host means https")
	assert.Equal(t, PassThrough, Classify(mk("GET", "http://example.com/a.gguf", false), []string{"example.com"}))
}

// =============================================================================
// STORE
// =============================================================================

func TestStore_PutCompressedRoundTrip(t *testing.T) {
	s := openStore(t, t.TempDir(), "")
	ctx := context.Background()

	text := strings.Repeat("hello cache ", 100)
	e, err := s.Put(ctx, "https://example.com/a.txt", "text/plain", true, strings.NewReader(text))
	require.NoError(t, err)
	assert.True(t, e.Compressed)
	assert.EqualValues(t, len(text), e.Size)

	got, err := s.Lookup(ctx, "https://example.com/a.txt")
	require.NoError(t, err)
	body, err := s.Body(got)
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, text, string(data))

	_, err = s.File(ctx, "https://example.com/a.txt")
	assert.Error(t, err, "compressed entries have no mappable file")
}

func TestStore_LookupMiss(t *testing.T) {
	s := openStore(t, t.TempDir(), "")
	_, err := s.Lookup(context.Background(), "https://example.com/missing")
	assert.ErrorIs(t, err, ErrNotCached)
}

func TestStore_ActivatePrunesOtherVersions(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	old, err := Open(dir, "rigchat-assets-v2")
	require.NoError(t, err)
	e, err := old.Put(ctx, "https://example.com/old.gguf", "", false, strings.NewReader("old weights"))
	require.NoError(t, err)
	oldBlob := old.blobPath(e.Hash)
	require.NoError(t, old.Close())

	s := openStore(t, dir, DefaultVersion)
	_, err = s.Put(ctx, "https://example.com/new.gguf", "", false, strings.NewReader("new weights"))
	require.NoError(t, err)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, 1, st.Stale)

	removed, err := s.Activate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(oldBlob)
	assert.True(t, os.IsNotExist(err), "old blob should be collected")

	st, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, 0, st.Stale)
}

func TestStore_DedupesIdenticalBlobs(t *testing.T) {
	s := openStore(t, t.TempDir(), "")
	ctx := context.Background()

	a, err := s.Put(ctx, "https://example.com/a.bin", "", false, strings.NewReader("same"))
	require.NoError(t, err)
	b, err := s.Put(ctx, "https://example.com/b.bin", "", false, strings.NewReader("same"))
	require.NoError(t, err)
	assert.Equal(t, a.Hash, b.Hash)

	entries, err := os.ReadDir(filepath.Dir(s.blobPath(a.Hash)))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// =============================================================================
// TRANSPORT
// =============================================================================

func TestTransport_CacheFirst(t *testing.T) {
	o := newOrigin(t)
	tr := NewTransport(openStore(t, t.TempDir(), ""), nil)
	tr.Origins = []string{o.origin()}
	client := tr.Client()

	resp, body := get(t, client, o.srv.URL+"/models/tiny.gguf")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "GGUF-weights", body)

	resp, body = get(t, client, o.srv.URL+"/models/tiny.gguf")
	assert.Equal(t, "GGUF-weights", body)
	assert.Equal(t, "hit", resp.Header.Get(HeaderCache))
	assert.EqualValues(t, 1, o.hits.Load(), "second request must not reach the network")

	path, err := tr.Store.File(context.Background(), o.srv.URL+"/models/tiny.gguf")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "GGUF-weights", string(data))
}

func TestTransport_CacheFirstFollowsRedirect(t *testing.T) {
	cdn := newOrigin(t)
	var hubHits atomic.Int32
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hubHits.Add(1)
		http.Redirect(w, r, cdn.srv.URL+"/models/tiny.gguf?sig=abc", http.StatusFound)
	}))
	t.Cleanup(hub.Close)

	tr := NewTransport(openStore(t, t.TempDir(), ""), nil)
	tr.Origins = []string{hub.URL}
	client := tr.Client()

	resp, body := get(t, client, hub.URL+"/resolve/main/tiny.gguf")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "GGUF-weights", body)

	path, err := tr.Store.File(context.Background(), hub.URL+"/resolve/main/tiny.gguf")
	require.NoError(t, err, "body must be stored under the requested URL")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "GGUF-weights", string(data))

	resp, _ = get(t, client, hub.URL+"/resolve/main/tiny.gguf")
	assert.Equal(t, "hit", resp.Header.Get(HeaderCache))
	assert.EqualValues(t, 1, hubHits.Load())
	assert.EqualValues(t, 1, cdn.hits.Load())
}

func TestTransport_RedirectLoopStops(t *testing.T) {
	var loop *httptest.Server
	loop = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, loop.URL+r.URL.Path, http.StatusFound)
	}))
	t.Cleanup(loop.Close)

	tr := NewTransport(openStore(t, t.TempDir(), ""), nil)
	tr.Origins = []string{loop.URL}

	_, err := tr.Client().Get(loop.URL + "/a.gguf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redirects")
}

func TestTransport_NetworkFirstFallsBackToCache(t *testing.T) {
	o := newOrigin(t)
	tr := NewTransport(openStore(t, t.TempDir(), ""), nil)
	tr.Origins = []string{o.origin()}
	client := tr.Client()

	_, body := get(t, client, o.srv.URL+"/config.json")
	assert.Equal(t, `{"vocab":32000}`, body)
	_, _ = get(t, client, o.srv.URL+"/config.json")
	assert.EqualValues(t, 2, o.hits.Load(), "network-first always asks the network")

	o.srv.Close()
	resp, body := get(t, client, o.srv.URL+"/config.json")
	assert.Equal(t, `{"vocab":32000}`, body)
	assert.Equal(t, "hit", resp.Header.Get(HeaderCache))
}

func TestTransport_OnlyOKIsCached(t *testing.T) {
	o := newOrigin(t)
	tr := NewTransport(openStore(t, t.TempDir(), ""), nil)
	tr.Origins = []string{o.origin()}
	client := tr.Client()

	resp, _ := get(t, client, o.srv.URL+"/partial.gguf")
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	resp, _ = get(t, client, o.srv.URL+"/missing.gguf")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	st, err := tr.Store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, st.Entries)
}

func TestTransport_CrossOriginPassesThrough(t *testing.T) {
	o := newOrigin(t)
	tr := NewTransport(openStore(t, t.TempDir(), ""), nil)
	tr.Origins = []string{"huggingface.co"}

	_, body := get(t, tr.Client(), o.srv.URL+"/models/tiny.gguf")
	assert.Equal(t, "GGUF-weights", body)

	st, err := tr.Store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, st.Entries)
}

func TestTransport_OfflineMiss(t *testing.T) {
	o := newOrigin(t)
	tr := NewTransport(openStore(t, t.TempDir(), ""), nil)
	tr.Origins = []string{o.origin()}
	tr.Offline = true

	_, err := tr.Client().Get(o.srv.URL + "/models/tiny.gguf")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOffline), "got %v", err)
	assert.EqualValues(t, 0, o.hits.Load())
}

func TestPrecache(t *testing.T) {
	o := newOrigin(t)
	tr := NewTransport(openStore(t, t.TempDir(), ""), nil)
	tr.Origins = []string{o.origin()}

	results := tr.Precache(context.Background(), []string{
		o.srv.URL + "/models/tiny.gguf",
		o.srv.URL + "/missing.gguf",
		"https://elsewhere.example/x.gguf",
	})
	require.Len(t, results, 3)
	assert.True(t, results[0].Cached)
	assert.Error(t, results[1].Err)
	assert.Error(t, results[2].Err)

	tr.Offline = true
	_, body := get(t, tr.Client(), o.srv.URL+"/models/tiny.gguf")
	assert.Equal(t, "GGUF-weights", body)
}
