// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llamacpp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/dustin/go-humanize"

	"github.com/jeranaias/rigchat/internal/assets"
	"github.com/jeranaias/rigchat/internal/engine"
)

// Config configures the portable runtime.
type Config struct {
	// ServerBinary overrides the llama-server lookup.
	ServerBinary string

	// ServerURL uses an already running server instead of spawning one.
	ServerURL string

	Threads     int
	MaxTokens   int
	PromptStyle string
	ServerOpts  ServerOptions
}

// Provider loads the fallback engine.
type Provider struct {
	cfg    Config
	cache  *assets.Transport
	logger *slog.Logger

	// start is swapped in tests.
	start func(ctx context.Context, binary, modelPath string, opts ServerOptions) (*Server, error)
}

// NewProvider creates a provider. cache fetches model files; it may be nil
// only when cfg.ServerURL is set.
func NewProvider(cfg Config, cache *assets.Transport, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.ServerOpts.Threads == 0 {
		cfg.ServerOpts.Threads = cfg.Threads
	}
	return &Provider{cfg: cfg, cache: cache, logger: logger, start: StartServer}
}

// Name identifies the provider in status output.
func (p *Provider) Name() string {
	return "llama.cpp"
}

// LoadRuntimeAssets locates the runtime: a reachable server URL, or the
// llama-server executable.
func (p *Provider) LoadRuntimeAssets(ctx context.Context, onProgress func(string)) (engine.Assets, error) {
	report := progressFunc(onProgress)

	if p.cfg.ServerURL != "" {
		report("Connecting to llama-server at " + p.cfg.ServerURL)
		if err := NewClient(p.cfg.ServerURL, nil).Health(ctx); err != nil {
			return engine.Assets{}, fmt.Errorf("llama-server at %s: %w", p.cfg.ServerURL, err)
		}
		return engine.Assets{Runtime: p.cfg.ServerURL, Remote: true}, nil
	}

	report("Locating llama-server")
	bin, err := FindServer(p.cfg.ServerBinary)
	if err != nil {
		return engine.Assets{}, err
	}
	p.logger.Debug("found llama-server", "path", bin)
	return engine.Assets{Runtime: bin}, nil
}

// CreateEngine loads src and returns a single-shot engine. A remote server
// keeps whatever model it was started with.
func (p *Provider) CreateEngine(ctx context.Context, a engine.Assets, src engine.ModelSource, onProgress func(string)) (engine.Engine, error) {
	report := progressFunc(onProgress)
	render := engine.PromptStyle(p.cfg.PromptStyle)
	c := &completer{maxTokens: p.cfg.MaxTokens}

	if a.Remote {
		c.client = NewClient(a.Runtime, nil)
		report("Ready: " + src.ID())
		return engine.NewSingleShot(src.ID(), c, render, nil), nil
	}

	modelPath, err := p.fetchModel(ctx, src, report)
	if err != nil {
		return nil, err
	}

	report("Starting llama-server (CPU)")
	srv, err := p.start(ctx, a.Runtime, modelPath, p.cfg.ServerOpts)
	if err != nil {
		return nil, err
	}
	c.client = NewClient(srv.URL(), nil)
	report("Ready: " + src.ID())
	return engine.NewSingleShot(src.ID(), c, render, srv), nil
}

// fetchModel downloads src through the asset cache and returns the local
// file path of the cached weights.
func (p *Provider) fetchModel(ctx context.Context, src engine.ModelSource, report func(string)) (string, error) {
	if p.cache == nil {
		return "", errors.New("asset cache not configured")
	}
	url := src.URL()

	if path, err := p.cache.Store.File(ctx, url); err == nil {
		report("Using cached " + src.File)
		return path, nil
	}

	report("Downloading " + src.File)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := p.cache.Client().Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", src.File, err)
	}
	n, _ := io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: %s", src.File, resp.Status)
	}
	report(fmt.Sprintf("Downloaded %s (%s)", src.File, humanize.Bytes(uint64(n))))

	return p.cache.Store.File(ctx, url)
}

// completer applies the configured token cap.
type completer struct {
	client    *Client
	maxTokens int
}

func (c *completer) GenerateOnce(ctx context.Context, prompt string, p engine.Params) (string, error) {
	if c.maxTokens > 0 {
		p.MaxTokens = c.maxTokens
	}
	return c.client.GenerateOnce(ctx, prompt, p)
}

func progressFunc(fn func(string)) func(string) {
	return func(s string) {
		if fn != nil {
			fn(s)
		}
	}
}
