// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/jeranaias/rigchat/internal/assets"
	"github.com/jeranaias/rigchat/internal/attach"
	"github.com/jeranaias/rigchat/internal/budget"
	"github.com/jeranaias/rigchat/internal/catalog"
	"github.com/jeranaias/rigchat/internal/config"
	"github.com/jeranaias/rigchat/internal/detect"
	"github.com/jeranaias/rigchat/internal/engine"
	"github.com/jeranaias/rigchat/internal/llamacpp"
	"github.com/jeranaias/rigchat/internal/logging"
	"github.com/jeranaias/rigchat/internal/offline"
	"github.com/jeranaias/rigchat/internal/ollama"
	"github.com/jeranaias/rigchat/internal/openaicompat"
	"github.com/jeranaias/rigchat/internal/runtime"
	"github.com/jeranaias/rigchat/internal/session"
	"github.com/jeranaias/rigchat/internal/storage"
	"github.com/jeranaias/rigchat/internal/tokens"
	"github.com/jeranaias/rigchat/internal/tools"
)

// =============================================================================
// GLOBAL FLAGS
// =============================================================================

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	ConfigPath string
	Model      string
	Prefer     string
	ForceCPU   bool
	Offline    bool
	LogLevel   string
	JSON       bool
}

// configPath returns --config or the default path.
func (g *globalFlags) configPath() (string, error) {
	if g.ConfigPath != "" {
		return g.ConfigPath, nil
	}
	return config.Path()
}

// loadConfig reads the config file and applies flag overrides.
func (g *globalFlags) loadConfig() (*config.Config, string, error) {
	path, err := g.configPath()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.LoadFromPath(path)
	if err != nil {
		return nil, path, err
	}

	if g.Model != "" {
		cfg.GPU.Model = g.Model
	}
	if g.Prefer != "" {
		cfg.Runtime.Prefer = g.Prefer
	}
	if g.ForceCPU {
		cfg.Runtime.ForceCPU = true
	}
	if g.Offline {
		cfg.Offline.Enabled = true
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// =============================================================================
// APP
// =============================================================================

// App is the wired runtime stack for one invocation.
type App struct {
	Config     *config.Config
	ConfigPath string
	Logger     *slog.Logger

	Guard       *offline.Guard
	Assets      *assets.Store
	Cache       *assets.Transport
	Catalog     *catalog.Catalog
	Detector    *detect.Detector
	Selector    *runtime.Selector
	Session     *session.Controller
	Transcripts *storage.Store

	closers []io.Closer
}

// newApp loads the config and builds the stack. Nothing is loaded until
// Init is called.
func newApp(g *globalFlags, render session.Renderer) (*App, error) {
	cfg, path, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	return buildApp(cfg, path, render)
}

func buildApp(cfg *config.Config, path string, render session.Renderer) (*App, error) {
	logger, logCloser, err := logging.Setup(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, ConfigPath: path, Logger: logger}
	if logCloser != nil {
		a.closers = append(a.closers, logCloser)
	}

	a.Guard = offline.NewGuard(cfg.Offline.Enabled)
	if err := a.openCache(); err != nil {
		a.Close()
		return nil, err
	}

	a.Catalog, err = catalog.Load(cfg.GPU.Catalog)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Detector = detect.New()
	a.Detector.ForceCPU = cfg.Runtime.ForceCPU

	a.Selector = runtime.New(runtime.Config{
		Prefer:    runtime.Preference(cfg.Runtime.Prefer),
		Model:     cfg.GPU.Model,
		WASMModel: engine.ModelSource{Repo: cfg.WASM.ModelRepo, File: cfg.WASM.ModelFile},
	}, runtime.Options{
		GPU:     a.gpuProvider(),
		WASM:    a.wasmProvider(),
		Prober:  a.Detector,
		Catalog: a.Catalog,
		Logger:  logger.With("component", "runtime"),
	})
	a.closers = append(a.closers, a.Selector)

	a.Session = session.New(sessionConfig(cfg), session.Options{
		Engines:  a.Selector,
		Renderer: render,
		Tools:    tools.NewRouter(),
		Catalog:  a.Catalog,
		Logger:   logger.With("component", "session"),
	})
	a.Selector.SetBusyCheck(a.Session.Busy)

	dir, err := config.Dir()
	if err == nil {
		a.Transcripts, err = storage.NewStore(filepath.Join(dir, "conversations"))
	}
	if err != nil {
		logger.Warn("transcript store unavailable", "error", err)
	}
	return a, nil
}

// sessionConfig maps the config file onto the controller's tunables.
func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		SystemPrompt: cfg.Chat.SystemPrompt,
		Params: engine.Params{
			Temperature: cfg.Sampling.Temperature,
			Seed:        cfg.Sampling.Seed,
		},
		WASMMaxTokens: cfg.WASM.MaxTokens,
		Budget: budget.Config{
			Ceiling:      cfg.Budget.ContextCeiling,
			SafetyMargin: cfg.Budget.SafetyMargin,
			MinResponse:  cfg.Budget.MinResponse,
			Estimator:    tokens.New(cfg.Budget.CharsPerToken),
		},
		Limits: attach.Limits{
			MaxFileBytes:   cfg.Attachments.MaxFileBytes,
			MaxTotalBytes:  cfg.Attachments.MaxTotalBytes,
			TextTokens:     cfg.Attachments.TextTokens,
			DocumentTokens: cfg.Attachments.DocumentTokens,
		},
	}
}

// openCache opens the asset store for the configured version, prunes other
// versions and builds the caching transport over the offline guard.
func (a *App) openCache() error {
	dir, err := a.Config.CacheDir()
	if err != nil {
		return err
	}
	store, err := assets.Open(dir, a.Config.Cache.Version)
	if err != nil {
		return NewCommandError("cache", "open", dir, err)
	}
	a.Assets = store
	a.closers = append(a.closers, store)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if n, err := store.Activate(ctx); err != nil {
		a.Logger.Warn("cache activation failed", "error", err)
	} else if n > 0 {
		a.Logger.Info("pruned stale cache entries", "count", n, "version", store.Version())
	}

	a.Cache = assets.NewTransport(store, a.Guard.Wrap(http.DefaultTransport))
	a.Cache.Offline = a.Guard.Enabled()
	a.Cache.Logger = a.Logger.With("component", "assets")
	if len(a.Config.Cache.Origins) > 0 {
		a.Cache.Origins = a.Config.Cache.Origins
	}
	return nil
}

func (a *App) gpuProvider() runtime.GPUProvider {
	cfg := a.Config.GPU
	switch cfg.Provider {
	case "openai":
		return openaicompat.New(openaicompat.Config{
			BaseURL:    cfg.OpenAIURL,
			APIKey:     cfg.OpenAIKey,
			HTTPClient: a.Guard.Client(),
		})
	default:
		client := ollama.NewClientWithConfig(&ollama.ClientConfig{
			BaseURL:   cfg.OllamaURL,
			Timeout:   30 * time.Second,
			Transport: a.Guard.Wrap(nil),
		})
		p := ollama.NewProvider(client)
		p.AutoPull = cfg.AutoPull
		return p
	}
}

func (a *App) wasmProvider() runtime.WASMProvider {
	cfg := a.Config.WASM
	return llamacpp.NewProvider(llamacpp.Config{
		ServerBinary: cfg.ServerBinary,
		ServerURL:    cfg.ServerURL,
		Threads:      cfg.Threads,
		MaxTokens:    cfg.MaxTokens,
		PromptStyle:  cfg.PromptStyle,
	}, a.Cache, a.Logger.With("component", "llamacpp"))
}

// Init loads a runtime, printing progress to out.
func (a *App) Init(ctx context.Context, out io.Writer) error {
	p := newProgressPrinter(out, progressInterval)
	return runtime.Wait(a.Selector.Init(ctx), p.Event)
}

// Close releases the engine, the cache and the log file.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// describeBackend renders the selector state for banners and /status.
func describeBackend(s *runtime.Selector) string {
	switch s.State() {
	case runtime.StateGPUReady:
		return "GPU (streaming)"
	case runtime.StateWASMReady:
		return "CPU fallback (single-shot)"
	default:
		return s.State().String()
	}
}

// fmtTokens renders "used / ceiling".
func fmtTokens(used, ceiling int) string {
	return fmt.Sprintf("%d / %d tokens", used, ceiling)
}
