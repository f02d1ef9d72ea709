// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/jeranaias/rigchat/internal/catalog"
	"github.com/jeranaias/rigchat/internal/detect"
	"github.com/jeranaias/rigchat/internal/engine"
)

// =============================================================================
// PROVIDER CONTRACTS
// =============================================================================

// GPUProvider builds accelerated streaming engines.
type GPUProvider interface {
	Name() string
	CreateEngine(ctx context.Context, modelID string, onProgress func(string), cat *catalog.Catalog) (engine.Engine, error)
}

// WASMProvider builds the portable single-shot engine.
type WASMProvider interface {
	Name() string
	LoadRuntimeAssets(ctx context.Context, onProgress func(string)) (engine.Assets, error)
	CreateEngine(ctx context.Context, a engine.Assets, src engine.ModelSource, onProgress func(string)) (engine.Engine, error)
}

// Prober reports GPU capability.
type Prober interface {
	Probe(ctx context.Context) (*detect.GpuInfo, error)
}

// =============================================================================
// CONFIG
// =============================================================================

// Preference selects which path Init tries.
type Preference string

const (
	PreferAuto Preference = "auto"
	PreferGPU  Preference = "gpu"
	PreferWASM Preference = "wasm"
)

// Config configures a Selector.
type Config struct {
	Prefer Preference

	// Model is the GPU model identifier.
	Model string

	// WASMModel is loaded on the portable path. Zero means engine.DemoModel.
	WASMModel engine.ModelSource
}

// Options carries the selector's collaborators. WASM is required.
type Options struct {
	GPU     GPUProvider
	WASM    WASMProvider
	Prober  Prober
	Catalog *catalog.Catalog
	Logger  *slog.Logger
}

// eventBuffer is large enough that a consumer which reads only the
// terminal event never stalls a load.
const eventBuffer = 64

// =============================================================================
// SELECTOR
// =============================================================================

// Selector owns the active engine. The engine is replaced wholesale on
// reload and never mutated.
type Selector struct {
	cfg    Config
	gpu    GPUProvider
	wasm   WASMProvider
	prober Prober
	cat    *catalog.Catalog
	logger *slog.Logger

	mu      sync.RWMutex
	state   State
	eng     engine.Engine
	gpuInfo *detect.GpuInfo
	lastErr error
	busy    func() bool
}

// New creates a selector in StateUninitialized.
func New(cfg Config, opts Options) *Selector {
	if cfg.Prefer == "" {
		cfg.Prefer = PreferAuto
	}
	if cfg.WASMModel == (engine.ModelSource{}) {
		cfg.WASMModel = engine.DemoModel
	}
	if opts.Catalog == nil {
		opts.Catalog = catalog.Builtin()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Selector{
		cfg:    cfg,
		gpu:    opts.GPU,
		wasm:   opts.WASM,
		prober: opts.Prober,
		cat:    opts.Catalog,
		logger: opts.Logger,
	}
}

// SetBusyCheck installs the guard consulted by Reload, normally the
// session controller's Busy method.
func (s *Selector) SetBusyCheck(fn func() bool) {
	s.mu.Lock()
	s.busy = fn
	s.mu.Unlock()
}

// State returns the current state.
func (s *Selector) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Engine returns the active engine, or nil when none is ready.
func (s *Selector) Engine() engine.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.state.Ready() {
		return nil
	}
	return s.eng
}

// Backend returns the active engine's backend tag.
func (s *Selector) Backend() engine.Backend {
	if e := s.Engine(); e != nil {
		return e.Backend()
	}
	return engine.BackendNone
}

// GPU returns the last probe result, if any.
func (s *Selector) GPU() *detect.GpuInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gpuInfo
}

// Err returns the error behind StateInitFailed or the last GPU fallback.
func (s *Selector) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Catalog returns the supported model catalog.
func (s *Selector) Catalog() *catalog.Catalog {
	return s.cat
}

// CheckModel validates a GPU model identifier against the catalog.
func (s *Selector) CheckModel(id string) error {
	if s.cat.Contains(id) {
		return nil
	}
	return &UnsupportedModelError{Model: id, Supported: s.cat.IDs()}
}

// Close releases the active engine.
func (s *Selector) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eng == nil {
		return nil
	}
	err := s.eng.Close()
	s.eng = nil
	s.state = StateUninitialized
	return err
}

// =============================================================================
// INIT
// =============================================================================

// Init loads an engine. The returned channel yields progress and exactly
// one terminal event, then closes.
func (s *Selector) Init(ctx context.Context) <-chan Event {
	events := make(chan Event, eventBuffer)

	s.mu.Lock()
	if s.state != StateUninitialized && s.state != StateInitFailed {
		s.mu.Unlock()
		events <- Event{Kind: EventFailed, Err: ErrInitialized}
		close(events)
		return events
	}
	s.state = StateProbing
	s.mu.Unlock()

	go func() {
		defer close(events)
		events <- s.init(ctx, func(msg string) {
			events <- Event{Kind: EventProgress, Message: msg}
		})
	}()
	return events
}

func (s *Selector) init(ctx context.Context, progress func(string)) Event {
	var gpuErr error
	if s.cfg.Prefer != PreferWASM {
		eng, err := s.tryGPU(ctx, progress)
		if err == nil {
			return s.ready(StateGPUReady, eng, nil)
		}
		if ctx.Err() != nil {
			return s.fail(&InitError{GPUErr: err, WASMErr: ctx.Err()})
		}
		gpuErr = err
		s.logger.Warn("GPU runtime unavailable, falling back to CPU", "error", err)
		progress("GPU unavailable (" + err.Error() + "); falling back to CPU runtime")
	}

	eng, err := s.tryWASM(ctx, progress)
	if err != nil {
		return s.fail(&InitError{GPUErr: gpuErr, WASMErr: err})
	}
	return s.ready(StateWASMReady, eng, gpuErr)
}

func (s *Selector) tryGPU(ctx context.Context, progress func(string)) (engine.Engine, error) {
	if s.gpu == nil {
		return nil, errors.New("no GPU provider configured")
	}

	if s.cfg.Prefer == PreferAuto {
		if s.prober == nil {
			return nil, ErrNoGPU
		}
		progress("Checking GPU support")
		info, err := s.prober.Probe(ctx)
		if err != nil {
			return nil, fmt.Errorf("GPU probe: %w", err)
		}
		s.mu.Lock()
		s.gpuInfo = info
		s.mu.Unlock()
		if !info.Accelerated() {
			return nil, ErrNoGPU
		}
		progress("Found " + info.String())
	}

	if err := s.CheckModel(s.cfg.Model); err != nil {
		s.logger.Warn("unsupported model selected", "model", s.cfg.Model)
		return nil, err
	}

	progress(fmt.Sprintf("Loading %s via %s", s.cfg.Model, s.gpu.Name()))
	return s.gpu.CreateEngine(ctx, s.cfg.Model, progress, s.cat)
}

func (s *Selector) tryWASM(ctx context.Context, progress func(string)) (engine.Engine, error) {
	if s.wasm == nil {
		return nil, errors.New("no fallback runtime configured")
	}
	progress("Loading " + s.wasm.Name() + " runtime")
	a, err := s.wasm.LoadRuntimeAssets(ctx, progress)
	if err != nil {
		return nil, err
	}
	return s.wasm.CreateEngine(ctx, a, s.cfg.WASMModel, progress)
}

func (s *Selector) ready(state State, eng engine.Engine, cause error) Event {
	s.mu.Lock()
	s.state = state
	s.eng = eng
	s.lastErr = cause
	s.mu.Unlock()

	s.logger.Info("runtime ready", "backend", eng.Backend().String(), "model", eng.Model())
	return Event{
		Kind:    EventReady,
		Message: "Ready: " + eng.Model() + " (" + eng.Backend().String() + ")",
		Backend: eng.Backend(),
		Model:   eng.Model(),
	}
}

func (s *Selector) fail(err error) Event {
	s.mu.Lock()
	s.state = StateInitFailed
	s.eng = nil
	s.lastErr = err
	s.mu.Unlock()

	s.logger.Error("runtime initialization failed", "error", err)
	return Event{Kind: EventFailed, Message: err.Error(), Err: err}
}

// =============================================================================
// RELOAD
// =============================================================================

// Reload swaps the GPU engine for modelID (the current model when empty).
// Refusals are returned directly and leave the selector untouched; an
// accepted reload reports through the channel.
func (s *Selector) Reload(ctx context.Context, modelID string) (<-chan Event, error) {
	// The busy check takes the controller's lock, which is held while it
	// calls Engine, so it runs outside s.mu.
	s.mu.RLock()
	busyCheck := s.busy
	s.mu.RUnlock()
	busy := busyCheck != nil && busyCheck()

	s.mu.Lock()
	switch {
	case s.state == StateWASMReady:
		s.mu.Unlock()
		return nil, ErrReloadUnsupported
	case s.state == StateReloading:
		s.mu.Unlock()
		return nil, ErrBusy
	case s.state != StateGPUReady:
		s.mu.Unlock()
		return nil, ErrNotReady
	case busy:
		s.mu.Unlock()
		return nil, ErrBusy
	}
	if modelID == "" {
		modelID = s.eng.Model()
	}
	modelID = strings.TrimSpace(modelID)
	if !s.cat.Contains(modelID) {
		s.mu.Unlock()
		return nil, &UnsupportedModelError{Model: modelID, Supported: s.cat.IDs()}
	}
	s.state = StateReloading
	s.mu.Unlock()

	events := make(chan Event, eventBuffer)
	go func() {
		defer close(events)
		progress := func(msg string) { events <- Event{Kind: EventProgress, Message: msg} }

		progress(fmt.Sprintf("Loading %s via %s", modelID, s.gpu.Name()))
		eng, err := s.gpu.CreateEngine(ctx, modelID, progress, s.cat)
		if err != nil {
			s.mu.Lock()
			s.state = StateGPUReady
			s.mu.Unlock()
			s.logger.Warn("reload failed, keeping previous model", "model", modelID, "error", err)
			events <- Event{Kind: EventFailed, Message: err.Error(), Err: err}
			return
		}

		s.mu.Lock()
		old := s.eng
		s.eng = eng
		s.cfg.Model = modelID
		s.state = StateGPUReady
		s.mu.Unlock()
		if old != nil {
			old.Close()
		}

		s.logger.Info("model reloaded", "model", modelID)
		events <- Event{
			Kind:    EventReady,
			Message: "Ready: " + modelID + " (gpu)",
			Backend: engine.BackendGPU,
			Model:   modelID,
		}
	}()
	return events, nil
}
