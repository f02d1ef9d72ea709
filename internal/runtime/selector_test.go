// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package runtime

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigchat/internal/catalog"
	"github.com/jeranaias/rigchat/internal/detect"
	"github.com/jeranaias/rigchat/internal/engine"
	"github.com/jeranaias/rigchat/internal/model"
)

// =============================================================================
// FAKES
// =============================================================================

type echoStreamer struct{}

func (echoStreamer) GenerateStreaming(ctx context.Context, turns []model.Turn, p engine.Params) iter.Seq2[engine.Delta, error] {
	return func(yield func(engine.Delta, error) bool) {
		yield(engine.Delta{Text: "gpu says hi"}, nil)
	}
}

type closeCounter struct {
	mu sync.Mutex
	n  int
}

func (c *closeCounter) Close() error {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	return nil
}

func (c *closeCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type fakeGPU struct {
	err     error
	created []string
	closers []*closeCounter
}

func (f *fakeGPU) Name() string { return "fake-gpu" }

func (f *fakeGPU) CreateEngine(ctx context.Context, modelID string, onProgress func(string), cat *catalog.Catalog) (engine.Engine, error) {
	f.created = append(f.created, modelID)
	if f.err != nil {
		return nil, f.err
	}
	onProgress("loading " + modelID + ": 100%")
	c := &closeCounter{}
	f.closers = append(f.closers, c)
	return engine.NewStreaming(modelID, echoStreamer{}, c), nil
}

type onceCompleter struct{}

func (onceCompleter) GenerateOnce(ctx context.Context, prompt string, p engine.Params) (string, error) {
	return "once upon a time", nil
}

type fakeWASM struct {
	assetErr error
	loaded   []engine.ModelSource
}

func (f *fakeWASM) Name() string { return "fake-wasm" }

func (f *fakeWASM) LoadRuntimeAssets(ctx context.Context, onProgress func(string)) (engine.Assets, error) {
	if f.assetErr != nil {
		return engine.Assets{}, f.assetErr
	}
	onProgress("runtime located")
	return engine.Assets{Runtime: "/bin/llama-server"}, nil
}

func (f *fakeWASM) CreateEngine(ctx context.Context, a engine.Assets, src engine.ModelSource, onProgress func(string)) (engine.Engine, error) {
	f.loaded = append(f.loaded, src)
	return engine.NewSingleShot(src.ID(), onceCompleter{}, nil, nil), nil
}

type fakeProber struct {
	info *detect.GpuInfo
	err  error
}

func (f fakeProber) Probe(ctx context.Context) (*detect.GpuInfo, error) {
	return f.info, f.err
}

var nvidia = &detect.GpuInfo{Name: "RTX 4090", VramGB: 24, Type: detect.GpuTypeNvidia}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	require.NotEmpty(t, out)
	for i, ev := range out {
		if i < len(out)-1 {
			require.Equal(t, EventProgress, ev.Kind, "only the last event may be terminal")
		}
	}
	require.True(t, out[len(out)-1].Terminal(), "stream must end with a terminal event")
	return out
}

func last(events []Event) Event { return events[len(events)-1] }

func generate(t *testing.T, e engine.Engine) string {
	t.Helper()
	var out string
	turns := []model.Turn{model.NewTurn(model.RoleSystem, "sys"), model.NewTurn(model.RoleUser, "hello")}
	for d, err := range e.Generate(context.Background(), turns, engine.DefaultParams()) {
		require.NoError(t, err)
		out += d.Text
	}
	return out
}

func newSelector(gpu *fakeGPU, wasm *fakeWASM, prober Prober, modelID string) *Selector {
	opts := Options{WASM: wasm, Prober: prober}
	if gpu != nil {
		opts.GPU = gpu
	}
	return New(Config{Model: modelID}, opts)
}

// =============================================================================
// INIT
// =============================================================================

func TestInit_GPUReady(t *testing.T) {
	gpu := &fakeGPU{}
	s := newSelector(gpu, &fakeWASM{}, fakeProber{info: nvidia}, "llama3.2:3b")

	events := collect(t, s.Init(context.Background()))
	ev := last(events)
	assert.Equal(t, EventReady, ev.Kind)
	assert.Equal(t, engine.BackendGPU, ev.Backend)
	assert.Equal(t, "llama3.2:3b", ev.Model)
	assert.Equal(t, StateGPUReady, s.State())
	assert.Equal(t, "gpu says hi", generate(t, s.Engine()))
	assert.Same(t, nvidia, s.GPU())
}

func TestInit_ProbeErrorFallsBackToWASM(t *testing.T) {
	wasm := &fakeWASM{}
	s := newSelector(&fakeGPU{}, wasm, fakeProber{err: errors.New("nvidia-smi crashed")}, "llama3.2:3b")

	ev := last(collect(t, s.Init(context.Background())))
	require.Equal(t, EventReady, ev.Kind)
	assert.Equal(t, engine.BackendWASM, ev.Backend)
	assert.Equal(t, StateWASMReady, s.State())
	assert.Equal(t, []engine.ModelSource{engine.DemoModel}, wasm.loaded)
	assert.NotEmpty(t, generate(t, s.Engine()), "fallback engine must answer")
	assert.ErrorContains(t, s.Err(), "nvidia-smi crashed")
}

func TestInit_NoAccelerationFallsBack(t *testing.T) {
	gpu := &fakeGPU{}
	s := newSelector(gpu, &fakeWASM{}, fakeProber{info: &detect.GpuInfo{Type: detect.GpuTypeCPU}}, "llama3.2:3b")

	ev := last(collect(t, s.Init(context.Background())))
	assert.Equal(t, engine.BackendWASM, ev.Backend)
	assert.Empty(t, gpu.created, "GPU engine must not be attempted")
	assert.ErrorIs(t, s.Err(), ErrNoGPU)
}

func TestInit_GPUProviderFailureFallsBack(t *testing.T) {
	gpu := &fakeGPU{err: errors.New("connection refused")}
	s := newSelector(gpu, &fakeWASM{}, fakeProber{info: nvidia}, "llama3.2:3b")

	ev := last(collect(t, s.Init(context.Background())))
	assert.Equal(t, EventReady, ev.Kind)
	assert.Equal(t, StateWASMReady, s.State())
}

func TestInit_UnsupportedModelFallsBackWithoutEngine(t *testing.T) {
	gpu := &fakeGPU{}
	s := newSelector(gpu, &fakeWASM{}, fakeProber{info: nvidia}, "not-a-model:1b")

	ev := last(collect(t, s.Init(context.Background())))
	assert.Equal(t, engine.BackendWASM, ev.Backend)
	assert.Empty(t, gpu.created)
	assert.True(t, IsUnsupportedModel(s.Err()))
}

func TestInit_PreferWASMSkipsGPU(t *testing.T) {
	gpu := &fakeGPU{}
	s := New(Config{Prefer: PreferWASM, Model: "llama3.2:3b"}, Options{GPU: gpu, WASM: &fakeWASM{}, Prober: fakeProber{info: nvidia}})

	ev := last(collect(t, s.Init(context.Background())))
	assert.Equal(t, engine.BackendWASM, ev.Backend)
	assert.Empty(t, gpu.created)
	assert.NoError(t, s.Err())
}

func TestInit_BothFail(t *testing.T) {
	wasmErr := errors.New("llama-server not found")
	s := newSelector(&fakeGPU{}, &fakeWASM{assetErr: wasmErr}, fakeProber{err: errors.New("probe failed")}, "llama3.2:3b")

	ev := last(collect(t, s.Init(context.Background())))
	require.Equal(t, EventFailed, ev.Kind)
	assert.ErrorIs(t, ev.Err, wasmErr)
	var ie *InitError
	require.ErrorAs(t, ev.Err, &ie)
	assert.Equal(t, StateInitFailed, s.State())
	assert.Nil(t, s.Engine())
}

func TestInit_Twice(t *testing.T) {
	s := newSelector(&fakeGPU{}, &fakeWASM{}, fakeProber{info: nvidia}, "llama3.2:3b")
	collect(t, s.Init(context.Background()))

	ev := last(collect(t, s.Init(context.Background())))
	assert.ErrorIs(t, ev.Err, ErrInitialized)
	assert.Equal(t, StateGPUReady, s.State())
}

// =============================================================================
// RELOAD
// =============================================================================

func TestReload_OnWASMIsNoOp(t *testing.T) {
	s := newSelector(&fakeGPU{}, &fakeWASM{}, fakeProber{err: errors.New("no gpu")}, "llama3.2:3b")
	collect(t, s.Init(context.Background()))
	before := s.Engine()

	events, err := s.Reload(context.Background(), "llama3.2:1b")
	assert.Nil(t, events)
	assert.ErrorIs(t, err, ErrReloadUnsupported)
	assert.Same(t, before, s.Engine())
	assert.Equal(t, StateWASMReady, s.State())
}

func TestReload_SwapsEngine(t *testing.T) {
	gpu := &fakeGPU{}
	s := newSelector(gpu, &fakeWASM{}, fakeProber{info: nvidia}, "llama3.2:3b")
	collect(t, s.Init(context.Background()))

	events, err := s.Reload(context.Background(), "llama3.2:1b")
	require.NoError(t, err)
	ev := last(collect(t, events))
	assert.Equal(t, EventReady, ev.Kind)
	assert.Equal(t, "llama3.2:1b", s.Engine().Model())
	assert.Equal(t, 1, gpu.closers[0].count(), "previous engine must be closed")
}

func TestReload_FailureKeepsPreviousEngine(t *testing.T) {
	gpu := &fakeGPU{}
	s := newSelector(gpu, &fakeWASM{}, fakeProber{info: nvidia}, "llama3.2:3b")
	collect(t, s.Init(context.Background()))
	before := s.Engine()

	gpu.err = errors.New("out of VRAM")
	events, err := s.Reload(context.Background(), "llama3.1:8b")
	require.NoError(t, err)
	ev := last(collect(t, events))
	assert.Equal(t, EventFailed, ev.Kind)
	assert.Same(t, before, s.Engine())
	assert.Equal(t, StateGPUReady, s.State())
	assert.Equal(t, 0, gpu.closers[0].count())
}

func TestReload_Refusals(t *testing.T) {
	gpu := &fakeGPU{}
	s := newSelector(gpu, &fakeWASM{}, fakeProber{info: nvidia}, "llama3.2:3b")

	_, err := s.Reload(context.Background(), "llama3.2:1b")
	assert.ErrorIs(t, err, ErrNotReady)

	collect(t, s.Init(context.Background()))

	_, err = s.Reload(context.Background(), "gpt-17")
	var u *UnsupportedModelError
	require.ErrorAs(t, err, &u)
	assert.Contains(t, u.Supported, "llama3.2:1b")

	busy := true
	s.SetBusyCheck(func() bool { return busy })
	_, err = s.Reload(context.Background(), "llama3.2:1b")
	assert.ErrorIs(t, err, ErrBusy)

	assert.Equal(t, []string{"llama3.2:3b"}, gpu.created, "refused reloads must not build engines")
}

func TestReload_BusyCheckMayUseSelector(t *testing.T) {
	s := newSelector(&fakeGPU{}, &fakeWASM{}, fakeProber{info: nvidia}, "llama3.2:3b")
	collect(t, s.Init(context.Background()))

	// Mirrors the session controller, whose Busy lock is also held around
	// calls into the selector.
	var mu sync.Mutex
	s.SetBusyCheck(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return s.Engine() != nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := s.Reload(context.Background(), "llama3.2:1b")
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrBusy)
	case <-time.After(5 * time.Second):
		t.Fatal("Reload deadlocked while running the busy check")
	}
}

func TestWait(t *testing.T) {
	s := newSelector(&fakeGPU{}, &fakeWASM{assetErr: errors.New("boom")}, fakeProber{err: errors.New("x")}, "llama3.2:3b")
	var progress int
	err := Wait(s.Init(context.Background()), func(ev Event) {
		if ev.Kind == EventProgress {
			progress++
		}
	})
	assert.Error(t, err)
	assert.Positive(t, progress)
}
