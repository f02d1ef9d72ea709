// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"io"
	"iter"

	"github.com/jeranaias/rigchat/internal/model"
)

// =============================================================================
// BACKEND TAG
// =============================================================================

// Backend tags which runtime produced an engine.
type Backend int

const (
	// BackendNone means no engine is loaded.
	BackendNone Backend = iota
	// BackendGPU is the accelerated streaming runtime.
	BackendGPU
	// BackendWASM is the portable single-shot fallback runtime.
	BackendWASM
)

// String returns the short tag used in logs and config.
func (b Backend) String() string {
	switch b {
	case BackendGPU:
		return "gpu"
	case BackendWASM:
		return "wasm"
	default:
		return "none"
	}
}

// Streaming reports whether the backend yields incremental deltas.
func (b Backend) Streaming() bool {
	return b == BackendGPU
}

// =============================================================================
// PARAMETERS
// =============================================================================

const (
	// DefaultTemperature is the sampling temperature used when none is set.
	DefaultTemperature = 0.7

	// DefaultWASMMaxTokens caps a single-shot completion.
	DefaultWASMMaxTokens = 128
)

// Params are the sampling parameters accepted by Generate.
type Params struct {
	Temperature float64
	Seed        int

	// MaxTokens caps new tokens; 0 lets the runtime decide.
	MaxTokens int
}

// DefaultParams returns temperature 0.7, seed 0 and no token cap.
func DefaultParams() Params {
	return Params{Temperature: DefaultTemperature}
}

// =============================================================================
// ENGINE
// =============================================================================

// Delta is an incremental fragment of generated text.
type Delta struct {
	Text string

	// Final marks the last delta of a single-shot completion.
	Final bool
}

// Engine is the uniform generation capability.
type Engine interface {
	// Backend returns the runtime tag.
	Backend() Backend

	// Model returns the identifier of the loaded model.
	Model() string

	// Generate produces the reply to turns as a lazy sequence. A non-nil
	// error ends the sequence.
	Generate(ctx context.Context, turns []model.Turn, p Params) iter.Seq2[Delta, error]

	// Close releases the runtime.
	Close() error
}

// Streamer is the accelerated runtime's native call shape.
type Streamer interface {
	GenerateStreaming(ctx context.Context, turns []model.Turn, p Params) iter.Seq2[Delta, error]
}

// Completer is the portable runtime's native call shape.
type Completer interface {
	GenerateOnce(ctx context.Context, prompt string, p Params) (string, error)
}

// ErrClosed is returned by Generate after Close.
var ErrClosed = errors.New("engine closed")

// =============================================================================
// ADAPTERS
// =============================================================================

type streamingEngine struct {
	model  string
	s      Streamer
	closer io.Closer
	closed bool
}

// NewStreaming wraps a Streamer as a GPU engine. closer may be nil.
func NewStreaming(modelID string, s Streamer, closer io.Closer) Engine {
	return &streamingEngine{model: modelID, s: s, closer: closer}
}

func (e *streamingEngine) Backend() Backend { return BackendGPU }
func (e *streamingEngine) Model() string    { return e.model }

func (e *streamingEngine) Generate(ctx context.Context, turns []model.Turn, p Params) iter.Seq2[Delta, error] {
	if e.closed {
		return failed(ErrClosed)
	}
	return e.s.GenerateStreaming(ctx, turns, p)
}

func (e *streamingEngine) Close() error {
	e.closed = true
	if e.closer == nil {
		return nil
	}
	return e.closer.Close()
}

// PromptFunc renders a conversation as a plain completion prompt.
type PromptFunc func(turns []model.Turn) string

type singleShotEngine struct {
	model  string
	c      Completer
	render PromptFunc
	closer io.Closer
	closed bool
}

// NewSingleShot wraps a Completer as a WASM engine that yields exactly one
// final delta. render defaults to LastUserPrompt; closer may be nil.
func NewSingleShot(modelID string, c Completer, render PromptFunc, closer io.Closer) Engine {
	if render == nil {
		render = LastUserPrompt
	}
	return &singleShotEngine{model: modelID, c: c, render: render, closer: closer}
}

func (e *singleShotEngine) Backend() Backend { return BackendWASM }
func (e *singleShotEngine) Model() string    { return e.model }

func (e *singleShotEngine) Generate(ctx context.Context, turns []model.Turn, p Params) iter.Seq2[Delta, error] {
	if e.closed {
		return failed(ErrClosed)
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = DefaultWASMMaxTokens
	}
	prompt := e.render(turns)
	return func(yield func(Delta, error) bool) {
		out, err := e.c.GenerateOnce(ctx, prompt, p)
		if err != nil {
			yield(Delta{}, err)
			return
		}
		yield(Delta{Text: out, Final: true}, nil)
	}
}

func (e *singleShotEngine) Close() error {
	e.closed = true
	if e.closer == nil {
		return nil
	}
	return e.closer.Close()
}

func failed(err error) iter.Seq2[Delta, error] {
	return func(yield func(Delta, error) bool) {
		yield(Delta{}, err)
	}
}
