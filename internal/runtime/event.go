// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package runtime

import "github.com/jeranaias/rigchat/internal/engine"

// State is the selector's lifecycle position.
type State int

const (
	StateUninitialized State = iota
	StateProbing
	StateGPUReady
	StateWASMReady
	StateReloading
	StateInitFailed
)

func (s State) String() string {
	switch s {
	case StateProbing:
		return "probing"
	case StateGPUReady:
		return "gpu-ready"
	case StateWASMReady:
		return "wasm-ready"
	case StateReloading:
		return "reloading"
	case StateInitFailed:
		return "init-failed"
	default:
		return "uninitialized"
	}
}

// Ready reports whether an engine is usable in s.
func (s State) Ready() bool {
	return s == StateGPUReady || s == StateWASMReady
}

// EventKind classifies an Event.
type EventKind int

const (
	EventProgress EventKind = iota
	EventReady
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventFailed:
		return "failed"
	default:
		return "progress"
	}
}

// Event is one step of an Init or Reload.
type Event struct {
	Kind    EventKind
	Message string

	// Set on EventReady.
	Backend engine.Backend
	Model   string

	// Set on EventFailed.
	Err error
}

// Terminal reports whether e ends the event stream.
func (e Event) Terminal() bool {
	return e.Kind != EventProgress
}

// Wait drains events, calling fn for each, and returns the terminal
// event's error.
func Wait(events <-chan Event, fn func(Event)) error {
	var err error
	for ev := range events {
		if fn != nil {
			fn(ev)
		}
		if ev.Kind == EventFailed {
			err = ev.Err
		}
	}
	return err
}
