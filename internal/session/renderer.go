// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"sync"

	"github.com/jeranaias/rigchat/internal/model"
)

// Transcript-only roles. They never enter History.
const (
	RoleError  model.Role = "error"
	RoleNotice model.Role = "notice"
)

// Handle identifies a rendered turn.
type Handle int

// Renderer is the transcript sink.
type Renderer interface {
	AppendTurn(role model.Role, text string) Handle
	UpdateTurn(h Handle, text string)
}

// Finisher is implemented by renderers that redraw a turn once it is final.
type Finisher interface {
	FinishTurn(h Handle)
}

// Discard drops everything.
var Discard Renderer = discard{}

type discard struct{}

func (discard) AppendTurn(model.Role, string) Handle { return 0 }
func (discard) UpdateTurn(Handle, string)            {}

// =============================================================================
// RECORDER
// =============================================================================

// Entry is one recorded transcript turn.
type Entry struct {
	Role    model.Role
	Text    string
	Updates int
	Final   bool
}

// Recorder is an in-memory Renderer.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry

	// OnUpdate, if set, is called after every UpdateTurn with the new text.
	OnUpdate func(h Handle, text string)
}

// AppendTurn records a new entry.
func (r *Recorder) AppendTurn(role model.Role, text string) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Role: role, Text: text})
	return Handle(len(r.entries) - 1)
}

// UpdateTurn replaces an entry's text.
func (r *Recorder) UpdateTurn(h Handle, text string) {
	r.mu.Lock()
	if int(h) >= 0 && int(h) < len(r.entries) {
		r.entries[h].Text = text
		r.entries[h].Updates++
	}
	fn := r.OnUpdate
	r.mu.Unlock()
	if fn != nil {
		fn(h, text)
	}
}

// FinishTurn marks an entry final.
func (r *Recorder) FinishTurn(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(h) >= 0 && int(h) < len(r.entries) {
		r.entries[h].Final = true
	}
}

// Entries returns a copy of the recorded entries.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Last returns the newest entry with the given role.
func (r *Recorder) Last(role model.Role) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].Role == role {
			return r.entries[i], true
		}
	}
	return Entry{}, false
}
