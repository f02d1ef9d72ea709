// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"errors"
	"sync"
)

// ErrNoSystemTurn is returned when a replacement sequence does not start with
// a system turn.
var ErrNoSystemTurn = errors.New("history must start with a system turn")

// History is the chronological turn sequence of one conversation.
// Index 0 is always the system turn and no History method removes it.
type History struct {
	mu    sync.RWMutex
	turns []Turn
}

// NewHistory creates a history holding only the system prompt.
func NewHistory(systemPrompt string) *History {
	return &History{turns: []Turn{NewTurn(RoleSystem, systemPrompt)}}
}

// System returns the system turn.
func (h *History) System() Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.turns[0]
}

// Len returns the number of turns including the system turn.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}

// Snapshot returns a copy of the turns.
func (h *History) Snapshot() []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Append adds turns at the end.
func (h *History) Append(turns ...Turn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, turns...)
}

// Last returns the newest turn.
func (h *History) Last() Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.turns[len(h.turns)-1]
}

// RemoveLast drops the newest turn if it has the given ID. It never removes
// the system turn.
func (h *History) RemoveLast(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.turns)
	if n <= 1 || h.turns[n-1].ID != id {
		return false
	}
	h.turns = h.turns[:n-1]
	return true
}

// EvictOldest removes the oldest non-system turn and returns it. It
// reports false when only the system turn is left.
func (h *History) EvictOldest() (Turn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.turns) <= 1 {
		return Turn{}, false
	}
	evicted := h.turns[1]
	h.turns = append(h.turns[:1], h.turns[2:]...)
	return evicted, true
}

// Replace swaps in a new sequence, typically a budgeted candidate.
func (h *History) Replace(turns []Turn) error {
	if len(turns) == 0 || turns[0].Role != RoleSystem {
		return ErrNoSystemTurn
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns[:0:0], turns...)
	return nil
}

// Reset drops everything except the system turn.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = h.turns[:1:1]
}

// SetSystemPrompt rewrites the system turn's content.
func (h *History) SetSystemPrompt(prompt string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns[0].Content = prompt
}
