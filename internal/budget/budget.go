// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package budget

import (
	"errors"
	"fmt"

	"github.com/jeranaias/rigchat/internal/model"
	"github.com/jeranaias/rigchat/internal/tokens"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

const (
	// DefaultCeiling sits well under the 4k context of the small models in
	// the catalog, leaving room for the reply.
	DefaultCeiling = 3000

	// DefaultSafetyMargin is subtracted from the room left for a truncated
	// prompt.
	DefaultSafetyMargin = 128

	// DefaultMinResponse is the smallest prompt room worth generating for.
	DefaultMinResponse = 64
)

// Config holds the budgeting heuristics.
type Config struct {
	// Ceiling is the maximum estimated tokens across history and prompt.
	Ceiling int

	// SafetyMargin is reserved when the prompt has to be truncated.
	SafetyMargin int

	// MinResponse is the minimum viable room; below it the send is refused.
	MinResponse int

	// Estimator converts text to approximate tokens.
	Estimator tokens.Estimator
}

// DefaultConfig returns the default budgeting heuristics.
func DefaultConfig() Config {
	return Config{
		Ceiling:      DefaultCeiling,
		SafetyMargin: DefaultSafetyMargin,
		MinResponse:  DefaultMinResponse,
		Estimator:    tokens.Default,
	}
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrContextFull is returned when the prompt cannot fit even after evicting
// all evictable history.
var ErrContextFull = errors.New("context full")

// FullError carries the numbers behind a refused send.
type FullError struct {
	Ceiling       int
	HistoryTokens int
	PromptTokens  int
	Available     int
	MinResponse   int
}

func (e *FullError) Error() string {
	return fmt.Sprintf("context full: %d history tokens leave %d for the prompt (need at least %d, prompt is %d, ceiling %d)",
		e.HistoryTokens, e.Available, e.MinResponse, e.PromptTokens, e.Ceiling)
}

// Unwrap returns ErrContextFull.
func (e *FullError) Unwrap() error {
	return ErrContextFull
}

// IsContextFull reports whether err is a context-full refusal.
func IsContextFull(err error) bool {
	return errors.Is(err, ErrContextFull)
}

// =============================================================================
// MANAGER
// =============================================================================

// Plan is the budgeted candidate for one send.
type Plan struct {
	// History is what remains after eviction; History[0] is the system turn.
	History []model.Turn

	// Prompt is the candidate prompt, possibly truncated.
	Prompt string

	// Evicted lists the removed turns, oldest first.
	Evicted []model.Turn

	// Truncated is true when Prompt was shortened.
	Truncated bool

	HistoryTokens int
	PromptTokens  int
}

// Manager applies a Config to candidate sends.
type Manager struct {
	cfg Config
}

// NewManager creates a manager, filling zero values from DefaultConfig.
func NewManager(cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = def.Ceiling
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = def.SafetyMargin
	}
	if cfg.MinResponse <= 0 {
		cfg.MinResponse = def.MinResponse
	}
	return &Manager{cfg: cfg}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// TurnTokens estimates one turn, counting tool call names and arguments.
func (m *Manager) TurnTokens(t model.Turn) int {
	n := m.cfg.Estimator.Estimate(t.Content)
	for _, call := range t.ToolCalls {
		n += m.cfg.Estimator.Estimate(call.Name)
		if len(call.Arguments) > 0 {
			n += m.cfg.Estimator.Estimate(fmt.Sprint(call.Arguments))
		}
	}
	return n
}

// Tokens sums TurnTokens over turns.
func (m *Manager) Tokens(turns []model.Turn) int {
	total := 0
	for _, t := range turns {
		total += m.TurnTokens(t)
	}
	return total
}

// Fit budgets prompt against history. history must start with the system
// turn; it is not modified.
func (m *Manager) Fit(history []model.Turn, prompt string) (*Plan, error) {
	if len(history) == 0 || history[0].Role != model.RoleSystem {
		return nil, model.ErrNoSystemTurn
	}

	kept := make([]model.Turn, len(history))
	copy(kept, history)

	historyTokens := m.Tokens(kept)
	promptTokens := m.cfg.Estimator.Estimate(prompt)

	plan := &Plan{Prompt: prompt}

	// Oldest non-system turn is always kept[1]. The newest one stays.
	for historyTokens+promptTokens > m.cfg.Ceiling && len(kept)-1 > 1 {
		evicted := kept[1]
		kept = append(kept[:1], kept[2:]...)
		historyTokens -= m.TurnTokens(evicted)
		plan.Evicted = append(plan.Evicted, evicted)
	}

	if historyTokens+promptTokens > m.cfg.Ceiling {
		available := m.cfg.Ceiling - historyTokens - m.cfg.SafetyMargin
		if available < m.cfg.MinResponse {
			return nil, &FullError{
				Ceiling:       m.cfg.Ceiling,
				HistoryTokens: historyTokens,
				PromptTokens:  promptTokens,
				Available:     available,
				MinResponse:   m.cfg.MinResponse,
			}
		}
		plan.Prompt = m.cfg.Estimator.Truncate(prompt, available)
		plan.Truncated = plan.Prompt != prompt
		promptTokens = m.cfg.Estimator.Estimate(plan.Prompt)
	}

	plan.History = kept
	plan.HistoryTokens = historyTokens
	plan.PromptTokens = promptTokens
	return plan, nil
}
