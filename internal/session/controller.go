// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/jeranaias/rigchat/internal/attach"
	"github.com/jeranaias/rigchat/internal/budget"
	"github.com/jeranaias/rigchat/internal/catalog"
	"github.com/jeranaias/rigchat/internal/engine"
	"github.com/jeranaias/rigchat/internal/model"
	"github.com/jeranaias/rigchat/internal/tools"
)

// CancelledMarker is appended to the text of an interrupted reply.
const CancelledMarker = "\n\n[generation cancelled]"

// DefaultSystemPrompt seeds a new conversation.
const DefaultSystemPrompt = "You are a helpful assistant running locally on the user's machine. Answer concisely."

var (
	// ErrNoEngine is returned when no runtime is ready.
	ErrNoEngine = errors.New("no model loaded")

	// ErrBusy is returned while a generation is in progress.
	ErrBusy = errors.New("a generation is already in progress")

	// ErrEmptyPrompt is returned when there is nothing to send.
	ErrEmptyPrompt = errors.New("nothing to send")

	// ErrToolsUnavailable is returned by SendWithTools off the GPU path.
	ErrToolsUnavailable = errors.New("function calling needs the GPU runtime")
)

// ToolsUnsupportedError is returned by SendWithTools when the loaded model
// cannot call functions.
type ToolsUnsupportedError struct {
	Model     string
	Supported []string
}

func (e *ToolsUnsupportedError) Error() string {
	return tools.UnsupportedModelMessage(e.Model, e.Supported)
}

// =============================================================================
// STATE
// =============================================================================

// State is the controller's position in the generation cycle.
type State int

const (
	StateIdle State = iota
	StateGenerating
	StateCancelling
)

func (s State) String() string {
	switch s {
	case StateGenerating:
		return "generating"
	case StateCancelling:
		return "cancelling"
	default:
		return "idle"
	}
}

// =============================================================================
// CONTROLLER
// =============================================================================

// EngineSource supplies the current engine, nil when none is ready.
// *runtime.Selector satisfies it.
type EngineSource interface {
	Engine() engine.Engine
}

// Config holds the controller's tunables.
type Config struct {
	SystemPrompt string
	Params       engine.Params

	// WASMMaxTokens caps single-shot replies; 0 keeps the engine default.
	WASMMaxTokens int

	Budget budget.Config
	Limits attach.Limits
}

// Options are the controller's collaborators.
type Options struct {
	Engines  EngineSource
	Renderer Renderer
	Tools    *tools.Router
	Catalog  *catalog.Catalog
	Logger   *slog.Logger
}

// Controller runs sends against one conversation.
type Controller struct {
	mu sync.Mutex

	cfg      Config
	engines  EngineSource
	render   Renderer
	router   *tools.Router
	catalog  *catalog.Catalog
	logger   *slog.Logger
	budget   *budget.Manager
	assemble *attach.Assembler

	history *model.History
	pending *attach.Pending

	state  State
	active *generation
}

// generation is the per-send session.
type generation struct {
	token *CancelToken
	text  strings.Builder
}

// New creates a controller with a fresh history.
func New(cfg Config, opts Options) *Controller {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Params == (engine.Params{}) {
		cfg.Params = engine.DefaultParams()
	}
	if opts.Renderer == nil {
		opts.Renderer = Discard
	}
	if opts.Tools == nil {
		opts.Tools = tools.NewRouter()
	}
	if opts.Catalog == nil {
		opts.Catalog = catalog.Builtin()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	mgr := budget.NewManager(cfg.Budget)
	return &Controller{
		cfg:      cfg,
		engines:  opts.Engines,
		render:   opts.Renderer,
		router:   opts.Tools,
		catalog:  opts.Catalog,
		logger:   opts.Logger,
		budget:   mgr,
		assemble: attach.NewAssembler(cfg.Limits, mgr.Config().Estimator),
		history:  model.NewHistory(cfg.SystemPrompt),
		pending:  attach.NewPending(cfg.Limits),
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Busy reports whether a generation is running.
func (c *Controller) Busy() bool {
	return c.State() != StateIdle
}

// History returns a snapshot of the conversation.
func (c *Controller) History() []model.Turn {
	return c.history.Snapshot()
}

// Pending returns the attachment buffer for the next send.
func (c *Controller) Pending() *attach.Pending {
	return c.pending
}

// Budget returns the budgeting manager.
func (c *Controller) Budget() *budget.Manager {
	return c.budget
}

// Cancel sets the active generation's token. It returns false when idle or
// already cancelling.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateGenerating || c.active == nil {
		return false
	}
	c.state = StateCancelling
	return c.active.token.Cancel()
}

// Clear resets history to the system turn and drops pending attachments.
func (c *Controller) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return ErrBusy
	}
	c.history.Reset()
	c.pending.Clear()
	return nil
}

// Restore replaces the conversation with turns, keeping the current system
// turn. Leading system turns in turns are ignored.
func (c *Controller) Restore(turns []model.Turn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return ErrBusy
	}
	next := []model.Turn{c.history.System()}
	for _, t := range turns {
		if t.Role == model.RoleSystem {
			continue
		}
		next = append(next, t)
	}
	return c.history.Replace(next)
}

// SetSystemPrompt rewrites the system turn.
func (c *Controller) SetSystemPrompt(prompt string) {
	c.history.SetSystemPrompt(prompt)
}

// Status is a point-in-time summary for /status.
type Status struct {
	State         State
	Backend       engine.Backend
	Model         string
	Turns         int
	HistoryTokens int
	Ceiling       int
	Pending       int
	PendingBytes  int64
}

// Status returns the current summary.
func (c *Controller) Status() Status {
	st := Status{
		State:         c.State(),
		Turns:         c.history.Len(),
		HistoryTokens: c.budget.Tokens(c.history.Snapshot()),
		Ceiling:       c.budget.Config().Ceiling,
		Pending:       c.pending.Len(),
		PendingBytes:  c.pending.TotalBytes(),
	}
	if eng := c.engine(); eng != nil {
		st.Backend = eng.Backend()
		st.Model = eng.Model()
	}
	return st
}

func (c *Controller) engine() engine.Engine {
	if c.engines == nil {
		return nil
	}
	return c.engines.Engine()
}

// =============================================================================
// SEND
// =============================================================================

// Result describes a completed send.
type Result struct {
	// Text is the assistant turn as recorded, marker included.
	Text      string
	Cancelled bool

	// Truncated is true when the prompt was cut to fit.
	Truncated bool
	Evicted   int

	// ToolCalls lists the calls executed by SendWithTools.
	ToolCalls []model.ToolCall
}

// begin moves idle to generating and returns the engine to use.
func (c *Controller) begin() (engine.Engine, *generation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	eng := c.engine()
	if eng == nil {
		return nil, nil, ErrNoEngine
	}
	if c.state != StateIdle {
		return nil, nil, ErrBusy
	}
	c.state = StateGenerating
	c.active = &generation{token: NewCancelToken()}
	return eng, c.active, nil
}

func (c *Controller) end() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateIdle
	c.active = nil
}

// prepare assembles pending attachments with text, budgets the candidate
// and commits it. It returns the user turn it appended.
func (c *Controller) prepare(text string) (model.Turn, *budget.Plan, error) {
	res := c.assemble.Consume(c.pending, text)
	for _, err := range res.Errors {
		c.render.AppendTurn(RoleError, "Error: "+err.Error())
	}
	if strings.TrimSpace(res.Prompt) == "" {
		return model.Turn{}, nil, ErrEmptyPrompt
	}

	plan, err := c.budget.Fit(c.history.Snapshot(), res.Prompt)
	if err != nil {
		c.render.AppendTurn(RoleError, "Error: "+err.Error())
		return model.Turn{}, nil, err
	}
	if err := c.history.Replace(plan.History); err != nil {
		return model.Turn{}, nil, err
	}

	user := model.NewTurn(model.RoleUser, plan.Prompt)
	c.history.Append(user)
	c.render.AppendTurn(model.RoleUser, res.Display)

	if len(plan.Evicted) > 0 {
		c.logger.Info("evicted history", "turns", len(plan.Evicted), "history_tokens", plan.HistoryTokens)
	}
	if plan.Truncated {
		c.render.AppendTurn(RoleNotice, fmt.Sprintf("Message truncated to about %d tokens to fit the context window.", plan.PromptTokens))
	}
	return user, plan, nil
}

func (c *Controller) params(eng engine.Engine) engine.Params {
	p := c.cfg.Params
	if eng.Backend() == engine.BackendWASM && c.cfg.WASMMaxTokens > 0 && p.MaxTokens == 0 {
		p.MaxTokens = c.cfg.WASMMaxTokens
	}
	return p
}

// Send assembles pending attachments with text, budgets the result and
// generates a reply. Errors other than ErrNoEngine, ErrBusy and
// ErrEmptyPrompt have already been rendered to the transcript when Send
// returns them.
func (c *Controller) Send(ctx context.Context, text string) (*Result, error) {
	eng, gen, err := c.begin()
	if err != nil {
		return nil, err
	}
	defer c.end()

	user, plan, err := c.prepare(text)
	if err != nil {
		return nil, err
	}
	result := &Result{Truncated: plan.Truncated, Evicted: len(plan.Evicted)}

	streaming := eng.Backend().Streaming()
	genCtx := ctx
	if streaming {
		var stop context.CancelFunc
		genCtx, stop = gen.token.bind(ctx)
		defer stop()
	}

	handle := Handle(-1)
	show := func() {
		if handle < 0 {
			handle = c.render.AppendTurn(model.RoleAssistant, gen.text.String())
			return
		}
		c.render.UpdateTurn(handle, gen.text.String())
	}

	var genErr error
	for d, err := range eng.Generate(genCtx, c.history.Snapshot(), c.params(eng)) {
		if err != nil {
			genErr = err
			break
		}
		if streaming && gen.token.Cancelled() {
			break
		}
		gen.text.WriteString(d.Text)
		show()
	}

	cancelled := gen.token.Cancelled()
	if genErr != nil {
		if !cancelled && !errors.Is(genErr, context.Canceled) {
			c.logger.Warn("generation failed", "backend", eng.Backend(), "model", eng.Model(), "err", genErr)
			c.history.RemoveLast(user.ID)
			c.finish(handle)
			c.render.AppendTurn(RoleError, "Error: "+genErr.Error())
			return nil, genErr
		}
		c.render.AppendTurn(RoleError, "Generation cancelled: "+genErr.Error())
		cancelled = true
	}

	if cancelled {
		gen.text.WriteString(CancelledMarker)
	}
	show()
	c.finish(handle)

	result.Text = gen.text.String()
	result.Cancelled = cancelled
	c.history.Append(model.NewTurn(model.RoleAssistant, result.Text))
	return result, nil
}

func (c *Controller) finish(h Handle) {
	if h < 0 {
		return
	}
	if f, ok := c.render.(Finisher); ok {
		f.FinishTurn(h)
	}
}
