// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive chat REPL for the rigchat CLI.
//
// Command: chat (default)
//
// Examples:
//   rigchat                           Start interactive chat
//   rigchat chat --model llama3.1:8b  Use a specific GPU model
//   rigchat chat --cpu                Skip the GPU probe
//
// Interactive commands are listed by /help. Ctrl+C cancels the current
// generation; Ctrl+C twice at an empty prompt or Ctrl+D exits.

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/jeranaias/rigchat/internal/config"
	"github.com/jeranaias/rigchat/internal/session"
)

// =============================================================================
// INPUT
// =============================================================================

// errAborted is returned by a lineReader when Ctrl+C is pressed at the
// prompt.
var errAborted = liner.ErrPromptAborted

// lineReader is the REPL's input source.
type lineReader interface {
	ReadInput(prompt string) (string, error)
	Close()
}

// ChatCLI provides input history and line editing for interactive chat.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

// NewChatCLI creates a ChatCLI and loads history from historyFile.
func NewChatCLI(historyFile string) *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	c := &ChatCLI{line: line, historyFile: historyFile}
	c.LoadHistory()
	return c
}

// LoadHistory loads command history from file.
func (c *ChatCLI) LoadHistory() {
	if c.historyFile == "" {
		return
	}
	if f, err := os.Open(c.historyFile); err == nil {
		c.line.ReadHistory(f)
		f.Close()
	}
}

// ReadInput reads a line of input with the given prompt.
func (c *ChatCLI) ReadInput(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// SaveHistory persists command history with owner-only permissions.
func (c *ChatCLI) SaveHistory() {
	if c.historyFile == "" {
		return
	}
	f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	c.line.WriteHistory(f)
}

// Close saves history and closes the liner.
func (c *ChatCLI) Close() {
	c.SaveHistory()
	c.line.Close()
}

// scanReader reads lines from a pipe. Prompts are not echoed.
type scanReader struct {
	scanner *bufio.Scanner
}

func newScanReader(r io.Reader) *scanReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 1<<20)
	return &scanReader{scanner: s}
}

func (s *scanReader) ReadInput(string) (string, error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return s.scanner.Text(), nil
}

func (s *scanReader) Close() {}

// =============================================================================
// REPL
// =============================================================================

// REPL is one interactive chat session.
type REPL struct {
	app    *App
	in     lineReader
	out    io.Writer
	render *Terminal

	// initErr is set when no runtime could be loaded; input is disabled.
	initErr error

	// offer holds a model named by an on-disk config change, offered for
	// reload at the next prompt.
	offer atomic.Pointer[string]

	mu         sync.Mutex
	cancelInit context.CancelFunc
	stop       context.CancelFunc
	aborts     int
	savedID    string
	started    time.Time
	sends      int
}

func newREPL(app *App, in lineReader, out io.Writer, render *Terminal) *REPL {
	return &REPL{app: app, in: in, out: out, render: render, started: time.Now()}
}

func newChatCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), g, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

// runChat wires the stack and runs the REPL until /quit or EOF.
func runChat(ctx context.Context, g *globalFlags, stdin io.Reader, stdout io.Writer) error {
	tty := IsTTY() && IsStdoutTTY() && stdin == os.Stdin
	cfg, path, err := g.loadConfig()
	if err != nil {
		return err
	}
	render := NewTerminal(stdout, TerminalOptions{
		TTY:      tty,
		Markdown: cfg.Chat.Markdown,
		Width:    GetTerminalWidth(),
	})

	app, err := buildApp(cfg, path, render)
	if err != nil {
		return err
	}
	defer app.Close()

	var in lineReader
	if tty {
		historyFile, _ := app.Config.HistoryFile()
		in = NewChatCLI(historyFile)
	} else {
		in = newScanReader(stdin)
	}
	defer in.Close()

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	repl := newREPL(app, in, stdout, render)
	repl.stop = stop

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigs:
				repl.interrupt(sig)
			}
		}
	}()

	repl.watchConfig(ctx)
	return repl.Run(ctx)
}

// interrupt handles SIGINT outside the line editor: it cancels the
// generation or load in progress, and otherwise ends the session.
func (r *REPL) interrupt(sig os.Signal) {
	if sig == os.Interrupt && r.app.Session.Cancel() {
		fmt.Fprintln(r.out, "\n"+WarningStyle.Render("[Cancelling]"))
		return
	}
	r.mu.Lock()
	cancelInit, stop := r.cancelInit, r.stop
	r.mu.Unlock()
	if cancelInit != nil && sig == os.Interrupt {
		cancelInit()
		return
	}
	if stop != nil {
		stop()
	}
}

// watchConfig offers a reload when the configured GPU model changes on disk.
func (r *REPL) watchConfig(ctx context.Context) {
	path := r.app.ConfigPath
	if path == "" {
		return
	}
	go func() {
		err := config.Watch(ctx, path, config.DefaultDebounce, func(cfg *config.Config, err error) {
			if err != nil {
				r.app.Logger.Warn("config reload failed", "path", path, "error", err)
				return
			}
			current := r.app.Config.GPU.Model
			if eng := r.app.Selector.Engine(); eng != nil {
				current = eng.Model()
			}
			if cfg.GPU.Model != current {
				model := cfg.GPU.Model
				r.offer.Store(&model)
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			r.app.Logger.Debug("config watch disabled", "error", err)
		}
	}()
}

// Init loads the runtime. A failure disables input but keeps the REPL up;
// only an interrupted load is returned.
func (r *REPL) Init(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancelInit = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.cancelInit = nil
		r.mu.Unlock()
		cancel()
	}()

	err := r.app.Init(ctx, r.out)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		r.initErr = err
		fmt.Fprintln(r.out)
		fmt.Fprintln(r.out, ErrorStyle.Render("[RUNTIME FAILED] "+err.Error()))
		fmt.Fprintln(r.out, DimStyle.Render("Chat input is disabled. Available: /status, /help, /quit"))
	}
	return nil
}

// Run initializes the runtime and reads input until /quit, EOF or ctx ends.
func (r *REPL) Run(ctx context.Context) error {
	r.printWelcome()
	if err := r.Init(ctx); err != nil {
		fmt.Fprintln(r.out, WarningStyle.Render("[Cancelled] runtime load interrupted"))
		return nil
	}
	fmt.Fprintln(r.out)

	for ctx.Err() == nil {
		r.showOffer()
		input, err := r.in.ReadInput(PromptStyle.Render("rigchat> "))
		if errors.Is(err, errAborted) {
			r.aborts++
			if r.aborts >= 2 {
				r.printExitSummary()
				return nil
			}
			fmt.Fprintln(r.out, DimStyle.Render("(press Ctrl+C again or type /quit to exit)"))
			continue
		}
		if err != nil {
			fmt.Fprintln(r.out)
			r.printExitSummary()
			return nil
		}
		r.aborts = 0

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			if !r.handleSlash(ctx, input) {
				r.printExitSummary()
				return nil
			}
			continue
		}
		if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
			r.printExitSummary()
			return nil
		}
		r.send(ctx, input, false)
	}
	return nil
}

func (r *REPL) showOffer() {
	model := r.offer.Swap(nil)
	if model == nil {
		return
	}
	fmt.Fprintf(r.out, "%s config now selects %s. Type %s to switch.\n",
		InfoStyle.Render("[Config]"), *model, HighlightStyle.Render("/reload "+*model))
}

// send runs one generation. Errors the controller already rendered are
// not printed again.
func (r *REPL) send(ctx context.Context, input string, withTools bool) {
	if r.initErr != nil {
		fmt.Fprintln(r.out, ErrorStyle.Render("Input disabled: the runtime failed to initialize."))
		return
	}

	start := time.Now()
	var (
		res *session.Result
		err error
	)
	if withTools {
		res, err = r.app.Session.SendWithTools(ctx, input)
	} else {
		res, err = r.app.Session.Send(ctx, input)
	}
	r.render.Flush()

	switch {
	case errors.Is(err, session.ErrNoEngine),
		errors.Is(err, session.ErrBusy),
		errors.Is(err, session.ErrEmptyPrompt):
		fmt.Fprintf(r.out, "%s %v\n", ErrorStyle.Render("[Error]"), err)
		return
	case err != nil:
		return
	}

	r.sends++
	if res.Evicted > 0 {
		fmt.Fprintf(r.out, "%s dropped %d older turn(s) to fit the context window\n",
			WarningStyle.Render("[Context]"), res.Evicted)
	}
	st := r.app.Session.Status()
	fmt.Fprintf(r.out, "%s %s | %s | %s\n\n",
		DimStyle.Render("[Stats]"),
		st.Backend,
		fmtTokens(st.HistoryTokens, st.Ceiling),
		time.Since(start).Round(time.Millisecond))
}

// =============================================================================
// DISPLAY
// =============================================================================

func (r *REPL) printWelcome() {
	cfg := r.app.Config
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, TitleStyle.Render("rigchat interactive chat"))
	fmt.Fprintf(r.out, "%s %s\n", RenderLabel("GPU model:"), ValueStyle.Render(cfg.GPU.Model))
	fmt.Fprintf(r.out, "%s %s\n", RenderLabel("Provider:"), ValueStyle.Render(cfg.GPU.Provider))
	fmt.Fprintf(r.out, "%s %s\n", RenderLabel("Runtime:"), ValueStyle.Render(cfg.Runtime.Prefer))
	if badge := r.app.Guard.StatusBadge(); badge != "" {
		fmt.Fprintf(r.out, "%s %s\n", ErrorStyle.Render(badge), "network restricted to localhost and cached assets")
	}
	fmt.Fprintln(r.out, DimStyle.Render("Type your message and press Enter. Commands: /help, /quit"))
	fmt.Fprintln(r.out)
}

func (r *REPL) printExitSummary() {
	if r.sends == 0 {
		fmt.Fprintln(r.out, DimStyle.Render("Goodbye!"))
		return
	}
	st := r.app.Session.Status()
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, SectionStyle.Render("Session Summary"))
	fmt.Fprintf(r.out, "  %s %d\n", RenderLabel("Messages sent:"), r.sends)
	fmt.Fprintf(r.out, "  %s %s\n", RenderLabel("Context:"), fmtTokens(st.HistoryTokens, st.Ceiling))
	fmt.Fprintf(r.out, "  %s %s\n", RenderLabel("Duration:"), time.Since(r.started).Round(time.Second))
	if r.savedID != "" {
		fmt.Fprintf(r.out, "  %s %s\n", RenderLabel("Saved as:"), r.savedID)
	}
	fmt.Fprintln(r.out, DimStyle.Render("Goodbye!"))
}
