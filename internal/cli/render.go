// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-runewidth"
	"github.com/muesli/termenv"

	"github.com/jeranaias/rigchat/internal/model"
	"github.com/jeranaias/rigchat/internal/session"
	"github.com/jeranaias/rigchat/internal/util"
)

// =============================================================================
// TERMINAL RENDERER
// =============================================================================

// TerminalOptions configures a Terminal.
type TerminalOptions struct {
	// TTY enables in-place redraws.
	TTY bool

	// Markdown re-renders finished assistant turns with glamour. It only
	// applies when TTY is set.
	Markdown bool

	// Width is the wrap and clip width; 0 uses DefaultTerminalWidth.
	Width int
}

type renderedTurn struct {
	role model.Role
	text string
	// printed is the prefix of text already on screen.
	printed string
	open    bool
}

// Terminal writes the transcript to a terminal or pipe. Assistant turns
// stream as suffix diffs; other turns print once.
type Terminal struct {
	mu    sync.Mutex
	out   io.Writer
	term  *termenv.Output
	opts  TerminalOptions
	md    *glamour.TermRenderer
	turns []*renderedTurn
	tail  int
}

var (
	_ session.Renderer = (*Terminal)(nil)
	_ session.Finisher = (*Terminal)(nil)
)

// NewTerminal creates a renderer writing to out.
func NewTerminal(out io.Writer, opts TerminalOptions) *Terminal {
	if opts.Width <= 0 {
		opts.Width = DefaultTerminalWidth
	}
	t := &Terminal{out: out, term: termenv.NewOutput(out), opts: opts, tail: -1}
	if opts.TTY && opts.Markdown {
		md, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(opts.Width),
		)
		if err == nil {
			t.md = md
		}
	}
	return t
}

// AppendTurn implements session.Renderer.
func (t *Terminal) AppendTurn(role model.Role, text string) session.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closeTail()
	turn := &renderedTurn{role: role, text: text, open: role == model.RoleAssistant}
	t.turns = append(t.turns, turn)
	h := len(t.turns) - 1
	t.tail = h

	switch role {
	case model.RoleAssistant:
		fmt.Fprintln(t.out, RoleLabel(role))
		io.WriteString(t.out, text)
		turn.printed = text
	case model.RoleTool, session.RoleNotice:
		line := util.ClipWidth(strings.ReplaceAll(text, "\n", " "), t.opts.Width-2)
		fmt.Fprintf(t.out, "%s %s\n", RoleLabel(role), DimStyle.Render(line))
	case model.RoleUser:
		fmt.Fprintf(t.out, "%s %s\n", RoleLabel(role), text)
	default:
		fmt.Fprintln(t.out, ErrorStyle.Render(text))
	}
	return session.Handle(h)
}

// UpdateTurn implements session.Renderer. The new text is normally an
// extension of what is on screen; otherwise the turn is printed again.
func (t *Terminal) UpdateTurn(h session.Handle, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	turn := t.turn(h)
	if turn == nil {
		return
	}
	turn.text = text
	if int(h) == t.tail && turn.open && strings.HasPrefix(text, turn.printed) {
		io.WriteString(t.out, text[len(turn.printed):])
		turn.printed = text
		return
	}

	t.closeTail()
	fmt.Fprintln(t.out, RoleLabel(turn.role))
	io.WriteString(t.out, text)
	turn.printed = text
	turn.open = true
	t.tail = int(h)
}

// FinishTurn implements session.Finisher. On a TTY with markdown enabled
// the streamed text is erased and replaced by its rendered form.
func (t *Terminal) FinishTurn(h session.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	turn := t.turn(h)
	if turn == nil || !turn.open {
		return
	}
	if t.md != nil && int(h) == t.tail && strings.TrimSpace(turn.text) != "" {
		if out, err := t.md.Render(turn.text); err == nil {
			io.WriteString(t.out, "\r")
			if rows := screenRows(turn.printed, t.opts.Width); rows > 1 {
				t.term.ClearLines(rows - 1)
			} else {
				t.term.ClearLine()
			}
			io.WriteString(t.out, strings.Trim(out, "\n"))
		}
	}
	io.WriteString(t.out, "\n")
	turn.open = false
}

// Flush terminates an open turn so the next prompt starts on a fresh line.
func (t *Terminal) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeTail()
}

func (t *Terminal) turn(h session.Handle) *renderedTurn {
	if h < 0 || int(h) >= len(t.turns) {
		return nil
	}
	return t.turns[h]
}

func (t *Terminal) closeTail() {
	if t.tail < 0 {
		return
	}
	if turn := t.turns[t.tail]; turn.open {
		io.WriteString(t.out, "\n")
		turn.open = false
	}
}

// screenRows counts the terminal rows text occupies at width columns.
func screenRows(text string, width int) int {
	if width <= 0 {
		width = DefaultTerminalWidth
	}
	rows := 0
	for _, line := range strings.Split(text, "\n") {
		w := runewidth.StringWidth(line)
		if w == 0 {
			rows++
			continue
		}
		rows += (w + width - 1) / width
	}
	return rows
}
