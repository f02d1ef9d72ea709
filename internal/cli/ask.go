// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// ask.go - Single query command for the rigchat CLI.
//
// Command: ask [question]
// Short:   Ask a single question
//
// Examples:
//   rigchat ask "What is the capital of France?"
//   rigchat ask "Review this code:" --file main.go
//   git diff | rigchat ask "Summarize this diff"
//   rigchat ask --json "List three prime numbers"
//
// Flags:
//   -f, --file FILE     Attach a file (repeatable)
//   -q, --quiet         Print only the response
//
// Piped stdin is appended to the question as a fenced block.

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigchat/internal/session"
)

// maxStdinBytes caps piped input.
const maxStdinBytes = 1 << 20

type askOptions struct {
	Files []string
	Quiet bool
}

// AskResult is the --json output of ask.
type AskResult struct {
	Model     string  `json:"model"`
	Backend   string  `json:"backend"`
	Response  string  `json:"response"`
	Cancelled bool    `json:"cancelled,omitempty"`
	Truncated bool    `json:"truncated,omitempty"`
	Tokens    int     `json:"context_tokens"`
	Ceiling   int     `json:"context_ceiling"`
	Seconds   float64 `json:"seconds"`
}

func newAskCmd(g *globalFlags) *cobra.Command {
	opts := &askOptions{}
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a single question",
		Example: `  rigchat ask "What is the capital of France?"
  rigchat ask "Review this code:" --file main.go
  git diff | rigchat ask "Summarize this diff"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runAsk(ctx, g, opts, args, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringArrayVarP(&opts.Files, "file", "f", nil, "attach a file (repeatable)")
	cmd.Flags().BoolVarP(&opts.Quiet, "quiet", "q", false, "print only the response")
	return cmd
}

// buildQuestion joins the arguments with piped stdin, if any.
func buildQuestion(args []string, stdin io.Reader) (string, error) {
	question := strings.TrimSpace(strings.Join(args, " "))
	if stdin != nil && (stdin != os.Stdin || !IsTTY()) {
		data, err := io.ReadAll(io.LimitReader(stdin, maxStdinBytes))
		if err != nil {
			return "", NewCommandError("ask", "read", "stdin", err)
		}
		if piped := strings.TrimSpace(string(data)); piped != "" {
			if question == "" {
				question = piped
			} else {
				question += "\n\n```\n" + piped + "\n```"
			}
		}
	}
	if question == "" {
		return "", NewUsageError("no question given", `rigchat ask "What is a goroutine?"`)
	}
	return question, nil
}

func runAsk(ctx context.Context, g *globalFlags, opts *askOptions, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	question, err := buildQuestion(args, stdin)
	if err != nil {
		return err
	}

	cfg, path, err := g.loadConfig()
	if err != nil {
		return err
	}
	var (
		render session.Renderer = session.Discard
		term   *Terminal
	)
	if !g.JSON {
		term = NewTerminal(stdout, TerminalOptions{
			TTY:      IsStdoutTTY(),
			Markdown: cfg.Chat.Markdown,
			Width:    GetTerminalWidth(),
		})
		render = term
	}
	app, err := buildApp(cfg, path, render)
	if err != nil {
		return err
	}
	defer app.Close()

	for _, f := range opts.Files {
		if _, err := app.Session.Pending().Add(f); err != nil {
			return NewCommandError("ask", "attach", f, err)
		}
	}

	progress := stderr
	if opts.Quiet || g.JSON {
		progress = io.Discard
	}
	if err := app.Init(ctx, progress); err != nil {
		return err
	}

	start := time.Now()
	res, err := app.Session.Send(ctx, question)
	if term != nil {
		term.Flush()
	}
	if err != nil {
		return err
	}

	st := app.Session.Status()
	if g.JSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(AskResult{
			Model:     st.Model,
			Backend:   st.Backend.String(),
			Response:  res.Text,
			Cancelled: res.Cancelled,
			Truncated: res.Truncated,
			Tokens:    st.HistoryTokens,
			Ceiling:   st.Ceiling,
			Seconds:   time.Since(start).Seconds(),
		})
	}
	if res.Cancelled {
		return errors.New("generation cancelled")
	}
	if !opts.Quiet {
		fmt.Fprintf(stderr, "%s %s | %s | %s\n", DimStyle.Render("[Stats]"), st.Backend,
			fmtTokens(st.HistoryTokens, st.Ceiling), time.Since(start).Round(time.Millisecond))
	}
	return nil
}
