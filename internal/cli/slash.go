// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jeranaias/rigchat/internal/model"
	"github.com/jeranaias/rigchat/internal/runtime"
	"github.com/jeranaias/rigchat/internal/storage"
	"github.com/jeranaias/rigchat/internal/tools"
	"github.com/jeranaias/rigchat/internal/util"
)

// =============================================================================
// SLASH COMMANDS
// =============================================================================

type slashCommand struct {
	name    string
	aliases []string
	usage   string
	desc    string
	// always marks commands accepted after a failed runtime load.
	always bool
	run    func(r *REPL, ctx context.Context, args []string, rest string) bool
}

var slashCommands []slashCommand

func init() {
	slashCommands = []slashCommand{
		{name: "/help", aliases: []string{"/h", "/?"}, usage: "/help", desc: "Show this help", always: true, run: (*REPL).cmdHelp},
		{name: "/clear", aliases: []string{"/c"}, usage: "/clear", desc: "Clear the conversation and pending files", run: (*REPL).cmdClear},
		{name: "/attach", aliases: []string{"/a"}, usage: "/attach <path>...", desc: "Attach files to the next message", run: (*REPL).cmdAttach},
		{name: "/detach", usage: "/detach [n]", desc: "Remove attachment n, or all", run: (*REPL).cmdDetach},
		{name: "/files", usage: "/files", desc: "List pending attachments", run: (*REPL).cmdFiles},
		{name: "/model", aliases: []string{"/m"}, usage: "/model [id]", desc: "Show models or switch the GPU model", run: (*REPL).cmdModel},
		{name: "/reload", usage: "/reload [id]", desc: "Reload the GPU model", run: (*REPL).cmdReload},
		{name: "/tool", usage: "/tool <message>", desc: "Send with function calling", run: (*REPL).cmdTool},
		{name: "/demo", usage: "/demo [name]", desc: "Run a function-calling demo", run: (*REPL).cmdDemo},
		{name: "/system", usage: "/system <prompt>", desc: "Replace the system prompt", run: (*REPL).cmdSystem},
		{name: "/cancel", usage: "/cancel", desc: "Cancel the current generation", run: (*REPL).cmdCancel},
		{name: "/status", aliases: []string{"/s"}, usage: "/status", desc: "Show runtime and context status", always: true, run: (*REPL).cmdStatus},
		{name: "/tokens", usage: "/tokens", desc: "Show per-turn token estimates", run: (*REPL).cmdTokens},
		{name: "/save", usage: "/save", desc: "Save the conversation", run: (*REPL).cmdSave},
		{name: "/export", usage: "/export <file.md>", desc: "Write the conversation as Markdown", run: (*REPL).cmdExport},
		{name: "/load", usage: "/load [id|n]", desc: "List or load saved conversations", run: (*REPL).cmdLoad},
		{name: "/quit", aliases: []string{"/q", "/exit"}, usage: "/quit", desc: "Exit chat", always: true, run: func(*REPL, context.Context, []string, string) bool { return false }},
	}
}

func lookupSlash(name string) (slashCommand, bool) {
	for _, c := range slashCommands {
		if c.name == name {
			return c, true
		}
		for _, a := range c.aliases {
			if a == name {
				return c, true
			}
		}
	}
	return slashCommand{}, false
}

// handleSlash runs a slash command and reports whether the REPL continues.
func (r *REPL) handleSlash(ctx context.Context, input string) bool {
	name, rest, _ := strings.Cut(input, " ")
	name = strings.ToLower(name)
	rest = strings.TrimSpace(rest)
	if name == "/" {
		name = "/help"
	}

	cmd, ok := lookupSlash(name)
	if !ok {
		r.printError(fmt.Errorf("unknown command: %s (type /help for commands)", name))
		return true
	}
	if r.initErr != nil && !cmd.always {
		r.printError(errors.New("unavailable: the runtime failed to initialize (available: /status, /help, /quit)"))
		return true
	}
	return cmd.run(r, ctx, strings.Fields(rest), rest)
}

func (r *REPL) printError(err error) {
	fmt.Fprintf(r.out, "%s %v\n", ErrorStyle.Render("[Error]"), err)
}

func (r *REPL) printOK(format string, args ...any) {
	fmt.Fprintf(r.out, "%s %s\n", SuccessStyle.Render("[OK]"), fmt.Sprintf(format, args...))
}

// =============================================================================
// HANDLERS
// =============================================================================

func (r *REPL) cmdHelp(context.Context, []string, string) bool {
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, SectionStyle.Render("Available Commands"))
	fmt.Fprintln(r.out)
	for _, c := range slashCommands {
		if r.initErr != nil && !c.always {
			continue
		}
		fmt.Fprintf(r.out, "  %s  %s\n",
			HighlightStyle.Render(fmt.Sprintf("%-18s", c.usage)),
			DimStyle.Render(c.desc))
	}
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, DimStyle.Render("Tip: Ctrl+C cancels the current generation, Ctrl+D exits"))
	fmt.Fprintln(r.out)
	return true
}

func (r *REPL) cmdClear(context.Context, []string, string) bool {
	if err := r.app.Session.Clear(); err != nil {
		r.printError(err)
		return true
	}
	r.printOK("Conversation cleared")
	return true
}

func (r *REPL) cmdAttach(_ context.Context, args []string, _ string) bool {
	if len(args) == 0 {
		r.printError(NewUsageError("usage: /attach <path>...", "/attach notes.txt report.pdf"))
		return true
	}
	pending := r.app.Session.Pending()
	for _, path := range args {
		a, err := pending.Add(path)
		if err != nil {
			r.printError(err)
			continue
		}
		r.printOK("Attached %s", a.Label())
	}
	fmt.Fprintln(r.out, DimStyle.Render("Files are sent with your next message."))
	return true
}

func (r *REPL) cmdDetach(_ context.Context, args []string, _ string) bool {
	pending := r.app.Session.Pending()
	if len(args) == 0 {
		n := pending.Len()
		pending.Clear()
		r.printOK("Removed %d attachment(s)", n)
		return true
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		r.printError(NewUsageError("usage: /detach [n]", "/detach 2"))
		return true
	}
	a, ok := pending.Remove(n - 1)
	if !ok {
		r.printError(fmt.Errorf("no attachment #%d (have %d)", n, pending.Len()))
		return true
	}
	r.printOK("Removed %s", a.Name)
	return true
}

func (r *REPL) cmdFiles(context.Context, []string, string) bool {
	pending := r.app.Session.Pending()
	list := pending.List()
	if len(list) == 0 {
		fmt.Fprintln(r.out, DimStyle.Render("[No files attached]"))
		return true
	}
	for i, a := range list {
		fmt.Fprintf(r.out, "  %d. %s\n", i+1, a.Label())
	}
	fmt.Fprintf(r.out, "  %s\n", DimStyle.Render(fmt.Sprintf("%s total", humanize.Bytes(uint64(pending.TotalBytes())))))
	return true
}

func (r *REPL) cmdModel(ctx context.Context, args []string, _ string) bool {
	if len(args) > 0 {
		return r.cmdReload(ctx, args, "")
	}
	current := ""
	if eng := r.app.Selector.Engine(); eng != nil {
		current = eng.Model()
	}
	fmt.Fprintf(r.out, "%s %s\n", InfoStyle.Render("[Model]"), ValueStyle.Render(current))
	for _, m := range r.app.Catalog.Models() {
		marker := "  "
		if m.ID == current {
			marker = HighlightStyle.Render("* ")
		}
		fc := ""
		if m.FunctionCalling {
			fc = DimStyle.Render(" [tools]")
		}
		fmt.Fprintf(r.out, "  %s%-16s %6s%s\n", marker, m.ID, m.SizeLabel(), fc)
	}
	return true
}

func (r *REPL) cmdReload(ctx context.Context, args []string, _ string) bool {
	id := ""
	if len(args) > 0 {
		id = args[0]
	}
	events, err := r.app.Selector.Reload(ctx, id)
	switch {
	case errors.Is(err, runtime.ErrReloadUnsupported):
		fmt.Fprintf(r.out, "%s %v; the CPU fallback model stays loaded.\n", WarningStyle.Render("[Notice]"), err)
		return true
	case runtime.IsUnsupportedModel(err):
		fmt.Fprintf(r.out, "%s %v\n", WarningStyle.Render("[Model]"), err)
		return true
	case err != nil:
		r.printError(err)
		return true
	}
	p := newProgressPrinter(r.out, progressInterval)
	if err := runtime.Wait(events, p.Event); err != nil {
		fmt.Fprintln(r.out, DimStyle.Render("Keeping the previous model."))
	}
	return true
}

func (r *REPL) cmdTool(ctx context.Context, _ []string, rest string) bool {
	if rest == "" {
		r.printError(NewUsageError("usage: /tool <message>", "/tool what is 17 * 23?"))
		return true
	}
	r.send(ctx, rest, true)
	return true
}

func (r *REPL) cmdDemo(ctx context.Context, args []string, _ string) bool {
	if len(args) == 0 {
		fmt.Fprintf(r.out, "%s %s\n", InfoStyle.Render("[Demos]"), strings.Join(tools.DemoNames(), ", "))
		return true
	}
	prompt, ok := tools.Demos[strings.ToLower(args[0])]
	if !ok {
		r.printError(fmt.Errorf("unknown demo %q (choose one of: %s)", args[0], strings.Join(tools.DemoNames(), ", ")))
		return true
	}
	fmt.Fprintf(r.out, "%s %s\n", DimStyle.Render("[Demo]"), prompt)
	r.send(ctx, prompt, true)
	return true
}

func (r *REPL) cmdSystem(_ context.Context, _ []string, rest string) bool {
	if rest == "" {
		fmt.Fprintln(r.out, InfoStyle.Render("[System]"))
		fmt.Fprintln(r.out, WrapText(r.app.Session.History()[0].Content, GetTerminalWidth()))
		return true
	}
	r.app.Session.SetSystemPrompt(rest)
	r.printOK("System prompt updated")
	return true
}

func (r *REPL) cmdCancel(context.Context, []string, string) bool {
	if !r.app.Session.Cancel() {
		fmt.Fprintln(r.out, DimStyle.Render("[Nothing to cancel]"))
	}
	return true
}

func (r *REPL) cmdStatus(context.Context, []string, string) bool {
	st := r.app.Session.Status()
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, SectionStyle.Render("Session Status"))
	fmt.Fprintf(r.out, "  %s %s\n", RenderLabel("Runtime:"), describeBackend(r.app.Selector))
	if st.Model != "" {
		fmt.Fprintf(r.out, "  %s %s\n", RenderLabel("Model:"), st.Model)
	}
	if gpu := r.app.Selector.GPU(); gpu != nil {
		fmt.Fprintf(r.out, "  %s %s\n", RenderLabel("GPU:"), gpu.String())
	}
	if err := r.app.Selector.Err(); err != nil {
		fmt.Fprintf(r.out, "  %s %s\n", RenderLabel("Last error:"), WarningStyle.Render(util.ClipWidth(err.Error(), 60)))
	}
	fmt.Fprintf(r.out, "  %s %s\n", RenderLabel("Generation:"), st.State)
	fmt.Fprintf(r.out, "  %s %d turns, %s\n", RenderLabel("History:"), st.Turns, fmtTokens(st.HistoryTokens, st.Ceiling))
	fmt.Fprintf(r.out, "  %s %d (%s)\n", RenderLabel("Attachments:"), st.Pending, humanize.Bytes(uint64(st.PendingBytes)))
	if badge := r.app.Guard.StatusBadge(); badge != "" {
		fmt.Fprintf(r.out, "  %s %s\n", RenderLabel("Network:"), ErrorStyle.Render(badge))
	}
	fmt.Fprintf(r.out, "  %s %s\n", RenderLabel("Uptime:"), time.Since(r.started).Round(time.Second))
	fmt.Fprintln(r.out)
	return true
}

func (r *REPL) cmdTokens(context.Context, []string, string) bool {
	mgr := r.app.Session.Budget()
	history := r.app.Session.History()
	for i, t := range history {
		fmt.Fprintf(r.out, "  %2d. %-9s %5d  %s\n", i+1, t.Role.DisplayName(), mgr.TurnTokens(t),
			DimStyle.Render(util.ClipWidth(util.FirstLine(t.Content), 50)))
	}
	fmt.Fprintf(r.out, "  %s\n", fmtTokens(mgr.Tokens(history), mgr.Config().Ceiling))
	return true
}

func (r *REPL) transcript() *storage.Transcript {
	t := &storage.Transcript{ID: r.savedID, Turns: r.app.Session.History()}
	if eng := r.app.Selector.Engine(); eng != nil {
		t.Model = eng.Model()
		t.Backend = eng.Backend().String()
	}
	return t
}

func (r *REPL) cmdSave(context.Context, []string, string) bool {
	if r.app.Transcripts == nil {
		r.printError(errors.New("transcript store unavailable"))
		return true
	}
	id, err := r.app.Transcripts.Save(r.transcript())
	if err != nil {
		r.printError(err)
		return true
	}
	r.savedID = id
	r.printOK("Saved conversation %s", id)
	return true
}

func (r *REPL) cmdLoad(_ context.Context, args []string, _ string) bool {
	store := r.app.Transcripts
	if store == nil {
		r.printError(errors.New("transcript store unavailable"))
		return true
	}
	if len(args) == 0 {
		metas, err := store.List()
		if err != nil {
			r.printError(err)
			return true
		}
		fmt.Fprintln(r.out, strings.TrimRight(storage.FormatList(metas), "\n"))
		return true
	}
	t, err := store.Load(args[0])
	if err != nil {
		r.printError(err)
		return true
	}
	if err := r.app.Session.Restore(t.Turns); err != nil {
		r.printError(err)
		return true
	}
	r.savedID = t.ID
	r.printOK("Loaded %s (%d turns)", t.ID, len(t.Turns))
	for _, turn := range t.Turns {
		if turn.Role == model.RoleSystem {
			continue
		}
		fmt.Fprintf(r.out, "  %s %s\n", RoleLabel(turn.Role), util.ClipWidth(util.FirstLine(turn.Content), 70))
	}
	return true
}

func (r *REPL) cmdExport(_ context.Context, args []string, _ string) bool {
	if len(args) != 1 {
		r.printError(NewUsageError("usage: /export <file.md>", "/export chat.md"))
		return true
	}
	t := r.transcript()
	t.CreatedAt = r.started
	if t.Summary == "" {
		t.Summary = "rigchat conversation"
	}
	if err := util.AtomicWriteFile(args[0], []byte(t.ExportMarkdown()), 0600); err != nil {
		r.printError(err)
		return true
	}
	r.printOK("Exported %d turns to %s", len(t.Turns), args[0])
	return true
}
