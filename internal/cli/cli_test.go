// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jeranaias/rigchat/internal/catalog"
	"github.com/jeranaias/rigchat/internal/config"
	"github.com/jeranaias/rigchat/internal/detect"
	"github.com/jeranaias/rigchat/internal/engine"
	"github.com/jeranaias/rigchat/internal/logging"
	"github.com/jeranaias/rigchat/internal/model"
	"github.com/jeranaias/rigchat/internal/offline"
	"github.com/jeranaias/rigchat/internal/runtime"
	"github.com/jeranaias/rigchat/internal/session"
	"github.com/jeranaias/rigchat/internal/storage"
	"github.com/jeranaias/rigchat/internal/tools"
)

// =============================================================================
// TERMINAL HELPERS
// =============================================================================

func TestWrapText(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		width int
		want  string
	}{
		{"fits", "hello world", 20, "hello world"},
		{"wraps at space", "hello world", 7, "hello\nworld"},
		{"keeps newlines", "a\nb", 10, "a\nb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WrapText(tt.text, tt.width); got != tt.want {
				t.Errorf("WrapText(%q, %d) = %q, want %q", tt.text, tt.width, got, tt.want)
			}
		})
	}
}

func TestScreenRows(t *testing.T) {
	tests := []struct {
		text  string
		width int
		want  int
	}{
		{"", 10, 1},
		{"abc", 10, 1},
		{"abcdefghijk", 10, 2},
		{"a\nb\n", 10, 3},
		{"日本語日本語", 4, 3},
	}
	for _, tt := range tests {
		if got := screenRows(tt.text, tt.width); got != tt.want {
			t.Errorf("screenRows(%q, %d) = %d, want %d", tt.text, tt.width, got, tt.want)
		}
	}
}

// =============================================================================
// ERRORS
// =============================================================================

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"usage", NewUsageError("bad", ""), ExitUsageError},
		{"wrapped usage", fmt.Errorf("x: %w", NewUsageError("bad", "")), ExitUsageError},
		{"invalid config", fmt.Errorf("invalid config: %w", config.ValidateErrors{&config.ValidationError{Field: "runtime.prefer", Message: "bad"}}), ExitUsageError},
		{"init failed", &runtime.InitError{GPUErr: errors.New("a"), WASMErr: errors.New("b")}, ExitInitFailed},
		{"command", NewCommandError("cache", "clear", "dir", errors.New("io")), ExitGeneralError},
		{"other", errors.New("boom"), ExitGeneralError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCodeFor(tt.err); got != tt.want {
				t.Errorf("ExitCodeFor() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDisplayErrorJSON(t *testing.T) {
	var buf bytes.Buffer
	DisplayError(&buf, NewUsageError("no question given", `rigchat ask "hi"`), true)

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if out["error_type"] != "usage_error" {
		t.Errorf("error_type = %v, want usage_error", out["error_type"])
	}
	if out["exit_code"] != float64(ExitUsageError) {
		t.Errorf("exit_code = %v, want %d", out["exit_code"], ExitUsageError)
	}
}

// =============================================================================
// TERMINAL RENDERER
// =============================================================================

func TestTerminal_StreamsSuffixes(t *testing.T) {
	var buf bytes.Buffer
	term := NewTerminal(&buf, TerminalOptions{})

	h := term.AppendTurn(model.RoleAssistant, "Hel")
	term.UpdateTurn(h, "Hello")
	term.UpdateTurn(h, "Hello, world")
	term.FinishTurn(h)

	out := buf.String()
	if n := strings.Count(out, "Hel"); n != 1 {
		t.Errorf("text printed %d times, want once:\n%s", n, out)
	}
	if !strings.HasSuffix(out, "Hello, world\n") {
		t.Errorf("output = %q, want it to end with the full reply", out)
	}
	if n := strings.Count(out, "Assistant"); n != 1 {
		t.Errorf("label printed %d times, want once", n)
	}
}

func TestTerminal_ReprintsAfterInterleavedTurn(t *testing.T) {
	var buf bytes.Buffer
	term := NewTerminal(&buf, TerminalOptions{})

	h := term.AppendTurn(model.RoleAssistant, "partial")
	term.AppendTurn(session.RoleError, "Error: boom")
	term.UpdateTurn(h, "partial and more")
	term.Flush()

	out := buf.String()
	boom := strings.Index(out, "Error: boom")
	full := strings.Index(out, "partial and more")
	if boom < 0 || full < 0 || full < boom {
		t.Fatalf("expected the updated turn after the error:\n%s", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Error("Flush should end the open line")
	}
}

func TestTerminal_NoticeIsOneLine(t *testing.T) {
	var buf bytes.Buffer
	term := NewTerminal(&buf, TerminalOptions{Width: 20})
	term.AppendTurn(session.RoleNotice, "line one\nline two that is rather long")

	out := strings.TrimSuffix(buf.String(), "\n")
	if strings.Contains(out, "\n") {
		t.Errorf("notice spans several lines: %q", out)
	}
}

func TestTerminal_UnknownHandleIgnored(t *testing.T) {
	var buf bytes.Buffer
	term := NewTerminal(&buf, TerminalOptions{})
	term.UpdateTurn(5, "x")
	term.FinishTurn(-1)
	if buf.Len() != 0 {
		t.Errorf("unexpected output %q", buf.String())
	}
}

// =============================================================================
// PROGRESS
// =============================================================================

func TestProgressPrinter_ThrottlesSameSubject(t *testing.T) {
	var buf bytes.Buffer
	p := newProgressPrinter(&buf, time.Hour)

	p.Event(runtime.Event{Kind: runtime.EventProgress, Message: "Downloading model.gguf: 1%"})
	p.Event(runtime.Event{Kind: runtime.EventProgress, Message: "Downloading model.gguf: 2%"})
	p.Event(runtime.Event{Kind: runtime.EventProgress, Message: "Downloading model.gguf: 3%"})
	p.Event(runtime.Event{Kind: runtime.EventProgress, Message: "Starting llama-server"})
	p.Event(runtime.Event{Kind: runtime.EventReady, Message: "CPU fallback ready"})

	out := buf.String()
	for _, want := range []string{"1%", "3%", "Starting llama-server", "[OK] CPU fallback ready"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "2%") {
		t.Errorf("throttled line was printed:\n%s", out)
	}
}

func TestSubjectOf(t *testing.T) {
	tests := map[string]string{
		"Downloading x: 40%": "Downloading x",
		"Probing GPU":        "Probing GPU",
		": odd":              ": odd",
	}
	for in, want := range tests {
		if got := subjectOf(in); got != want {
			t.Errorf("subjectOf(%q) = %q, want %q", in, got, want)
		}
	}
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

func TestLookupSlash(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"/help", "/help", true},
		{"/?", "/help", true},
		{"/q", "/quit", true},
		{"/exit", "/quit", true},
		{"/a", "/attach", true},
		{"/nope", "", false},
	}
	for _, tt := range tests {
		c, ok := lookupSlash(tt.in)
		if ok != tt.ok || c.name != tt.want {
			t.Errorf("lookupSlash(%q) = (%q, %v), want (%q, %v)", tt.in, c.name, ok, tt.want, tt.ok)
		}
	}
}

func TestSlashCommands_AlwaysSet(t *testing.T) {
	always := map[string]bool{}
	for _, c := range slashCommands {
		if c.always {
			always[c.name] = true
		}
	}
	for _, name := range []string{"/help", "/status", "/quit"} {
		if !always[name] {
			t.Errorf("%s should stay available after a failed load", name)
		}
	}
	if len(always) != 3 {
		t.Errorf("got %d always-available commands, want 3", len(always))
	}
}

// =============================================================================
// REPL
// =============================================================================

type replyStreamer struct{ words []string }

func (s replyStreamer) GenerateStreaming(ctx context.Context, turns []model.Turn, p engine.Params) iter.Seq2[engine.Delta, error] {
	return func(yield func(engine.Delta, error) bool) {
		for _, w := range s.words {
			if !yield(engine.Delta{Text: w}, nil) {
				return
			}
		}
	}
}

type stubGPU struct{ err error }

func (g stubGPU) Name() string { return "stub-gpu" }

func (g stubGPU) CreateEngine(ctx context.Context, id string, onProgress func(string), cat *catalog.Catalog) (engine.Engine, error) {
	if g.err != nil {
		return nil, g.err
	}
	onProgress("loading " + id + ": 100%")
	return engine.NewStreaming(id, replyStreamer{words: []string{"gpu ", "says ", "hi"}}, nil), nil
}

type stubWASM struct{ err error }

func (w stubWASM) Name() string { return "stub-wasm" }

func (w stubWASM) LoadRuntimeAssets(ctx context.Context, onProgress func(string)) (engine.Assets, error) {
	return engine.Assets{}, w.err
}

func (w stubWASM) CreateEngine(ctx context.Context, a engine.Assets, src engine.ModelSource, onProgress func(string)) (engine.Engine, error) {
	return nil, errors.New("unused")
}

type stubProber struct{}

func (stubProber) Probe(ctx context.Context) (*detect.GpuInfo, error) {
	return &detect.GpuInfo{Name: "Test GPU", VramGB: 16, Type: detect.GpuTypeNvidia}, nil
}

// newTestREPL wires a REPL over stub providers, reading input from in.
func newTestREPL(t *testing.T, gpu runtime.GPUProvider, wasm runtime.WASMProvider, in string) (*REPL, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	out := &bytes.Buffer{}
	render := NewTerminal(out, TerminalOptions{})
	cat := catalog.Builtin()

	app := &App{
		Config:  cfg,
		Logger:  logging.Discard(),
		Guard:   offline.NewGuard(false),
		Catalog: cat,
	}
	app.Selector = runtime.New(runtime.Config{
		Prefer:    runtime.PreferAuto,
		Model:     cfg.GPU.Model,
		WASMModel: engine.DemoModel,
	}, runtime.Options{GPU: gpu, WASM: wasm, Prober: stubProber{}, Catalog: cat})
	app.closers = append(app.closers, app.Selector)
	app.Session = session.New(sessionConfig(cfg), session.Options{
		Engines:  app.Selector,
		Renderer: render,
		Tools:    tools.NewRouter(),
		Catalog:  cat,
	})
	app.Selector.SetBusyCheck(app.Session.Busy)

	store, err := storage.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	app.Transcripts = store
	t.Cleanup(func() { app.Close() })

	return newREPL(app, newScanReader(strings.NewReader(in)), out, render), out
}

func TestREPL_ChatRoundTrip(t *testing.T) {
	repl, out := newTestREPL(t, stubGPU{}, stubWASM{}, "hello\n/status\n/quit\n")
	if err := repl.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := out.String()
	for _, want := range []string{"gpu says hi", "[Stats]", "Session Status", "GPU (streaming)", "Goodbye!"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if n := len(repl.app.Session.History()); n != 3 {
		t.Errorf("history has %d turns, want 3 (system, user, assistant)", n)
	}
}

func TestREPL_InitFailureDisablesInput(t *testing.T) {
	gpu := stubGPU{err: errors.New("no ollama")}
	wasm := stubWASM{err: errors.New("no llama-server")}
	repl, out := newTestREPL(t, gpu, wasm, "hello\n/clear\n/help\n/quit\n")
	if err := repl.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := out.String()
	for _, want := range []string{"[RUNTIME FAILED]", "Input disabled", "unavailable", "/status"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "/attach") {
		t.Error("/help should list only the commands still available")
	}
	if n := len(repl.app.Session.History()); n != 1 {
		t.Errorf("history has %d turns, want only the system prompt", n)
	}
}

func TestREPL_SaveAndLoad(t *testing.T) {
	repl, out := newTestREPL(t, stubGPU{}, stubWASM{}, "hello\n/save\n/clear\n/load 1\n/quit\n")
	if err := repl.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := out.String()
	if !strings.Contains(got, "Saved conversation") || !strings.Contains(got, "Loaded") {
		t.Fatalf("save/load not reported:\n%s", got)
	}
	if n := len(repl.app.Session.History()); n != 3 {
		t.Errorf("history has %d turns after load, want 3", n)
	}
}

func TestREPL_AttachAndExport(t *testing.T) {
	dir := t.TempDir()
	notes := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(notes, []byte("remember the milk"), 0600); err != nil {
		t.Fatal(err)
	}
	export := filepath.Join(dir, "chat.md")

	input := "/attach " + notes + "\n/files\nsummarize\n/export " + export + "\n/quit\n"
	repl, out := newTestREPL(t, stubGPU{}, stubWASM{}, input)
	if err := repl.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := out.String()
	if !strings.Contains(got, "Attached notes.txt") {
		t.Errorf("attach not reported:\n%s", got)
	}
	if repl.app.Session.Pending().Len() != 0 {
		t.Error("attachments should be consumed by the send")
	}
	data, err := os.ReadFile(export)
	if err != nil {
		t.Fatalf("export not written: %v", err)
	}
	if !strings.Contains(string(data), "gpu says hi") {
		t.Errorf("export missing the reply:\n%s", data)
	}
}

func TestREPL_UnknownCommand(t *testing.T) {
	repl, out := newTestREPL(t, stubGPU{}, stubWASM{}, "/frobnicate\nexit\n")
	if err := repl.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), "unknown command: /frobnicate") {
		t.Errorf("unknown command not reported:\n%s", out.String())
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

func TestBuildQuestion(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		stdin   string
		want    string
		wantErr bool
	}{
		{"args only", []string{"what", "is", "go?"}, "", "what is go?", false},
		{"stdin only", nil, "  piped text \n", "piped text", false},
		{"both", []string{"Summarize:"}, "diff", "Summarize:\n\n```\ndiff\n```", false},
		{"empty", nil, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildQuestion(tt.args, strings.NewReader(tt.stdin))
			if tt.wantErr {
				var usage *UsageError
				if !errors.As(err, &usage) {
					t.Errorf("err = %v, want a UsageError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("buildQuestion: %v", err)
			}
			if got != tt.want {
				t.Errorf("buildQuestion() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReportChecks(t *testing.T) {
	checks := []HealthCheck{
		{Name: "Config", Status: CheckPass, Message: "ok"},
		{Name: "GPU", Status: CheckWarn, Message: "none"},
		{Name: "CPU runtime", Status: CheckFail, Message: "missing", Fix: "install it"},
	}

	var buf bytes.Buffer
	err := reportChecks(&buf, checks, true)
	if !errors.Is(err, errChecksFailed) {
		t.Errorf("err = %v, want errChecksFailed", err)
	}
	var out struct {
		Checks []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"checks"`
		Passed, Warned, Failed int
	}
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if out.Passed != 1 || out.Warned != 1 || out.Failed != 1 {
		t.Errorf("counts = %d/%d/%d, want 1/1/1", out.Passed, out.Warned, out.Failed)
	}
	if out.Checks[2].Status != "fail" {
		t.Errorf("status = %q, want fail", out.Checks[2].Status)
	}

	buf.Reset()
	if err := reportChecks(&buf, checks[:2], false); err != nil {
		t.Errorf("warnings alone should pass, got %v", err)
	}
	if !strings.Contains(buf.String(), "1 passed") {
		t.Errorf("summary missing:\n%s", buf.String())
	}
}

func runCLI(t *testing.T, args ...string) (string, int) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(""))
	code := execute(context.Background(), root, args)
	return out.String(), code
}

func TestExecute_UnknownFlag(t *testing.T) {
	out, code := runCLI(t, "--bogus")
	if code != ExitUsageError {
		t.Errorf("exit code = %d, want %d (%s)", code, ExitUsageError, out)
	}
}

func TestExecute_ConfigSetGet(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.toml")

	if out, code := runCLI(t, "--config", path, "config", "set", "runtime.prefer", "wasm"); code != ExitSuccess {
		t.Fatalf("config set exit %d: %s", code, out)
	}
	out, code := runCLI(t, "--config", path, "config", "get", "runtime.prefer")
	if code != ExitSuccess || strings.TrimSpace(out) != "wasm" {
		t.Errorf("config get = %q (exit %d), want wasm", out, code)
	}

	out, code = runCLI(t, "--config", path, "config", "set", "runtime.prefer", "quantum")
	if code != ExitUsageError {
		t.Errorf("invalid value exit = %d, want %d (%s)", code, ExitUsageError, out)
	}
}

func TestExecute_ConfigGetMasksKey(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.toml")
	if out, code := runCLI(t, "--config", path, "config", "set", "gpu.openai_key", "sk-secret"); code != ExitSuccess {
		t.Fatalf("config set exit %d: %s", code, out)
	}
	out, _ := runCLI(t, "--config", path, "config", "get", "gpu.openai_key")
	if strings.Contains(out, "sk-secret") {
		t.Errorf("key printed in clear: %q", out)
	}
}

func TestExecute_Tokens(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	file := filepath.Join(t.TempDir(), "in.txt")
	if err := os.WriteFile(file, []byte("The quick brown fox jumps over the lazy dog."), 0600); err != nil {
		t.Fatal(err)
	}
	out, code := runCLI(t, "--config", filepath.Join(t.TempDir(), "c.toml"), "--json", "tokens", file)
	if code != ExitSuccess {
		t.Fatalf("tokens exit %d: %s", code, out)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if got["bpe"].(float64) <= 0 || got["heuristic"].(float64) <= 0 {
		t.Errorf("counts should be positive: %v", got)
	}
}

func TestPrintModels_Recommendation(t *testing.T) {
	var buf bytes.Buffer
	gpu := &detect.GpuInfo{Name: "Test GPU", VramGB: 24, Type: detect.GpuTypeNvidia}
	if err := printModels(&buf, catalog.Builtin(), "llama3.2:1b", gpu, true); err != nil {
		t.Fatal(err)
	}
	var out struct {
		Models      []catalog.Model `json:"models"`
		Current     string          `json:"current"`
		Recommended string          `json:"recommended"`
	}
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(out.Models) == 0 {
		t.Fatal("no models listed")
	}
	if out.Recommended == "" {
		t.Error("a 24 GB GPU should get a recommendation")
	}
}
