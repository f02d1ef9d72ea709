// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// doctor.go - Doctor command implementation for rigchat.
//
// Command: doctor
// Short:   Run runtime health checks
//
// Health Checks Performed:
//   1. Config Valid     - Loads and validates the config file
//   2. GPU Detected     - Probes for GPU acceleration
//   3. Model Supported  - Checks the GPU model against the catalog
//   4. GPU Provider     - Checks that Ollama or the OpenAI-compatible server answers
//   5. CPU Runtime      - Locates llama-server or checks the configured server URL
//   6. Asset Cache      - Opens the cache and reports its size
//   7. Network Mode     - Reports offline mode
//
// Exit Codes:
//   0   All checks passed (warnings allowed)
//   1   One or more checks failed

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jeranaias/rigchat/internal/detect"
	"github.com/jeranaias/rigchat/internal/llamacpp"
	"github.com/jeranaias/rigchat/internal/ollama"
	"github.com/jeranaias/rigchat/internal/session"
)

// checkTimeout bounds each network check.
const checkTimeout = 5 * time.Second

// =============================================================================
// HEALTH CHECK TYPES
// =============================================================================

// CheckStatus represents the status of a health check.
type CheckStatus int

const (
	CheckPass CheckStatus = iota
	CheckWarn
	CheckFail
)

// String returns the string representation of the check status.
func (s CheckStatus) String() string {
	switch s {
	case CheckPass:
		return "pass"
	case CheckWarn:
		return "warn"
	default:
		return "fail"
	}
}

// Symbol returns the styled marker for the check status.
func (s CheckStatus) Symbol() string {
	return RenderStatus(s.String())
}

// HealthCheck represents a single health check result.
type HealthCheck struct {
	Name    string      `json:"name"`
	Status  CheckStatus `json:"-"`
	Message string      `json:"message"`
	Fix     string      `json:"fix,omitempty"`
}

// Render returns a formatted string representation of the health check.
func (c *HealthCheck) Render() string {
	result := fmt.Sprintf("%s %s %s", c.Status.Symbol(), RenderLabel(c.Name+":", 18), c.Message)
	if c.Status != CheckPass && c.Fix != "" {
		result += "\n" + DimStyle.Render("      -> "+c.Fix)
	}
	return result
}

// =============================================================================
// COMMAND
// =============================================================================

func newDoctorCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "doctor",
		Aliases: []string{"diag"},
		Short:   "Run runtime health checks",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			checks := runChecks(cmd.Context(), g)
			return reportChecks(cmd.OutOrStdout(), checks, g.JSON)
		},
	}
}

// runChecks runs every check; a config failure stops the rest.
func runChecks(ctx context.Context, g *globalFlags) []HealthCheck {
	app, err := newApp(g, session.Discard)
	if err != nil {
		return []HealthCheck{{
			Name:    "Config",
			Status:  CheckFail,
			Message: err.Error(),
			Fix:     "Run: rigchat config show",
		}}
	}
	defer app.Close()

	checks := []HealthCheck{{Name: "Config", Status: CheckPass, Message: app.ConfigPath}}
	checks = append(checks, checkGPU(ctx, app.Detector))
	checks = append(checks, checkModel(app))
	checks = append(checks, checkProvider(ctx, app))
	checks = append(checks, checkCPURuntime(ctx, app))
	checks = append(checks, checkCache(ctx, app))
	checks = append(checks, checkNetwork(app))
	return checks
}

func checkGPU(ctx context.Context, d *detect.Detector) HealthCheck {
	c := HealthCheck{Name: "GPU"}
	info, err := d.Probe(ctx)
	switch {
	case errors.Is(err, detect.ErrForcedCPU):
		c.Status, c.Message = CheckWarn, "disabled by configuration (CPU fallback only)"
	case err != nil:
		c.Status, c.Message = CheckWarn, err.Error()
	case !info.Accelerated():
		c.Status, c.Message = CheckWarn, "no GPU found; the CPU fallback will be used"
		c.Fix = "Install GPU drivers (nvidia-smi, rocm-smi) or use --cpu"
	default:
		c.Status, c.Message = CheckPass, info.String()
	}
	return c
}

func checkModel(app *App) HealthCheck {
	id := app.Config.GPU.Model
	if err := app.Selector.CheckModel(id); err != nil {
		return HealthCheck{
			Name:    "Model",
			Status:  CheckFail,
			Message: err.Error(),
			Fix:     "Run: rigchat config set gpu.model <id>",
		}
	}
	m, _ := app.Catalog.Get(id)
	msg := fmt.Sprintf("%s (%s, ~%d GB VRAM)", id, m.SizeLabel(), m.VramGB)
	return HealthCheck{Name: "Model", Status: CheckPass, Message: msg}
}

func checkProvider(ctx context.Context, app *App) HealthCheck {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	cfg := app.Config.GPU
	c := HealthCheck{Name: "GPU provider"}

	if cfg.Provider == "openai" {
		eng, err := app.gpuProvider().CreateEngine(ctx, cfg.Model, nil, app.Catalog)
		if err != nil {
			c.Status, c.Message = CheckWarn, err.Error()
			c.Fix = "Start an OpenAI-compatible server at " + cfg.OpenAIURL
			return c
		}
		eng.Close()
		c.Status, c.Message = CheckPass, "OpenAI-compatible server at "+cfg.OpenAIURL
		return c
	}

	client := ollama.NewClientWithConfig(&ollama.ClientConfig{
		BaseURL:   cfg.OllamaURL,
		Timeout:   checkTimeout,
		Transport: app.Guard.Wrap(nil),
	})
	if err := client.CheckRunning(ctx); err != nil {
		c.Status, c.Message = CheckWarn, err.Error()
		c.Fix = "Run: ollama serve"
		return c
	}
	ok, err := client.HasModel(ctx, cfg.Model)
	switch {
	case err != nil:
		c.Status, c.Message = CheckWarn, err.Error()
	case !ok && cfg.AutoPull:
		c.Status, c.Message = CheckWarn, cfg.Model+" not downloaded; it will be pulled on first use"
	case !ok:
		c.Status, c.Message = CheckFail, cfg.Model+" not downloaded"
		c.Fix = "Run: ollama pull " + cfg.Model
	default:
		c.Status, c.Message = CheckPass, "Ollama at "+client.BaseURL()+" has "+cfg.Model
	}
	return c
}

func checkCPURuntime(ctx context.Context, app *App) HealthCheck {
	c := HealthCheck{Name: "CPU runtime"}
	cfg := app.Config.WASM

	if cfg.ServerURL != "" {
		ctx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()
		err := llamacpp.NewClient(cfg.ServerURL, app.Guard.Client()).Health(ctx)
		if err != nil {
			c.Status, c.Message = CheckFail, "llama-server at "+cfg.ServerURL+": "+err.Error()
			return c
		}
		c.Status, c.Message = CheckPass, "llama-server at "+cfg.ServerURL
		return c
	}

	path, err := llamacpp.FindServer(cfg.ServerBinary)
	if err != nil {
		c.Status, c.Message = CheckFail, err.Error()
		c.Fix = "Install llama.cpp (brew install llama.cpp) or set wasm.server_url"
		return c
	}
	c.Status, c.Message = CheckPass, path
	return c
}

func checkCache(ctx context.Context, app *App) HealthCheck {
	st, err := app.Assets.Stats(ctx)
	if err != nil {
		return HealthCheck{Name: "Asset cache", Status: CheckFail, Message: err.Error()}
	}
	msg := fmt.Sprintf("%s: %d entries, %s (%s)", app.Assets.Dir(), st.Entries,
		humanize.Bytes(uint64(st.Bytes)), st.Version)
	status := CheckPass
	if st.Entries == 0 && app.Guard.Enabled() {
		status = CheckWarn
		msg += "; empty while offline"
	}
	return HealthCheck{Name: "Asset cache", Status: status, Message: msg, Fix: "Run: rigchat cache precache"}
}

func checkNetwork(app *App) HealthCheck {
	if app.Guard.Enabled() {
		return HealthCheck{
			Name:    "Network",
			Status:  CheckWarn,
			Message: "offline: localhost and cached assets only",
		}
	}
	return HealthCheck{Name: "Network", Status: CheckPass, Message: "online"}
}

// =============================================================================
// OUTPUT
// =============================================================================

// errChecksFailed is returned when a check failed; the report is already
// printed.
var errChecksFailed = errors.New("one or more health checks failed")

func reportChecks(w io.Writer, checks []HealthCheck, jsonMode bool) error {
	var passed, warned, failed int
	for _, c := range checks {
		switch c.Status {
		case CheckPass:
			passed++
		case CheckWarn:
			warned++
		default:
			failed++
		}
	}

	if jsonMode {
		type jsonCheck struct {
			HealthCheck
			Status string `json:"status"`
		}
		out := struct {
			Checks []jsonCheck `json:"checks"`
			Passed int         `json:"passed"`
			Warned int         `json:"warned"`
			Failed int         `json:"failed"`
		}{Passed: passed, Warned: warned, Failed: failed}
		for _, c := range checks {
			out.Checks = append(out.Checks, jsonCheck{HealthCheck: c, Status: c.Status.String()})
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(w)
		fmt.Fprintln(w, TitleStyle.Render("rigchat Doctor"))
		fmt.Fprintln(w, RenderSeparatorAdaptive())
		for i := range checks {
			fmt.Fprintln(w, checks[i].Render())
		}
		fmt.Fprintln(w)
		parts := []string{fmt.Sprintf("%d passed", passed)}
		if warned > 0 {
			parts = append(parts, WarningStyle.Render(fmt.Sprintf("%d warning", warned)))
		}
		if failed > 0 {
			parts = append(parts, ErrorStyle.Render(fmt.Sprintf("%d failed", failed)))
		}
		fmt.Fprintln(w, DimStyle.Render(strings.Join(parts, ", ")))
	}

	if failed > 0 {
		return errChecksFailed
	}
	return nil
}
