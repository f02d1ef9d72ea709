// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// models.go - Model catalog and token inspection commands.
//
// Commands:
//   models              List supported GPU models and recommend one
//   tokens <file|->     Compare the heuristic estimate with a BPE count

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jeranaias/rigchat/internal/catalog"
	"github.com/jeranaias/rigchat/internal/detect"
	"github.com/jeranaias/rigchat/internal/tokens"
)

// =============================================================================
// MODELS
// =============================================================================

func newModelsCmd(g *globalFlags) *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List supported GPU models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.loadConfig()
			if err != nil {
				return err
			}
			cat, err := catalog.Load(cfg.GPU.Catalog)
			if err != nil {
				return err
			}
			var gpu *detect.GpuInfo
			if probe {
				d := detect.New()
				d.ForceCPU = cfg.Runtime.ForceCPU
				ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
				gpu, err = d.Probe(ctx)
				cancel()
				if err != nil && !errors.Is(err, detect.ErrForcedCPU) {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s GPU probe failed: %v\n", WarningStyle.Render("[!!]"), err)
				}
			}
			return printModels(cmd.OutOrStdout(), cat, cfg.GPU.Model, gpu, g.JSON)
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", true, "probe the GPU and recommend a model")
	return cmd
}

func printModels(w io.Writer, cat *catalog.Catalog, current string, gpu *detect.GpuInfo, jsonMode bool) error {
	var rec string
	if gpu != nil && gpu.Accelerated() {
		if m, ok := cat.Recommend(int(gpu.VramGB)); ok {
			rec = m.ID
		}
	}

	if jsonMode {
		out := struct {
			Models      []catalog.Model `json:"models"`
			Current     string          `json:"current"`
			Recommended string          `json:"recommended,omitempty"`
			GPU         *detect.GpuInfo `json:"gpu,omitempty"`
		}{cat.Models(), current, rec, gpu}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, TitleStyle.Render("Supported GPU Models"))
	fmt.Fprintln(w, RenderSeparator(72))
	fmt.Fprintf(w, "  %-28s %-7s %-9s %-6s %s\n", "ID", "SIZE", "CONTEXT", "VRAM", "TOOLS")
	for _, m := range cat.Models() {
		tools := "-"
		if m.FunctionCalling {
			tools = "yes"
		}
		marker := "  "
		switch m.ID {
		case current:
			marker = HighlightStyle.Render("* ")
		case rec:
			marker = SuccessStyle.Render("+ ")
		}
		fmt.Fprintf(w, "%s%-28s %-7s %-9s %-6s %s\n", marker, m.ID, m.SizeLabel(),
			humanize.Comma(int64(m.Context)), fmt.Sprintf("%dGB", m.VramGB), tools)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, DimStyle.Render("* configured   + recommended for this GPU"))
	if gpu != nil {
		fmt.Fprintf(w, "%s %s\n", RenderLabel("GPU:"), gpu.String())
	}
	if rec != "" && rec != current {
		fmt.Fprintf(w, "%s rigchat config set gpu.model %s\n", RenderLabel("Switch with:"), rec)
	}
	fmt.Fprintln(w)
	return nil
}

// =============================================================================
// TOKENS
// =============================================================================

func newTokensCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tokens <file|->",
		Short: "Compare the token estimate with a BPE count",
		Long: `Estimate tokens the way the context manager does and compare the
result with a cl100k BPE count. Use "-" to read stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.loadConfig()
			if err != nil {
				return err
			}
			text, err := readSource(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			cmp, err := tokens.NewCounter().Compare(tokens.New(cfg.Budget.CharsPerToken), text)
			if err != nil {
				return NewCommandError("tokens", "count", args[0], err)
			}
			return printComparison(cmd.OutOrStdout(), args[0], cmp, g.JSON)
		},
	}
}

func readSource(name string, stdin io.Reader) (string, error) {
	var (
		data []byte
		err  error
	)
	if name == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return "", NewCommandError("tokens", "read", name, err)
	}
	return string(data), nil
}

func printComparison(w io.Writer, name string, c tokens.Comparison, jsonMode bool) error {
	if jsonMode {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"source":    name,
			"chars":     c.Chars,
			"heuristic": c.Heuristic,
			"bpe":       c.BPE,
			"drift":     c.Drift(),
		})
	}
	drift := fmt.Sprintf("%+.1f%%", c.Drift()*100)
	if d := c.Drift(); d < -0.25 || d > 0.25 {
		drift = WarningStyle.Render(drift)
	}
	fmt.Fprintf(w, "%s %s\n", RenderLabel("Source:"), name)
	fmt.Fprintf(w, "%s %s\n", RenderLabel("Characters:"), humanize.Comma(int64(c.Chars)))
	fmt.Fprintf(w, "%s %s\n", RenderLabel("Estimate:"), humanize.Comma(int64(c.Heuristic)))
	fmt.Fprintf(w, "%s %s\n", RenderLabel("BPE (cl100k):"), humanize.Comma(int64(c.BPE)))
	fmt.Fprintf(w, "%s %s\n", RenderLabel("Drift:"), strings.TrimSpace(drift))
	return nil
}
