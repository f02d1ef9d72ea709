// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	goruntime "runtime"

	"github.com/spf13/cobra"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// NewRootCmd builds the command tree. Running it without a subcommand
// starts the interactive chat.
func NewRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "rigchat",
		Short: "Chat with a local LLM on the GPU, with a CPU fallback",
		Long: `rigchat runs a chat session against a local model. It loads a GPU
model through Ollama or an OpenAI-compatible server when a GPU is found,
and falls back to llama.cpp on the CPU otherwise.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, GitCommit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), g, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	root.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return NewUsageError(err.Error(), c.UseLine())
	})

	pf := root.PersistentFlags()
	pf.StringVarP(&g.ConfigPath, "config", "c", "", "config file (default ~/.rigchat/config.toml)")
	pf.StringVarP(&g.Model, "model", "m", "", "GPU model ID (overrides gpu.model)")
	pf.StringVar(&g.Prefer, "prefer", "", "runtime preference: auto, gpu or wasm")
	pf.BoolVar(&g.ForceCPU, "cpu", false, "skip the GPU probe and use the CPU fallback")
	pf.BoolVar(&g.Offline, "offline", false, "block non-localhost network access")
	pf.StringVar(&g.LogLevel, "log-level", "", "log level: debug, info, warn or error")
	pf.BoolVar(&g.JSON, "json", false, "output in JSON format")

	root.AddCommand(
		newChatCmd(g),
		newAskCmd(g),
		newModelsCmd(g),
		newTokensCmd(g),
		newConfigCmd(g),
		newCacheCmd(g),
		newDoctorCmd(g),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "rigchat %s\n", Version)
			fmt.Fprintf(w, "  %s %s\n", RenderLabel("Commit:"), GitCommit)
			fmt.Fprintf(w, "  %s %s\n", RenderLabel("Built:"), BuildDate)
			fmt.Fprintf(w, "  %s %s %s/%s\n", RenderLabel("Go:"), goruntime.Version(), goruntime.GOOS, goruntime.GOARCH)
		},
	}
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	return execute(context.Background(), NewRootCmd(), os.Args[1:])
}

func execute(ctx context.Context, root *cobra.Command, args []string) int {
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	// The doctor report already shows what failed.
	if !errors.Is(err, errChecksFailed) {
		jsonMode, _ := root.PersistentFlags().GetBool("json")
		DisplayError(root.ErrOrStderr(), err, jsonMode)
	}
	return ExitCodeFor(err)
}
