// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config_cmd.go - Configuration commands for rigchat.
//
// Command: config [subcommand]
//
// Subcommands:
//   show (default)      Print the effective configuration (secrets masked)
//   path                Print the config file path
//   get <key>           Print one value
//   set <key> <value>   Change one value and save the file
//   keys                List every key
//
// Examples:
//   rigchat config set gpu.model qwen2.5:7b
//   rigchat config set runtime.prefer wasm
//   rigchat config get budget.context_ceiling

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigchat/internal/config"
)

// secretKeys are masked by config get.
var secretKeys = map[string]bool{"gpu.openai_key": true}

func newConfigCmd(g *globalFlags) *cobra.Command {
	show := func(cmd *cobra.Command, args []string) error {
		cfg, _, err := g.loadConfig()
		if err != nil {
			return err
		}
		return printConfig(cmd.OutOrStdout(), cfg, g.JSON)
	}
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change configuration",
		Args:  cobra.NoArgs,
		RunE:  show,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE:  show,
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := g.configPath()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print one configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.loadConfig()
			if err != nil {
				return err
			}
			v, err := cfg.Get(args[0])
			if err != nil {
				return NewUsageError(err.Error(), "rigchat config keys")
			}
			if secretKeys[args[0]] && v != "" {
				v = "********"
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatValue(v))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change one value and save the file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := g.configPath()
			if err != nil {
				return err
			}
			// Flag overrides are not applied; only the file is edited.
			cfg, err := config.LoadFromPath(path)
			if err != nil {
				return err
			}
			if err := cfg.Set(args[0], args[1]); err != nil {
				return NewUsageError(err.Error(), "rigchat config set gpu.model qwen2.5:7b")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(cfg, path); err != nil {
				return NewCommandError("config", "set", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s = %s\n", SuccessStyle.Render("[OK]"), args[0], args[1])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "keys",
		Short: "List every configuration key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, k := range config.Keys() {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	})
	return cmd
}

func printConfig(w io.Writer, cfg *config.Config, jsonMode bool) error {
	if jsonMode {
		clone := *cfg
		if clone.GPU.OpenAIKey != "" {
			clone.GPU.OpenAIKey = "********"
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(&clone)
	}
	_, err := io.WriteString(w, cfg.String())
	return err
}

func formatValue(v any) string {
	if items, ok := v.([]string); ok {
		return strings.Join(items, ",")
	}
	return fmt.Sprint(v)
}
