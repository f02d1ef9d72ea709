// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cache_cmd.go - Asset cache management commands for rigchat.
//
// Command: cache [subcommand]
// Short:   Manage the runtime asset cache
//
// Subcommands:
//   status (default)    Show cache statistics
//   prune               Delete entries from other cache versions
//   clear               Delete every entry
//   precache [url...]   Download assets for offline use
//
// Examples:
//   rigchat cache                      Show stats (default)
//   rigchat cache status --json        Stats in JSON format
//   rigchat cache precache             Fetch the configured assets and CPU model
//   rigchat cache clear --yes          Clear without confirmation
//
// Cache Location:
//   ~/.rigchat/cache/assets.db   Entry index
//   ~/.rigchat/cache/blobs/      Content-addressed bodies

package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jeranaias/rigchat/internal/assets"
	"github.com/jeranaias/rigchat/internal/config"
	"github.com/jeranaias/rigchat/internal/engine"
	"github.com/jeranaias/rigchat/internal/offline"
	"github.com/jeranaias/rigchat/internal/session"
)

func newCacheCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the runtime asset cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheStatus(cmd.Context(), cmd.OutOrStdout(), g)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheStatus(cmd.Context(), cmd.OutOrStdout(), g)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "prune",
		Short: "Delete entries from other cache versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(g)
			if err != nil {
				return err
			}
			defer store.Close()
			n, err := store.Activate(cmd.Context())
			if err != nil {
				return NewCommandError("cache", "prune", store.Dir(), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d stale entries removed\n", SuccessStyle.Render("[OK]"), n)
			return nil
		},
	})

	var yes bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every cached asset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if !yes && !confirm(cmd.InOrStdin(), out, "Delete every cached asset?") {
				fmt.Fprintln(out, "Cancelled.")
				return nil
			}
			store, _, err := openStore(g)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Clear(cmd.Context()); err != nil {
				return NewCommandError("cache", "clear", store.Dir(), err)
			}
			fmt.Fprintf(out, "%s cache cleared\n", SuccessStyle.Render("[OK]"))
			return nil
		},
	}
	clearCmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation")
	cmd.AddCommand(clearCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "precache [url...]",
		Short: "Download assets for offline use",
		Long: `Download assets into the cache so the CPU fallback works offline.
With no arguments, fetches cache.precache from the config plus the
configured CPU model.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(g, session.Discard)
			if err != nil {
				return err
			}
			defer app.Close()
			urls := args
			if len(urls) == 0 {
				urls = precacheURLs(app)
			}
			return runPrecache(cmd, app, urls, g.JSON)
		},
	})
	return cmd
}

// precacheURLs lists the configured assets plus the CPU model.
func precacheURLs(app *App) []string {
	urls := append([]string(nil), app.Config.Cache.Precache...)
	wasm := app.Config.WASM
	if wasm.ModelRepo != "" && wasm.ModelFile != "" {
		urls = append(urls, engine.ModelSource{Repo: wasm.ModelRepo, File: wasm.ModelFile}.URL())
	}
	return urls
}

// openStore opens the cache without activating its version, so entries
// from other versions are still visible to status and prune.
func openStore(g *globalFlags) (*assets.Store, *config.Config, error) {
	cfg, _, err := g.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	dir, err := cfg.CacheDir()
	if err != nil {
		return nil, nil, err
	}
	store, err := assets.Open(dir, cfg.Cache.Version)
	if err != nil {
		return nil, nil, NewCommandError("cache", "open", dir, err)
	}
	return store, cfg, nil
}

func runCacheStatus(ctx context.Context, w io.Writer, g *globalFlags) error {
	store, cfg, err := openStore(g)
	if err != nil {
		return err
	}
	defer store.Close()

	st, err := store.Stats(ctx)
	if err != nil {
		return NewCommandError("cache", "stats", store.Dir(), err)
	}

	if g.JSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"dir":     store.Dir(),
			"version": st.Version,
			"entries": st.Entries,
			"bytes":   st.Bytes,
			"stale":   st.Stale,
			"offline": cfg.Offline.Enabled,
		})
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, TitleStyle.Render("Asset Cache"))
	fmt.Fprintln(w, RenderSeparator(40))
	fmt.Fprintf(w, "  %s %s\n", RenderLabel("Location:"), ValueStyle.Render(store.Dir()))
	fmt.Fprintf(w, "  %s %s\n", RenderLabel("Version:"), ValueStyle.Render(st.Version))
	fmt.Fprintf(w, "  %s %d\n", RenderLabel("Entries:"), st.Entries)
	fmt.Fprintf(w, "  %s %s\n", RenderLabel("Size:"), humanize.Bytes(uint64(st.Bytes)))
	if st.Stale > 0 {
		fmt.Fprintf(w, "  %s %s\n", RenderLabel("Stale:"),
			WarningStyle.Render(fmt.Sprintf("%d (run: rigchat cache prune)", st.Stale)))
	}
	if badge := offline.NewGuard(cfg.Offline.Enabled).StatusBadge(); badge != "" {
		fmt.Fprintf(w, "  %s %s\n", RenderLabel("Mode:"), ErrorStyle.Render(badge))
	}
	fmt.Fprintln(w)
	return nil
}

func runPrecache(cmd *cobra.Command, app *App, urls []string, jsonMode bool) error {
	out := cmd.OutOrStdout()
	if len(urls) == 0 {
		fmt.Fprintln(out, DimStyle.Render("Nothing to precache: set cache.precache or wasm.model_repo"))
		return nil
	}

	results := app.Cache.Precache(cmd.Context(), urls)
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}

	if jsonMode {
		type row struct {
			URL    string `json:"url"`
			Cached bool   `json:"cached"`
			Error  string `json:"error,omitempty"`
		}
		rows := make([]row, 0, len(results))
		for _, r := range results {
			x := row{URL: r.URL, Cached: r.Cached}
			if r.Err != nil {
				x.Error = r.Err.Error()
			}
			rows = append(rows, x)
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rows); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			if r.Err != nil {
				fmt.Fprintf(out, "%s %s: %v\n", ErrorStyle.Render("[FAIL]"), r.URL, r.Err)
			} else {
				fmt.Fprintf(out, "%s %s\n", SuccessStyle.Render("[OK]"), r.URL)
			}
		}
	}

	if failed > 0 {
		return NewCommandError("cache", "precache", fmt.Sprintf("%d of %d failed", failed, len(results)), nil)
	}
	return nil
}

// confirm asks a yes/no question on in.
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
