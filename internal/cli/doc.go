// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the rigchat command line.
//
// The root command starts an interactive chat; subcommands cover one-shot
// questions, the model catalog, token inspection, configuration, the asset
// cache and health checks.
//
// # Key Types
//
//   - App: the wired runtime stack (config, offline guard, asset cache,
//     runtime selector, session controller, transcript store)
//   - REPL: the interactive chat loop and its slash commands
//   - Terminal: a session.Renderer that streams turns to a writer
//
// # Commands Overview
//
//   - chat (default): interactive chat session
//   - ask: single question, reads piped stdin
//   - models: supported GPU models and a VRAM-based recommendation
//   - tokens: heuristic estimate versus BPE count
//   - config: show, get, set and list configuration keys
//   - cache: status, prune, clear and precache runtime assets
//   - doctor: runtime health checks
//
// Most commands accept --json.
package cli
