// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session drives one conversation: it assembles attachments, budgets
// the prompt, runs the engine and records the outcome in history.
//
// # Key Types
//
//   - Controller: idle/generating/cancelling state machine over one History
//   - CancelToken: flag set by Ctrl+C or /cancel
//   - Renderer: transcript sink; Recorder keeps turns in memory
//
// # Usage
//
//	ctrl := session.New(cfg, session.Options{Engines: selector, Renderer: r})
//	res, err := ctrl.Send(ctx, "hello")
//
// From another goroutine:
//
//	ctrl.Cancel()
//
// # Cancellation
//
// On the streaming path the token is checked before every delta and the
// request context is cancelled with it. The single-shot path cannot be
// interrupted: its reply arrives whole and only gains the cancellation
// marker.
package session
