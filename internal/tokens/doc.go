// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tokens approximates token counts from character length.
//
// The estimate is ceil(runes / K) with K characters per token (3.5 by
// default). It is a heuristic tuned for budgeting, not a tokenizer: real BPE
// counts differ by model and by language, and callers must leave headroom.
// Counter exposes a cl100k_base count for comparison only.
package tokens
