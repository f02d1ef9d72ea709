// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package attach turns user files into delimited prompt blocks.
//
// Files are size-checked when they enter the Pending buffer and read only
// when a prompt is assembled. Assembly drains the buffer whether or not the
// following generation succeeds. Text and document content is capped at a
// per-kind token ceiling; images contribute a placeholder, since no engine
// here accepts binary input.
package attach
