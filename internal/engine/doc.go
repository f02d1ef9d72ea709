// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine defines the generation contract shared by every runtime.
//
// An Engine turns a conversation into a lazy sequence of text deltas. The
// accelerated runtimes stream many deltas; the portable runtime computes one
// completion and is adapted by NewSingleShot to yield it as a single final
// delta. Callers range over Generate the same way for both.
//
// # Cancellation
//
// Streaming engines stop when the consumer breaks out of the range loop or
// the context is cancelled. Single-shot engines cannot be interrupted once
// the completion request is in flight; breaking out only discards the result.
package engine
