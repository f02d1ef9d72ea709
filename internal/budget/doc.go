// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package budget fits a conversation and a new prompt under a token ceiling.
//
// Fit evicts the oldest non-system turns first. When history cannot shrink
// further it truncates the prompt to whatever room is left, or refuses with
// ErrContextFull when that room is too small for a useful answer. The system
// turn is never evicted. Fit works on copies; callers commit the returned
// Plan themselves.
package budget
