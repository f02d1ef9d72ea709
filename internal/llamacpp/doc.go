// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package llamacpp is the portable fallback runtime. It runs llama.cpp's
// llama-server on the CPU (or talks to one already running) and exposes it
// as a single-shot completion engine.
//
// The model file is fetched through the asset cache, so the second start
// needs no network. Generation is one blocking POST /completion per send;
// there is no token stream to interrupt.
package llamacpp
