// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package openaicompat provides an accelerated runtime for local servers
// that speak the OpenAI chat completions API (LM Studio, vLLM, llama.cpp
// server started with a GPU build).
package openaicompat
