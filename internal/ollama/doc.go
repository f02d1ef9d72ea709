// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama drives a local Ollama server as the accelerated runtime.
//
// # Key Types
//
//   - Client: HTTP client for the Ollama API (tags, pull, chat)
//   - StreamReader: NDJSON reader shared by chat and pull streams
//   - Provider: builds GPU engines; pulls the model with progress, warms it
//     into GPU memory and streams /api/chat
//
// # Usage
//
//	client := ollama.NewClientWithConfig(&ollama.ClientConfig{BaseURL: url})
//	for chunk, err := range client.ChatStream(ctx, req) {
//		if err != nil {
//			return err
//		}
//		fmt.Print(chunk.Content)
//	}
//
// Ollama runs on localhost over plain HTTP; there is no TLS configuration.
package ollama
