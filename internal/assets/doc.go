// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package assets caches model weights and runtime files on disk so a model
// downloads once and later sessions start offline.
//
// # Key Types
//
//   - Store: versioned SQLite index over content-addressed blobs
//   - Transport: http.RoundTripper applying the caching policy
//
// # Policy
//
// Model assets (weights, wasm, files served from huggingface.co) are
// cache-first. Everything else from a cached origin is network-first with
// the cache as fallback. Cross-origin, non-GET and Range requests bypass
// the cache entirely, and only 200 responses are stored.
//
// Activate removes entries written under any other cache version.
package assets
