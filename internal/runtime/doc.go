// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package runtime chooses and owns the generation engine.
//
// Init probes for GPU acceleration and tries the configured GPU provider.
// Any failure on that path falls back to the portable llama.cpp runtime;
// only a failure there too is fatal. Progress is published on a channel:
// zero or more EventProgress, then exactly one EventReady or EventFailed,
// then close.
//
// Reload swaps the GPU model. It is refused on the portable path, while a
// generation is running, and for models missing from the catalog. A failed
// reload leaves the previous engine in place.
package runtime
