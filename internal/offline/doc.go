// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package offline keeps rigchat on the local machine when offline mode is on.
//
// A Guard is shared by every HTTP client the program builds. While enabled,
// only loopback hosts are reachable; model assets must already be in the
// asset cache.
//
// # Usage
//
//	guard := offline.NewGuard(cfg.Offline.Enabled)
//	client := &http.Client{Transport: guard.Wrap(http.DefaultTransport)}
//
// URL schemes other than http and https are refused whether or not offline
// mode is on.
package offline
