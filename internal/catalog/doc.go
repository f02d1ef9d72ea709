// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package catalog is the list of models the accelerated runtime may load.
//
// The built-in list is embedded from catalog.yaml. A user file with the same
// shape can add entries or override built-in ones by ID. A model that is not
// in the catalog is never handed to an engine provider.
package catalog
