// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists chat transcripts.
//
// Each transcript is one JSON file named by its UUID under
// ~/.rigchat/conversations/. Writes are atomic.
//
// # Key Types
//
//   - Store: Save, Load, List, Delete and Search over the directory
//   - Transcript: one conversation with its turns
//   - Meta: lightweight listing entry
//
// # Usage
//
//	store, err := storage.NewStore("")
//	id, err := store.Save(&storage.Transcript{Model: m, Turns: ctrl.History()})
//	metas, err := store.List()
//	t, err := store.Load(metas[0].ID)
package storage
