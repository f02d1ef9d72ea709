// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the conversation data structures.
//
// # Key Types
//
//   - Turn: one message with a role, content and optional tool calls
//   - History: the ordered turn sequence; index 0 is always the system turn
//   - Role: system, user, assistant or tool
//
// # Usage
//
//	h := model.NewHistory("You are a concise, helpful assistant.")
//	h.Append(model.NewTurn(model.RoleUser, "Hello!"))
//	for _, turn := range h.Snapshot() {
//		fmt.Println(turn.Role.DisplayName(), turn.Content)
//	}
package model
