// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util holds small helpers shared by rigchat packages.
//
// # Key Functions
//
//   - AtomicWriteFile: crash-safe file replacement with fsync
//   - RuneLen, RunePrefix: code point aware length and slicing
//   - ClipWidth: display-width clipping for terminal output
//   - FirstLine: single-line previews of multi-line text
//
// # Usage
//
//	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
//		return err
//	}
//	fmt.Println(util.ClipWidth(util.FirstLine(turn.Content), 60))
package util
