// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"strings"

	"github.com/jeranaias/rigchat/internal/model"
)

// LastUserPrompt sends only the newest user turn. Small completion models
// ramble when fed a chat transcript.
func LastUserPrompt(turns []model.Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == model.RoleUser {
			return turns[i].Content
		}
	}
	return ""
}

// TranscriptPrompt renders every turn as "Role: content" lines and ends with
// an open assistant line.
func TranscriptPrompt(turns []model.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		if t.Content == "" {
			continue
		}
		b.WriteString(promptLabel(t.Role))
		b.WriteString(": ")
		b.WriteString(t.Content)
		b.WriteString("\n")
	}
	b.WriteString("Assistant:")
	return b.String()
}

// PromptStyle selects a PromptFunc by name: "transcript" or "last".
func PromptStyle(name string) PromptFunc {
	if strings.EqualFold(name, "transcript") {
		return TranscriptPrompt
	}
	return LastUserPrompt
}

func promptLabel(r model.Role) string {
	switch r {
	case model.RoleSystem:
		return "System"
	case model.RoleUser:
		return "User"
	case model.RoleTool:
		return "Tool"
	default:
		return "Assistant"
	}
}
