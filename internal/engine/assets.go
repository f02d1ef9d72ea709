// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import "strings"

// Assets locates the portable runtime before any model is loaded.
type Assets struct {
	// Runtime is an executable path, or a base URL when Remote is set.
	Runtime string
	Remote  bool
}

// ModelSource names a model file inside a Hugging Face repository.
type ModelSource struct {
	Repo string
	File string
}

// DemoModel is the tiny model loaded on the portable path.
var DemoModel = ModelSource{Repo: "ggml-org/models", File: "tinyllamas/stories260K.gguf"}

// URL returns the download URL of the file.
func (m ModelSource) URL() string {
	return "https://huggingface.co/" + strings.Trim(m.Repo, "/") + "/resolve/main/" + strings.TrimLeft(m.File, "/")
}

// ID returns the identifier shown to the user, e.g. "tinyllamas/stories260K".
func (m ModelSource) ID() string {
	return strings.TrimSuffix(m.File, ".gguf")
}
