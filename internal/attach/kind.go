// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package attach

import (
	"net/http"
	"path/filepath"
	"strings"
)

// Kind classifies an attachment.
type Kind int

const (
	KindText Kind = iota
	KindImage
	KindDocument
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindDocument:
		return "document"
	default:
		return "text"
	}
}

var extKinds = map[string]Kind{
	".png":  KindImage,
	".jpg":  KindImage,
	".jpeg": KindImage,
	".gif":  KindImage,
	".webp": KindImage,
	".bmp":  KindImage,
	".svg":  KindImage,
	".pdf":  KindDocument,
	".doc":  KindDocument,
	".docx": KindDocument,
	".odt":  KindDocument,
	".rtf":  KindDocument,
	".html": KindDocument,
	".htm":  KindDocument,
	".epub": KindDocument,
}

// DetectKind classifies by extension, then by sniffing head (the first
// bytes of the file; may be nil).
func DetectKind(name string, head []byte) Kind {
	if k, ok := extKinds[strings.ToLower(filepath.Ext(name))]; ok {
		return k
	}
	if len(head) == 0 {
		return KindText
	}
	ct := http.DetectContentType(head)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return KindImage
	case strings.HasPrefix(ct, "application/pdf"),
		strings.HasPrefix(ct, "text/html"),
		strings.HasPrefix(ct, "application/zip"):
		return KindDocument
	}
	return KindText
}
