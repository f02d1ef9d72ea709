// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package attach

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

// =============================================================================
// LIMITS
// =============================================================================

const (
	DefaultMaxFileBytes   = 10 << 20
	DefaultMaxTotalBytes  = 25 << 20
	DefaultTextTokens     = 1000
	DefaultDocumentTokens = 800
)

// Limits bounds what the pending buffer accepts and how much of each file
// reaches the prompt.
type Limits struct {
	MaxFileBytes   int64
	MaxTotalBytes  int64
	TextTokens     int
	DocumentTokens int
}

// DefaultLimits returns 10 MiB per file, 25 MiB in total, 1000 tokens per
// text file and 800 per document.
func DefaultLimits() Limits {
	return Limits{
		MaxFileBytes:   DefaultMaxFileBytes,
		MaxTotalBytes:  DefaultMaxTotalBytes,
		TextTokens:     DefaultTextTokens,
		DocumentTokens: DefaultDocumentTokens,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxFileBytes <= 0 {
		l.MaxFileBytes = d.MaxFileBytes
	}
	if l.MaxTotalBytes <= 0 {
		l.MaxTotalBytes = d.MaxTotalBytes
	}
	if l.TextTokens <= 0 {
		l.TextTokens = d.TextTokens
	}
	if l.DocumentTokens <= 0 {
		l.DocumentTokens = d.DocumentTokens
	}
	return l
}

// =============================================================================
// ATTACHMENT
// =============================================================================

// Attachment is a file waiting to be merged into the next prompt.
type Attachment struct {
	ID       string
	Kind     Kind
	Name     string
	Path     string
	ByteSize int64

	// Content and Truncated are filled by assembly.
	Content   string
	Truncated bool

	data []byte
}

// SizeLabel returns the human-readable size, e.g. "2.0 MB".
func (a Attachment) SizeLabel() string {
	return humanize.Bytes(uint64(a.ByteSize))
}

// Label names the attachment in listings: "notes.txt (text, 2.0 MB)".
func (a Attachment) Label() string {
	return fmt.Sprintf("%s (%s, %s)", a.Name, a.Kind, a.SizeLabel())
}

// Indicator renders the file-count badge shown in the transcript.
func Indicator(n int) string {
	switch {
	case n <= 0:
		return ""
	case n == 1:
		return "[1 file attached]"
	default:
		return fmt.Sprintf("[%d files attached]", n)
	}
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrTooLarge is the sentinel behind every SizeError.
var ErrTooLarge = errors.New("attachment too large")

// SizeError rejects a file before it is read.
type SizeError struct {
	Name  string
	Size  int64
	Limit int64

	// Aggregate is set when the pending total, not the file, is over.
	Aggregate bool
}

func (e *SizeError) Error() string {
	if e.Aggregate {
		return fmt.Sprintf("%s (%s) would exceed the %s limit for all attachments",
			e.Name, humanize.Bytes(uint64(e.Size)), humanize.IBytes(uint64(e.Limit)))
	}
	return fmt.Sprintf("%s is %s; files are limited to %s",
		e.Name, humanize.Bytes(uint64(e.Size)), humanize.IBytes(uint64(e.Limit)))
}

func (e *SizeError) Unwrap() error {
	return ErrTooLarge
}

// ReadError reports a file that could not be read during assembly.
type ReadError struct {
	Name string
	Err  error
}

func (e *ReadError) Error() string {
	return "could not read " + e.Name + ": " + e.Err.Error()
}

func (e *ReadError) Unwrap() error {
	return e.Err
}
