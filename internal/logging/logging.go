// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging builds the structured logger shared by every component.
//
// Diagnostics go to stderr as text when stderr is a terminal and as JSON
// otherwise. With a log file configured, JSON lines go to the file instead
// and the terminal stays clean for the chat transcript.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"
)

// ParseLevel maps debug, info, warn and error to slog levels. Anything else
// is WARN.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// New returns a logger at level writing to w. JSON selects the JSON handler.
func New(w io.Writer, level string, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Setup builds the program logger. The returned closer flushes and closes
// the log file, if any; it is never nil.
func Setup(level, file string) (*slog.Logger, io.Closer, error) {
	if file == "" {
		isTTY := term.IsTerminal(int(os.Stderr.Fd()))
		return New(os.Stderr, level, !isTTY), io.NopCloser(nil), nil
	}

	if err := os.MkdirAll(filepath.Dir(file), 0700); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return New(f, level, true), f, nil
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
