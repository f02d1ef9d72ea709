// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"time"
)

// maxLineSize bounds a single NDJSON line.
const maxLineSize = 1 << 20

// StreamReader reads newline-delimited JSON objects.
type StreamReader struct {
	scanner *bufio.Scanner
}

// NewStreamReader creates a new stream reader from an io.Reader.
func NewStreamReader(r io.Reader) *StreamReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	return &StreamReader{scanner: s}
}

// Next decodes the next non-empty line into v. It returns io.EOF at the end
// of the stream and a ClientError when the line carries an Ollama error.
// Malformed lines are skipped.
func (s *StreamReader) Next(v any) error {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var apiErr apiError
		if json.Unmarshal(line, &apiErr) == nil && apiErr.Error != "" {
			return &ClientError{Type: ErrTypeInvalidResponse, Message: apiErr.Error}
		}
		if err := json.Unmarshal(line, v); err != nil {
			continue
		}
		return nil
	}
	if err := s.scanner.Err(); err != nil {
		return &ClientError{Type: ErrTypeConnection, Message: "stream interrupted", Cause: err}
	}
	return io.EOF
}

// chatLine is the wire shape of one streamed /api/chat line.
type chatLine struct {
	Message struct {
		Content   string     `json:"content"`
		ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
	EvalDuration    int64  `json:"eval_duration,omitempty"`
}

// NextChat reads the next chat chunk.
func (s *StreamReader) NextChat() (StreamChunk, error) {
	var line chatLine
	if err := s.Next(&line); err != nil {
		return StreamChunk{}, err
	}
	return StreamChunk{
		Content:          line.Message.Content,
		ToolCalls:        line.Message.ToolCalls,
		Done:             line.Done,
		DoneReason:       line.DoneReason,
		PromptTokens:     line.PromptEvalCount,
		CompletionTokens: line.EvalCount,
		EvalDuration:     time.Duration(line.EvalDuration),
	}, nil
}
