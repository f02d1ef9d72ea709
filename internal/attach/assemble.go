// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package attach

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jeranaias/rigchat/internal/tokens"
)

// Assembler merges attachments into a prompt.
type Assembler struct {
	Limits    Limits
	Estimator tokens.Estimator
}

// NewAssembler creates an assembler. Zero limits take defaults.
func NewAssembler(limits Limits, est tokens.Estimator) *Assembler {
	return &Assembler{Limits: limits.withDefaults(), Estimator: est}
}

// Result is an assembled prompt.
type Result struct {
	// Prompt is what the model sees: typed text followed by file blocks.
	Prompt string

	// Display is what the transcript shows: typed text plus the indicator.
	Display string

	// Attachments holds the files that made it into Prompt.
	Attachments []Attachment

	// Errors holds one ReadError per file that could not be read.
	Errors []error
}

// Assemble builds the prompt for typed and items, in order. Unreadable
// files are reported in Result.Errors and skipped.
func (a *Assembler) Assemble(typed string, items []Attachment) Result {
	res := Result{}
	var blocks []string
	for _, item := range items {
		if err := a.load(&item); err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Attachments = append(res.Attachments, item)
		blocks = append(blocks, Block(len(res.Attachments), item))
	}

	typed = strings.TrimSpace(typed)
	parts := make([]string, 0, len(blocks)+1)
	if typed != "" {
		parts = append(parts, typed)
	}
	parts = append(parts, blocks...)
	res.Prompt = strings.Join(parts, "\n\n")

	res.Display = typed
	if ind := Indicator(len(res.Attachments)); ind != "" {
		if res.Display != "" {
			res.Display += " "
		}
		res.Display += ind
	}
	return res
}

// Consume drains p and assembles its contents with typed. The buffer is
// empty afterwards whatever the outcome.
func (a *Assembler) Consume(p *Pending, typed string) Result {
	return a.Assemble(typed, p.Take())
}

// Block renders one delimited attachment block; n is its 1-based position.
func Block(n int, item Attachment) string {
	header := fmt.Sprintf("----- Attachment %d: %s (%s, %s) -----", n, item.Name, item.Kind, item.SizeLabel())
	footer := fmt.Sprintf("----- End of attachment %d: %s -----", n, item.Name)
	return header + "\n" + item.Content + "\n" + footer
}

// load reads item and fills Content and Truncated.
func (a *Assembler) load(item *Attachment) error {
	if item.Kind == KindImage {
		item.Content = fmt.Sprintf("[Image %s, %s. Image content cannot be shown to this model; ask the user to describe it if needed.]",
			item.Name, item.SizeLabel())
		return nil
	}

	data, err := a.read(item)
	if err != nil {
		return &ReadError{Name: item.Name, Err: err}
	}

	var text string
	var ceiling int
	if item.Kind == KindDocument {
		text, err = extractDocument(item.Name, data)
		ceiling = a.Limits.DocumentTokens
	} else {
		text, err = DecodeText(data)
		ceiling = a.Limits.TextTokens
	}
	if err != nil {
		return &ReadError{Name: item.Name, Err: err}
	}
	if strings.TrimSpace(text) == "" {
		text = "(no readable text)"
	}

	capped := a.Estimator.Truncate(text, ceiling)
	item.Truncated = capped != text
	item.Content = capped
	return nil
}

func (a *Assembler) read(item *Attachment) ([]byte, error) {
	if item.data != nil || item.Path == "" {
		return item.data, nil
	}
	f, err := os.Open(item.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// The file may have grown since it was size-checked.
	data, err := io.ReadAll(io.LimitReader(f, a.Limits.MaxFileBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > a.Limits.MaxFileBytes {
		return nil, &SizeError{Name: item.Name, Size: int64(len(data)), Limit: a.Limits.MaxFileBytes}
	}
	return data, nil
}
