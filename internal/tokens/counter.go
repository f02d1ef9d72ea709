// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tokens

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/jeranaias/rigchat/internal/util"
)

// Counter counts tokens with the cl100k_base BPE. It backs the tokens
// diagnostic command; budgeting never depends on it.
type Counter struct {
	once  sync.Once
	codec tokenizer.Codec
	err   error
}

// NewCounter returns a lazily initialised cl100k_base counter.
func NewCounter() *Counter {
	return &Counter{}
}

// Count returns the exact cl100k_base token count for text.
func (c *Counter) Count(text string) (int, error) {
	c.once.Do(func() {
		c.codec, c.err = tokenizer.Get(tokenizer.Cl100kBase)
	})
	if c.err != nil {
		return 0, c.err
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Comparison holds the heuristic and BPE counts for the same text.
type Comparison struct {
	Chars     int
	Heuristic int
	BPE       int
}

// Drift is the relative error of the heuristic against the BPE count.
func (c Comparison) Drift() float64 {
	if c.BPE == 0 {
		return 0
	}
	return float64(c.Heuristic-c.BPE) / float64(c.BPE)
}

// Compare counts text with both e and the counter.
func (c *Counter) Compare(e Estimator, text string) (Comparison, error) {
	bpe, err := c.Count(text)
	if err != nil {
		return Comparison{}, err
	}
	return Comparison{
		Chars:     util.RuneLen(text),
		Heuristic: e.Estimate(text),
		BPE:       bpe,
	}, nil
}
