// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tokens

import (
	"fmt"
	"math"
	"regexp"
	"strconv"

	"github.com/jeranaias/rigchat/internal/util"
)

// DefaultCharsPerToken is the empirical characters-per-token ratio.
const DefaultCharsPerToken = 3.5

// markerPattern matches the suffix Truncate appends.
var markerPattern = regexp.MustCompile(`\n\n\[truncated: (\d+) characters omitted\]$`)

// Estimator converts between characters and approximate tokens.
// The zero value uses DefaultCharsPerToken.
type Estimator struct {
	CharsPerToken float64
}

// Default is the estimator used when none is configured.
var Default = Estimator{CharsPerToken: DefaultCharsPerToken}

// New returns an estimator for k characters per token. Non-positive k falls
// back to DefaultCharsPerToken.
func New(k float64) Estimator {
	if k <= 0 || math.IsNaN(k) || math.IsInf(k, 0) {
		k = DefaultCharsPerToken
	}
	return Estimator{CharsPerToken: k}
}

func (e Estimator) k() float64 {
	if e.CharsPerToken <= 0 {
		return DefaultCharsPerToken
	}
	return e.CharsPerToken
}

// Estimate returns ceil(len(text)/K) where len counts code points.
func (e Estimator) Estimate(text string) int {
	n := util.RuneLen(text)
	if n == 0 {
		return 0
	}
	return int(math.Ceil(float64(n) / e.k()))
}

// Chars returns how many characters fit in maxTokens: floor(maxTokens*K).
func (e Estimator) Chars(maxTokens int) int {
	if maxTokens <= 0 {
		return 0
	}
	return int(math.Floor(float64(maxTokens) * e.k()))
}

// Truncate returns text unchanged when it fits in maxTokens. Otherwise it
// keeps the first Chars(maxTokens) characters and appends a marker naming how
// many were cut. Output of Truncate is returned as-is by a second call with
// the same limit.
func (e Estimator) Truncate(text string, maxTokens int) string {
	if e.Estimate(text) <= maxTokens {
		return text
	}

	keep := e.Chars(maxTokens)
	if body, ok := e.truncatedBody(text); ok && util.RuneLen(body) <= keep {
		return text
	}

	total := util.RuneLen(text)
	return util.RunePrefix(text, keep) + Marker(total-keep)
}

// truncatedBody strips a trailing marker, reporting whether one was present.
func (e Estimator) truncatedBody(text string) (string, bool) {
	loc := markerPattern.FindStringIndex(text)
	if loc == nil {
		return text, false
	}
	return text[:loc[0]], true
}

// Marker is the visible note appended to truncated text.
func Marker(omitted int) string {
	return fmt.Sprintf("\n\n[truncated: %d characters omitted]", omitted)
}

// Omitted reports how many characters a truncated text lost, or 0 when text
// carries no marker.
func Omitted(text string) int {
	m := markerPattern.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// Estimate uses the default estimator.
func Estimate(text string) int {
	return Default.Estimate(text)
}

// Truncate uses the default estimator.
func Truncate(text string, maxTokens int) string {
	return Default.Truncate(text, maxTokens)
}
