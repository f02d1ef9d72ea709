// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []*ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Unwrap exposes the individual errors to errors.As.
func (e ValidateErrors) Unwrap() []error {
	out := make([]error, len(e))
	for i, err := range e {
		out[i] = err
	}
	return out
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if strings.EqualFold(v, a) {
			return true
		}
	}
	return false
}

func validHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if !oneOf(c.Runtime.Prefer, "auto", "gpu", "wasm") {
		add("runtime.prefer", "invalid value '%s', must be one of: auto, gpu, wasm", c.Runtime.Prefer)
	}

	if !oneOf(c.GPU.Provider, "ollama", "openai") {
		add("gpu.provider", "invalid provider '%s', must be one of: ollama, openai", c.GPU.Provider)
	}
	if strings.TrimSpace(c.GPU.Model) == "" {
		add("gpu.model", "must not be empty")
	}
	if !validHTTPURL(c.GPU.OllamaURL) {
		add("gpu.ollama_url", "invalid URL '%s'", c.GPU.OllamaURL)
	}
	if !validHTTPURL(c.GPU.OpenAIURL) {
		add("gpu.openai_url", "invalid URL '%s'", c.GPU.OpenAIURL)
	}

	if c.WASM.ServerURL != "" && !validHTTPURL(c.WASM.ServerURL) {
		add("wasm.server_url", "invalid URL '%s'", c.WASM.ServerURL)
	}
	if c.WASM.MaxTokens < 1 {
		add("wasm.max_tokens", "must be at least 1, got %d", c.WASM.MaxTokens)
	}
	if c.WASM.Threads < 0 {
		add("wasm.threads", "must not be negative, got %d", c.WASM.Threads)
	}
	if !oneOf(c.WASM.PromptStyle, "last", "transcript") {
		add("wasm.prompt_style", "invalid style '%s', must be one of: last, transcript", c.WASM.PromptStyle)
	}

	if c.Sampling.Temperature < 0 || c.Sampling.Temperature > 2 {
		add("sampling.temperature", "must be between 0 and 2, got %g", c.Sampling.Temperature)
	}

	if c.Budget.CharsPerToken <= 0 {
		add("budget.chars_per_token", "must be positive, got %g", c.Budget.CharsPerToken)
	}
	if c.Budget.ContextCeiling <= c.Budget.SafetyMargin+c.Budget.MinResponse {
		add("budget.context_ceiling", "must exceed safety_margin + min_response (%d), got %d",
			c.Budget.SafetyMargin+c.Budget.MinResponse, c.Budget.ContextCeiling)
	}
	if c.Budget.SafetyMargin < 0 || c.Budget.MinResponse < 0 {
		add("budget", "safety_margin and min_response must not be negative")
	}

	if c.Attachments.MaxFileBytes <= 0 {
		add("attachments.max_file_bytes", "must be positive")
	}
	if c.Attachments.MaxTotalBytes < c.Attachments.MaxFileBytes {
		add("attachments.max_total_bytes", "must be at least max_file_bytes (%d)", c.Attachments.MaxFileBytes)
	}
	if c.Attachments.TextTokens <= 0 || c.Attachments.DocumentTokens <= 0 {
		add("attachments", "text_tokens and document_tokens must be positive")
	}

	for _, o := range c.Cache.Origins {
		if !validHTTPURL(o) {
			add("cache.origins", "invalid origin '%s'", o)
		}
	}

	if !oneOf(c.Log.Level, "debug", "info", "warn", "error") {
		add("log.level", "invalid level '%s', must be one of: debug, info, warn, error", c.Log.Level)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
