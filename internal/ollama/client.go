// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ClientError represents an error from the Ollama client.
type ClientError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// ErrorType categorizes client errors for handling.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeNotRunning
	ErrTypeTimeout
	ErrTypeCanceled
	ErrTypeModelNotFound
	ErrTypeConnection
	ErrTypeInvalidResponse
)

// Sentinel errors for easy checking.
var (
	ErrNotRunning    = &ClientError{Type: ErrTypeNotRunning, Message: "Ollama is not running"}
	ErrModelNotFound = &ClientError{Type: ErrTypeModelNotFound, Message: "model not found"}
)

// IsModelNotFound checks if an error is a model not found error.
func IsModelNotFound(err error) bool {
	return hasType(err, ErrTypeModelNotFound)
}

// IsNotRunning checks if an error indicates Ollama is not running.
func IsNotRunning(err error) bool {
	return hasType(err, ErrTypeNotRunning)
}

// IsTimeout checks if an error is a timeout error.
func IsTimeout(err error) bool {
	return hasType(err, ErrTypeTimeout)
}

func hasType(err error, t ErrorType) bool {
	var clientErr *ClientError
	return errors.As(err, &clientErr) && clientErr.Type == t
}

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// DefaultBaseURL uses the IPv4 loopback; "localhost" resolves to ::1 first
// on some Windows hosts where Ollama only listens on IPv4.
const DefaultBaseURL = "http://127.0.0.1:11434"

// ClientConfig holds configuration options for the Ollama client.
type ClientConfig struct {
	// BaseURL is the Ollama API base URL.
	BaseURL string

	// Timeout applies to non-streaming requests. Streams are bounded only
	// by their context.
	Timeout time.Duration

	// Transport overrides the HTTP transport (offline guard, tests).
	Transport http.RoundTripper
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL: DefaultBaseURL,
		Timeout: 30 * time.Second,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client handles communication with the Ollama API. It is safe for
// concurrent use.
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
	streamHTTP *http.Client
}

// NewClient creates a client with default configuration.
func NewClient() *Client {
	return NewClientWithConfig(DefaultConfig())
}

// NewClientWithConfig creates a client, filling zero values with defaults.
func NewClientWithConfig(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout, Transport: config.Transport},
		streamHTTP: &http.Client{Transport: config.Transport},
	}
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// =============================================================================
// HEALTH CHECK
// =============================================================================

// CheckRunning verifies that Ollama is reachable.
func (c *Client) CheckRunning(ctx context.Context) error {
	resp, err := c.do(ctx, c.httpClient, http.MethodGet, "/", nil)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)
	return nil
}

// =============================================================================
// MODEL OPERATIONS
// =============================================================================

// ListModels returns the models already pulled.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	resp, err := c.do(ctx, c.httpClient, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return nil, err
	}
	defer drainAndClose(resp.Body)

	var result ListModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}
	return result.Models, nil
}

// HasModel reports whether name is pulled. A bare name matches ":latest".
func (c *Client) HasModel(ctx context.Context, name string) (bool, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false, err
	}
	for _, m := range models {
		if m.Name == name || m.Name == name+":latest" {
			return true, nil
		}
	}
	return false, nil
}

// Pull downloads a model, calling progress for each status line.
func (c *Client) Pull(ctx context.Context, name string, progress func(PullProgress)) error {
	resp, err := c.do(ctx, c.streamHTTP, http.MethodPost, "/api/pull", PullRequest{Model: name, Stream: true})
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)

	reader := NewStreamReader(resp.Body)
	for {
		if err := ctx.Err(); err != nil {
			return contextError(err)
		}
		var p PullProgress
		if err := reader.Next(&p); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if progress != nil {
			progress(p)
		}
		if p.Status == "success" {
			return nil
		}
	}
}

// Load asks Ollama to bring a model into memory without generating.
func (c *Client) Load(ctx context.Context, name string) error {
	resp, err := c.do(ctx, c.streamHTTP, http.MethodPost, "/api/chat",
		ChatRequest{Model: name, Messages: []Message{}, Stream: false})
	if err != nil {
		return err
	}
	drainAndClose(resp.Body)
	return nil
}

// =============================================================================
// CHAT OPERATIONS
// =============================================================================

// Chat sends a non-streaming chat request.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	req.Stream = false
	resp, err := c.do(ctx, c.streamHTTP, http.MethodPost, "/api/chat", req)
	if err != nil {
		return nil, err
	}
	defer drainAndClose(resp.Body)

	var result ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}
	return &result, nil
}

// ChatStream sends a streaming chat request. The response body is closed
// when the sequence ends or the consumer stops ranging.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest) iter.Seq2[StreamChunk, error] {
	req.Stream = true
	return func(yield func(StreamChunk, error) bool) {
		resp, err := c.do(ctx, c.streamHTTP, http.MethodPost, "/api/chat", req)
		if err != nil {
			yield(StreamChunk{}, err)
			return
		}
		defer resp.Body.Close()

		reader := NewStreamReader(resp.Body)
		for {
			if err := ctx.Err(); err != nil {
				yield(StreamChunk{}, contextError(err))
				return
			}
			chunk, err := reader.NextChat()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					err = contextError(ctx.Err())
				}
				yield(StreamChunk{}, err)
				return
			}
			if !yield(chunk, nil) || chunk.Done {
				return
			}
		}
	}
}

// =============================================================================
// TRANSPORT
// =============================================================================

// do sends a JSON request and maps transport and status failures to
// ClientError. On success the caller owns resp.Body.
func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to marshal request", Cause: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &ClientError{Type: ErrTypeTimeout, Message: "request timed out", Cause: err}
		}
		return nil, &ClientError{Type: ErrTypeNotRunning, Message: "Ollama is not running", Cause: err}
	}

	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer drainAndClose(resp.Body)

	var apiErr apiError
	_ = json.NewDecoder(resp.Body).Decode(&apiErr)
	if resp.StatusCode == http.StatusNotFound {
		msg := "model not found"
		if apiErr.Error != "" {
			msg = apiErr.Error
		}
		return nil, &ClientError{Type: ErrTypeModelNotFound, Message: msg}
	}
	if apiErr.Error != "" {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: apiErr.Error}
	}
	return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "unexpected status from Ollama: " + resp.Status}
}

// contextError keeps context.Canceled and DeadlineExceeded reachable through
// errors.Is so callers can tell cancellation from failure.
func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ClientError{Type: ErrTypeTimeout, Message: "request timed out", Cause: err}
	}
	return &ClientError{Type: ErrTypeCanceled, Message: "request cancelled", Cause: err}
}

func drainAndClose(r io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(r, 64<<10))
	r.Close()
}
