// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llamacpp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jeranaias/rigchat/internal/engine"
)

// Sampling constants sent with every completion.
const (
	DefaultTopK = 40
	DefaultTopP = 0.9
)

// NoOutput replaces an empty completion so the transcript never shows a
// blank assistant turn.
const NoOutput = "(no output)"

// Client talks to a llama-server instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for baseURL. hc may be nil.
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health returns nil once the server has a model loaded.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("llama-server not ready: %s", resp.Status)
	}
	return nil
}

type completionRequest struct {
	Prompt      string  `json:"prompt"`
	NPredict    int     `json:"n_predict"`
	Temperature float64 `json:"temperature"`
	TopK        int     `json:"top_k"`
	TopP        float64 `json:"top_p"`
	Seed        int     `json:"seed"`
	Stream      bool    `json:"stream"`
}

type completionResponse struct {
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// GenerateOnce runs one blocking completion.
func (c *Client) GenerateOnce(ctx context.Context, prompt string, p engine.Params) (string, error) {
	if p.MaxTokens <= 0 {
		p.MaxTokens = engine.DefaultWASMMaxTokens
	}
	body, err := json.Marshal(completionRequest{
		Prompt:      prompt,
		NPredict:    p.MaxTokens,
		Temperature: p.Temperature,
		TopK:        DefaultTopK,
		TopP:        DefaultTopP,
		Seed:        p.Seed,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/completion", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error.Message != "" {
			return "", fmt.Errorf("llama-server: %s", e.Error.Message)
		}
		return "", fmt.Errorf("llama-server: %s", resp.Status)
	}

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode completion: %w", err)
	}
	if strings.TrimSpace(out.Content) == "" {
		return NoOutput, nil
	}
	return out.Content, nil
}
