// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/rigchat/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete rigchat configuration.
type Config struct {
	Runtime     RuntimeConfig     `toml:"runtime" json:"runtime"`
	GPU         GPUConfig         `toml:"gpu" json:"gpu"`
	WASM        WASMConfig        `toml:"wasm" json:"wasm"`
	Sampling    SamplingConfig    `toml:"sampling" json:"sampling"`
	Budget      BudgetConfig      `toml:"budget" json:"budget"`
	Attachments AttachmentsConfig `toml:"attachments" json:"attachments"`
	Cache       CacheConfig       `toml:"cache" json:"cache"`
	Offline     OfflineConfig     `toml:"offline" json:"offline"`
	Chat        ChatConfig        `toml:"chat" json:"chat"`
	Log         LogConfig         `toml:"log" json:"log"`
}

// RuntimeConfig selects between the accelerated and portable runtimes.
type RuntimeConfig struct {
	// Prefer is "auto", "gpu" or "wasm".
	Prefer string `toml:"prefer" json:"prefer"`

	// ForceCPU skips the GPU probe entirely.
	ForceCPU bool `toml:"force_cpu" json:"force_cpu"`
}

// GPUConfig configures the accelerated runtime.
type GPUConfig struct {
	// Provider is "ollama" or "openai".
	Provider  string `toml:"provider" json:"provider"`
	Model     string `toml:"model" json:"model"`
	OllamaURL string `toml:"ollama_url" json:"ollama_url"`
	OpenAIURL string `toml:"openai_url" json:"openai_url"`
	OpenAIKey string `toml:"openai_key" json:"openai_key,omitempty"`

	// AutoPull downloads missing Ollama models.
	AutoPull bool `toml:"auto_pull" json:"auto_pull"`

	// Catalog is an optional YAML file merged over the built-in catalog.
	Catalog string `toml:"catalog" json:"catalog,omitempty"`
}

// WASMConfig configures the portable fallback runtime.
type WASMConfig struct {
	ServerBinary string `toml:"server_binary" json:"server_binary"`
	ServerURL    string `toml:"server_url" json:"server_url"`
	ModelRepo    string `toml:"model_repo" json:"model_repo"`
	ModelFile    string `toml:"model_file" json:"model_file"`
	MaxTokens    int    `toml:"max_tokens" json:"max_tokens"`
	Threads      int    `toml:"threads" json:"threads"`

	// PromptStyle is "last" (latest user turn only) or "transcript".
	PromptStyle string `toml:"prompt_style" json:"prompt_style"`
}

// SamplingConfig holds generation parameters.
type SamplingConfig struct {
	Temperature float64 `toml:"temperature" json:"temperature"`
	Seed        int     `toml:"seed" json:"seed"`
}

// BudgetConfig holds the context-window heuristics.
type BudgetConfig struct {
	CharsPerToken  float64 `toml:"chars_per_token" json:"chars_per_token"`
	ContextCeiling int     `toml:"context_ceiling" json:"context_ceiling"`
	SafetyMargin   int     `toml:"safety_margin" json:"safety_margin"`
	MinResponse    int     `toml:"min_response" json:"min_response"`
}

// AttachmentsConfig bounds uploaded files.
type AttachmentsConfig struct {
	MaxFileBytes   int64 `toml:"max_file_bytes" json:"max_file_bytes"`
	MaxTotalBytes  int64 `toml:"max_total_bytes" json:"max_total_bytes"`
	TextTokens     int   `toml:"text_tokens" json:"text_tokens"`
	DocumentTokens int   `toml:"document_tokens" json:"document_tokens"`
}

// CacheConfig configures the persistent asset cache.
type CacheConfig struct {
	// Dir defaults to ~/.rigchat/cache.
	Dir     string `toml:"dir" json:"dir"`
	Version string `toml:"version" json:"version"`

	// Origins overrides the cached hosts; empty keeps the built-in list.
	Origins []string `toml:"origins" json:"origins,omitempty"`

	// Precache lists URLs fetched by "rigchat cache precache".
	Precache []string `toml:"precache" json:"precache,omitempty"`
}

// OfflineConfig enables offline mode.
type OfflineConfig struct {
	Enabled bool `toml:"enabled" json:"enabled"`
}

// ChatConfig configures the REPL.
type ChatConfig struct {
	SystemPrompt string `toml:"system_prompt" json:"system_prompt"`
	Markdown     bool   `toml:"markdown" json:"markdown"`

	// HistoryFile holds REPL input history; defaults to ~/.rigchat/history.
	HistoryFile string `toml:"history_file" json:"history_file"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `toml:"level" json:"level"`

	// File switches logging to JSON lines in this file.
	File string `toml:"file" json:"file"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Runtime: RuntimeConfig{Prefer: "auto"},
		GPU: GPUConfig{
			Provider:  "ollama",
			Model:     "llama3.2:3b",
			OllamaURL: "http://127.0.0.1:11434",
			OpenAIURL: "http://127.0.0.1:1234/v1",
			AutoPull:  true,
		},
		WASM: WASMConfig{
			ModelRepo:   "ggml-org/models",
			ModelFile:   "tinyllamas/stories260K.gguf",
			MaxTokens:   128,
			PromptStyle: "last",
		},
		Sampling: SamplingConfig{Temperature: 0.7},
		Budget: BudgetConfig{
			CharsPerToken:  3.5,
			ContextCeiling: 3000,
			SafetyMargin:   128,
			MinResponse:    64,
		},
		Attachments: AttachmentsConfig{
			MaxFileBytes:   10 << 20,
			MaxTotalBytes:  25 << 20,
			TextTokens:     1000,
			DocumentTokens: 800,
		},
		Cache: CacheConfig{Version: "rigchat-assets-v3"},
		Chat: ChatConfig{
			SystemPrompt: "You are a helpful assistant running locally on the user's machine. Answer concisely.",
			Markdown:     true,
		},
		Log: LogConfig{Level: "warn"},
	}
}

// fillDefaults repairs zero values left by a partial file.
func fillDefaults(cfg *Config) {
	d := Default()

	if cfg.Runtime.Prefer == "" {
		cfg.Runtime.Prefer = d.Runtime.Prefer
	}

	if cfg.GPU.Provider == "" {
		cfg.GPU.Provider = d.GPU.Provider
	}
	if cfg.GPU.Model == "" {
		cfg.GPU.Model = d.GPU.Model
	}
	if cfg.GPU.OllamaURL == "" {
		cfg.GPU.OllamaURL = d.GPU.OllamaURL
	}
	if cfg.GPU.OpenAIURL == "" {
		cfg.GPU.OpenAIURL = d.GPU.OpenAIURL
	}

	if cfg.WASM.ModelRepo == "" {
		cfg.WASM.ModelRepo = d.WASM.ModelRepo
	}
	if cfg.WASM.ModelFile == "" {
		cfg.WASM.ModelFile = d.WASM.ModelFile
	}
	if cfg.WASM.MaxTokens == 0 {
		cfg.WASM.MaxTokens = d.WASM.MaxTokens
	}
	if cfg.WASM.PromptStyle == "" {
		cfg.WASM.PromptStyle = d.WASM.PromptStyle
	}

	if cfg.Budget.CharsPerToken == 0 {
		cfg.Budget.CharsPerToken = d.Budget.CharsPerToken
	}
	if cfg.Budget.ContextCeiling == 0 {
		cfg.Budget.ContextCeiling = d.Budget.ContextCeiling
	}
	if cfg.Budget.SafetyMargin == 0 {
		cfg.Budget.SafetyMargin = d.Budget.SafetyMargin
	}
	if cfg.Budget.MinResponse == 0 {
		cfg.Budget.MinResponse = d.Budget.MinResponse
	}

	if cfg.Attachments.MaxFileBytes == 0 {
		cfg.Attachments.MaxFileBytes = d.Attachments.MaxFileBytes
	}
	if cfg.Attachments.MaxTotalBytes == 0 {
		cfg.Attachments.MaxTotalBytes = d.Attachments.MaxTotalBytes
	}
	if cfg.Attachments.TextTokens == 0 {
		cfg.Attachments.TextTokens = d.Attachments.TextTokens
	}
	if cfg.Attachments.DocumentTokens == 0 {
		cfg.Attachments.DocumentTokens = d.Attachments.DocumentTokens
	}

	if cfg.Cache.Version == "" {
		cfg.Cache.Version = d.Cache.Version
	}
	if cfg.Chat.SystemPrompt == "" {
		cfg.Chat.SystemPrompt = d.Chat.SystemPrompt
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = d.Log.Level
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// EnvConfig names a config file that replaces the default location.
const EnvConfig = "RIGCHAT_CONFIG"

// Dir returns the rigchat configuration directory path.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".rigchat"), nil
}

// Path returns the config file in use: $RIGCHAT_CONFIG or
// ~/.rigchat/config.toml.
func Path() (string, error) {
	if p := os.Getenv(EnvConfig); p != "" {
		return p, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// jsonSibling returns path with a .json extension.
func jsonSibling(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".json"
}

// CacheDir resolves the asset cache directory.
func (c *Config) CacheDir() (string, error) {
	if c.Cache.Dir != "" {
		return c.Cache.Dir, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "cache"), nil
}

// HistoryFile resolves the REPL history file.
func (c *Config) HistoryFile() (string, error) {
	if c.Chat.HistoryFile != "" {
		return c.Chat.HistoryFile, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "history"), nil
}

// ensureSecurePermissions tightens a config file to 0600; it may hold an API key.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from Path(), falling back to a JSON file next to
// it and then to defaults. Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		return cfg, nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads path (TOML unless it ends in .json). A missing TOML
// file falls back to its .json sibling, then to defaults.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	candidates := []string{path}
	if filepath.Ext(path) != ".json" {
		candidates = append(candidates, jsonSibling(path))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		var err error
		if filepath.Ext(p) == ".json" {
			err = LoadJSON(cfg, p)
		} else {
			err = LoadTOML(cfg, p)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", p, err)
		}
		break
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file over cfg.
func LoadTOML(cfg *Config, path string) error {
	_ = ensureSecurePermissions(path)

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	fillDefaults(cfg)
	return nil
}

// LoadJSON decodes a JSON file over cfg.
func LoadJSON(cfg *Config, path string) error {
	_ = ensureSecurePermissions(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	fillDefaults(cfg)
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes cfg to path as TOML (or JSON for a .json path), atomically
// and with 0600 permissions.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var data []byte
	if filepath.Ext(path) == ".json" {
		var err error
		data, err = json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
	} else {
		var buf bytes.Buffer
		buf.WriteString("# rigchat configuration file\n")
		buf.WriteString("# Generated by rigchat - edit with care\n\n")
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		data = buf.Bytes()
	}

	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// DISPLAY
// =============================================================================

// String renders the configuration as TOML with secrets masked.
func (c *Config) String() string {
	clone := *c
	if clone.GPU.OpenAIKey != "" {
		clone.GPU.OpenAIKey = "********"
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(&clone); err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return buf.String()
}

// ErrUnknownKey is returned by Get and Set for keys that do not exist.
var ErrUnknownKey = errors.New("unknown config key")
