// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
)

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

func envBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "1" || v == "true" || v == "yes"
}

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - RIGCHAT_MODEL: overrides gpu.model
//   - RIGCHAT_GPU_PROVIDER: overrides gpu.provider
//   - RIGCHAT_OLLAMA_URL: overrides gpu.ollama_url
//   - RIGCHAT_OPENAI_URL: overrides gpu.openai_url
//   - RIGCHAT_LLAMA_SERVER: wasm.server_url for an http(s) value, else wasm.server_binary
//   - RIGCHAT_FORCE_CPU: "1" or "true" skips the GPU
//   - RIGCHAT_OFFLINE: "1" or "true" enables offline mode
//   - RIGCHAT_LOG_LEVEL: overrides log.level
//   - RIGCHAT_CONTEXT_CEILING: overrides budget.context_ceiling
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("RIGCHAT_MODEL"); v != "" {
		c.GPU.Model = v
	}
	if v := os.Getenv("RIGCHAT_GPU_PROVIDER"); v != "" {
		c.GPU.Provider = strings.ToLower(v)
	}
	if v := os.Getenv("RIGCHAT_OLLAMA_URL"); v != "" {
		c.GPU.OllamaURL = v
	}
	if v := os.Getenv("RIGCHAT_OPENAI_URL"); v != "" {
		c.GPU.OpenAIURL = v
	}
	if v := os.Getenv("RIGCHAT_LLAMA_SERVER"); v != "" {
		if strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
			c.WASM.ServerURL = v
		} else {
			c.WASM.ServerBinary = v
		}
	}
	if v := os.Getenv("RIGCHAT_FORCE_CPU"); v != "" {
		c.Runtime.ForceCPU = envBool(v)
	}
	if v := os.Getenv("RIGCHAT_OFFLINE"); v != "" {
		c.Offline.Enabled = envBool(v)
	}
	if v := os.Getenv("RIGCHAT_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("RIGCHAT_CONTEXT_CEILING"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Budget.ContextCeiling = n
		}
	}
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// field walks a dot-separated key such as "gpu.ollama_url".
func (c *Config) field(key string) (reflect.Value, error) {
	parts := strings.Split(key, ".")
	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		fieldName := normalizeFieldName(part)
		f := v.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, fieldName)
		})
		if !f.IsValid() || fieldName == "" {
			return reflect.Value{}, fmt.Errorf("%w: %s", ErrUnknownKey, strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			return f, nil
		}
		if f.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a section", strings.Join(parts[:i+1], "."))
		}
		v = f
	}
	return reflect.Value{}, fmt.Errorf("%w: %s", ErrUnknownKey, key)
}

// Get retrieves a configuration value using dot notation.
func (c *Config) Get(key string) (any, error) {
	f, err := c.field(key)
	if err != nil {
		return nil, err
	}
	return f.Interface(), nil
}

// Set sets a configuration value using dot notation. String values are
// converted to the field's type.
func (c *Config) Set(key string, value any) error {
	f, err := c.field(key)
	if err != nil {
		return err
	}
	if !f.CanSet() || f.Kind() == reflect.Struct {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(f, value)
}

// normalizeFieldName converts a snake_case or kebab-case name to its Go field equivalent.
func normalizeFieldName(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-'
	})
	var result strings.Builder
	for _, part := range parts {
		result.WriteString(strings.ToUpper(part[:1]))
		result.WriteString(strings.ToLower(part[1:]))
	}
	return result.String()
}

// setFieldValue sets a reflect.Value from a value with type conversion.
func setFieldValue(field reflect.Value, value any) error {
	if s, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(s)
			return nil
		case reflect.Int, reflect.Int64:
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(n)
			return nil
		case reflect.Float64:
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return fmt.Errorf("invalid float value: %v", err)
			}
			field.SetFloat(f)
			return nil
		case reflect.Bool:
			field.SetBool(envBool(s))
			return nil
		case reflect.Slice:
			if field.Type().Elem().Kind() == reflect.String {
				var items []string
				for _, item := range strings.Split(s, ",") {
					if item = strings.TrimSpace(item); item != "" {
						items = append(items, item)
					}
				}
				field.Set(reflect.ValueOf(items))
				return nil
			}
		}
	}

	val := reflect.ValueOf(value)
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// Keys returns every configuration key in dot notation, in file order.
func Keys() []string {
	var keys []string
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		section := t.Field(i)
		prefix := section.Tag.Get("toml")
		for j := 0; j < section.Type.NumField(); j++ {
			keys = append(keys, prefix+"."+section.Type.Field(j).Tag.Get("toml"))
		}
	}
	return keys
}
