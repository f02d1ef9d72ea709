// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var builtinYAML []byte

// =============================================================================
// MODEL INFO TYPE
// =============================================================================

// Model describes one supported model.
type Model struct {
	ID              string  `yaml:"id"`
	Name            string  `yaml:"name"`
	Family          string  `yaml:"family"`
	ParamsB         float64 `yaml:"params_b"`
	Context         int     `yaml:"context"`
	VramGB          int     `yaml:"vram_gb"`
	FunctionCalling bool    `yaml:"function_calling"`
	Description     string  `yaml:"description"`
}

// SizeLabel returns the parameter count as a short label like "3.2B".
func (m Model) SizeLabel() string {
	if m.ParamsB <= 0 {
		return "?"
	}
	if m.ParamsB == float64(int(m.ParamsB)) {
		return fmt.Sprintf("%dB", int(m.ParamsB))
	}
	return fmt.Sprintf("%.1fB", m.ParamsB)
}

type file struct {
	Models []Model `yaml:"models"`
}

// =============================================================================
// CATALOG
// =============================================================================

// ErrEmpty is returned when a catalog file has no models.
var ErrEmpty = errors.New("catalog has no models")

// Catalog maps model IDs to metadata. The zero value is empty.
type Catalog struct {
	models map[string]Model
}

// Parse reads a catalog from YAML.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(f.Models) == 0 {
		return nil, ErrEmpty
	}

	c := &Catalog{models: make(map[string]Model, len(f.Models))}
	for i, m := range f.Models {
		m.ID = strings.TrimSpace(m.ID)
		if m.ID == "" {
			return nil, fmt.Errorf("parse catalog: model %d has no id", i)
		}
		if m.Name == "" {
			m.Name = m.ID
		}
		c.models[m.ID] = m
	}
	return c, nil
}

// Builtin returns the embedded catalog.
func Builtin() *Catalog {
	c, err := Parse(builtinYAML)
	if err != nil {
		panic("embedded catalog: " + err.Error())
	}
	return c
}

// Load returns the built-in catalog merged with the file at path. A missing
// file is not an error.
func Load(path string) (*Catalog, error) {
	c := Builtin()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	user, err := Parse(data)
	if err != nil {
		return nil, err
	}
	c.Merge(user)
	return c, nil
}

// Merge adds or replaces entries from other.
func (c *Catalog) Merge(other *Catalog) {
	if c.models == nil {
		c.models = make(map[string]Model)
	}
	for id, m := range other.models {
		c.models[id] = m
	}
}

// Contains reports whether id is a supported model.
func (c *Catalog) Contains(id string) bool {
	_, ok := c.Get(id)
	return ok
}

// Get returns the model with the given ID.
func (c *Catalog) Get(id string) (Model, bool) {
	if c == nil {
		return Model{}, false
	}
	m, ok := c.models[id]
	return m, ok
}

// IDs returns the supported model IDs, sorted.
func (c *Catalog) IDs() []string {
	if c == nil {
		return nil
	}
	ids := make([]string, 0, len(c.models))
	for id := range c.models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Models returns all entries sorted by family then size.
func (c *Catalog) Models() []Model {
	if c == nil {
		return nil
	}
	out := make([]Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Family != out[j].Family {
			return out[i].Family < out[j].Family
		}
		if out[i].ParamsB != out[j].ParamsB {
			return out[i].ParamsB < out[j].ParamsB
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// FunctionCalling returns the IDs of models flagged for tool calls.
func (c *Catalog) FunctionCalling() []string {
	var ids []string
	for _, id := range c.IDs() {
		if c.models[id].FunctionCalling {
			ids = append(ids, id)
		}
	}
	return ids
}

// Recommend returns the largest model that fits in vramGB, preferring
// function-calling models on ties. ok is false when nothing fits.
func (c *Catalog) Recommend(vramGB int) (Model, bool) {
	var best Model
	found := false
	for _, m := range c.Models() {
		if m.VramGB > vramGB {
			continue
		}
		switch {
		case !found,
			m.ParamsB > best.ParamsB,
			m.ParamsB == best.ParamsB && m.FunctionCalling && !best.FunctionCalling:
			best, found = m, true
		}
	}
	return best, found
}
