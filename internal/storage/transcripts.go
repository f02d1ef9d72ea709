// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/rigchat/internal/model"
	"github.com/jeranaias/rigchat/internal/util"
)

// =============================================================================
// TRANSCRIPT TYPE
// =============================================================================

// Transcript is a persisted conversation.
type Transcript struct {
	ID        string    `json:"id"`
	Summary   string    `json:"summary"`
	Model     string    `json:"model"`
	Backend   string    `json:"backend,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Turns []model.Turn `json:"turns"`
}

// Meta contains metadata for listing transcripts.
type Meta struct {
	ID        string    `json:"id"`
	Summary   string    `json:"summary"`
	Model     string    `json:"model"`
	UpdatedAt time.Time `json:"updated_at"`
	Turns     int       `json:"turns"`
}

// Preview returns the first user turn, clipped.
func (t *Transcript) Preview() string {
	for _, turn := range t.Turns {
		if turn.Role == model.RoleUser && turn.Content != "" {
			return util.ClipWidth(util.FirstLine(turn.Content), 80)
		}
	}
	return ""
}

// =============================================================================
// STORE
// =============================================================================

// DefaultMaxTranscripts caps the directory; the oldest are removed first.
const DefaultMaxTranscripts = 100

// Store handles transcript persistence.
type Store struct {
	// BaseDir defaults to ~/.rigchat/conversations.
	BaseDir string

	// MaxTranscripts limits stored transcripts (0 = unlimited).
	MaxTranscripts int
}

// NewStore creates a store in dir, or in ~/.rigchat/conversations when dir
// is empty.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(home, ".rigchat", "conversations")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &Store{BaseDir: dir, MaxTranscripts: DefaultMaxTranscripts}, nil
}

// Save persists t and returns its ID. A missing ID is generated; a missing
// summary is taken from the first user turn.
func (s *Store) Save(t *Transcript) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	} else if _, err := uuid.Parse(t.ID); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, t.ID)
	}
	if t.Summary == "" {
		t.Summary = summarize(t)
	}
	t.UpdatedAt = time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = t.UpdatedAt
	}

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return "", err
	}
	if err := util.AtomicWriteFile(s.filePath(t.ID), data, 0600); err != nil {
		return "", err
	}

	if s.MaxTranscripts > 0 {
		s.enforceLimit()
	}
	return t.ID, nil
}

func summarize(t *Transcript) string {
	if p := t.Preview(); p != "" {
		return util.ClipWidth(p, 50)
	}
	return "New conversation"
}

// enforceLimit removes the oldest transcripts beyond MaxTranscripts.
func (s *Store) enforceLimit() {
	metas, err := s.List()
	if err != nil || len(metas) <= s.MaxTranscripts {
		return
	}
	for _, m := range metas[s.MaxTranscripts:] {
		s.Delete(m.ID)
	}
}

// Load retrieves a transcript by ID, by unique ID prefix, or by its 1-based
// position in List.
func (s *Store) Load(ref string) (*Transcript, error) {
	id, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.filePath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var t Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	return &t, nil
}

func (s *Store) resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", ErrNotFound
	}
	if _, err := uuid.Parse(ref); err == nil {
		return ref, nil
	}

	metas, err := s.List()
	if err != nil {
		return "", err
	}
	if n, err := strconv.Atoi(ref); err == nil && n >= 1 && n <= len(metas) {
		return metas[n-1].ID, nil
	}

	var match string
	for _, m := range metas {
		if strings.HasPrefix(m.ID, ref) {
			if match != "" {
				return "", fmt.Errorf("%w: %q", ErrAmbiguous, ref)
			}
			match = m.ID
		}
	}
	if match == "" {
		return "", ErrNotFound
	}
	return match, nil
}

// List returns all saved transcripts, most recent first. Unreadable files
// are skipped.
func (s *Store) List() ([]Meta, error) {
	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var metas []Meta
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if _, err := uuid.Parse(id); err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.BaseDir, name))
		if err != nil {
			continue
		}
		var t Transcript
		if err := json.Unmarshal(data, &t); err != nil {
			continue
		}
		metas = append(metas, Meta{
			ID:        t.ID,
			Summary:   t.Summary,
			Model:     t.Model,
			UpdatedAt: t.UpdatedAt,
			Turns:     len(t.Turns),
		})
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].UpdatedAt.After(metas[j].UpdatedAt)
	})
	return metas, nil
}

// Search returns transcripts whose summary or any turn contains query,
// case-insensitively.
func (s *Store) Search(query string) ([]Meta, error) {
	all, err := s.List()
	if err != nil || query == "" {
		return all, err
	}
	query = strings.ToLower(query)

	var results []Meta
	for _, m := range all {
		if strings.Contains(strings.ToLower(m.Summary), query) {
			results = append(results, m)
			continue
		}
		t, err := s.Load(m.ID)
		if err != nil {
			continue
		}
		for _, turn := range t.Turns {
			if strings.Contains(strings.ToLower(turn.Content), query) {
				results = append(results, m)
				break
			}
		}
	}
	return results, nil
}

// Delete removes a transcript by ID.
func (s *Store) Delete(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if err := os.Remove(s.filePath(id)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Store) filePath(id string) string {
	return filepath.Join(s.BaseDir, id+".json")
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound is returned when a transcript does not exist.
	ErrNotFound = errors.New("conversation not found")

	// ErrAmbiguous is returned when an ID prefix matches several transcripts.
	ErrAmbiguous = errors.New("conversation reference is ambiguous")

	// ErrInvalidID is returned for IDs that are not UUIDs.
	ErrInvalidID = errors.New("invalid conversation id")
)

// =============================================================================
// FORMATTING
// =============================================================================

// FormatList renders metas as a numbered table for /load.
func FormatList(metas []Meta) string {
	if len(metas) == 0 {
		return "No saved conversations."
	}
	var sb strings.Builder
	for i, m := range metas {
		fmt.Fprintf(&sb, "%3d  %s  %-16s %3d turns  %s\n",
			i+1, m.ID[:8], m.UpdatedAt.Format("2006-01-02 15:04"), m.Turns, m.Summary)
	}
	return sb.String()
}

// ExportMarkdown renders the transcript as Markdown.
func (t *Transcript) ExportMarkdown() string {
	var sb strings.Builder
	sb.WriteString("# " + t.Summary + "\n\n")
	fmt.Fprintf(&sb, "Model: %s  \nCreated: %s\n\n---\n\n", t.Model, t.CreatedAt.Format(time.RFC3339))
	for _, turn := range t.Turns {
		if turn.Role == model.RoleSystem {
			continue
		}
		fmt.Fprintf(&sb, "**%s** (%s):\n\n%s\n\n---\n\n",
			turn.Role.DisplayName(), turn.Timestamp.Format("15:04"), turn.Content)
	}
	return sb.String()
}
