// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package assets

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// DefaultVersion is the cache generation; bump it to invalidate every
// entry on the next Activate.
const DefaultVersion = "rigchat-assets-v3"

// ErrNotCached is returned when a URL has no entry in the active version.
var ErrNotCached = errors.New("asset not cached")

// =============================================================================
// ENTRY
// =============================================================================

// Entry describes one cached response.
type Entry struct {
	URL         string
	Version     string
	ContentType string
	Hash        string
	Size        int64
	Compressed  bool
	StoredAt    time.Time
}

// Stats summarizes the active cache version.
type Stats struct {
	Version string
	Entries int
	Bytes   int64
	Stale   int
}

// =============================================================================
// STORE
// =============================================================================

// Store is an on-disk response cache. Blobs are named by their BLAKE3 hash
// so identical payloads under different URLs share storage.
type Store struct {
	db      *sql.DB
	dir     string
	version string
}

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	version      TEXT    NOT NULL,
	url          TEXT    NOT NULL,
	content_type TEXT    NOT NULL DEFAULT '',
	hash         TEXT    NOT NULL,
	size         INTEGER NOT NULL,
	compressed   INTEGER NOT NULL DEFAULT 0,
	stored_at    INTEGER NOT NULL,
	PRIMARY KEY (version, url)
);
CREATE INDEX IF NOT EXISTS idx_entries_hash ON entries(hash);
`

// Open opens or creates the cache rooted at dir.
func Open(dir, version string) (*Store, error) {
	if version == "" {
		version = DefaultVersion
	}
	if err := os.MkdirAll(filepath.Join(dir, "blobs"), 0700); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("open cache index: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache schema: %w", err)
	}

	return &Store{db: db, dir: dir, version: version}, nil
}

// Close closes the index.
func (s *Store) Close() error {
	return s.db.Close()
}

// Version returns the active cache version.
func (s *Store) Version() string {
	return s.version
}

// Dir returns the cache root.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) blobPath(hash string) string {
	return filepath.Join(s.dir, "blobs", hash[:2], hash)
}

// Lookup returns the entry for url in the active version.
func (s *Store) Lookup(ctx context.Context, url string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT url, version, content_type, hash, size, compressed, stored_at
		 FROM entries WHERE version = ? AND url = ?`, s.version, url)

	var e Entry
	var compressed int
	var storedAt int64
	err := row.Scan(&e.URL, &e.Version, &e.ContentType, &e.Hash, &e.Size, &compressed, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotCached
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", url, err)
	}
	e.Compressed = compressed != 0
	e.StoredAt = time.Unix(storedAt, 0)

	if _, err := os.Stat(s.blobPath(e.Hash)); err != nil {
		return nil, ErrNotCached
	}
	return &e, nil
}

// Body returns the decoded payload of a cached entry.
func (s *Store) Body(e *Entry) (io.ReadCloser, error) {
	f, err := os.Open(s.blobPath(e.Hash))
	if err != nil {
		return nil, err
	}
	if !e.Compressed {
		return f, nil
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	return &zstdReadCloser{dec: dec, f: f}, nil
}

type zstdReadCloser struct {
	dec *zstd.Decoder
	f   *os.File
}

func (z *zstdReadCloser) Read(p []byte) (int, error) { return z.dec.Read(p) }

func (z *zstdReadCloser) Close() error {
	z.dec.Close()
	return z.f.Close()
}

// File returns the on-disk path of an uncompressed cached entry, for
// runtimes that need to mmap weights directly.
func (s *Store) File(ctx context.Context, url string) (string, error) {
	e, err := s.Lookup(ctx, url)
	if err != nil {
		return "", err
	}
	if e.Compressed {
		return "", fmt.Errorf("%s is stored compressed", url)
	}
	return s.blobPath(e.Hash), nil
}

// Put stores body under url. Compressible payloads are zstd-encoded on
// disk; model assets are kept raw so they can be mapped in place.
func (s *Store) Put(ctx context.Context, url, contentType string, compress bool, body io.Reader) (*Entry, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.dir, "blobs"), ".incoming-*")
	if err != nil {
		return nil, fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hasher := blake3.New()
	var sink io.Writer = tmp
	var enc *zstd.Encoder
	if compress {
		enc, err = zstd.NewWriter(tmp, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			tmp.Close()
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		sink = enc
	}

	size, err := io.Copy(io.MultiWriter(sink, hasher), body)
	if err == nil && enc != nil {
		err = enc.Close()
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("write blob for %s: %w", url, err)
	}

	// Compressed and raw copies of the same bytes must not share a blob.
	hash := hex.EncodeToString(hasher.Sum(nil))
	if compress {
		hash += ".zst"
	}
	final := s.blobPath(hash)
	if err := os.MkdirAll(filepath.Dir(final), 0700); err != nil {
		return nil, err
	}
	if err := os.Rename(tmpName, final); err != nil {
		return nil, fmt.Errorf("commit blob: %w", err)
	}

	e := &Entry{
		URL:         url,
		Version:     s.version,
		ContentType: contentType,
		Hash:        hash,
		Size:        size,
		Compressed:  compress,
		StoredAt:    time.Now(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO entries (version, url, content_type, hash, size, compressed, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Version, e.URL, e.ContentType, e.Hash, e.Size, boolInt(e.Compressed), e.StoredAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("index %s: %w", url, err)
	}
	return e, nil
}

// Entries lists the active version's entries, newest first.
func (s *Store) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT url, version, content_type, hash, size, compressed, stored_at
		 FROM entries WHERE version = ? ORDER BY stored_at DESC, url`, s.version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var compressed int
		var storedAt int64
		if err := rows.Scan(&e.URL, &e.Version, &e.ContentType, &e.Hash, &e.Size, &compressed, &storedAt); err != nil {
			return nil, err
		}
		e.Compressed = compressed != 0
		e.StoredAt = time.Unix(storedAt, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats summarizes the cache.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Version: s.version}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM entries WHERE version = ?`, s.version).
		Scan(&st.Entries, &st.Bytes)
	if err != nil {
		return st, err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entries WHERE version <> ?`, s.version).Scan(&st.Stale)
	return st, err
}

// Activate deletes entries of every other version and removes blobs no
// longer referenced. It returns the number of entries removed.
func (s *Store) Activate(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE version <> ?`, s.version)
	if err != nil {
		return 0, fmt.Errorf("prune old versions: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := s.collect(ctx); err != nil {
		return int(n), err
	}
	return int(n), nil
}

// Clear removes every entry of the active version.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE version = ?`, s.version); err != nil {
		return err
	}
	return s.collect(ctx)
}

// collect deletes blob files that no entry references.
func (s *Store) collect(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT hash FROM entries`)
	if err != nil {
		return err
	}
	live := make(map[string]bool)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			rows.Close()
			return err
		}
		live[h] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	root := filepath.Join(s.dir, "blobs")
	return filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		name := d.Name()
		if strings.HasPrefix(name, ".incoming-") || live[name] {
			return nil
		}
		return os.Remove(p)
	})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
