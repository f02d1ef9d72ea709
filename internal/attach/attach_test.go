// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package attach

import (
	"archive/zip"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jeranaias/rigchat/internal/tokens"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0600); err != nil {
		t.Fatal(err)
	}
	return p
}

// =============================================================================
// KIND DETECTION
// =============================================================================

func TestDetectKind(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	tests := []struct {
		name string
		head []byte
		want Kind
	}{
		{"photo.JPG", nil, KindImage},
		{"diagram.svg", nil, KindImage},
		{"report.pdf", nil, KindDocument},
		{"page.htm", nil, KindDocument},
		{"book.epub", nil, KindDocument},
		{"main.go", []byte("package main"), KindText},
		{"noext", png, KindImage},
		{"noext", []byte("%PDF-1.7\n"), KindDocument},
		{"noext", []byte("<!DOCTYPE html><html>"), KindDocument},
		{"noext", nil, KindText},
	}
	for _, tt := range tests {
		if got := DetectKind(tt.name, tt.head); got != tt.want {
			t.Errorf("DetectKind(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

// =============================================================================
// PENDING BUFFER
// =============================================================================

func TestPending_RejectsOversizedFile(t *testing.T) {
	dir := t.TempDir()
	p := NewPending(Limits{MaxFileBytes: 10, MaxTotalBytes: 100})

	_, err := p.Add(writeFile(t, dir, "big.txt", bytes.Repeat([]byte("x"), 11)))
	var se *SizeError
	if !errors.As(err, &se) {
		t.Fatalf("Add() error = %v, want *SizeError", err)
	}
	if se.Aggregate {
		t.Error("per-file rejection reported as aggregate")
	}
	if !errors.Is(err, ErrTooLarge) {
		t.Error("SizeError should unwrap to ErrTooLarge")
	}
	if !strings.Contains(err.Error(), "10 B") {
		t.Errorf("error %q should state the limit", err)
	}
	if p.Len() != 0 {
		t.Errorf("Len() = %d, want 0", p.Len())
	}
}

func TestPending_RejectsAggregateOverflow(t *testing.T) {
	dir := t.TempDir()
	p := NewPending(Limits{MaxFileBytes: 10, MaxTotalBytes: 15})

	if _, err := p.Add(writeFile(t, dir, "a.txt", bytes.Repeat([]byte("a"), 8))); err != nil {
		t.Fatal(err)
	}
	_, err := p.Add(writeFile(t, dir, "b.txt", bytes.Repeat([]byte("b"), 8)))
	var se *SizeError
	if !errors.As(err, &se) || !se.Aggregate {
		t.Fatalf("Add() error = %v, want aggregate *SizeError", err)
	}
	if p.TotalBytes() != 8 {
		t.Errorf("TotalBytes() = %d, want 8", p.TotalBytes())
	}
}

func TestPending_Remove(t *testing.T) {
	p := NewPending(Limits{})
	p.AddContent("a.txt", []byte("a"))
	p.AddContent("b.txt", []byte("bb"))

	got, ok := p.Remove(0)
	if !ok || got.Name != "a.txt" {
		t.Fatalf("Remove(0) = %v, %v", got.Name, ok)
	}
	if _, ok := p.Remove(5); ok {
		t.Error("Remove(5) should fail")
	}
	if p.Len() != 1 || p.TotalBytes() != 2 {
		t.Errorf("after remove: Len=%d Total=%d", p.Len(), p.TotalBytes())
	}
}

func TestPending_MissingFile(t *testing.T) {
	_, err := NewPending(Limits{}).Add(filepath.Join(t.TempDir(), "nope.txt"))
	var re *ReadError
	if !errors.As(err, &re) {
		t.Fatalf("Add() error = %v, want *ReadError", err)
	}
}

// =============================================================================
// ASSEMBLY
// =============================================================================

func TestAssemble_TwoMegabyteFile(t *testing.T) {
	dir := t.TempDir()
	big := writeFile(t, dir, "notes.txt", bytes.Repeat([]byte("lorem ipsum "), 2_000_000/12))

	p := NewPending(Limits{})
	if _, err := p.Add(big); err != nil {
		t.Fatal(err)
	}

	a := NewAssembler(Limits{}, tokens.Default)
	typed := "please summarise the key points of this file for me"
	res := a.Consume(p, typed)

	if p.Len() != 0 {
		t.Errorf("pending Len() = %d after assembly, want 0", p.Len())
	}
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	if !strings.HasPrefix(res.Prompt, typed+"\n\n----- Attachment 1: notes.txt (text, 2.0 MB) -----\n") {
		t.Errorf("prompt header wrong: %q", res.Prompt[:min(len(res.Prompt), 120)])
	}
	if !strings.HasSuffix(res.Prompt, "\n----- End of attachment 1: notes.txt -----") {
		t.Error("prompt missing footer")
	}
	if res.Display != typed+" [1 file attached]" {
		t.Errorf("Display = %q", res.Display)
	}

	content := res.Attachments[0].Content
	if !res.Attachments[0].Truncated || tokens.Omitted(content) == 0 {
		t.Error("2 MB file should be truncated")
	}
	body := strings.TrimSuffix(content, tokens.Marker(tokens.Omitted(content)))
	if got := tokens.Estimate(body); got > DefaultTextTokens {
		t.Errorf("block body = %d tokens, want <= %d", got, DefaultTextTokens)
	}
}

func TestAssemble_ReadErrorDoesNotStopOthers(t *testing.T) {
	dir := t.TempDir()
	gone := writeFile(t, dir, "gone.txt", []byte("soon deleted"))
	kept := writeFile(t, dir, "kept.txt", []byte("still here"))

	p := NewPending(Limits{})
	p.Add(gone)
	p.Add(kept)
	os.Remove(gone)

	res := NewAssembler(Limits{}, tokens.Default).Consume(p, "hi")
	if len(res.Errors) != 1 {
		t.Fatalf("Errors = %v, want one", res.Errors)
	}
	var re *ReadError
	if !errors.As(res.Errors[0], &re) || re.Name != "gone.txt" {
		t.Errorf("error = %v, want ReadError for gone.txt", res.Errors[0])
	}
	if len(res.Attachments) != 1 || !strings.Contains(res.Prompt, "still here") {
		t.Errorf("kept.txt missing from prompt: %q", res.Prompt)
	}
	if p.Len() != 0 {
		t.Error("buffer must be drained even when a file fails")
	}
}

func TestAssemble_ImagePlaceholder(t *testing.T) {
	raw := []byte("\x89PNG\r\n\x1a\n\x00binary\x00data")
	res := NewAssembler(Limits{}, tokens.Default).Assemble("what is this", []Attachment{
		{Name: "cat.png", Kind: KindImage, ByteSize: int64(len(raw)), data: raw},
	})
	if strings.Contains(res.Prompt, "binary") {
		t.Error("image bytes leaked into prompt")
	}
	if !strings.Contains(res.Prompt, "[Image cat.png") {
		t.Errorf("missing placeholder: %q", res.Prompt)
	}
}

func TestAssemble_DocumentCap(t *testing.T) {
	html := "<html><body><h1>Title</h1><p>" + strings.Repeat("word ", 2000) + "</p></body></html>"
	res := NewAssembler(Limits{}, tokens.Default).Assemble("", []Attachment{
		{Name: "page.html", Kind: KindDocument, ByteSize: int64(len(html)), data: []byte(html)},
	})
	content := res.Attachments[0].Content
	if !strings.HasPrefix(content, "# Title") {
		t.Errorf("html not converted to markdown: %q", content[:min(len(content), 40)])
	}
	body := strings.TrimSuffix(content, tokens.Marker(tokens.Omitted(content)))
	if got := tokens.Estimate(body); got > DefaultDocumentTokens {
		t.Errorf("document body = %d tokens, want <= %d", got, DefaultDocumentTokens)
	}
	if res.Display != "[1 file attached]" {
		t.Errorf("Display = %q", res.Display)
	}
}

func TestAssemble_OrderAndIndicator(t *testing.T) {
	res := NewAssembler(Limits{}, tokens.Default).Assemble("go", []Attachment{
		{Name: "one.txt", data: []byte("first")},
		{Name: "two.txt", data: []byte("second")},
	})
	i1 := strings.Index(res.Prompt, "first")
	i2 := strings.Index(res.Prompt, "second")
	if i1 < 0 || i2 < 0 || i1 > i2 {
		t.Errorf("blocks out of order: %q", res.Prompt)
	}
	if res.Display != "go [2 files attached]" {
		t.Errorf("Display = %q", res.Display)
	}
}

// =============================================================================
// DECODING
// =============================================================================

func TestDecodeText(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"utf8", []byte("héllo"), "héllo"},
		{"utf8 bom", []byte("\xEF\xBB\xBFhi"), "hi"},
		{"utf16le bom", []byte{0xFF, 0xFE, 'h', 0, 'i', 0}, "hi"},
		{"windows-1252", []byte("caf\xe9 \x93quoted\x94"), "café “quoted”"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeText(tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("DecodeText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractDocument_Docx(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("word/document.xml")
	w.Write([]byte(`<?xml version="1.0"?><w:document xmlns:w="x"><w:body>` +
		`<w:p><w:r><w:t>First paragraph</w:t></w:r></w:p>` +
		`<w:p><w:r><w:t>Second</w:t></w:r></w:p></w:body></w:document>`))
	zw.Close()

	got, err := extractDocument("memo.docx", buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if got != "First paragraph\nSecond" {
		t.Errorf("extractDocument() = %q", got)
	}
}

func TestPrintableRuns(t *testing.T) {
	got := printableRuns([]byte("\x00\x01Hello PDF\x00ab\x02stream text\xff"), 4)
	if got != "Hello PDF\nstream text" {
		t.Errorf("printableRuns() = %q", got)
	}
}

func TestIndicator(t *testing.T) {
	for n, want := range map[int]string{0: "", 1: "[1 file attached]", 3: "[3 files attached]"} {
		if got := Indicator(n); got != want {
			t.Errorf("Indicator(%d) = %q, want %q", n, got, want)
		}
	}
}
