// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package attach

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"golang.org/x/text/encoding/charmap"
	xunicode "golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DecodeText converts file bytes to UTF-8. A UTF-8 or UTF-16 BOM is
// honoured; bytes that are not valid UTF-8 are read as Windows-1252.
func DecodeText(data []byte) (string, error) {
	switch {
	case bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}):
		return string(data[3:]), nil
	case bytes.HasPrefix(data, []byte{0xFE, 0xFF}), bytes.HasPrefix(data, []byte{0xFF, 0xFE}):
		out, _, err := transform.Bytes(xunicode.BOMOverride(xunicode.UTF8.NewDecoder()), data)
		if err != nil {
			return "", fmt.Errorf("decode utf-16: %w", err)
		}
		return string(out), nil
	case utf8.Valid(data):
		return string(data), nil
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("decode windows-1252: %w", err)
	}
	return string(out), nil
}

// extractDocument returns the readable text of a document.
func extractDocument(name string, data []byte) (string, error) {
	switch strings.ToLower(path.Ext(name)) {
	case ".html", ".htm":
		return htmlText(data)
	case ".docx":
		return zipXMLText(data, func(n string) bool { return n == "word/document.xml" }, "p")
	case ".odt":
		return zipXMLText(data, func(n string) bool { return n == "content.xml" }, "p", "h")
	case ".epub":
		return epubText(data)
	}
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("<")) && looksLikeHTML(data) {
		return htmlText(data)
	}
	return printableRuns(data, 4), nil
}

func htmlText(data []byte) (string, error) {
	src, err := DecodeText(data)
	if err != nil {
		return "", err
	}
	md, err := htmltomarkdown.ConvertString(src)
	if err != nil {
		return "", fmt.Errorf("convert html: %w", err)
	}
	return strings.TrimSpace(md), nil
}

func looksLikeHTML(data []byte) bool {
	head := strings.ToLower(string(data[:min(len(data), 512)]))
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}

// zipXMLText concatenates character data from the matching XML members of a
// zip container, breaking lines at the end of each paragraph element.
func zipXMLText(data []byte, match func(string) bool, paragraphs ...string) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open document: %w", err)
	}

	var b strings.Builder
	for _, f := range zr.File {
		if !match(f.Name) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", err
		}
		err = xmlText(&b, rc, paragraphs)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("read %s: %w", f.Name, err)
		}
	}
	return strings.TrimSpace(b.String()), nil
}

func xmlText(b *strings.Builder, r io.Reader, paragraphs []string) error {
	dec := xml.NewDecoder(r)
	dec.Strict = false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.CharData:
			b.Write(t)
		case xml.EndElement:
			for _, p := range paragraphs {
				if t.Name.Local == p {
					b.WriteByte('\n')
					break
				}
			}
		}
	}
}

func epubText(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open epub: %w", err)
	}

	var names []string
	files := make(map[string]*zip.File)
	for _, f := range zr.File {
		ext := strings.ToLower(path.Ext(f.Name))
		if ext == ".xhtml" || ext == ".html" || ext == ".htm" {
			names = append(names, f.Name)
			files[f.Name] = f
		}
	}
	sort.Strings(names)

	var parts []string
	for _, n := range names {
		rc, err := files[n].Open()
		if err != nil {
			return "", err
		}
		body, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", err
		}
		text, err := htmlText(body)
		if err != nil {
			return "", err
		}
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// printableRuns keeps runs of at least minRun printable characters, one
// run per line, which recovers most text from PDF and legacy binaries.
func printableRuns(data []byte, minRun int) string {
	var out strings.Builder
	var run strings.Builder
	n := 0
	flush := func() {
		if n >= minRun {
			out.WriteString(strings.TrimSpace(run.String()))
			out.WriteByte('\n')
		}
		run.Reset()
		n = 0
	}
	for _, c := range data {
		r := rune(c)
		if c < utf8.RuneSelf && (unicode.IsPrint(r) || c == '\t') {
			run.WriteByte(c)
			n++
			continue
		}
		flush()
	}
	flush()
	return strings.TrimSpace(out.String())
}
