// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package attach

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Pending holds attachments until the next send.
type Pending struct {
	limits Limits

	mu    sync.Mutex
	items []Attachment
	total int64
}

// NewPending creates an empty buffer. Zero limits take defaults.
func NewPending(limits Limits) *Pending {
	return &Pending{limits: limits.withDefaults()}
}

// Limits returns the buffer's limits.
func (p *Pending) Limits() Limits {
	return p.limits
}

// Add queues the file at path after checking its size. Nothing is read.
func (p *Pending) Add(path string) (Attachment, error) {
	name := filepath.Base(path)
	info, err := os.Stat(path)
	if err != nil {
		return Attachment{}, &ReadError{Name: name, Err: err}
	}
	if info.IsDir() {
		return Attachment{}, &ReadError{Name: name, Err: fmt.Errorf("is a directory")}
	}

	if err := p.check(name, info.Size()); err != nil {
		return Attachment{}, err
	}

	a := Attachment{
		ID:       uuid.NewString(),
		Name:     name,
		Path:     path,
		ByteSize: info.Size(),
		Kind:     DetectKind(name, sniff(path)),
	}
	return a, p.push(a)
}

// AddContent queues in-memory content, such as piped stdin.
func (p *Pending) AddContent(name string, data []byte) (Attachment, error) {
	a := Attachment{
		ID:       uuid.NewString(),
		Name:     name,
		ByteSize: int64(len(data)),
		Kind:     DetectKind(name, data),
		data:     data,
	}
	return a, p.push(a)
}

func (p *Pending) check(name string, size int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkLocked(name, size)
}

func (p *Pending) checkLocked(name string, size int64) error {
	if size > p.limits.MaxFileBytes {
		return &SizeError{Name: name, Size: size, Limit: p.limits.MaxFileBytes}
	}
	if p.total+size > p.limits.MaxTotalBytes {
		return &SizeError{Name: name, Size: size, Limit: p.limits.MaxTotalBytes, Aggregate: true}
	}
	return nil
}

func (p *Pending) push(a Attachment) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkLocked(a.Name, a.ByteSize); err != nil {
		return err
	}
	p.items = append(p.items, a)
	p.total += a.ByteSize
	return nil
}

// Remove discards the attachment at index i.
func (p *Pending) Remove(i int) (Attachment, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.items) {
		return Attachment{}, false
	}
	a := p.items[i]
	p.items = append(p.items[:i], p.items[i+1:]...)
	p.total -= a.ByteSize
	return a, true
}

// List returns a copy of the queued attachments.
func (p *Pending) List() []Attachment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Attachment(nil), p.items...)
}

// Len returns the number of queued attachments.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// TotalBytes returns the aggregate size of queued attachments.
func (p *Pending) TotalBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// Take empties the buffer and returns what it held.
func (p *Pending) Take() []Attachment {
	p.mu.Lock()
	defer p.mu.Unlock()
	items := p.items
	p.items = nil
	p.total = 0
	return items
}

// Clear discards every queued attachment.
func (p *Pending) Clear() {
	p.Take()
}

func sniff(path string) []byte {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	head := make([]byte, 512)
	n, _ := io.ReadFull(f, head)
	return head[:n]
}
