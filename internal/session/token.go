// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"sync/atomic"
)

// CancelToken is a one-way cancellation flag shared between the generation
// loop and whoever interrupts it.
type CancelToken struct {
	set    atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCancelToken returns an unset token.
func NewCancelToken() *CancelToken {
	ctx, cancel := context.WithCancel(context.Background())
	return &CancelToken{ctx: ctx, cancel: cancel}
}

// Cancel sets the token. It returns false if it was already set.
func (t *CancelToken) Cancel() bool {
	if !t.set.CompareAndSwap(false, true) {
		return false
	}
	t.cancel()
	return true
}

// Cancelled reports whether the token is set.
func (t *CancelToken) Cancelled() bool {
	return t.set.Load()
}

// Done is closed when the token is set.
func (t *CancelToken) Done() <-chan struct{} {
	return t.ctx.Done()
}

// bind returns a child of parent that is cancelled when the token is set.
func (t *CancelToken) bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(t.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
