// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package runtime

import (
	"errors"
	"strings"
)

var (
	// ErrReloadUnsupported is returned by Reload on the portable path.
	ErrReloadUnsupported = errors.New("model reload only applies to the GPU path")

	// ErrBusy is returned by Reload while a generation or another load runs.
	ErrBusy = errors.New("runtime busy: cancel the current generation first")

	// ErrNotReady is returned by Reload before Init has succeeded.
	ErrNotReady = errors.New("runtime not initialized")

	// ErrInitialized is reported by Init when an engine is already loaded.
	ErrInitialized = errors.New("runtime already initialized")

	// ErrNoGPU is recorded when the probe finds no acceleration.
	ErrNoGPU = errors.New("no GPU acceleration available")
)

// UnsupportedModelError is returned for model IDs missing from the catalog.
type UnsupportedModelError struct {
	Model     string
	Supported []string
}

func (e *UnsupportedModelError) Error() string {
	return "unsupported model " + e.Model + "; choose one of: " + strings.Join(e.Supported, ", ")
}

// IsUnsupportedModel reports whether err is an UnsupportedModelError.
func IsUnsupportedModel(err error) bool {
	var u *UnsupportedModelError
	return errors.As(err, &u)
}

// InitError is the fatal failure of both runtime paths.
type InitError struct {
	GPUErr  error
	WASMErr error
}

func (e *InitError) Error() string {
	if e.GPUErr == nil {
		return "runtime initialization failed: " + e.WASMErr.Error()
	}
	return "runtime initialization failed: gpu: " + e.GPUErr.Error() + "; fallback: " + e.WASMErr.Error()
}

func (e *InitError) Unwrap() []error {
	var errs []error
	if e.GPUErr != nil {
		errs = append(errs, e.GPUErr)
	}
	if e.WASMErr != nil {
		errs = append(errs, e.WASMErr)
	}
	return errs
}
