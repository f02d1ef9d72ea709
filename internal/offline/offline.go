// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package offline

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNetworkBlocked is returned when a network operation is attempted in offline mode.
	ErrNetworkBlocked = errors.New("network access blocked in offline mode")

	// ErrNonLocalhost is returned when a non-loopback host is dialled in offline mode.
	ErrNonLocalhost = errors.New("only localhost connections are allowed in offline mode")

	// ErrInvalidURLScheme is returned when the URL scheme is not http or https.
	ErrInvalidURLScheme = errors.New("only http and https URLs are allowed")
)

// =============================================================================
// GUARD
// =============================================================================

// Guard holds the offline switch.
type Guard struct {
	enabled atomic.Bool
}

// NewGuard returns a guard in the given mode.
func NewGuard(enabled bool) *Guard {
	g := &Guard{}
	g.enabled.Store(enabled)
	return g
}

// SetEnabled turns offline mode on or off.
func (g *Guard) SetEnabled(enabled bool) {
	g.enabled.Store(enabled)
}

// Enabled reports whether offline mode is on. A nil guard is never enabled.
func (g *Guard) Enabled() bool {
	return g != nil && g.enabled.Load()
}

// CheckNetworkAllowed returns ErrNetworkBlocked in offline mode.
func (g *Guard) CheckNetworkAllowed() error {
	if g.Enabled() {
		return ErrNetworkBlocked
	}
	return nil
}

// =============================================================================
// URL VALIDATION
// =============================================================================

// IsLocalhost checks if a host string refers to localhost.
// Accepts "localhost", any 127.0.0.0/8 address and every IPv6 loopback form,
// with or without a port.
func IsLocalhost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// ValidateURL checks that rawURL is usable. Non-http schemes are always
// refused; in offline mode so is every non-loopback host.
func (g *Guard) ValidateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkBlocked, err)
	}
	return g.validate(parsed)
}

func (g *Guard) validate(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return ErrInvalidURLScheme
	}
	if g.Enabled() && !IsLocalhost(u.Hostname()) {
		return ErrNonLocalhost
	}
	return nil
}

// =============================================================================
// TRANSPORT
// =============================================================================

// Wrap returns a RoundTripper that validates every request against g before
// handing it to base. base defaults to http.DefaultTransport.
func (g *Guard) Wrap(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &transport{guard: g, base: base}
}

type transport struct {
	guard *Guard
	base  http.RoundTripper
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.guard.validate(req.URL); err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), err)
	}
	return t.base.RoundTrip(req)
}

// Client returns an HTTP client whose transport is guarded by g.
func (g *Guard) Client() *http.Client {
	return &http.Client{Transport: g.Wrap(nil)}
}

// =============================================================================
// STATUS DISPLAY
// =============================================================================

// StatusBadge returns "[OFFLINE]" when offline, empty string otherwise.
func (g *Guard) StatusBadge() string {
	if g.Enabled() {
		return "[OFFLINE]"
	}
	return ""
}
