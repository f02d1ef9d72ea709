// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package assets

import (
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// DefaultOrigins are the origins whose responses are cached. An entry is
// scheme://host[:port]; a bare host means https.
var DefaultOrigins = []string{
	"https://huggingface.co",
	"https://cdn-lfs.huggingface.co",
	"https://cdn-lfs-us-1.huggingface.co",
	"https://cdn-lfs.hf.co",
	"https://cas-bridge.xethub.hf.co",
	"https://raw.githubusercontent.com",
}

var modelExtensions = []string{".gguf", ".wasm", ".bin", ".safetensors"}

// IsModelAsset reports whether u names model weights or runtime code,
// which are immutable per URL and served cache-first.
func IsModelAsset(u *url.URL) bool {
	ext := strings.ToLower(path.Ext(u.Path))
	for _, e := range modelExtensions {
		if ext == e {
			return true
		}
	}
	p := strings.ToLower(u.Path)
	if strings.Contains(p, "mlc-ai") || strings.Contains(p, "web-llm") {
		return true
	}
	host := strings.ToLower(u.Hostname())
	return host == "huggingface.co" || strings.HasSuffix(host, ".huggingface.co") ||
		strings.HasSuffix(host, ".hf.co")
}

// Strategy is how a request is served.
type Strategy int

const (
	// PassThrough sends the request to the network untouched.
	PassThrough Strategy = iota
	// CacheFirst serves from the store and fetches only on a miss.
	CacheFirst
	// NetworkFirst fetches and falls back to the store on failure.
	NetworkFirst
)

func (s Strategy) String() string {
	switch s {
	case CacheFirst:
		return "cache-first"
	case NetworkFirst:
		return "network-first"
	default:
		return "pass-through"
	}
}

// Classify picks the strategy for req given the cached origins.
func Classify(req *http.Request, origins []string) Strategy {
	if req.Method != http.MethodGet || req.Header.Get("Range") != "" {
		return PassThrough
	}
	if !sameOrigin(req.URL, origins) {
		return PassThrough
	}
	if IsModelAsset(req.URL) {
		return CacheFirst
	}
	return NetworkFirst
}

// sameOrigin compares scheme, host and port against each origin.
func sameOrigin(u *url.URL, origins []string) bool {
	want := originOf(u)
	if want == "" {
		return false
	}
	for _, o := range origins {
		if !strings.Contains(o, "://") {
			o = "https://" + o
		}
		ou, err := url.Parse(o)
		if err != nil {
			continue
		}
		if originOf(ou) == want {
			return true
		}
	}
	return false
}

// originOf returns scheme://host[:port] in lower case, dropping the
// scheme's default port.
func originOf(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if scheme == "" || host == "" {
		return ""
	}
	port := u.Port()
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	}
	return scheme + "://" + host
}

// cacheKey normalizes a URL for lookup; the fragment never reaches a server.
func cacheKey(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return c.String()
}
