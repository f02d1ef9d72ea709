// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package assets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
)

// ErrOffline is returned for uncached requests while offline.
var ErrOffline = errors.New("offline: asset not cached")

// HeaderCache is set on responses to report how they were served.
const HeaderCache = "X-Rigchat-Cache"

// maxNetworkFirstBody bounds the buffered body of network-first entries.
const maxNetworkFirstBody = 32 << 20

// maxRedirects matches net/http's client limit.
const maxRedirects = 10

// Transport applies the caching policy to outgoing requests.
type Transport struct {
	Store   *Store
	Base    http.RoundTripper
	Origins []string

	// Offline serves only from the cache and never dials.
	Offline bool

	Logger *slog.Logger
}

// NewTransport wraps base (http.DefaultTransport when nil).
func NewTransport(store *Store, base http.RoundTripper) *Transport {
	return &Transport{Store: store, Base: base, Origins: DefaultOrigins}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Client returns an http.Client using t.
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	switch Classify(req, t.Origins) {
	case CacheFirst:
		return t.cacheFirst(req)
	case NetworkFirst:
		return t.networkFirst(req)
	default:
		if t.Offline {
			return nil, fmt.Errorf("%w: %s", ErrOffline, req.URL)
		}
		return t.base().RoundTrip(req)
	}
}

func (t *Transport) cacheFirst(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	key := cacheKey(req.URL)

	if resp, err := t.fromCache(ctx, req, key); err == nil {
		return resp, nil
	}
	if t.Offline {
		return nil, fmt.Errorf("%w: %s", ErrOffline, key)
	}

	resp, err := t.follow(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()

	t.logger().Info("caching asset", "url", key, "from", resp.Request.URL.Host, "size", resp.ContentLength)
	if _, err := t.Store.Put(ctx, key, resp.Header.Get("Content-Type"), false, resp.Body); err != nil {
		return nil, fmt.Errorf("cache %s: %w", key, err)
	}
	return t.fromCache(ctx, req, key)
}

// follow sends req and chases redirects itself, so the final body is
// stored under the requested URL rather than a signed CDN location.
// Credentials are not forwarded to another host.
func (t *Transport) follow(req *http.Request) (*http.Response, error) {
	cur := req
	for hops := 0; ; hops++ {
		resp, err := t.base().RoundTrip(cur)
		if err != nil {
			return nil, err
		}
		if resp.Request == nil {
			resp.Request = cur
		}
		loc := resp.Header.Get("Location")
		if !isRedirect(resp.StatusCode) || loc == "" {
			return resp, nil
		}
		resp.Body.Close()
		if hops == maxRedirects {
			return nil, fmt.Errorf("%s: stopped after %d redirects", cacheKey(req.URL), maxRedirects)
		}

		next, err := cur.URL.Parse(loc)
		if err != nil {
			return nil, fmt.Errorf("%s: bad redirect location %q: %w", cacheKey(req.URL), loc, err)
		}
		nreq, err := http.NewRequestWithContext(req.Context(), http.MethodGet, next.String(), nil)
		if err != nil {
			return nil, err
		}
		for k, v := range req.Header {
			if next.Host != req.URL.Host && (k == "Authorization" || k == "Cookie") {
				continue
			}
			nreq.Header[k] = v
		}
		t.logger().Debug("following redirect", "url", cacheKey(req.URL), "to", next.Host)
		cur = nreq
	}
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func (t *Transport) networkFirst(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	key := cacheKey(req.URL)

	if t.Offline {
		if resp, err := t.fromCache(ctx, req, key); err == nil {
			return resp, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrOffline, key)
	}

	resp, err := t.base().RoundTrip(req)
	if err != nil {
		if cached, cerr := t.fromCache(ctx, req, key); cerr == nil {
			t.logger().Warn("network failed, serving cached copy", "url", key, "error", err)
			return cached, nil
		}
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxNetworkFirstBody+1))
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if len(body) > maxNetworkFirstBody {
		return nil, fmt.Errorf("%s: response larger than %d bytes", key, maxNetworkFirstBody)
	}

	ct := resp.Header.Get("Content-Type")
	if _, err := t.Store.Put(ctx, key, ct, compressible(ct), bytes.NewReader(body)); err != nil {
		t.logger().Warn("failed to cache response", "url", key, "error", err)
	}
	return resp, nil
}

func (t *Transport) fromCache(ctx context.Context, req *http.Request, key string) (*http.Response, error) {
	e, err := t.Store.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	body, err := t.Store.Body(e)
	if err != nil {
		return nil, err
	}

	header := make(http.Header)
	if e.ContentType != "" {
		header.Set("Content-Type", e.ContentType)
	}
	header.Set("Content-Length", strconv.FormatInt(e.Size, 10))
	header.Set(HeaderCache, "hit")
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          body,
		ContentLength: e.Size,
		Request:       req,
	}, nil
}

func compressible(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	if strings.HasPrefix(mt, "text/") {
		return true
	}
	switch mt {
	case "application/json", "application/javascript", "application/xml", "image/svg+xml":
		return true
	}
	return strings.HasSuffix(mt, "+json")
}

// =============================================================================
// PRECACHE
// =============================================================================

// PrecacheResult reports the outcome for one URL.
type PrecacheResult struct {
	URL    string
	Cached bool
	Err    error
}

// Precache fetches each URL through t so it is stored for later offline use.
// Failures are reported per URL; the first context error stops the run.
func (t *Transport) Precache(ctx context.Context, urls []string) []PrecacheResult {
	client := t.Client()
	results := make([]PrecacheResult, 0, len(urls))
	for _, u := range urls {
		if err := ctx.Err(); err != nil {
			results = append(results, PrecacheResult{URL: u, Err: err})
			break
		}
		results = append(results, t.precacheOne(ctx, client, u))
	}
	return results
}

func (t *Transport) precacheOne(ctx context.Context, client *http.Client, u string) PrecacheResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return PrecacheResult{URL: u, Err: err}
	}
	if Classify(req, t.Origins) == PassThrough {
		return PrecacheResult{URL: u, Err: fmt.Errorf("%s is not a cached origin", req.URL.Host)}
	}
	resp, err := client.Do(req)
	if err != nil {
		return PrecacheResult{URL: u, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return PrecacheResult{URL: u, Err: fmt.Errorf("%s: %s", u, resp.Status)}
	}
	return PrecacheResult{URL: u, Cached: true}
}
