// Copyright 2026 flaura42
// SPDX-License-Identifier: Apache-2.0

package swcache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// DefaultShellAssets is the application shell seeded on install.
var DefaultShellAssets = []string{
	"/",
	"/index.html",
	"/restaurant.html",
	"/css/styles.css",
	"/css/responsive.css",
	"/js/main.js",
	"/js/restaurant_info.js",
	"/js/dbhelper.js",
	"/img/noimage.jpg",
}

// Config holds the worker settings.
type Config struct {
	CacheName        string            // current generation, e.g. "reviews-v1"
	Prefix           string            // generations sharing it are ours, e.g. "reviews-"
	ShellAssets      []string          // paths relative to Origin
	Origin           string            // site origin, e.g. "http://localhost:8000"
	PassThroughHosts []string          // third-party hosts that are never cached
	Transport        http.RoundTripper // network; http.DefaultTransport when nil
	Logger           *slog.Logger
}

// DefaultConfig returns the settings of the first cache generation.
func DefaultConfig() *Config {
	return &Config{
		CacheName:   "reviews-v1",
		Prefix:      "reviews-",
		ShellAssets: append([]string(nil), DefaultShellAssets...),
		Origin:      "http://localhost:8000",
		PassThroughHosts: []string{
			"api.tiles.mapbox.com",
			"unpkg.com",
			"localhost:35729",
		},
	}
}

// Worker intercepts requests for the site: it serves cached responses first
// and fills the current cache generation from same-origin GETs.
type Worker struct {
	storage     *Storage
	cacheName   string
	prefix      string
	shellAssets []string
	origin      *url.URL
	passThrough map[string]struct{}
	transport   http.RoundTripper
	logger      *slog.Logger
}

// NewWorker validates config and binds it to storage.
func NewWorker(storage *Storage, config *Config) (*Worker, error) {
	if storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.CacheName == "" {
		return nil, fmt.Errorf("cache name is required")
	}
	if config.Prefix != "" && !strings.HasPrefix(config.CacheName, config.Prefix) {
		return nil, fmt.Errorf("cache name %q does not start with prefix %q", config.CacheName, config.Prefix)
	}
	origin, err := url.Parse(config.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("invalid origin %q", config.Origin)
	}

	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	passThrough := make(map[string]struct{}, len(config.PassThroughHosts))
	for _, h := range config.PassThroughHosts {
		passThrough[strings.ToLower(h)] = struct{}{}
	}

	return &Worker{
		storage:     storage,
		cacheName:   config.CacheName,
		prefix:      config.Prefix,
		shellAssets: append([]string(nil), config.ShellAssets...),
		origin:      origin,
		passThrough: passThrough,
		transport:   transport,
		logger:      logger,
	}, nil
}

// CacheName returns the current cache generation.
func (w *Worker) CacheName() string { return w.cacheName }

// Install seeds the current generation with the shell assets. A single
// failing asset fails the install and leaves the generation untouched.
func (w *Worker) Install(ctx context.Context) error {
	urls := make([]string, 0, len(w.shellAssets))
	for _, p := range w.shellAssets {
		u, err := resolve(w.origin, p)
		if err != nil {
			return err
		}
		urls = append(urls, u)
	}

	cache, err := w.storage.Open(ctx, w.cacheName)
	if err != nil {
		return err
	}
	if err := cache.AddAll(ctx, w.transport, urls); err != nil {
		return fmt.Errorf("install of %s failed: %w", w.cacheName, err)
	}
	w.logger.Info("Cache installed", "cache", w.cacheName, "assets", len(urls))
	return nil
}

// Activate deletes every older generation: caches whose name shares the
// prefix but is not the current name. It returns the deleted names.
func (w *Worker) Activate(ctx context.Context) ([]string, error) {
	names, err := w.storage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, name := range names {
		if name == w.cacheName || !strings.HasPrefix(name, w.prefix) {
			continue
		}
		if _, err := w.storage.Delete(ctx, name); err != nil {
			return deleted, err
		}
		deleted = append(deleted, name)
	}
	if len(deleted) > 0 {
		w.logger.Info("Old caches deleted", "caches", deleted)
	}
	return deleted, nil
}

// RoundTrip implements http.RoundTripper. Cached responses win. Otherwise
// the request goes to the network, and a same-origin GET answered with 200
// is stored in the current generation before it is returned. Non-GET
// requests and pass-through hosts are never looked up or stored.
func (w *Worker) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if !w.interceptable(req) {
		return w.transport.RoundTrip(req)
	}

	resp, ok, err := w.storage.Match(ctx, req)
	if err != nil {
		w.logger.Warn("Cache lookup failed, going to network", "url", req.URL.String(), "error", err)
	} else if ok {
		w.logger.Debug("Served from cache", "url", req.URL.String())
		return resp, nil
	}

	resp, err = w.transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK || !w.sameOrigin(req.URL) {
		return resp, nil
	}

	cache, err := w.storage.Open(ctx, w.cacheName)
	if err == nil {
		err = cache.Put(ctx, req, resp)
	}
	if err != nil {
		w.logger.Warn("Failed to cache response", "url", req.URL.String(), "error", err)
	}
	return resp, nil
}

// ServeHTTP proxies requests for the site through RoundTrip, so a browser
// pointed at the worker loads pages the same way an installed service
// worker would serve them.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	target := *w.origin
	target.Path = r.URL.Path
	target.RawPath = r.URL.RawPath
	target.RawQuery = r.URL.RawQuery

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	for k, vs := range r.Header {
		if isHopHeader(k) {
			continue
		}
		for _, v := range vs {
			out.Header.Add(k, v)
		}
	}

	resp, err := w.RoundTrip(out)
	if err != nil {
		w.logger.Warn("Proxy request failed", "url", target.String(), "error", err)
		http.Error(rw, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		if isHopHeader(k) {
			continue
		}
		for _, v := range vs {
			rw.Header().Add(k, v)
		}
	}
	rw.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(rw, resp.Body); err != nil {
		w.logger.Debug("Proxy response copy aborted", "url", target.String(), "error", err)
	}
}

func (w *Worker) interceptable(req *http.Request) bool {
	if req.Method != http.MethodGet && req.Method != "" {
		return false
	}
	_, skip := w.passThrough[strings.ToLower(req.URL.Host)]
	if !skip {
		_, skip = w.passThrough[strings.ToLower(req.URL.Hostname())]
	}
	return !skip
}

func (w *Worker) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, w.origin.Scheme) && strings.EqualFold(u.Host, w.origin.Host)
}

func isHopHeader(k string) bool {
	switch http.CanonicalHeaderKey(k) {
	case "Connection", "Keep-Alive", "Proxy-Connection", "Transfer-Encoding", "Upgrade", "Te", "Trailer":
		return true
	}
	return false
}
