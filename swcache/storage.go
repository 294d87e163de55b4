// Copyright 2026 flaura42
// SPDX-License-Identifier: Apache-2.0

// Package swcache is a request interception layer modeled on a browser
// service worker: named response caches persisted in SQLite, a worker that
// installs and activates cache generations, and an http.RoundTripper that
// answers from the cache before going to the network.
package swcache

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrNotCacheable is returned by Put for requests the cache never stores.
var ErrNotCacheable = errors.New("request is not cacheable")

const createCacheTables = `
CREATE TABLE IF NOT EXISTS _sw_caches (
  name       TEXT PRIMARY KEY,
  created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS _sw_cache_entries (
  cache_name TEXT NOT NULL REFERENCES _sw_caches(name) ON DELETE CASCADE,
  url        TEXT NOT NULL,
  status     INTEGER NOT NULL,
  header     TEXT NOT NULL,
  body       BLOB NOT NULL,
  stored_at  INTEGER NOT NULL,
  PRIMARY KEY (cache_name, url)
);`

// Storage is the set of named caches, the equivalent of CacheStorage.
type Storage struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStorage creates the cache tables in db if needed. The database is
// usually the local store's handle.
func NewStorage(ctx context.Context, db *sql.DB, logger *slog.Logger) (*Storage, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.ExecContext(ctx, createCacheTables); err != nil {
		return nil, fmt.Errorf("failed to create cache tables: %w", err)
	}
	return &Storage{db: db, logger: logger}, nil
}

// Keys lists cache names in creation order.
func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM _sw_caches ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list caches: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan cache name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Open returns the named cache, creating it when missing.
func (s *Storage) Open(ctx context.Context, name string) (*Cache, error) {
	if name == "" {
		return nil, fmt.Errorf("cache name is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO _sw_caches(name, created_at) VALUES(?, ?) ON CONFLICT(name) DO NOTHING`,
		name, time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to open cache %q: %w", name, err)
	}
	return &Cache{name: name, storage: s}, nil
}

// Delete removes a cache and its entries. It reports whether the cache
// existed.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM _sw_cache_entries WHERE cache_name = ?`, name); err != nil {
		return false, fmt.Errorf("failed to delete entries of cache %q: %w", name, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM _sw_caches WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("failed to delete cache %q: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit cache delete: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Match looks the request up in every cache, oldest first, and returns the
// first stored response.
func (s *Storage) Match(ctx context.Context, req *http.Request) (*http.Response, bool, error) {
	key, ok := cacheKey(req)
	if !ok {
		return nil, false, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT e.status, e.header, e.body
		FROM _sw_cache_entries e JOIN _sw_caches c ON c.name = e.cache_name
		WHERE e.url = ?
		ORDER BY c.created_at, c.name
		LIMIT 1`, key)
	return scanResponse(row, req)
}

// Cache is one named cache.
type Cache struct {
	name    string
	storage *Storage
}

// Name returns the cache name.
func (c *Cache) Name() string { return c.name }

// Match returns the stored response for req, if any.
func (c *Cache) Match(ctx context.Context, req *http.Request) (*http.Response, bool, error) {
	key, ok := cacheKey(req)
	if !ok {
		return nil, false, nil
	}
	row := c.storage.db.QueryRowContext(ctx,
		`SELECT status, header, body FROM _sw_cache_entries WHERE cache_name = ? AND url = ?`,
		c.name, key)
	return scanResponse(row, req)
}

// Put stores resp under req. It consumes resp.Body and replaces it with an
// in-memory copy, so the caller can still return resp.
func (c *Cache) Put(ctx context.Context, req *http.Request, resp *http.Response) error {
	key, ok := cacheKey(req)
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrNotCacheable, req.Method, req.URL)
	}
	entry, err := readEntry(key, resp)
	if err != nil {
		return err
	}
	return c.write(ctx, []storedEntry{entry})
}

// AddAll fetches every URL through rt and stores the responses. Either all
// responses answer 200 and are written in one transaction, or nothing is
// written.
func (c *Cache) AddAll(ctx context.Context, rt http.RoundTripper, urls []string) error {
	entries := make([]storedEntry, 0, len(urls))
	for _, u := range urls {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("failed to build request for %s: %w", u, err)
		}
		resp, err := rt.RoundTrip(req)
		if err != nil {
			return fmt.Errorf("failed to fetch %s: %w", u, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return fmt.Errorf("failed to fetch %s: status %d", u, resp.StatusCode)
		}
		key, _ := cacheKey(req)
		entry, err := readEntry(key, resp)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
	}
	return c.write(ctx, entries)
}

// Keys lists the URLs stored in this cache.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	rows, err := c.storage.db.QueryContext(ctx,
		`SELECT url FROM _sw_cache_entries WHERE cache_name = ? ORDER BY url`, c.name)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries of cache %q: %w", c.name, err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}

type storedEntry struct {
	url    string
	status int
	header []byte
	body   []byte
}

func (c *Cache) write(ctx context.Context, entries []storedEntry) error {
	tx, err := c.storage.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The cache row may have been deleted by a concurrent Activate.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO _sw_caches(name, created_at) VALUES(?, ?) ON CONFLICT(name) DO NOTHING`,
		c.name, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to open cache %q: %w", c.name, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO _sw_cache_entries(cache_name, url, status, header, body, stored_at)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache_name, url) DO UPDATE SET
		  status = excluded.status, header = excluded.header,
		  body = excluded.body, stored_at = excluded.stored_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare cache insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, c.name, e.url, e.status, e.header, e.body, now); err != nil {
			return fmt.Errorf("failed to store %s in cache %q: %w", e.url, c.name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cache write: %w", err)
	}
	c.storage.logger.Debug("Cache entries stored", "cache", c.name, "count", len(entries))
	return nil
}

// cacheKey is the absolute request URL without its fragment. Only GET
// requests have a key.
func cacheKey(req *http.Request) (string, bool) {
	if req == nil || req.URL == nil || (req.Method != http.MethodGet && req.Method != "") {
		return "", false
	}
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	if u.Host == "" && req.Host != "" {
		u.Host = req.Host
		if u.Scheme == "" {
			u.Scheme = "http"
		}
	}
	return u.String(), true
}

func readEntry(key string, resp *http.Response) (storedEntry, error) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return storedEntry{}, fmt.Errorf("failed to read response body for %s: %w", key, err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	header, err := json.Marshal(resp.Header)
	if err != nil {
		return storedEntry{}, fmt.Errorf("failed to encode headers for %s: %w", key, err)
	}
	return storedEntry{url: key, status: resp.StatusCode, header: header, body: body}, nil
}

func scanResponse(row *sql.Row, req *http.Request) (*http.Response, bool, error) {
	var (
		status int
		header []byte
		body   []byte
	)
	if err := row.Scan(&status, &header, &body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read cached response: %w", err)
	}

	h := http.Header{}
	if err := json.Unmarshal(header, &h); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached headers: %w", err)
	}
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}, true, nil
}

// resolve joins path against origin.
func resolve(origin *url.URL, path string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("invalid asset path %q: %w", path, err)
	}
	return origin.ResolveReference(ref).String(), nil
}
