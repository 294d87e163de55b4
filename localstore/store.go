// Copyright 2026 flaura42
// SPDX-License-Identifier: Apache-2.0

// Package localstore is the on-device record store: a versioned SQLite file
// holding independent collections (restaurants, reviews, pending reviews).
//
// Every operation runs in its own short transaction scoped to one
// collection, so a single *Store is safe to share between goroutines.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/flaura42/RestaurantReviews/records"
)

// Collection describes one named record collection.
type Collection struct {
	Name          string // table name
	KeyColumn     string // primary key column
	AutoIncrement bool   // key is a local surrogate assigned on insert
	Since         int    // schema version that introduced the collection
}

var (
	Restaurants    = Collection{Name: "restaurants", KeyColumn: "id", Since: 1}
	Reviews        = Collection{Name: "reviews", KeyColumn: "id", Since: 2}
	PendingReviews = Collection{Name: "pending_reviews", KeyColumn: "num", AutoIncrement: true, Since: 2}
)

// Entry is one stored record. Ref is an indexed secondary key (the owning
// restaurant id for reviews, zero otherwise).
type Entry struct {
	Key     int64
	Ref     int64
	Payload json.RawMessage
}

// Options configures Open.
type Options struct {
	// Version is the schema version to open with. Zero means LatestVersion.
	Version int
	Logger  *slog.Logger
}

// Store is a handle to an opened local store.
type Store struct {
	db     *sql.DB
	key    string
	logger *slog.Logger

	mu      sync.RWMutex
	version int
	refs    int // guarded by registryMu
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Store{}
)

// Open opens (or joins) the store at path. Concurrent and repeated opens of
// the same path share one handle; each successful Open must be paired with
// a Close. Opening with a higher version than the file carries upgrades the
// schema; a lower or equal version leaves it untouched.
func Open(ctx context.Context, path string, opts *Options) (*Store, error) {
	if opts == nil {
		opts = &Options{}
	}
	version := opts.Version
	if version == 0 {
		version = LatestVersion
	}
	if version < 1 || version > LatestVersion {
		return nil, fmt.Errorf("%w: unsupported schema version %d", records.ErrLocalStoreUnavailable, version)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	key := path
	if path != ":memory:" {
		key = filepath.Clean(path)
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if s, ok := registry[key]; ok {
		if err := s.migrate(ctx, version); err != nil {
			return nil, err
		}
		s.refs++
		return s, nil
	}

	db, err := sql.Open("sqlite3", key+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", records.ErrLocalStoreUnavailable, err)
	}

	// A single connection keeps SQLite from fighting itself over locks and
	// keeps :memory: databases alive for the life of the handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %v", records.ErrLocalStoreUnavailable, err)
	}

	s := &Store{db: db, key: key, logger: logger}
	if err := s.migrate(ctx, version); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.refs = 1
	registry[key] = s

	logger.Debug("Local store opened", "path", key, "version", s.Version())
	return s, nil
}

// Close releases this reference; the database closes with the last one.
func (s *Store) Close() error {
	registryMu.Lock()
	defer registryMu.Unlock()

	s.refs--
	if s.refs > 0 {
		return nil
	}
	delete(registry, s.key)
	return s.db.Close()
}

// DB exposes the underlying database so sibling layers (the request cache)
// can keep their tables in the same file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Version returns the schema version currently in effect.
func (s *Store) Version() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *Store) checkCollection(c Collection) error {
	if v := s.Version(); v < c.Since {
		return fmt.Errorf("%w: collection %s requires schema version %d (have %d)",
			records.ErrLocalStoreUnavailable, c.Name, c.Since, v)
	}
	return nil
}

// GetAll returns every entry of the collection in key order.
func (s *Store) GetAll(ctx context.Context, c Collection) ([]Entry, error) {
	return s.query(ctx, c, fmt.Sprintf(`SELECT %s, ref, payload FROM %s ORDER BY %s`, c.KeyColumn, c.Name, c.KeyColumn))
}

// GetByRef returns the entries whose secondary key equals ref, in key order.
func (s *Store) GetByRef(ctx context.Context, c Collection, ref int64) ([]Entry, error) {
	return s.query(ctx, c, fmt.Sprintf(`SELECT %s, ref, payload FROM %s WHERE ref = ? ORDER BY %s`, c.KeyColumn, c.Name, c.KeyColumn), ref)
}

func (s *Store) query(ctx context.Context, c Collection, query string, args ...any) ([]Entry, error) {
	if err := s.checkCollection(c); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to begin read on %s: %v", records.ErrLocalStoreUnavailable, c.Name, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query %s: %v", records.ErrLocalStoreUnavailable, c.Name, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var payload string
		if err := rows.Scan(&e.Key, &e.Ref, &payload); err != nil {
			return nil, fmt.Errorf("%w: failed to scan %s: %v", records.ErrLocalStoreUnavailable, c.Name, err)
		}
		e.Payload = json.RawMessage(payload)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating %s: %v", records.ErrLocalStoreUnavailable, c.Name, err)
	}
	return entries, nil
}

// Put upserts one entry and returns its key. On an auto-increment collection
// a zero key assigns a fresh surrogate.
func (s *Store) Put(ctx context.Context, c Collection, e Entry) (int64, error) {
	keys, err := s.PutAll(ctx, c, []Entry{e})
	if err != nil {
		return 0, err
	}
	return keys[0], nil
}

// PutAll upserts entries in submission order within one transaction.
func (s *Store) PutAll(ctx context.Context, c Collection, entries []Entry) ([]int64, error) {
	if err := s.checkCollection(c); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to begin write on %s: %v", records.ErrLocalStoreUnavailable, c.Name, err)
	}
	defer tx.Rollback()

	keys := make([]int64, 0, len(entries))
	for _, e := range entries {
		key, err := putInTx(ctx, tx, c, e)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: failed to commit write on %s: %v", records.ErrLocalStoreUnavailable, c.Name, err)
	}
	return keys, nil
}

func putInTx(ctx context.Context, tx *sql.Tx, c Collection, e Entry) (int64, error) {
	if !json.Valid(e.Payload) {
		return 0, fmt.Errorf("%w: invalid JSON payload for %s", records.ErrLocalStoreUnavailable, c.Name)
	}

	if e.Key == 0 {
		if !c.AutoIncrement {
			return 0, fmt.Errorf("%w: %s requires an explicit key", records.ErrLocalStoreUnavailable, c.Name)
		}
		res, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (ref, payload) VALUES (?, ?)`, c.Name),
			e.Ref, string(e.Payload))
		if err != nil {
			return 0, fmt.Errorf("%w: failed to insert into %s: %v", records.ErrLocalStoreUnavailable, c.Name, err)
		}
		key, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("%w: failed to read assigned key on %s: %v", records.ErrLocalStoreUnavailable, c.Name, err)
		}
		return key, nil
	}

	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s (%[2]s, ref, payload) VALUES (?, ?, ?)
		ON CONFLICT(%[2]s) DO UPDATE SET
			ref = excluded.ref,
			payload = excluded.payload,
			stored_at = strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ','now')
	`, c.Name, c.KeyColumn), e.Key, e.Ref, string(e.Payload))
	if err != nil {
		return 0, fmt.Errorf("%w: failed to upsert %s %d: %v", records.ErrLocalStoreUnavailable, c.Name, e.Key, err)
	}
	return e.Key, nil
}

// Delete removes the entry with the given key. Deleting a missing key is not
// an error.
func (s *Store) Delete(ctx context.Context, c Collection, key int64) error {
	if err := s.checkCollection(c); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin delete on %s: %v", records.ErrLocalStoreUnavailable, c.Name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, c.Name, c.KeyColumn), key); err != nil {
		return fmt.Errorf("%w: failed to delete %s %d: %v", records.ErrLocalStoreUnavailable, c.Name, key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit delete on %s: %v", records.ErrLocalStoreUnavailable, c.Name, err)
	}
	return nil
}

// Count returns the number of entries in the collection.
func (s *Store) Count(ctx context.Context, c Collection) (int, error) {
	if err := s.checkCollection(c); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, c.Name)).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: failed to count %s: %v", records.ErrLocalStoreUnavailable, c.Name, err)
	}
	return n, nil
}

// update runs fn on the payload stored under key, inside one transaction.
func (s *Store) update(ctx context.Context, c Collection, key int64, fn func(json.RawMessage) (json.RawMessage, error)) error {
	if err := s.checkCollection(c); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin update on %s: %v", records.ErrLocalStoreUnavailable, c.Name, err)
	}
	defer tx.Rollback()

	var ref int64
	var payload string
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT ref, payload FROM %s WHERE %s = ?`, c.Name, c.KeyColumn), key).Scan(&ref, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %d", records.ErrNotFound, c.Name, key)
	}
	if err != nil {
		return fmt.Errorf("%w: failed to read %s %d: %v", records.ErrLocalStoreUnavailable, c.Name, key, err)
	}

	updated, err := fn(json.RawMessage(payload))
	if err != nil {
		return err
	}
	if _, err := putInTx(ctx, tx, c, Entry{Key: key, Ref: ref, Payload: updated}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit update on %s: %v", records.ErrLocalStoreUnavailable, c.Name, err)
	}
	return nil
}
