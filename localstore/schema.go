package localstore

import (
	"context"
	"fmt"

	"github.com/flaura42/RestaurantReviews/records"
)

// LatestVersion is the newest schema version this package knows.
const LatestVersion = 2

type migration struct {
	version int
	stmts   []string
}

// Upgrade steps only ever add. The stored version lives in PRAGMA user_version.
var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS restaurants (
				id        INTEGER PRIMARY KEY,
				ref       INTEGER NOT NULL DEFAULT 0,
				payload   TEXT NOT NULL,
				stored_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
			)`,
		},
	},
	{
		version: 2,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS reviews (
				id        INTEGER PRIMARY KEY,
				ref       INTEGER NOT NULL DEFAULT 0,  -- restaurant_id
				payload   TEXT NOT NULL,
				stored_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
			)`,
			`CREATE INDEX IF NOT EXISTS idx_reviews_ref ON reviews (ref)`,
			// Offline-queued reviews have no server id yet, hence the surrogate.
			`CREATE TABLE IF NOT EXISTS pending_reviews (
				num       INTEGER PRIMARY KEY AUTOINCREMENT,
				ref       INTEGER NOT NULL DEFAULT 0,  -- restaurant_id
				payload   TEXT NOT NULL,
				stored_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
			)`,
			`CREATE INDEX IF NOT EXISTS idx_pending_reviews_ref ON pending_reviews (ref)`,
		},
	},
}

// migrate brings the schema up to target. A target at or below the stored
// version changes nothing on disk.
func (s *Store) migrate(ctx context.Context, target int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("%w: failed to read schema version: %v", records.ErrLocalStoreUnavailable, err)
	}
	if target <= current {
		s.version = current
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin schema upgrade: %v", records.ErrLocalStoreUnavailable, err)
	}
	defer tx.Rollback()

	for _, m := range migrations {
		if m.version <= current || m.version > target {
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("%w: schema upgrade to version %d failed: %v", records.ErrLocalStoreUnavailable, m.version, err)
			}
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, target)); err != nil {
		return fmt.Errorf("%w: failed to record schema version: %v", records.ErrLocalStoreUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit schema upgrade: %v", records.ErrLocalStoreUnavailable, err)
	}

	s.logger.Info("Local store schema upgraded", "from", current, "to", target)
	s.version = target
	return nil
}
