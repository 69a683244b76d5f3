// Package store is the typed view over the persistent download table. It owns
// the SQLite database, applies schema migrations linearly, and publishes a
// change signal on every write so the scheduler and notifier can reconcile.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS downloads (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner TEXT NOT NULL DEFAULT '',
	uid INTEGER NOT NULL DEFAULT 0,
	source_uri TEXT NOT NULL,
	hint_name TEXT NOT NULL DEFAULT '',
	referer TEXT NOT NULL DEFAULT '',
	cookies TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	destination INTEGER NOT NULL DEFAULT 0,
	_data TEXT NOT NULL DEFAULT '',
	mime_type TEXT NOT NULL DEFAULT '',
	total_bytes INTEGER NOT NULL DEFAULT -1,
	current_bytes INTEGER NOT NULL DEFAULT 0,
	etag TEXT NOT NULL DEFAULT '',
	no_integrity INTEGER NOT NULL DEFAULT 0,
	status INTEGER NOT NULL DEFAULT 100,
	control INTEGER NOT NULL DEFAULT 0,
	visibility INTEGER NOT NULL DEFAULT 0,
	allowed_network_types INTEGER NOT NULL DEFAULT -1,
	allow_roaming INTEGER NOT NULL DEFAULT 1,
	allow_metered INTEGER NOT NULL DEFAULT 1,
	bypass_recommended INTEGER NOT NULL DEFAULT 0,
	flags INTEGER NOT NULL DEFAULT 0,
	num_failed INTEGER NOT NULL DEFAULT 0,
	retry_after_ms INTEGER NOT NULL DEFAULT 0,
	last_modified INTEGER NOT NULL DEFAULT 0,
	redirect_count INTEGER NOT NULL DEFAULT 0,
	deleted INTEGER NOT NULL DEFAULT 0,
	media_scan INTEGER NOT NULL DEFAULT 0,
	media_store_uri TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS headers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	download_id INTEGER NOT NULL,
	position INTEGER NOT NULL,
	name TEXT NOT NULL,
	value TEXT NOT NULL,
	UNIQUE(download_id, position)
);

CREATE INDEX IF NOT EXISTS idx_downloads_deleted ON downloads(deleted);
CREATE INDEX IF NOT EXISTS idx_headers_download ON headers(download_id);
`

// Store wraps the SQLite handle plus the change-signal fan-out.
type Store struct {
	db *sql.DB

	mu          sync.Mutex
	subscribers []chan struct{}
}

// Open opens (or creates) the database at path and migrates it to the current
// schema version. A downgrade drops and recreates.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps per-row updates serialized and gives
	// read-your-writes without SQLITE_BUSY dances.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragma: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if version > schemaVersion {
		// Downgrade: drop and recreate.
		if _, err := s.db.Exec("DROP TABLE IF EXISTS headers; DROP TABLE IF EXISTS downloads;"); err != nil {
			return fmt.Errorf("failed to drop tables on downgrade: %w", err)
		}
		version = 0
	}

	// Migrations apply linearly; version 0 -> 1 creates the base schema.
	if version < 1 {
		if _, err := s.db.Exec(schema); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// Close closes the database and all subscriber channels.
func (s *Store) Close() error {
	s.mu.Lock()
	for _, ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = nil
	s.mu.Unlock()
	return s.db.Close()
}

// Subscribe returns a coalescing change signal: the channel carries at most
// one pending notification, so a burst of writes collapses into a single
// reconciliation. Closed when the store closes.
func (s *Store) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

// notify publishes a change to all subscribers without blocking. A full
// channel means a notification is already pending, which is enough.
func (s *Store) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
