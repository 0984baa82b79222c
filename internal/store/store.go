// Package store is the durable storage layer: daily meeting points, hourly
// tokens, chunk sources, the relay chunk cache, and federation membership.
// All writes are primary-key upserts; expiry is batched per table.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

const dbFileName = "haven-relay.db"

// Store wraps the SQLite handle. A single connection is used; SQLite handles
// one writer anyway and this keeps transactions serialized.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// Open opens or creates the store under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return openPath(filepath.Join(dataDir, dbFileName))
}

// OpenMemory opens an in-memory store, used by tests.
func OpenMemory() (*Store, error) {
	return openPath(":memory:")
}

func openPath(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?" + url.Values{
			"_pragma": []string{
				"busy_timeout(30000)",
				"journal_mode(WAL)",
				"synchronous(NORMAL)",
				"foreign_keys(ON)",
			},
		}.Encode()
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open relay db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, dbPath: path}
	if err := s.initSchema(); err != nil {
		wrapped := fmt.Errorf("initialize relay store schema for %q: %w", path, err)
		if closeErr := db.Close(); closeErr != nil {
			return nil, errors.Join(wrapped, fmt.Errorf("close relay db after init failure: %w", closeErr))
		}
		return nil, wrapped
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS daily_points (
		point_hash TEXT NOT NULL,
		peer_id    TEXT NOT NULL,
		dead_drop  BLOB,
		relay_id   TEXT NOT NULL DEFAULT '',
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (point_hash, peer_id)
	);
	CREATE INDEX IF NOT EXISTS idx_daily_points_expiry ON daily_points(expires_at);

	CREATE TABLE IF NOT EXISTS hourly_tokens (
		token_hash TEXT NOT NULL,
		peer_id    TEXT NOT NULL,
		relay_id   TEXT NOT NULL DEFAULT '',
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (token_hash, peer_id)
	);
	CREATE INDEX IF NOT EXISTS idx_hourly_tokens_expiry ON hourly_tokens(expires_at);

	CREATE TABLE IF NOT EXISTS chunk_sources (
		chunk_id     TEXT NOT NULL,
		peer_id      TEXT NOT NULL,
		announced_at INTEGER NOT NULL,
		PRIMARY KEY (chunk_id, peer_id)
	);
	CREATE INDEX IF NOT EXISTS idx_chunk_sources_peer ON chunk_sources(peer_id);

	CREATE TABLE IF NOT EXISTS chunk_cache (
		chunk_id      TEXT PRIMARY KEY,
		channel_id    TEXT NOT NULL DEFAULT '',
		data          BLOB NOT NULL,
		cached_at     INTEGER NOT NULL,
		last_accessed INTEGER NOT NULL,
		access_count  INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_chunk_cache_lru ON chunk_cache(last_accessed, access_count, cached_at);

	CREATE TABLE IF NOT EXISTS membership (
		server_id   TEXT PRIMARY KEY,
		node_id     TEXT NOT NULL,
		endpoint    TEXT NOT NULL,
		public_key  TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL DEFAULT 'alive',
		incarnation INTEGER NOT NULL DEFAULT 0,
		last_seen   INTEGER NOT NULL DEFAULT 0,
		metadata    TEXT NOT NULL DEFAULT ''
	);`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
