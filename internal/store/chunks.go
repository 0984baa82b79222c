package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrCacheMiss is returned when a chunk is absent from the cache or expired.
var ErrCacheMiss = errors.New("chunk cache miss")

// UpsertChunkSource records peerID as a source for chunkID, refreshing
// announced_at on re-announce.
func (s *Store) UpsertChunkSource(chunkID, peerID string, announcedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO chunk_sources (chunk_id, peer_id, announced_at)
		VALUES (?, ?, ?)
		ON CONFLICT(chunk_id, peer_id) DO UPDATE SET announced_at = excluded.announced_at`,
		chunkID, peerID, announcedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert chunk source: %w", err)
	}
	return nil
}

// ListChunkSources returns the peer IDs currently announcing chunkID, most
// recently announced first.
func (s *Store) ListChunkSources(chunkID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT peer_id FROM chunk_sources
		WHERE chunk_id = ?
		ORDER BY announced_at DESC`, chunkID)
	if err != nil {
		return nil, fmt.Errorf("list chunk sources: %w", err)
	}
	defer rows.Close()

	var peers []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan chunk source: %w", err)
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// DeleteSourcesForPeer drops every source row owned by peerID.
func (s *Store) DeleteSourcesForPeer(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM chunk_sources WHERE peer_id = ?`, peerID); err != nil {
		return fmt.Errorf("delete sources for peer: %w", err)
	}
	return nil
}

// ExpireChunkSources deletes sources announced before the cutoff.
func (s *Store) ExpireChunkSources(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM chunk_sources WHERE announced_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("expire chunk sources: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PutCachedChunk inserts or replaces a cached chunk, evicting first if the
// cache would exceed maxEntries. Eviction order: least recent last_accessed,
// ties by lowest access_count, then lowest cached_at. Insert and eviction run
// in one transaction so they are atomic with respect to each other.
func (s *Store) PutCachedChunk(chunkID, channelID string, data []byte, now time.Time, maxEntries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin cache insert: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRow(`SELECT EXISTS(SELECT 1 FROM chunk_cache WHERE chunk_id = ?)`, chunkID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check cached chunk: %w", err)
	}

	if !exists {
		var count int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM chunk_cache`).Scan(&count); err != nil {
			return fmt.Errorf("count cached chunks: %w", err)
		}
		if overflow := count - maxEntries + 1; overflow > 0 {
			_, err = tx.Exec(`
				DELETE FROM chunk_cache WHERE chunk_id IN (
					SELECT chunk_id FROM chunk_cache
					ORDER BY last_accessed ASC, access_count ASC, cached_at ASC
					LIMIT ?
				)`, overflow)
			if err != nil {
				return fmt.Errorf("evict cached chunks: %w", err)
			}
		}
	}

	ts := now.UnixMilli()
	_, err = tx.Exec(`
		INSERT INTO chunk_cache (chunk_id, channel_id, data, cached_at, last_accessed, access_count)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(chunk_id) DO UPDATE SET
			channel_id = excluded.channel_id,
			data = excluded.data,
			cached_at = excluded.cached_at,
			last_accessed = excluded.last_accessed,
			access_count = 0`,
		chunkID, channelID, data, ts, ts)
	if err != nil {
		return fmt.Errorf("insert cached chunk: %w", err)
	}
	return tx.Commit()
}

// GetCachedChunk returns the cached data for chunkID if present and younger
// than ttl, updating last_accessed and access_count. Returns ErrCacheMiss
// otherwise.
func (s *Store) GetCachedChunk(chunkID string, now time.Time, ttl time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data []byte
	var cachedAt int64
	err := s.db.QueryRow(`SELECT data, cached_at FROM chunk_cache WHERE chunk_id = ?`, chunkID).
		Scan(&data, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get cached chunk: %w", err)
	}
	if time.UnixMilli(cachedAt).Add(ttl).Before(now) {
		return nil, ErrCacheMiss
	}

	_, err = s.db.Exec(`
		UPDATE chunk_cache SET last_accessed = ?, access_count = access_count + 1
		WHERE chunk_id = ?`, now.UnixMilli(), chunkID)
	if err != nil {
		return nil, fmt.Errorf("touch cached chunk: %w", err)
	}
	return data, nil
}

// CachedChunkCount returns the number of cached chunks.
func (s *Store) CachedChunkCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM chunk_cache`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count cached chunks: %w", err)
	}
	return count, nil
}

// ExpireChunkCache deletes cached chunks older than the cutoff.
func (s *Store) ExpireChunkCache(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM chunk_cache WHERE cached_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("expire chunk cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
