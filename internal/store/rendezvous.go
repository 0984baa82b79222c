package store

import (
	"fmt"
	"time"
)

// DailyRow is one peer registration at a daily meeting point.
type DailyRow struct {
	PointHash string
	PeerID    string
	DeadDrop  []byte
	RelayID   string
	ExpiresAt time.Time
}

// HourlyRow is one peer registration at an hourly live-match token.
type HourlyRow struct {
	TokenHash string
	PeerID    string
	RelayID   string
	ExpiresAt time.Time
}

// UpsertDailyPoint writes or refreshes the (point, peer) row.
func (s *Store) UpsertDailyPoint(row DailyRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO daily_points (point_hash, peer_id, dead_drop, relay_id, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(point_hash, peer_id) DO UPDATE SET
			dead_drop = excluded.dead_drop,
			relay_id = excluded.relay_id,
			expires_at = excluded.expires_at`,
		row.PointHash, row.PeerID, row.DeadDrop, row.RelayID, row.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert daily point: %w", err)
	}
	return nil
}

// ListDailyPeers returns every live row at the point except excludePeer's own.
func (s *Store) ListDailyPeers(pointHash, excludePeer string, now time.Time) ([]DailyRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT point_hash, peer_id, dead_drop, relay_id, expires_at
		FROM daily_points
		WHERE point_hash = ? AND peer_id != ? AND expires_at > ?`,
		pointHash, excludePeer, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list daily peers: %w", err)
	}
	defer rows.Close()

	var out []DailyRow
	for rows.Next() {
		var r DailyRow
		var expires int64
		if err := rows.Scan(&r.PointHash, &r.PeerID, &r.DeadDrop, &r.RelayID, &expires); err != nil {
			return nil, fmt.Errorf("scan daily peer: %w", err)
		}
		r.ExpiresAt = time.UnixMilli(expires)
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertHourlyToken writes or refreshes the (token, peer) row.
func (s *Store) UpsertHourlyToken(row HourlyRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO hourly_tokens (token_hash, peer_id, relay_id, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(token_hash, peer_id) DO UPDATE SET
			relay_id = excluded.relay_id,
			expires_at = excluded.expires_at`,
		row.TokenHash, row.PeerID, row.RelayID, row.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert hourly token: %w", err)
	}
	return nil
}

// ListHourlyPeers returns every live row at the token except excludePeer's own.
func (s *Store) ListHourlyPeers(tokenHash, excludePeer string, now time.Time) ([]HourlyRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT token_hash, peer_id, relay_id, expires_at
		FROM hourly_tokens
		WHERE token_hash = ? AND peer_id != ? AND expires_at > ?`,
		tokenHash, excludePeer, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list hourly peers: %w", err)
	}
	defer rows.Close()

	var out []HourlyRow
	for rows.Next() {
		var r HourlyRow
		var expires int64
		if err := rows.Scan(&r.TokenHash, &r.PeerID, &r.RelayID, &expires); err != nil {
			return nil, fmt.Errorf("scan hourly peer: %w", err)
		}
		r.ExpiresAt = time.UnixMilli(expires)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ExpireRendezvous deletes expired rows from both rendezvous tables. One
// batched statement per table.
func (s *Store) ExpireRendezvous(now time.Time) (daily, hourly int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.UnixMilli()
	res, err := s.db.Exec(`DELETE FROM daily_points WHERE expires_at <= ?`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("expire daily points: %w", err)
	}
	daily, _ = res.RowsAffected()

	res, err = s.db.Exec(`DELETE FROM hourly_tokens WHERE expires_at <= ?`, cutoff)
	if err != nil {
		return daily, 0, fmt.Errorf("expire hourly tokens: %w", err)
	}
	hourly, _ = res.RowsAffected()
	return daily, hourly, nil
}
