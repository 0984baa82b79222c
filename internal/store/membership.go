package store

import (
	"fmt"
	"time"
)

// Member is one server in the federation membership table.
type Member struct {
	ServerID    string
	NodeID      string
	Endpoint    string
	PublicKey   string
	Status      string
	Incarnation int64
	LastSeen    time.Time
	Metadata    string
}

// UpsertMember writes or refreshes a membership row.
func (s *Store) UpsertMember(m Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO membership (server_id, node_id, endpoint, public_key, status, incarnation, last_seen, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_id) DO UPDATE SET
			node_id = excluded.node_id,
			endpoint = excluded.endpoint,
			public_key = excluded.public_key,
			status = excluded.status,
			incarnation = excluded.incarnation,
			last_seen = excluded.last_seen,
			metadata = excluded.metadata`,
		m.ServerID, m.NodeID, m.Endpoint, m.PublicKey, m.Status, m.Incarnation, m.LastSeen.UnixMilli(), m.Metadata)
	if err != nil {
		return fmt.Errorf("upsert member: %w", err)
	}
	return nil
}

// UpdateMemberStatus mutates only a member's status.
func (s *Store) UpdateMemberStatus(serverID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`UPDATE membership SET status = ? WHERE server_id = ?`, status, serverID); err != nil {
		return fmt.Errorf("update member status: %w", err)
	}
	return nil
}

// DeleteMember removes a membership row.
func (s *Store) DeleteMember(serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM membership WHERE server_id = ?`, serverID); err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	return nil
}

// ListMembers returns all membership rows.
func (s *Store) ListMembers() ([]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT server_id, node_id, endpoint, public_key, status, incarnation, last_seen, metadata
		FROM membership`)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var m Member
		var lastSeen int64
		if err := rows.Scan(&m.ServerID, &m.NodeID, &m.Endpoint, &m.PublicKey, &m.Status, &m.Incarnation, &lastSeen, &m.Metadata); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		m.LastSeen = time.UnixMilli(lastSeen)
		out = append(out, m)
	}
	return out, rows.Err()
}
