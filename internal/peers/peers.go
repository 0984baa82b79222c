// Package peers indexes live sessions by peer ID. Rendezvous registration
// and chunk announces bind a session to the peer it speaks for; the chunk
// relay uses the index to find an online source, the rendezvous registry to
// deliver live-match notifications.
package peers

import "sync"

// Sink delivers outbound frames to one session without blocking.
type Sink interface {
	Enqueue(frame any) bool
	ID() string
}

// Index maps peer IDs to their live sessions. A peer may hold several
// connections; a session speaks for at most one peer.
type Index struct {
	mu        sync.RWMutex
	byPeer    map[string]map[string]Sink // peer ID -> session ID -> sink
	bySession map[string]string          // session ID -> peer ID
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		byPeer:    make(map[string]map[string]Sink),
		bySession: make(map[string]string),
	}
}

// Bind associates a session with a peer ID. Re-binding the same session to a
// different peer moves it.
func (ix *Index) Bind(peerID string, sink Sink) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	sid := sink.ID()
	if prior, ok := ix.bySession[sid]; ok && prior != peerID {
		ix.unbindLocked(prior, sid)
	}
	ix.bySession[sid] = peerID
	if ix.byPeer[peerID] == nil {
		ix.byPeer[peerID] = make(map[string]Sink)
	}
	ix.byPeer[peerID][sid] = sink
}

// UnbindSession removes a session from the index and returns the peer ID it
// spoke for, if any.
func (ix *Index) UnbindSession(sessionID string) (string, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	peerID, ok := ix.bySession[sessionID]
	if !ok {
		return "", false
	}
	delete(ix.bySession, sessionID)
	ix.unbindLocked(peerID, sessionID)

	_, stillOnline := ix.byPeer[peerID]
	return peerID, !stillOnline
}

func (ix *Index) unbindLocked(peerID, sessionID string) {
	if set, ok := ix.byPeer[peerID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(ix.byPeer, peerID)
		}
	}
}

// Find returns one live session for the peer, if any.
func (ix *Index) Find(peerID string) (Sink, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	for _, sink := range ix.byPeer[peerID] {
		return sink, true
	}
	return nil, false
}

// PeerOf returns the peer ID a session is bound to, if any.
func (ix *Index) PeerOf(sessionID string) (string, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	peerID, ok := ix.bySession[sessionID]
	return peerID, ok
}

// Online reports whether any session speaks for the peer.
func (ix *Index) Online(peerID string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byPeer[peerID]) > 0
}

// Connections returns the number of live sessions bound to the peer.
func (ix *Index) Connections(peerID string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byPeer[peerID])
}
