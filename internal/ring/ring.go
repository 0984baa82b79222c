// Package ring implements the virtual-node consistent hash ring used for
// federation routing. Two servers with the same membership view make
// identical routing decisions, and node churn only moves keys adjacent to the
// changed node's virtual positions.
package ring

import (
	"bytes"
	"crypto/sha256"
	"sort"
	"strconv"
	"sync"
)

// Status is a node's liveness as seen by the federation layer. Only alive
// nodes participate in routing.
type Status string

const (
	StatusAlive   Status = "alive"
	StatusSuspect Status = "suspect"
	StatusFailed  Status = "failed"
)

// Node is one server on the ring.
type Node struct {
	ServerID string
	NodeID   string
	Endpoint string
	Status   Status
}

// Redirect points a set of keys at another server.
type Redirect struct {
	ServerID string
	Endpoint string
	Hashes   []string
}

// position is an unsigned 128-bit ring position, big-endian.
type position [16]byte

func hashToPosition(s string) position {
	sum := sha256.Sum256([]byte(s))
	var p position
	copy(p[:], sum[:16])
	return p
}

type entry struct {
	pos      position
	serverID string
}

// Ring holds the membership and the sorted virtual-node table.
type Ring struct {
	localID           string
	replicationFactor int
	virtualNodes      int

	mu      sync.RWMutex
	nodes   map[string]*Node
	entries []entry
}

// New creates an empty ring for the given local server.
func New(localID string, replicationFactor, virtualNodes int) *Ring {
	return &Ring{
		localID:           localID,
		replicationFactor: replicationFactor,
		virtualNodes:      virtualNodes,
		nodes:             make(map[string]*Node),
	}
}

// AddNode registers a server with its virtual tokens. Re-adding replaces the
// prior registration. New nodes start alive.
func (r *Ring) AddNode(serverID, nodeID, endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[serverID]; ok {
		r.removeEntriesLocked(serverID)
	}
	r.nodes[serverID] = &Node{ServerID: serverID, NodeID: nodeID, Endpoint: endpoint, Status: StatusAlive}

	for i := 0; i < r.virtualNodes; i++ {
		r.entries = append(r.entries, entry{
			pos:      hashToPosition(nodeID + "#" + strconv.Itoa(i)),
			serverID: serverID,
		})
	}
	sort.Slice(r.entries, func(i, j int) bool {
		return bytes.Compare(r.entries[i].pos[:], r.entries[j].pos[:]) < 0
	})
}

// RemoveNode drops a server and its virtual tokens.
func (r *Ring) RemoveNode(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.nodes, serverID)
	r.removeEntriesLocked(serverID)
}

func (r *Ring) removeEntriesLocked(serverID string) {
	kept := r.entries[:0]
	for _, e := range r.entries {
		if e.serverID != serverID {
			kept = append(kept, e)
		}
	}
	r.entries = kept
}

// UpdateNodeStatus mutates a node's liveness. Unknown servers are ignored.
func (r *Ring) UpdateNodeStatus(serverID string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n, ok := r.nodes[serverID]; ok {
		n.Status = status
	}
}

// Nodes returns a snapshot of the membership.
func (r *Ring) Nodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// ResponsibleNodes hashes key to a ring position and walks clockwise
// collecting distinct alive server IDs until count are found or the ring is
// exhausted.
func (r *Ring) ResponsibleNodes(key string, count int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.responsibleLocked(key, count)
}

func (r *Ring) responsibleLocked(key string, count int) []string {
	if len(r.entries) == 0 || count <= 0 {
		return nil
	}

	keyPos := hashToPosition(key)
	start := sort.Search(len(r.entries), func(i int) bool {
		return bytes.Compare(r.entries[i].pos[:], keyPos[:]) >= 0
	})

	var out []string
	seen := make(map[string]bool, count)
	for i := 0; i < len(r.entries) && len(out) < count; i++ {
		e := r.entries[(start+i)%len(r.entries)]
		if seen[e.serverID] {
			continue
		}
		seen[e.serverID] = true
		if n, ok := r.nodes[e.serverID]; ok && n.Status == StatusAlive {
			out = append(out, e.serverID)
		}
	}
	return out
}

// ShouldHandleLocally reports whether the local server is in the key's
// replica set.
func (r *Ring) ShouldHandleLocally(key string) bool {
	for _, id := range r.ResponsibleNodes(key, r.replicationFactor) {
		if id == r.localID {
			return true
		}
	}
	return false
}

// RedirectTargets returns, for each key whose primary alive node is not this
// server, a redirect entry. Keys sharing a target server are merged.
func (r *Ring) RedirectTargets(keys []string) []Redirect {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var order []string
	byServer := make(map[string]*Redirect)

	for _, key := range keys {
		primary := r.responsibleLocked(key, 1)
		if len(primary) == 0 || primary[0] == r.localID {
			continue
		}
		id := primary[0]
		red, ok := byServer[id]
		if !ok {
			node := r.nodes[id]
			red = &Redirect{ServerID: id, Endpoint: node.Endpoint}
			byServer[id] = red
			order = append(order, id)
		}
		red.Hashes = append(red.Hashes, key)
	}

	out := make([]Redirect, 0, len(order))
	for _, id := range order {
		out = append(out, *byServer[id])
	}
	return out
}
