// Package chunkrelay implements the announce/request/push chunk plane: a
// bounded server-side cache, durable source tracking, and per-chunk pending
// request sets that coalesce concurrent pulls.
package chunkrelay

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haventalk/haven-relay/internal/metrics"
	"github.com/haventalk/haven-relay/internal/peers"
	"github.com/haventalk/haven-relay/internal/protocol"
	"github.com/haventalk/haven-relay/internal/store"
	"github.com/rs/zerolog"
)

// Config bounds the relay.
type Config struct {
	CacheSize  int           // max cached chunks
	CacheTTL   time.Duration // cached chunk lifetime
	SourceTTL  time.Duration // source row lifetime
	PayloadMax int           // max decoded chunk bytes
}

// pendingSet tracks the requesters waiting for one chunk while a pull is in
// flight. Invariant: a non-empty set means exactly one pull was dispatched
// to sourcePeer (or dispatch happens within the same operation).
type pendingSet struct {
	channelID   string
	requesters  map[string]peers.Sink // session ID -> sink
	requestedAt time.Time
	sourcePeer  string
}

// Relay is the process-wide chunk relay.
type Relay struct {
	cfg   Config
	store *store.Store
	peers *peers.Index
	log   zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingSet // chunk ID -> set

	now func() time.Time
}

// New creates a relay over the given store and peer index.
func New(cfg Config, st *store.Store, ix *peers.Index, log zerolog.Logger) *Relay {
	return &Relay{
		cfg:     cfg,
		store:   st,
		peers:   ix,
		log:     log,
		pending: make(map[string]*pendingSet),
		now:     time.Now,
	}
}

// Announce registers the caller as a source for each listed chunk. Entries
// with an empty chunk ID are skipped and not counted. Returns the ack frame.
func (r *Relay) Announce(p *protocol.ChunkAnnouncePayload, sink peers.Sink) (protocol.ChunkAnnounceAck, error) {
	r.peers.Bind(p.PeerID, sink)

	now := r.now()
	registered := 0
	for _, ref := range p.Chunks {
		if ref.ChunkID == "" {
			continue
		}
		if err := r.store.UpsertChunkSource(ref.ChunkID, p.PeerID, now); err != nil {
			return protocol.ChunkAnnounceAck{}, fmt.Errorf("announce chunk %q: %w", ref.ChunkID, err)
		}
		registered++
	}
	return protocol.NewChunkAnnounceAck(registered), nil
}

// Request serves a chunk_request. Returns the frame to send to the
// requester; any chunk_pull to a source is dispatched internally.
func (r *Relay) Request(p *protocol.ChunkRequestPayload, requester peers.Sink) any {
	now := r.now()

	data, err := r.store.GetCachedChunk(p.ChunkID, now, r.cfg.CacheTTL)
	switch {
	case err == nil:
		metrics.ChunkCacheHits.WithLabelValues("hit").Inc()
		return protocol.NewChunkResponse(p.ChunkID, protocol.ChunkSourceCache, base64.StdEncoding.EncodeToString(data))
	case !errors.Is(err, store.ErrCacheMiss):
		r.log.Error().Err(err).Str("chunk", p.ChunkID).Msg("chunk cache read failed")
		return protocol.NewChunkError("Chunk request could not be processed")
	}

	// Fast path: join an existing pending set. The deduplication guarantee
	// lives here — joining never dispatches a second pull unless the chosen
	// source has since disconnected.
	r.mu.Lock()
	if ps, ok := r.pending[p.ChunkID]; ok {
		ps.requesters[requester.ID()] = requester
		stale := ps.sourcePeer != "" && !r.peers.Online(ps.sourcePeer)
		r.mu.Unlock()
		if stale {
			r.redispatch(p.ChunkID, p.ChannelID)
		}
		metrics.ChunkCacheHits.WithLabelValues("coalesced").Inc()
		return protocol.NewChunkPulling(p.ChunkID)
	}
	r.mu.Unlock()

	// Source selection happens outside the lock; the storage read may block.
	sourcePeer, sourceSink := r.selectSource(p.ChunkID)
	if sourceSink == nil {
		metrics.ChunkCacheHits.WithLabelValues("no_source").Inc()
		return protocol.NewChunkError(fmt.Sprintf("No source available for %s", p.ChunkID))
	}

	r.mu.Lock()
	if ps, ok := r.pending[p.ChunkID]; ok {
		// Another requester won the race; coalesce onto its pull.
		ps.requesters[requester.ID()] = requester
		r.mu.Unlock()
		metrics.ChunkCacheHits.WithLabelValues("coalesced").Inc()
		return protocol.NewChunkPulling(p.ChunkID)
	}
	r.pending[p.ChunkID] = &pendingSet{
		channelID:   p.ChannelID,
		requesters:  map[string]peers.Sink{requester.ID(): requester},
		requestedAt: now,
		sourcePeer:  sourcePeer,
	}
	r.mu.Unlock()

	sourceSink.Enqueue(protocol.NewChunkPull(p.ChunkID, p.ChannelID))
	metrics.ChunkPulls.Inc()
	metrics.ChunkCacheHits.WithLabelValues("miss").Inc()
	return protocol.NewChunkPulling(p.ChunkID)
}

// redispatch re-runs source selection for a lingering pending set whose
// original source disconnected mid-pull.
func (r *Relay) redispatch(chunkID, channelID string) {
	sourcePeer, sourceSink := r.selectSource(chunkID)
	if sourceSink == nil {
		return
	}

	r.mu.Lock()
	ps, ok := r.pending[chunkID]
	if !ok || (ps.sourcePeer != "" && r.peers.Online(ps.sourcePeer)) {
		r.mu.Unlock()
		return
	}
	ps.sourcePeer = sourcePeer
	r.mu.Unlock()

	sourceSink.Enqueue(protocol.NewChunkPull(chunkID, channelID))
	metrics.ChunkPulls.Inc()
}

// selectSource picks a currently-online source peer for the chunk.
func (r *Relay) selectSource(chunkID string) (string, peers.Sink) {
	sources, err := r.store.ListChunkSources(chunkID)
	if err != nil {
		r.log.Error().Err(err).Str("chunk", chunkID).Msg("chunk source lookup failed")
		return "", nil
	}
	for _, peerID := range sources {
		if sink, ok := r.peers.Find(peerID); ok {
			return peerID, sink
		}
	}
	return "", nil
}

// Push caches a pushed chunk and fans it out to every pending requester.
// pusherPeerID may be empty if the pushing session never bound a peer ID.
// Returns the frame to send to the pusher.
func (r *Relay) Push(p *protocol.ChunkPushPayload, pusherPeerID string) any {
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return protocol.NewError("Invalid chunk data")
	}
	if len(data) > r.cfg.PayloadMax {
		return protocol.NewError(protocol.MsgChunkTooLarge)
	}

	now := r.now()
	if err := r.store.PutCachedChunk(p.ChunkID, p.ChannelID, data, now, r.cfg.CacheSize); err != nil {
		r.log.Error().Err(err).Str("chunk", p.ChunkID).Msg("chunk cache write failed")
		return protocol.NewError("Chunk push could not be processed")
	}
	if count, err := r.store.CachedChunkCount(); err == nil {
		metrics.CachedChunks.Set(float64(count))
	}

	if pusherPeerID != "" {
		if err := r.store.UpsertChunkSource(p.ChunkID, pusherPeerID, now); err != nil {
			r.log.Error().Err(err).Str("chunk", p.ChunkID).Msg("source registration failed on push")
		}
	}

	r.mu.Lock()
	ps := r.pending[p.ChunkID]
	delete(r.pending, p.ChunkID)
	r.mu.Unlock()

	served := 0
	if ps != nil {
		frame := protocol.NewChunkResponse(p.ChunkID, protocol.ChunkSourceRelay, p.Data)
		for _, requester := range ps.requesters {
			if requester.Enqueue(frame) {
				served++
			}
		}
	}
	return protocol.NewChunkPushAck(p.ChunkID, true, served)
}

// DisconnectSession removes a closing session from every pending set.
// Pending sets whose pull is already in flight remain; a later request for
// the chunk re-triggers source selection if needed.
func (r *Relay) DisconnectSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for chunkID, ps := range r.pending {
		delete(ps.requesters, sessionID)
		if len(ps.requesters) == 0 {
			delete(r.pending, chunkID)
		}
	}
}

// DisconnectPeer drops every source row owned by the peer.
func (r *Relay) DisconnectPeer(peerID string) {
	if err := r.store.DeleteSourcesForPeer(peerID); err != nil {
		r.log.Error().Err(err).Str("peer", peerID).Msg("source cleanup failed on disconnect")
	}
}

// PendingRequesters returns the number of sessions waiting on a chunk.
func (r *Relay) PendingRequesters(chunkID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	ps, ok := r.pending[chunkID]
	if !ok {
		return 0
	}
	return len(ps.requesters)
}

// Expire drops cached chunks and source rows past their TTLs.
func (r *Relay) Expire(now time.Time) {
	if _, err := r.store.ExpireChunkCache(now.Add(-r.cfg.CacheTTL)); err != nil {
		r.log.Error().Err(err).Msg("chunk cache expiry sweep failed")
	}
	if _, err := r.store.ExpireChunkSources(now.Add(-r.cfg.SourceTTL)); err != nil {
		r.log.Error().Err(err).Msg("chunk source expiry sweep failed")
	}
	if count, err := r.store.CachedChunkCount(); err == nil {
		metrics.CachedChunks.Set(float64(count))
	}
}
