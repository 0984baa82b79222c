// Package pairing binds pairing codes to live sessions and runs the
// pair-request state machine: Pending, then exactly one of Accepted,
// Rejected, TimedOut, or Orphaned (a side disconnected).
package pairing

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/haventalk/haven-relay/internal/protocol"
	"github.com/rs/zerolog"
)

// Sink delivers outbound frames to one session without blocking. A false
// return means the frame was dropped (session closing or queue full).
type Sink interface {
	Enqueue(frame any) bool
	ID() string
}

// Error surface. The server maps all request-path failures onto the same
// generic wire message so callers cannot probe who is online.
var (
	ErrCodeInUse        = errors.New("pairing code already in use")
	ErrUnprocessable    = errors.New("pair request could not be processed")
	ErrNoPendingRequest = errors.New("no pending request from this peer")
)

type peerEntry struct {
	code      string
	publicKey string
	sink      Sink
}

type reqKey struct {
	from string
	to   string
}

type request struct {
	fromCode      string
	toCode        string
	fromPublicKey string
	createdAt     time.Time
	expiresAt     time.Time
	warned        bool

	warnTimer   *time.Timer
	expireTimer *time.Timer
}

// Config bounds the state machine.
type Config struct {
	RequestTimeout time.Duration // pending request lifetime
	WarningTime    time.Duration // warning this long before expiry
	FanInCap       int           // max concurrent pending requests per target
}

// Registry is the process-wide pairing state.
type Registry struct {
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex
	peers    map[string]*peerEntry
	requests map[reqKey]*request
	inbound  map[string]int // target code -> pending fan-in

	now func() time.Time
}

// New creates an empty registry.
func New(cfg Config, log zerolog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		log:      log,
		peers:    make(map[string]*peerEntry),
		requests: make(map[reqKey]*request),
		inbound:  make(map[string]int),
		now:      time.Now,
	}
}

// Register binds code to the given session. The code must be unused; the
// caller enforces that the session does not already own a code.
func (r *Registry) Register(code, publicKey string, sink Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[code]; ok {
		return ErrCodeInUse
	}
	r.peers[code] = &peerEntry{code: code, publicKey: publicKey, sink: sink}
	r.log.Debug().Str("code", code).Str("session", sink.ID()).Msg("pairing code registered")
	return nil
}

// Lookup resolves a code to its session sink and public key.
func (r *Registry) Lookup(code string) (Sink, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[code]
	if !ok {
		return nil, "", false
	}
	return p.sink, p.publicKey, true
}

// Request creates (or replaces) a pending pair-request from fromCode to
// toCode and notifies the target. Timers for the expiry warning and the hard
// timeout carry the registry key; on fire they look up the record and no-op
// if it is gone.
func (r *Registry) Request(fromCode, toCode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	from, ok := r.peers[fromCode]
	if !ok {
		return ErrUnprocessable
	}
	target, ok := r.peers[toCode]
	if !ok || toCode == fromCode {
		return ErrUnprocessable
	}

	key := reqKey{from: fromCode, to: toCode}
	if prior, ok := r.requests[key]; ok {
		// A requester holds at most one outbound request per target; the new
		// one replaces the old and the fan-in count is unchanged.
		r.stopTimersLocked(prior)
		delete(r.requests, key)
		r.inbound[toCode]--
	}
	if r.inbound[toCode] >= r.cfg.FanInCap {
		return ErrUnprocessable
	}

	now := r.now()
	req := &request{
		fromCode:      fromCode,
		toCode:        toCode,
		fromPublicKey: from.publicKey,
		createdAt:     now,
		expiresAt:     now.Add(r.cfg.RequestTimeout),
	}
	req.warnTimer = time.AfterFunc(r.cfg.RequestTimeout-r.cfg.WarningTime, func() { r.fireWarning(key) })
	req.expireTimer = time.AfterFunc(r.cfg.RequestTimeout, func() { r.fireTimeout(key) })
	r.requests[key] = req
	r.inbound[toCode]++

	target.sink.Enqueue(protocol.NewPairIncoming(fromCode, from.publicKey, r.cfg.RequestTimeout.Milliseconds()))
	return nil
}

// Respond resolves the pending request from requesterCode to responderCode.
func (r *Registry) Respond(responderCode, requesterCode string, accepted bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := reqKey{from: requesterCode, to: responderCode}
	req, ok := r.requests[key]
	if !ok {
		return ErrNoPendingRequest
	}
	r.purgeLocked(key, req)

	requester, reqOK := r.peers[requesterCode]
	responder, respOK := r.peers[responderCode]
	if !reqOK || !respOK {
		// A side vanished between lookup and response; the request is already
		// purged, treat it like any other unprocessable response.
		return ErrNoPendingRequest
	}

	if !accepted {
		requester.sink.Enqueue(protocol.NewPairRejected(responderCode))
		return nil
	}

	requester.sink.Enqueue(protocol.NewPairMatched(responderCode, responder.publicKey, true))
	responder.sink.Enqueue(protocol.NewPairMatched(requesterCode, requester.publicKey, false))
	r.log.Debug().Str("from", requesterCode).Str("to", responderCode).Msg("pair matched")
	return nil
}

// Forward routes an opaque signaling payload from fromCode to peerCode.
// Returns false if the peer is not connected; the payload is never inspected.
func (r *Registry) Forward(fromCode, peerCode string, payload json.RawMessage) bool {
	r.mu.Lock()
	target, ok := r.peers[peerCode]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return target.sink.Enqueue(protocol.NewSignalForward(fromCode, payload))
}

// Disconnect removes a code and orphans every pending request it is part of.
// Counterparts of orphaned requests receive peer_left.
func (r *Registry) Disconnect(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.peers, code)

	for key, req := range r.requests {
		if key.from != code && key.to != code {
			continue
		}
		r.purgeLocked(key, req)

		counterpart := key.from
		if key.from == code {
			counterpart = key.to
		}
		if p, ok := r.peers[counterpart]; ok {
			p.sink.Enqueue(protocol.PeerLeft{Type: protocol.TypePeerLeft, PeerCode: code})
		}
	}
}

// PendingTo returns the current fan-in for a target code.
func (r *Registry) PendingTo(code string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inbound[code]
}

// HasPending reports whether a request from fromCode to toCode is pending.
func (r *Registry) HasPending(fromCode, toCode string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.requests[reqKey{from: fromCode, to: toCode}]
	return ok
}

func (r *Registry) fireWarning(key reqKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[key]
	if !ok || req.warned {
		return
	}
	req.warned = true

	remaining := int(r.cfg.WarningTime / time.Second)
	if p, ok := r.peers[key.from]; ok {
		p.sink.Enqueue(protocol.NewPairExpiring(key.to, remaining))
	}
	if p, ok := r.peers[key.to]; ok {
		p.sink.Enqueue(protocol.NewPairExpiring(key.from, remaining))
	}
}

func (r *Registry) fireTimeout(key reqKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[key]
	if !ok {
		return
	}
	r.purgeLocked(key, req)

	if p, ok := r.peers[key.from]; ok {
		p.sink.Enqueue(protocol.NewPairTimeout(key.to))
	}
}

// purgeLocked removes the record, cancels both timers, and releases the
// fan-in slot. Safe to call from timer callbacks and handlers alike.
func (r *Registry) purgeLocked(key reqKey, req *request) {
	r.stopTimersLocked(req)
	delete(r.requests, key)
	if r.inbound[key.to] > 0 {
		r.inbound[key.to]--
	}
	if r.inbound[key.to] == 0 {
		delete(r.inbound, key.to)
	}
}

func (r *Registry) stopTimersLocked(req *request) {
	if req.warnTimer != nil {
		req.warnTimer.Stop()
	}
	if req.expireTimer != nil {
		req.expireTimer.Stop()
	}
}
