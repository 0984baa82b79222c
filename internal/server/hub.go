// Package server is the session multiplexer: it accepts WebSocket
// connections, enforces per-session rate limits, decodes the JSON frame
// protocol, and dispatches to the pairing, rendezvous, chunk relay, channel,
// and attestation subsystems.
package server

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/haventalk/haven-relay/internal/attestation"
	"github.com/haventalk/haven-relay/internal/channels"
	"github.com/haventalk/haven-relay/internal/chunkrelay"
	"github.com/haventalk/haven-relay/internal/config"
	"github.com/haventalk/haven-relay/internal/metrics"
	"github.com/haventalk/haven-relay/internal/pairing"
	"github.com/haventalk/haven-relay/internal/peers"
	"github.com/haventalk/haven-relay/internal/protocol"
	"github.com/haventalk/haven-relay/internal/rendezvous"
	"github.com/haventalk/haven-relay/internal/ring"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Clients authenticate by pairing, not origin; browsers are not the
		// expected transport.
		return true
	},
}

// Deps are the subsystems the multiplexer dispatches into.
type Deps struct {
	Pairing    *pairing.Registry
	Rendezvous *rendezvous.Registry
	Chunks     *chunkrelay.Relay
	Channels   *channels.Fanout
	Attest     *attestation.Manager
	Identity   *attestation.Identity
	Ring       *ring.Ring
	Peers      *peers.Index
}

// Hub owns the live sessions.
type Hub struct {
	cfg  config.Config
	deps Deps
	log  zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	byAddr   map[string]int // remote host -> connection count
}

// NewHub creates the multiplexer.
func NewHub(cfg config.Config, deps Deps, log zerolog.Logger) *Hub {
	return &Hub{
		cfg:      cfg,
		deps:     deps,
		log:      log,
		sessions: make(map[string]*Session),
		byAddr:   make(map[string]int),
	}
}

// Router returns the HTTP handler for the main listener.
func (h *Hub) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.HandleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// HandleWebSocket upgrades a connection and starts the session pumps.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	h.mu.Lock()
	if h.byAddr[host] >= h.cfg.MaxConnectionsPerPeer {
		h.mu.Unlock()
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	h.byAddr[host]++
	h.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		h.mu.Lock()
		h.byAddr[host]--
		h.mu.Unlock()
		return
	}

	now := time.Now()
	s := &Session{
		id:              uuid.NewString(),
		remoteAddr:      r.RemoteAddr,
		conn:            conn,
		send:            make(chan []byte, outboundQueueSize),
		frameLimiter:    newSlidingWindow(h.cfg.FrameRateLimit, h.cfg.FrameRateWindow),
		upstreamLimiter: newSlidingWindow(h.cfg.UpstreamRateLimit, h.cfg.UpstreamRateWindow),
		createdAt:       now,
		lastActivity:    now,
		closed:          make(chan struct{}),
	}

	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	metrics.ActiveSessions.Inc()

	h.deps.Attest.OnConnect(s.id)
	h.log.Info().Str("session", s.id).Str("remote", s.remoteAddr).Msg("session connected")

	// The greeting requires no client input.
	s.Enqueue(protocol.NewServerInfo(h.cfg.ServerID, h.cfg.Endpoint))
	if h.deps.Attest.Enabled() {
		if pub, nonce, sig, err := h.deps.Identity.Prove(); err == nil {
			s.Enqueue(protocol.NewServerIdentity(pub, nonce, sig))
		} else {
			h.log.Error().Err(err).Msg("server identity proof failed")
		}
	}

	go s.writePump(h.cfg.HeartbeatInterval)
	go h.readPump(s, host)
}

func (h *Hub) readPump(s *Session, host string) {
	defer h.removeSession(s, host)

	s.conn.SetReadLimit(256 * 1024)
	s.conn.SetReadDeadline(time.Now().Add(h.cfg.HeartbeatTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(h.cfg.HeartbeatTimeout))
		return nil
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warn().Err(err).Str("session", s.id).Msg("WebSocket read error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.conn.SetReadDeadline(time.Now().Add(h.cfg.HeartbeatTimeout))
		h.handleFrame(s, data)
	}
}

// handleFrame runs one inbound frame through rate limiting, decoding, the
// registration and attestation gates, and dispatch. A handler either
// enqueues a structured response or a single error frame; it never closes
// the transport except where attestation demands it.
func (h *Hub) handleFrame(s *Session, data []byte) {
	now := time.Now()
	s.touch(now)

	if !s.frameLimiter.Allow(now) {
		metrics.RateLimitDrops.Inc()
		s.Enqueue(protocol.NewError(protocol.MsgRateLimited))
		return
	}

	frame, err := protocol.Decode(data)
	if err != nil {
		s.Enqueue(protocol.NewError(err.Error()))
		return
	}
	metrics.FramesTotal.WithLabelValues(frame.Type).Inc()

	if s.Code() == "" && !allowedUnregistered(frame.Type) {
		s.Enqueue(protocol.NewError(protocol.MsgNotRegistered))
		return
	}

	switch frame.Type {
	case protocol.TypeChunkAnnounce, protocol.TypeChunkRequest, protocol.TypeChunkPush:
		if !h.deps.Attest.Allowed(s.id) {
			s.Enqueue(protocol.NewCodedError(protocol.ErrCodeNotAttested, protocol.MsgAttestRequired))
			return
		}
	}

	switch p := frame.Payload.(type) {
	case *protocol.RegisterPayload:
		h.handleRegister(s, p)
	case *protocol.PairRequestPayload:
		h.handlePairRequest(s, p)
	case *protocol.PairResponsePayload:
		h.handlePairResponse(s, p)
	case *protocol.SignalForwardPayload:
		// Opaque envelope; dropped silently when the peer is unknown so the
		// error surface does not enumerate who is online.
		h.deps.Pairing.Forward(s.Code(), p.PeerCode, p.Payload)
	case *protocol.PingPayload:
		s.Enqueue(protocol.NewPong(now.UnixMilli()))
	case *protocol.RegisterRendezvousPayload:
		h.handleRendezvous(s, p)
	case *protocol.HeartbeatPayload:
		h.deps.Rendezvous.Touch(p.PeerID, s)
		s.Enqueue(protocol.NewHeartbeatAck(now.UnixMilli()))
	case *protocol.ChannelOwnerRegisterPayload:
		s.Enqueue(h.deps.Channels.RegisterOwner(p.ChannelID, s))
	case *protocol.ChannelSubscribePayload:
		s.Enqueue(h.deps.Channels.Subscribe(p.ChannelID, s))
	case *protocol.UpstreamMessagePayload:
		if !s.upstreamLimiter.Allow(now) {
			s.Enqueue(protocol.NewError(protocol.MsgUpstreamRateLimit))
			return
		}
		s.Enqueue(h.deps.Channels.Upstream(p))
	case *protocol.StreamStartPayload:
		if reply := h.deps.Channels.StartStream(p, s); reply != nil {
			s.Enqueue(reply)
		}
	case *protocol.StreamFramePayload:
		if reply := h.deps.Channels.StreamFrame(p, s); reply != nil {
			s.Enqueue(reply)
		}
	case *protocol.StreamEndPayload:
		if reply := h.deps.Channels.EndStream(p, s); reply != nil {
			s.Enqueue(reply)
		}
	case *protocol.ChunkAnnouncePayload:
		ack, err := h.deps.Chunks.Announce(p, s)
		if err != nil {
			h.log.Error().Err(err).Str("session", s.id).Msg("chunk announce failed")
			s.Enqueue(protocol.NewError("Chunk announce could not be processed"))
			return
		}
		s.Enqueue(ack)
	case *protocol.ChunkRequestPayload:
		s.Enqueue(h.deps.Chunks.Request(p, s))
	case *protocol.ChunkPushPayload:
		peerID, _ := h.deps.Peers.PeerOf(s.id)
		s.Enqueue(h.deps.Chunks.Push(p, peerID))
	case *protocol.AttestRequestPayload:
		s.Enqueue(h.deps.Attest.HandleRequest(s.id, p))
	case *protocol.AttestResponsePayload:
		reply, closeSession := h.deps.Attest.HandleResponse(s.id, p)
		s.Enqueue(reply)
		if closeSession {
			s.Terminate(websocket.ClosePolicyViolation, "ATTESTATION_FAILED")
		}
	default:
		s.Enqueue(protocol.NewError(protocol.MsgUnknownType))
	}
}

func allowedUnregistered(frameType string) bool {
	switch frameType {
	case protocol.TypeRegister, protocol.TypePing, protocol.TypeAttestRequest, protocol.TypeAttestResponse:
		return true
	}
	return false
}

func (h *Hub) handleRegister(s *Session, p *protocol.RegisterPayload) {
	if s.Code() != "" {
		s.Enqueue(protocol.NewError("Registration failed"))
		return
	}
	if !protocol.ValidPairingCode(p.PairingCode) || !protocol.ValidPublicKey(p.PublicKey) {
		s.Enqueue(protocol.NewError("Registration failed"))
		return
	}
	if err := h.deps.Pairing.Register(p.PairingCode, p.PublicKey, s); err != nil {
		s.Enqueue(protocol.NewError("Registration failed"))
		return
	}
	s.setRegistration(p.PairingCode, p.PublicKey)

	var redirects []protocol.RedirectTarget
	for _, red := range h.deps.Ring.RedirectTargets([]string{p.PairingCode}) {
		redirects = append(redirects, protocol.RedirectTarget{
			ServerID: red.ServerID,
			Endpoint: red.Endpoint,
			Hashes:   red.Hashes,
		})
	}
	s.Enqueue(protocol.NewRegistered(p.PairingCode, redirects))
}

func (h *Hub) handlePairRequest(s *Session, p *protocol.PairRequestPayload) {
	if !protocol.ValidPairingCode(p.TargetCode) {
		metrics.PairRequests.WithLabelValues("rejected").Inc()
		s.Enqueue(protocol.NewPairError(protocol.MsgPairGeneric))
		return
	}
	if err := h.deps.Pairing.Request(s.Code(), p.TargetCode); err != nil {
		metrics.PairRequests.WithLabelValues("rejected").Inc()
		s.Enqueue(protocol.NewPairError(protocol.MsgPairGeneric))
		return
	}
	metrics.PairRequests.WithLabelValues("created").Inc()
}

func (h *Hub) handlePairResponse(s *Session, p *protocol.PairResponsePayload) {
	err := h.deps.Pairing.Respond(s.Code(), p.TargetCode, p.Accepted)
	switch {
	case err == nil:
		outcome := "accepted"
		if !p.Accepted {
			outcome = "rejected_by_peer"
		}
		metrics.PairRequests.WithLabelValues(outcome).Inc()
	case errors.Is(err, pairing.ErrNoPendingRequest):
		s.Enqueue(protocol.NewPairError(protocol.MsgNoPendingRequest))
	default:
		s.Enqueue(protocol.NewPairError(protocol.MsgPairGeneric))
	}
}

func (h *Hub) handleRendezvous(s *Session, p *protocol.RegisterRendezvousPayload) {
	result, err := h.deps.Rendezvous.Register(p, s)
	if err != nil {
		h.log.Error().Err(err).Str("session", s.id).Msg("rendezvous registration failed")
		s.Enqueue(protocol.NewError("Rendezvous registration failed"))
		return
	}
	s.Enqueue(result)
}

// removeSession tears down a session's footprint across every registry.
// Pairing cleanup runs first so counterparts learn about orphaned requests
// before the peer index forgets the session.
func (h *Hub) removeSession(s *Session, host string) {
	s.Terminate(websocket.CloseNormalClosure, "")

	h.mu.Lock()
	delete(h.sessions, s.id)
	if h.byAddr[host] > 0 {
		h.byAddr[host]--
	}
	if h.byAddr[host] == 0 {
		delete(h.byAddr, host)
	}
	h.mu.Unlock()
	metrics.ActiveSessions.Dec()

	if code := s.Code(); code != "" {
		h.deps.Pairing.Disconnect(code)
	}
	if peerID, lastConn := h.deps.Peers.UnbindSession(s.id); lastConn {
		h.deps.Chunks.DisconnectPeer(peerID)
	}
	h.deps.Chunks.DisconnectSession(s.id)
	h.deps.Channels.DisconnectSession(s.id)
	h.deps.Attest.OnDisconnect(s.id)

	h.log.Info().Str("session", s.id).Msg("session disconnected")
}

// TerminateSession closes a session by ID with the given close code and
// reason. Used by the attestation reaper.
func (h *Hub) TerminateSession(sessionID string, code int, reason string) {
	h.mu.RLock()
	s, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if ok {
		s.Terminate(code, reason)
	}
}

// ReapUnattested terminates every session whose attestation grace period has
// elapsed without an attempt.
func (h *Hub) ReapUnattested(now time.Time) {
	for _, id := range h.deps.Attest.Reap(now) {
		h.log.Info().Str("session", id).Msg("terminating unattested session")
		h.TerminateSession(id, websocket.ClosePolicyViolation, "NOT_ATTESTED")
	}
}

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
