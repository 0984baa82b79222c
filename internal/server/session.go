package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/haventalk/haven-relay/internal/protocol"
	"github.com/rs/zerolog/log"
)

const (
	outboundQueueSize = 256
	writeWait         = 10 * time.Second
)

// Session is one live client connection. Inbound frames are handled one at
// a time by the read pump, so session-local fields below mu only contend
// with cross-session emitters.
type Session struct {
	id         string
	remoteAddr string
	conn       *websocket.Conn
	send       chan []byte

	frameLimiter    *slidingWindow
	upstreamLimiter *slidingWindow

	mu           sync.Mutex
	pairingCode  string
	publicKey    string
	createdAt    time.Time
	lastActivity time.Time

	closeOnce sync.Once
	closed    chan struct{}

	closeCode   int
	closeReason string
}

// ID returns the server-assigned session identifier.
func (s *Session) ID() string { return s.id }

// Code returns the session's pairing code, or "" before registration.
func (s *Session) Code() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairingCode
}

func (s *Session) setRegistration(code, publicKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairingCode = code
	s.publicKey = publicKey
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
}

// Enqueue serializes a frame onto the session's outbound queue without
// blocking. A full queue drops the frame and marks the session for
// disconnect.
func (s *Session) Enqueue(frame any) bool {
	data, err := protocol.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Str("session", s.id).Msg("failed to marshal outbound frame")
		return false
	}

	select {
	case <-s.closed:
		return false
	default:
	}

	select {
	case s.send <- data:
		return true
	default:
		log.Warn().Str("session", s.id).Msg("outbound queue full, disconnecting session")
		s.Terminate(websocket.CloseGoingAway, "send queue overflow")
		return false
	}
}

// Terminate closes the session with the given close code and reason. Safe
// to call from any goroutine; only the first call wins.
func (s *Session) Terminate(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		close(s.closed)
	})
}

// writePump drains the outbound queue onto the socket. One per session.
func (s *Session) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Drain whatever else is queued before the next select.
			n := len(s.send)
			for i := 0; i < n; i++ {
				select {
				case msg := <-s.send:
					if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
				}
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.closed:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			msg := websocket.FormatCloseMessage(s.closeCode, s.closeReason)
			_ = s.conn.WriteMessage(websocket.CloseMessage, msg)
			return
		}
	}
}
