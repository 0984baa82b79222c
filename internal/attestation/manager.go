// Package attestation gates chunk operations behind a per-session proof
// delegated to the bootstrap service. Sessions get a short grace period
// after connecting; past it, unattested sessions lose chunk access and are
// eventually terminated by the reaper sweep.
package attestation

import (
	"sync"
	"time"

	"github.com/haventalk/haven-relay/internal/metrics"
	"github.com/haventalk/haven-relay/internal/protocol"
	"github.com/rs/zerolog"
)

// Config bounds the gateway. An empty BootstrapURL disables attestation
// entirely; every check then passes.
type Config struct {
	BootstrapURL    string
	GracePeriod     time.Duration
	SessionTokenTTL time.Duration
}

type session struct {
	connectionID string
	connectedAt  time.Time
	attested     bool
	pending      bool

	sessionToken   string
	tokenExpiresAt time.Time
	deviceID       string
}

// Manager is the process-wide attestation state.
type Manager struct {
	cfg       Config
	enabled   bool
	bootstrap *bootstrapClient
	log       zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session

	now func() time.Time
}

// New creates the manager. The bootstrap client is only constructed when a
// URL is configured.
func New(cfg Config, log zerolog.Logger) *Manager {
	m := &Manager{
		cfg:      cfg,
		enabled:  cfg.BootstrapURL != "",
		log:      log,
		sessions: make(map[string]*session),
		now:      time.Now,
	}
	if m.enabled {
		m.bootstrap = newBootstrapClient(cfg.BootstrapURL)
	}
	return m
}

// Enabled reports whether attestation is configured.
func (m *Manager) Enabled() bool { return m.enabled }

// OnConnect creates the per-session attestation record.
func (m *Manager) OnConnect(connectionID string) {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[connectionID] = &session{
		connectionID: connectionID,
		connectedAt:  m.now(),
	}
}

// OnDisconnect removes the record.
func (m *Manager) OnDisconnect(connectionID string) {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, connectionID)
}

// Allowed reports whether the session may perform chunk operations: always
// when attestation is disabled, during the grace period, while attestation
// is pending, or while attested with a live session token.
func (m *Manager) Allowed(connectionID string) bool {
	if !m.enabled {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[connectionID]
	if !ok {
		return false
	}
	now := m.now()
	if now.Sub(s.connectedAt) < m.cfg.GracePeriod {
		return true
	}
	if s.pending {
		return true
	}
	return s.attested && now.Before(s.tokenExpiresAt)
}

// HandleRequest forwards an attest_request to the bootstrap challenge
// endpoint. Returns the frame to send back.
func (m *Manager) HandleRequest(connectionID string, p *protocol.AttestRequestPayload) any {
	if !m.enabled {
		return protocol.NewAttestError("attestation is not enabled on this server")
	}

	m.mu.Lock()
	s, ok := m.sessions[connectionID]
	if ok {
		s.pending = true
		s.deviceID = p.DeviceID
	}
	m.mu.Unlock()
	if !ok {
		return protocol.NewAttestError("unknown session")
	}

	challenge, err := m.bootstrap.Challenge(p.BuildToken, p.DeviceID)
	if err != nil {
		m.log.Warn().Err(err).Str("session", connectionID).Msg("attestation challenge failed")
		return protocol.NewAttestError("bootstrap challenge failed")
	}
	return protocol.NewAttestChallenge(challenge.Nonce, challenge.Regions)
}

// HandleResponse forwards an attest_response to the bootstrap verify
// endpoint. Returns the frame to send back and whether the session must be
// closed (verification failure is fatal).
func (m *Manager) HandleResponse(connectionID string, p *protocol.AttestResponsePayload) (frame any, closeSession bool) {
	if !m.enabled {
		return protocol.NewAttestError("attestation is not enabled on this server"), false
	}

	m.mu.Lock()
	s, ok := m.sessions[connectionID]
	var deviceID string
	if ok {
		deviceID = s.deviceID
	}
	m.mu.Unlock()
	if !ok {
		return protocol.NewAttestError("unknown session"), false
	}

	verdict, err := m.bootstrap.Verify(p.Nonce, deviceID, p.Responses)
	if err != nil {
		m.log.Warn().Err(err).Str("session", connectionID).Msg("attestation verify failed")
		metrics.AttestOutcomes.WithLabelValues("error").Inc()
		return protocol.NewAttestFailed("attestation verification failed"), true
	}
	if !verdict.Valid {
		m.mu.Lock()
		if s, ok := m.sessions[connectionID]; ok {
			s.pending = false
		}
		m.mu.Unlock()
		metrics.AttestOutcomes.WithLabelValues("rejected").Inc()
		return protocol.NewAttestFailed("attestation verification failed"), true
	}

	m.mu.Lock()
	if s, ok := m.sessions[connectionID]; ok {
		s.attested = true
		s.pending = false
		s.sessionToken = verdict.SessionToken
		s.tokenExpiresAt = m.now().Add(m.cfg.SessionTokenTTL)
	}
	m.mu.Unlock()

	metrics.AttestOutcomes.WithLabelValues("attested").Inc()
	m.log.Info().Str("session", connectionID).Msg("session attested")
	return protocol.NewAttestSuccess(verdict.SessionToken), false
}

// Reap returns the sessions whose grace period has elapsed without an
// attestation attempt. The caller terminates them.
func (m *Manager) Reap(now time.Time) []string {
	if !m.enabled {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []string
	for id, s := range m.sessions {
		if s.attested || s.pending {
			continue
		}
		if now.Sub(s.connectedAt) >= m.cfg.GracePeriod {
			expired = append(expired, id)
		}
	}
	return expired
}
