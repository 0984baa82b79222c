// Package rendezvous handles daily meeting points, hourly live-match tokens,
// and dead-drop exchange. Rows are durable; the store is the source of truth.
package rendezvous

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/haventalk/haven-relay/internal/peers"
	"github.com/haventalk/haven-relay/internal/protocol"
	"github.com/haventalk/haven-relay/internal/store"
	"github.com/rs/zerolog"
)

// Registry coordinates rendezvous registration for one server.
type Registry struct {
	store *store.Store
	peers *peers.Index
	log   zerolog.Logger

	dailyTTL  time.Duration
	hourlyTTL time.Duration
	relayID   string

	now func() time.Time
}

// New creates a registry backed by the given store and peer index. relayID
// is this server's identifier, used when a registration omits its own.
func New(st *store.Store, ix *peers.Index, dailyTTL, hourlyTTL time.Duration, relayID string, log zerolog.Logger) *Registry {
	return &Registry{
		store:     st,
		peers:     ix,
		log:       log,
		dailyTTL:  dailyTTL,
		hourlyTTL: hourlyTTL,
		relayID:   relayID,
		now:       time.Now,
	}
}

// Register processes one register_rendezvous frame: upserts the caller's
// daily points and hourly tokens, collects counterpart dead-drops and live
// matches, and notifies already-present peers at each token.
//
// Ordering: for daily points, dead-drop collection observes the rows that
// existed before the caller's upsert. For hourly tokens, the existing-peer
// notification fires only after the caller's new row is durable.
func (r *Registry) Register(p *protocol.RegisterRendezvousPayload, sink peers.Sink) (protocol.RendezvousResult, error) {
	r.peers.Bind(p.PeerID, sink)

	relayID := p.RelayID
	if relayID == "" {
		relayID = r.relayID
	}
	now := r.now()

	var deadDrops []protocol.DeadDropEntry
	for _, point := range p.Points {
		if point == "" {
			continue
		}

		rows, err := r.store.ListDailyPeers(point, p.PeerID, now)
		if err != nil {
			return protocol.RendezvousResult{}, fmt.Errorf("collect daily point %q: %w", point, err)
		}
		for _, row := range rows {
			deadDrops = append(deadDrops, protocol.DeadDropEntry{
				Point:    row.PointHash,
				PeerID:   row.PeerID,
				DeadDrop: base64.StdEncoding.EncodeToString(row.DeadDrop),
				RelayID:  row.RelayID,
			})
		}

		err = r.store.UpsertDailyPoint(store.DailyRow{
			PointHash: point,
			PeerID:    p.PeerID,
			DeadDrop:  p.DeadDropFor(point),
			RelayID:   relayID,
			ExpiresAt: now.Add(r.dailyTTL),
		})
		if err != nil {
			return protocol.RendezvousResult{}, fmt.Errorf("upsert daily point %q: %w", point, err)
		}
	}

	var liveMatches []protocol.LiveMatch
	for _, token := range p.Tokens {
		if token == "" {
			continue
		}

		rows, err := r.store.ListHourlyPeers(token, p.PeerID, now)
		if err != nil {
			return protocol.RendezvousResult{}, fmt.Errorf("collect hourly token %q: %w", token, err)
		}
		for _, row := range rows {
			liveMatches = append(liveMatches, protocol.LiveMatch{
				Token:   row.TokenHash,
				PeerID:  row.PeerID,
				RelayID: row.RelayID,
			})
		}

		err = r.store.UpsertHourlyToken(store.HourlyRow{
			TokenHash: token,
			PeerID:    p.PeerID,
			RelayID:   relayID,
			ExpiresAt: now.Add(r.hourlyTTL),
		})
		if err != nil {
			return protocol.RendezvousResult{}, fmt.Errorf("upsert hourly token %q: %w", token, err)
		}

		// The new row is durable; tell peers already waiting at this token.
		for _, row := range rows {
			if peerSink, ok := r.peers.Find(row.PeerID); ok {
				peerSink.Enqueue(protocol.NewMatch(token, p.PeerID, relayID))
			}
		}
	}

	return protocol.NewRendezvousResult(liveMatches, deadDrops), nil
}

// Touch refreshes the session binding for a peer on heartbeat.
func (r *Registry) Touch(peerID string, sink peers.Sink) {
	if peerID != "" {
		r.peers.Bind(peerID, sink)
	}
}

// Expire deletes expired rows from both rendezvous tables.
func (r *Registry) Expire(now time.Time) {
	daily, hourly, err := r.store.ExpireRendezvous(now)
	if err != nil {
		r.log.Error().Err(err).Msg("rendezvous expiry sweep failed")
		return
	}
	if daily > 0 || hourly > 0 {
		r.log.Debug().Int64("dailyPoints", daily).Int64("hourlyTokens", hourly).Msg("expired rendezvous rows")
	}
}
