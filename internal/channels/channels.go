// Package channels implements the one-to-many channel plane: owner
// registration, subscriber sets, bounded upstream queues for offline owners,
// and live-stream fan-out.
package channels

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/haventalk/haven-relay/internal/protocol"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Sink delivers outbound frames to one session without blocking.
type Sink interface {
	Enqueue(frame any) bool
	ID() string
}

type queuedMessage struct {
	message            json.RawMessage
	ephemeralPublicKey string
	queuedAt           time.Time
}

type liveStream struct {
	id        string
	channelID string
	ownerID   string
	startedAt time.Time
	title     string
}

type channelState struct {
	ownerID     string
	owner       Sink
	subscribers map[string]Sink
	queue       []queuedMessage
	stream      *liveStream
}

func (cs *channelState) empty() bool {
	return cs.owner == nil && len(cs.subscribers) == 0 && len(cs.queue) == 0 && cs.stream == nil
}

// Fanout is the process-wide channel registry.
type Fanout struct {
	queueCap int
	log      zerolog.Logger

	mu       sync.Mutex
	channels map[string]*channelState

	now func() time.Time
}

// New creates an empty registry with the given per-channel upstream queue cap.
func New(queueCap int, log zerolog.Logger) *Fanout {
	return &Fanout{
		queueCap: queueCap,
		log:      log,
		channels: make(map[string]*channelState),
		now:      time.Now,
	}
}

func (f *Fanout) state(channelID string) *channelState {
	cs, ok := f.channels[channelID]
	if !ok {
		cs = &channelState{subscribers: make(map[string]Sink)}
		f.channels[channelID] = cs
	}
	return cs
}

// RegisterOwner binds the session as the channel's sole owner, replacing any
// prior registration, and flushes queued upstream messages in enqueue order.
func (f *Fanout) RegisterOwner(channelID string, sink Sink) protocol.ChannelOwnerRegistered {
	f.mu.Lock()
	defer f.mu.Unlock()

	cs := f.state(channelID)
	cs.ownerID = sink.ID()
	cs.owner = sink

	for _, qm := range cs.queue {
		sink.Enqueue(protocol.NewUpstreamMessage(channelID, qm.message, qm.ephemeralPublicKey))
	}
	if n := len(cs.queue); n > 0 {
		f.log.Debug().Str("channel", channelID).Int("flushed", n).Msg("flushed upstream queue to owner")
	}
	cs.queue = nil

	return protocol.NewChannelOwnerRegistered(channelID)
}

// Subscribe adds the session to the channel's subscriber set. A subscriber
// joining mid-stream immediately receives the stream-start.
func (f *Fanout) Subscribe(channelID string, sink Sink) protocol.ChannelSubscribed {
	f.mu.Lock()
	defer f.mu.Unlock()

	cs := f.state(channelID)
	cs.subscribers[sink.ID()] = sink

	if cs.stream != nil {
		sink.Enqueue(protocol.NewStreamStart(cs.stream.id, channelID, cs.stream.title))
	}
	if cs.owner != nil {
		cs.owner.Enqueue(protocol.PeerJoined{Type: protocol.TypePeerJoined, ChannelID: channelID})
	}

	return protocol.NewChannelSubscribed(channelID)
}

// Upstream forwards a subscriber message to the owner, or queues it when the
// channel has no live owner. The queue is bounded; the oldest entry is
// dropped on overflow. The ack is returned either way.
func (f *Fanout) Upstream(p *protocol.UpstreamMessagePayload) protocol.UpstreamAck {
	f.mu.Lock()
	defer f.mu.Unlock()

	cs := f.state(p.ChannelID)
	if cs.owner != nil {
		cs.owner.Enqueue(protocol.NewUpstreamMessage(p.ChannelID, p.Message, p.EphemeralPublicKey))
		return protocol.NewUpstreamAck(p.MessageID())
	}

	cs.queue = append(cs.queue, queuedMessage{
		message:            p.Message,
		ephemeralPublicKey: p.EphemeralPublicKey,
		queuedAt:           f.now(),
	})
	if len(cs.queue) > f.queueCap {
		cs.queue = cs.queue[1:]
	}
	return protocol.NewUpstreamAck(p.MessageID())
}

// StartStream begins a live stream on the channel. Only the owner session
// may start one; an active stream is ended first.
func (f *Fanout) StartStream(p *protocol.StreamStartPayload, sender Sink) any {
	f.mu.Lock()
	defer f.mu.Unlock()

	cs := f.state(p.ChannelID)
	if cs.owner == nil || cs.ownerID != sender.ID() {
		return protocol.NewError(protocol.MsgNotOwner)
	}

	if cs.stream != nil {
		f.fanoutLocked(cs, protocol.NewStreamEnd(cs.stream.id, p.ChannelID))
		cs.stream = nil
	}

	stream := &liveStream{
		id:        ulid.Make().String(),
		channelID: p.ChannelID,
		ownerID:   sender.ID(),
		startedAt: f.now(),
		title:     p.Title,
	}
	cs.stream = stream

	f.fanoutLocked(cs, protocol.NewStreamStart(stream.id, p.ChannelID, stream.title))
	return protocol.NewStreamStarted(stream.id, len(cs.subscribers))
}

// StreamFrame fans one frame out to the channel's subscribers. Frames from
// anyone but the owner are dropped without a reply so ownership is not
// leaked. Returns nil when there is nothing to send back.
func (f *Fanout) StreamFrame(p *protocol.StreamFramePayload, sender Sink) any {
	f.mu.Lock()
	defer f.mu.Unlock()

	cs, ok := f.channels[p.ChannelID]
	if !ok || cs.stream == nil || cs.ownerID != sender.ID() {
		return nil
	}

	f.fanoutLocked(cs, protocol.NewStreamFrame(cs.stream.id, p.ChannelID, p.Frame))
	return nil
}

// EndStream ends the channel's live stream. Only the owner may end it.
func (f *Fanout) EndStream(p *protocol.StreamEndPayload, sender Sink) any {
	f.mu.Lock()
	defer f.mu.Unlock()

	cs, ok := f.channels[p.ChannelID]
	if !ok || cs.owner == nil || cs.ownerID != sender.ID() {
		return protocol.NewError(protocol.MsgNotOwner)
	}
	if cs.stream == nil {
		return protocol.NewError(protocol.MsgNotOwner)
	}

	streamID := cs.stream.id
	f.fanoutLocked(cs, protocol.NewStreamEnd(streamID, p.ChannelID))
	cs.stream = nil
	return protocol.NewStreamEnded(streamID)
}

// DisconnectSession clears the session out of every channel. An owner
// disconnecting mid-stream synthesizes the stream-end fan-out.
func (f *Fanout) DisconnectSession(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for channelID, cs := range f.channels {
		if cs.ownerID == sessionID {
			if cs.stream != nil {
				f.fanoutLocked(cs, protocol.NewStreamEnd(cs.stream.id, channelID))
				cs.stream = nil
			}
			cs.ownerID = ""
			cs.owner = nil
		}
		if _, ok := cs.subscribers[sessionID]; ok {
			delete(cs.subscribers, sessionID)
			if cs.owner != nil {
				cs.owner.Enqueue(protocol.PeerLeft{Type: protocol.TypePeerLeft, ChannelID: channelID})
			}
		}
		if cs.empty() {
			delete(f.channels, channelID)
		}
	}
}

// SubscriberCount returns the channel's current subscriber count.
func (f *Fanout) SubscriberCount(channelID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	cs, ok := f.channels[channelID]
	if !ok {
		return 0
	}
	return len(cs.subscribers)
}

// QueueLen returns the channel's current upstream queue length.
func (f *Fanout) QueueLen(channelID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	cs, ok := f.channels[channelID]
	if !ok {
		return 0
	}
	return len(cs.queue)
}

func (f *Fanout) fanoutLocked(cs *channelState, frame any) {
	for _, sub := range cs.subscribers {
		sub.Enqueue(frame)
	}
}
