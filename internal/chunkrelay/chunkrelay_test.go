package chunkrelay

import (
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/haventalk/haven-relay/internal/peers"
	"github.com/haventalk/haven-relay/internal/protocol"
	"github.com/haventalk/haven-relay/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	id string

	mu     sync.Mutex
	frames []any
}

func (s *fakeSink) Enqueue(frame any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return true
}

func (s *fakeSink) ID() string { return s.id }

func (s *fakeSink) sent() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *fakeSink) countPulls() int {
	n := 0
	for _, f := range s.sent() {
		if _, ok := f.(protocol.ChunkPull); ok {
			n++
		}
	}
	return n
}

func testRelay(t *testing.T) (*Relay, *peers.Index) {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ix := peers.NewIndex()
	r := New(Config{
		CacheSize:  1000,
		CacheTTL:   30 * time.Minute,
		SourceTTL:  time.Hour,
		PayloadMax: 4096,
	}, st, ix, zerolog.Nop())
	return r, ix
}

func announce(t *testing.T, r *Relay, peerID string, sink peers.Sink, chunkIDs ...string) {
	t.Helper()
	refs := make([]protocol.ChunkRef, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		refs = append(refs, protocol.ChunkRef{ChunkID: id, ChannelID: "ch1"})
	}
	ack, err := r.Announce(&protocol.ChunkAnnouncePayload{PeerID: peerID, Chunks: refs}, sink)
	require.NoError(t, err)
	require.Equal(t, len(chunkIDs), ack.Registered)
}

func TestAnnounceSkipsEmptyChunkIDs(t *testing.T) {
	r, _ := testRelay(t)
	sink := &fakeSink{id: "s-src"}

	ack, err := r.Announce(&protocol.ChunkAnnouncePayload{
		PeerID: "src",
		Chunks: []protocol.ChunkRef{{ChunkID: "c1"}, {ChunkID: ""}, {ChunkID: "c2"}},
	}, sink)
	require.NoError(t, err)
	assert.Equal(t, 2, ack.Registered)
}

func TestConcurrentRequestsCoalesceOntoOnePull(t *testing.T) {
	r, _ := testRelay(t)
	source := &fakeSink{id: "s-src"}
	announce(t, r, "src", source, "c1")

	req1 := &fakeSink{id: "s-req1"}
	req2 := &fakeSink{id: "s-req2"}

	resp := r.Request(&protocol.ChunkRequestPayload{ChunkID: "c1", ChannelID: "ch1"}, req1)
	assert.IsType(t, protocol.ChunkPulling{}, resp)

	resp = r.Request(&protocol.ChunkRequestPayload{ChunkID: "c1", ChannelID: "ch1"}, req2)
	assert.IsType(t, protocol.ChunkPulling{}, resp)

	assert.Equal(t, 1, source.countPulls(), "second request joins the pending set, no second pull")
	assert.Equal(t, 2, r.PendingRequesters("c1"))

	data := base64.StdEncoding.EncodeToString([]byte("chunk-bytes"))
	ackFrame := r.Push(&protocol.ChunkPushPayload{ChunkID: "c1", ChannelID: "ch1", Data: data}, "src")

	ack, ok := ackFrame.(protocol.ChunkPushAck)
	require.True(t, ok)
	assert.True(t, ack.Cached)
	assert.Equal(t, 2, ack.ServedCount)

	for _, sink := range []*fakeSink{req1, req2} {
		var got protocol.ChunkResponse
		found := false
		for _, f := range sink.sent() {
			if cr, ok := f.(protocol.ChunkResponse); ok {
				got = cr
				found = true
			}
		}
		require.True(t, found, "%s should receive the chunk", sink.id)
		assert.Equal(t, "c1", got.ChunkID)
		assert.Equal(t, protocol.ChunkSourceRelay, got.Source)
		assert.Equal(t, data, got.Data)
	}

	assert.Equal(t, 0, r.PendingRequesters("c1"), "push clears the pending set")
}

func TestRequestServedFromCache(t *testing.T) {
	r, _ := testRelay(t)
	data := base64.StdEncoding.EncodeToString([]byte("cached-bytes"))

	ackFrame := r.Push(&protocol.ChunkPushPayload{ChunkID: "c1", ChannelID: "ch1", Data: data}, "src")
	ack := ackFrame.(protocol.ChunkPushAck)
	assert.Equal(t, 0, ack.ServedCount)

	requester := &fakeSink{id: "s-req"}
	resp := r.Request(&protocol.ChunkRequestPayload{ChunkID: "c1", ChannelID: "ch1"}, requester)

	cr, ok := resp.(protocol.ChunkResponse)
	require.True(t, ok, "cached chunk answers synchronously")
	assert.Equal(t, protocol.ChunkSourceCache, cr.Source)
	assert.Equal(t, data, cr.Data)
	assert.Equal(t, 0, r.PendingRequesters("c1"))
}

func TestRequestNoSource(t *testing.T) {
	r, _ := testRelay(t)
	requester := &fakeSink{id: "s-req"}

	resp := r.Request(&protocol.ChunkRequestPayload{ChunkID: "c-missing"}, requester)

	ce, ok := resp.(protocol.ChunkError)
	require.True(t, ok)
	assert.Equal(t, fmt.Sprintf("No source available for %s", "c-missing"), ce.Error)
}

func TestRequestIgnoresOfflineSources(t *testing.T) {
	r, ix := testRelay(t)
	source := &fakeSink{id: "s-src"}
	announce(t, r, "src", source, "c1")

	// Source goes offline but its rows have not been cleaned up yet.
	ix.UnbindSession("s-src")

	resp := r.Request(&protocol.ChunkRequestPayload{ChunkID: "c1"}, &fakeSink{id: "s-req"})
	assert.IsType(t, protocol.ChunkError{}, resp)
}

func TestPushPayloadBoundary(t *testing.T) {
	r, _ := testRelay(t)

	atMax := base64.StdEncoding.EncodeToString(make([]byte, 4096))
	resp := r.Push(&protocol.ChunkPushPayload{ChunkID: "c-max", Data: atMax}, "src")
	assert.IsType(t, protocol.ChunkPushAck{}, resp)

	overMax := base64.StdEncoding.EncodeToString(make([]byte, 4097))
	resp = r.Push(&protocol.ChunkPushPayload{ChunkID: "c-over", Data: overMax}, "src")
	ef, ok := resp.(protocol.ErrorFrame)
	require.True(t, ok)
	assert.Equal(t, protocol.MsgChunkTooLarge, ef.Message)

	resp = r.Push(&protocol.ChunkPushPayload{ChunkID: "c-bad", Data: "not base64!!"}, "src")
	ef, ok = resp.(protocol.ErrorFrame)
	require.True(t, ok)
	assert.Equal(t, "Invalid chunk data", ef.Message)
}

func TestPushRegistersPusherAsSource(t *testing.T) {
	r, ix := testRelay(t)
	pusherSink := &fakeSink{id: "s-pusher"}
	ix.Bind("pusher", pusherSink)

	data := base64.StdEncoding.EncodeToString([]byte("x"))
	r.Push(&protocol.ChunkPushPayload{ChunkID: "c1", Data: data}, "pusher")

	// Expire the cache entry so the next request has to find a source.
	r.Expire(time.Now().Add(31 * time.Minute))

	resp := r.Request(&protocol.ChunkRequestPayload{ChunkID: "c1"}, &fakeSink{id: "s-req"})
	assert.IsType(t, protocol.ChunkPulling{}, resp)
	assert.Equal(t, 1, pusherSink.countPulls())
}

func TestRedispatchWhenSourceDisconnects(t *testing.T) {
	r, ix := testRelay(t)
	source1 := &fakeSink{id: "s-src1"}
	announce(t, r, "src1", source1, "c1")

	req1 := &fakeSink{id: "s-req1"}
	r.Request(&protocol.ChunkRequestPayload{ChunkID: "c1", ChannelID: "ch1"}, req1)
	require.Equal(t, 1, source1.countPulls())

	// src1 drops before pushing; its source rows go with it.
	ix.UnbindSession("s-src1")
	r.DisconnectPeer("src1")

	// A second source appears, then another requester joins the pending set.
	source2 := &fakeSink{id: "s-src2"}
	announce(t, r, "src2", source2, "c1")

	req2 := &fakeSink{id: "s-req2"}
	resp := r.Request(&protocol.ChunkRequestPayload{ChunkID: "c1", ChannelID: "ch1"}, req2)
	assert.IsType(t, protocol.ChunkPulling{}, resp)

	assert.Equal(t, 1, source2.countPulls(), "pull is redispatched to the surviving source")
	assert.Equal(t, 2, r.PendingRequesters("c1"))
}

func TestDisconnectSessionLeavesOtherRequesters(t *testing.T) {
	r, _ := testRelay(t)
	source := &fakeSink{id: "s-src"}
	announce(t, r, "src", source, "c1")

	req1 := &fakeSink{id: "s-req1"}
	req2 := &fakeSink{id: "s-req2"}
	r.Request(&protocol.ChunkRequestPayload{ChunkID: "c1"}, req1)
	r.Request(&protocol.ChunkRequestPayload{ChunkID: "c1"}, req2)

	r.DisconnectSession("s-req1")
	assert.Equal(t, 1, r.PendingRequesters("c1"))

	r.DisconnectSession("s-req2")
	assert.Equal(t, 0, r.PendingRequesters("c1"))
}

func TestExpireDropsStaleSources(t *testing.T) {
	r, _ := testRelay(t)
	source := &fakeSink{id: "s-src"}
	announce(t, r, "src", source, "c1")

	r.Expire(time.Now().Add(2 * time.Hour))

	resp := r.Request(&protocol.ChunkRequestPayload{ChunkID: "c1"}, &fakeSink{id: "s-req"})
	assert.IsType(t, protocol.ChunkError{}, resp)
}
