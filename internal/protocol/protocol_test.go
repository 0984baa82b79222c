package protocol

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRegister(t *testing.T) {
	frame, err := Decode([]byte(`{"type":"register","pairingCode":"ABCDEF","publicKey":"a2V5"}`))
	require.NoError(t, err)
	require.Equal(t, TypeRegister, frame.Type)

	p, ok := frame.Payload.(*RegisterPayload)
	require.True(t, ok)
	assert.Equal(t, "ABCDEF", p.PairingCode)
	assert.Equal(t, "a2V5", p.PublicKey)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"invalid json", `{not json`, "Invalid JSON"},
		{"missing type", `{"pairingCode":"ABCDEF"}`, "Missing required field: type"},
		{"unknown type", `{"type":"bogus"}`, "Unknown message type"},
		{"register without code", `{"type":"register","publicKey":"x"}`, "Missing required field: pairingCode"},
		{"register without key", `{"type":"register","pairingCode":"ABCDEF"}`, "Missing required field: publicKey"},
		{"pair request without target", `{"type":"pair_request"}`, "Missing required field: targetCode"},
		{"signal forward without peer", `{"type":"signal_forward","payload":{}}`, "Missing required field: peerCode"},
		{"rendezvous without peer", `{"type":"register_rendezvous","points":[]}`, "Missing required field: peerId"},
		{"upstream without channel", `{"type":"upstream-message","message":{"id":"m1"}}`, "Missing required field: channelId"},
		{"upstream without message", `{"type":"upstream-message","channelId":"ch1"}`, "Missing required field: message"},
		{"upstream null message", `{"type":"upstream-message","channelId":"ch1","message":null}`, "Missing required field: message"},
		{"chunk request without id", `{"type":"chunk_request","channelId":"ch1"}`, "Missing required field: chunkId"},
		{"chunk push without data", `{"type":"chunk_push","chunkId":"c1"}`, "Missing required field: data"},
		{"announce without chunks", `{"type":"chunk_announce","peerId":"p1"}`, "Missing required field: chunks"},
		{"attest request without token", `{"type":"attest_request","device_id":"d1"}`, "Missing required field: build_token"},
		{"attest response without nonce", `{"type":"attest_response","responses":[{"region_index":0,"hmac":"x"}]}`, "Missing required field: nonce"},
		{"attest response without responses", `{"type":"attest_response","nonce":"n"}`, "Missing required field: responses"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.input))
			require.Error(t, err)
			assert.Equal(t, tc.wantErr, err.Error())
		})
	}
}

func TestDecodeSignalForwardKeepsPayloadOpaque(t *testing.T) {
	raw := `{"type":"signal_forward","peerCode":"QWERTY","payload":{"sdp":"offer","nested":{"a":1}}}`
	frame, err := Decode([]byte(raw))
	require.NoError(t, err)

	p := frame.Payload.(*SignalForwardPayload)
	assert.Equal(t, "QWERTY", p.PeerCode)
	assert.JSONEq(t, `{"sdp":"offer","nested":{"a":1}}`, string(p.Payload))
}

func TestUpstreamMessageID(t *testing.T) {
	p := &UpstreamMessagePayload{Message: json.RawMessage(`{"id":"msg-7","body":"x"}`)}
	assert.Equal(t, "msg-7", p.MessageID())

	p = &UpstreamMessagePayload{Message: json.RawMessage(`{"body":"x"}`)}
	assert.Equal(t, "", p.MessageID())
}

func TestDeadDropFor(t *testing.T) {
	drop := base64.StdEncoding.EncodeToString([]byte("sealed"))
	legacy := base64.StdEncoding.EncodeToString([]byte("old"))

	p := &RegisterRendezvousPayload{
		DeadDrops: map[string]string{"point-a": drop},
		DeadDrop:  legacy,
	}
	assert.Equal(t, []byte("sealed"), p.DeadDropFor("point-a"))
	assert.Equal(t, []byte("old"), p.DeadDropFor("point-b"))

	p = &RegisterRendezvousPayload{}
	assert.Nil(t, p.DeadDropFor("point-a"))
}

func TestValidPairingCode(t *testing.T) {
	tests := []struct {
		code  string
		valid bool
	}{
		{"ABCDEF", true},
		{"XYZ234", true},
		{"ABC789", true},
		{"ABCDE", false},   // too short
		{"ABCDEFG", false}, // too long
		{"ABCDE0", false},  // 0 excluded
		{"ABCDEO", false},  // O excluded
		{"ABCDE1", false},  // 1 excluded
		{"ABCDEI", false},  // I excluded
		{"abcdef", false},  // lowercase
		{"", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.valid, ValidPairingCode(tc.code), "code %q", tc.code)
	}
}

func TestValidPublicKey(t *testing.T) {
	key32 := base64.StdEncoding.EncodeToString(make([]byte, 32))
	key31 := base64.StdEncoding.EncodeToString(make([]byte, 31))
	key33 := base64.StdEncoding.EncodeToString(make([]byte, 33))

	assert.True(t, ValidPublicKey(key32))
	assert.False(t, ValidPublicKey(key31))
	assert.False(t, ValidPublicKey(key33))
	assert.False(t, ValidPublicKey("not base64!!"))
	assert.False(t, ValidPublicKey(""))
}

func TestOutboundFrameShapes(t *testing.T) {
	data, err := Marshal(NewRegistered("ABCDEF", []RedirectTarget{{ServerID: "s2", Endpoint: "wss://s2/ws", Hashes: []string{"h1"}}}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"registered","pairingCode":"ABCDEF","redirects":[{"serverId":"s2","endpoint":"wss://s2/ws","hashes":["h1"]}]}`, string(data))

	data, err = Marshal(NewCodedError(ErrCodeNotAttested, MsgAttestRequired))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","code":"NOT_ATTESTED","message":"Attestation required"}`, string(data))

	data, err = Marshal(NewRendezvousResult(nil, nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"rendezvous_result","liveMatches":[],"deadDrops":[]}`, string(data))

	data, err = Marshal(PeerLeft{Type: TypePeerLeft, PeerCode: "ABCDEF"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"peer_left","peerCode":"ABCDEF"}`, string(data))

	data, err = Marshal(PeerJoined{Type: TypePeerJoined, ChannelID: "ch1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"peer_joined","channelId":"ch1"}`, string(data))
}
