// Package protocol defines the JSON frame protocol spoken over the client
// WebSocket. Every inbound frame is an object with a required "type" field;
// each type carries its own validated, typed payload. Outbound frames are
// plain structs whose Type field is fixed by their constructor.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound frame types.
const (
	// Signaling / pairing.
	TypeRegister      = "register"
	TypePairRequest   = "pair_request"
	TypePairResponse  = "pair_response"
	TypeSignalForward = "signal_forward"
	TypePing          = "ping"

	// Rendezvous / relay.
	TypeRegisterRendezvous = "register_rendezvous"
	TypeHeartbeat          = "heartbeat"

	// Channels / chunks / attestation.
	TypeChannelOwnerRegister = "channel-owner-register"
	TypeChannelSubscribe     = "channel-subscribe"
	TypeUpstreamMessage      = "upstream-message"
	TypeStreamStart          = "stream-start"
	TypeStreamFrame          = "stream-frame"
	TypeStreamEnd            = "stream-end"
	TypeChunkAnnounce        = "chunk_announce"
	TypeChunkRequest         = "chunk_request"
	TypeChunkPush            = "chunk_push"
	TypeAttestRequest        = "attest_request"
	TypeAttestResponse       = "attest_response"
)

// Outbound frame types (server -> client).
const (
	TypeServerInfo       = "server_info"
	TypeServerIdentity   = "server_identity"
	TypePeerJoined       = "peer_joined"
	TypePeerLeft         = "peer_left"
	TypePairIncoming     = "pair_incoming"
	TypePairExpiring     = "pair_expiring"
	TypePairTimeout      = "pair_timeout"
	TypePairRejected     = "pair_rejected"
	TypePairMatched      = "pair_matched"
	TypePairError        = "pair_error"
	TypeError            = "error"
	TypeMatch            = "match"
	TypeRendezvousResult = "rendezvous_result"
	TypeRegistered       = "registered"
	TypePong             = "pong"
	TypeHeartbeatAck     = "heartbeat_ack"
	TypeChunkPull        = "chunk_pull"
	TypeChunkResponse    = "chunk_response"
	TypeChunkPulling     = "chunk_pulling"
	TypeChunkError       = "chunk_error"
	TypeChunkAnnounceAck = "chunk_announce_ack"
	TypeChunkPushAck     = "chunk_push_ack"
	TypeAttestChallenge  = "attest_challenge"
	TypeAttestSuccess    = "attest_success"
	TypeAttestFailed     = "attest_failed"
	TypeAttestError      = "attest_error"
	TypeChannelOwnerOK   = "channel-owner-registered"
	TypeChannelSubbed    = "channel-subscribed"
	TypeUpstreamAck      = "upstream-ack"
	TypeStreamStarted    = "stream-started"
	TypeStreamEnded      = "stream-ended"
)

// Error codes carried in error frames.
const (
	ErrCodeNotAttested = "NOT_ATTESTED"
)

// Canonical error messages on the protocol surface. Tests pin these.
const (
	MsgInvalidJSON       = "Invalid JSON"
	MsgRateLimited       = "Rate limit exceeded"
	MsgNotRegistered     = "Not registered"
	MsgUnknownType       = "Unknown message type"
	MsgPairGeneric       = "Pair request could not be processed"
	MsgNoPendingRequest  = "No pending request from this peer"
	MsgChunkTooLarge     = "Chunk payload too large (max 4096 bytes)"
	MsgUpstreamRateLimit = "upstream-message rate limit exceeded"
	MsgNotOwner          = "not owner of channel"
	MsgAttestRequired    = "Attestation required"
)

var (
	ErrInvalidJSON = errors.New(MsgInvalidJSON)
	ErrUnknownType = errors.New(MsgUnknownType)
)

// MissingFieldError reports an absent required field; its message is part of
// the wire contract.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return "Missing required field: " + e.Field
}

func missing(field string) error { return &MissingFieldError{Field: field} }

// Frame is a decoded inbound frame. Payload holds a pointer to one of the
// *Payload structs below, selected by Type.
type Frame struct {
	Type    string
	Payload any
}

// Decode parses and validates one inbound frame. The returned error, if any,
// has a client-safe message.
func Decode(data []byte) (*Frame, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, ErrInvalidJSON
	}
	if head.Type == "" {
		return nil, missing("type")
	}

	f := &Frame{Type: head.Type}
	var payload interface{ validate() error }

	switch head.Type {
	case TypeRegister:
		payload = &RegisterPayload{}
	case TypePairRequest:
		payload = &PairRequestPayload{}
	case TypePairResponse:
		payload = &PairResponsePayload{}
	case TypeSignalForward:
		payload = &SignalForwardPayload{}
	case TypePing:
		payload = &PingPayload{}
	case TypeRegisterRendezvous:
		payload = &RegisterRendezvousPayload{}
	case TypeHeartbeat:
		payload = &HeartbeatPayload{}
	case TypeChannelOwnerRegister:
		payload = &ChannelOwnerRegisterPayload{}
	case TypeChannelSubscribe:
		payload = &ChannelSubscribePayload{}
	case TypeUpstreamMessage:
		payload = &UpstreamMessagePayload{}
	case TypeStreamStart:
		payload = &StreamStartPayload{}
	case TypeStreamFrame:
		payload = &StreamFramePayload{}
	case TypeStreamEnd:
		payload = &StreamEndPayload{}
	case TypeChunkAnnounce:
		payload = &ChunkAnnouncePayload{}
	case TypeChunkRequest:
		payload = &ChunkRequestPayload{}
	case TypeChunkPush:
		payload = &ChunkPushPayload{}
	case TypeAttestRequest:
		payload = &AttestRequestPayload{}
	case TypeAttestResponse:
		payload = &AttestResponsePayload{}
	default:
		return nil, ErrUnknownType
	}

	if err := json.Unmarshal(data, payload); err != nil {
		return nil, ErrInvalidJSON
	}
	if err := payload.validate(); err != nil {
		return nil, err
	}
	f.Payload = payload
	return f, nil
}

// --- Inbound payloads ---

type RegisterPayload struct {
	PairingCode string `json:"pairingCode"`
	PublicKey   string `json:"publicKey"`
}

func (p *RegisterPayload) validate() error {
	if p.PairingCode == "" {
		return missing("pairingCode")
	}
	if p.PublicKey == "" {
		return missing("publicKey")
	}
	return nil
}

type PairRequestPayload struct {
	TargetCode string `json:"targetCode"`
}

func (p *PairRequestPayload) validate() error {
	if p.TargetCode == "" {
		return missing("targetCode")
	}
	return nil
}

type PairResponsePayload struct {
	TargetCode string `json:"targetCode"`
	Accepted   bool   `json:"accepted"`
}

func (p *PairResponsePayload) validate() error {
	if p.TargetCode == "" {
		return missing("targetCode")
	}
	return nil
}

// SignalForwardPayload is an opaque SDP/ICE envelope. The server routes it by
// peerCode and never inspects the payload.
type SignalForwardPayload struct {
	PeerCode string          `json:"peerCode"`
	Payload  json.RawMessage `json:"payload"`
}

func (p *SignalForwardPayload) validate() error {
	if p.PeerCode == "" {
		return missing("peerCode")
	}
	return nil
}

type PingPayload struct{}

func (p *PingPayload) validate() error { return nil }

type RegisterRendezvousPayload struct {
	PeerID    string            `json:"peerId"`
	Points    []string          `json:"points"`
	Tokens    []string          `json:"tokens"`
	DeadDrops map[string]string `json:"deadDrops"` // point -> base64 ciphertext
	DeadDrop  string            `json:"deadDrop"`  // legacy single dead-drop
	RelayID   string            `json:"relayId"`
}

func (p *RegisterRendezvousPayload) validate() error {
	if p.PeerID == "" {
		return missing("peerId")
	}
	return nil
}

// DeadDropFor resolves the dead-drop bytes for a point, falling back to the
// legacy single-drop field.
func (p *RegisterRendezvousPayload) DeadDropFor(point string) []byte {
	if enc, ok := p.DeadDrops[point]; ok && enc != "" {
		if raw, err := base64.StdEncoding.DecodeString(enc); err == nil {
			return raw
		}
	}
	if p.DeadDrop != "" {
		if raw, err := base64.StdEncoding.DecodeString(p.DeadDrop); err == nil {
			return raw
		}
	}
	return nil
}

type HeartbeatPayload struct {
	PeerID string `json:"peerId"`
}

func (p *HeartbeatPayload) validate() error { return nil }

type ChannelOwnerRegisterPayload struct {
	ChannelID string `json:"channelId"`
}

func (p *ChannelOwnerRegisterPayload) validate() error {
	if p.ChannelID == "" {
		return missing("channelId")
	}
	return nil
}

type ChannelSubscribePayload struct {
	ChannelID string `json:"channelId"`
}

func (p *ChannelSubscribePayload) validate() error {
	if p.ChannelID == "" {
		return missing("channelId")
	}
	return nil
}

type UpstreamMessagePayload struct {
	ChannelID          string          `json:"channelId"`
	Message            json.RawMessage `json:"message"`
	EphemeralPublicKey string          `json:"ephemeralPublicKey"`
}

func (p *UpstreamMessagePayload) validate() error {
	if p.ChannelID == "" {
		return missing("channelId")
	}
	if len(p.Message) == 0 || string(p.Message) == "null" {
		return missing("message")
	}
	return nil
}

// MessageID extracts message.id, if present.
func (p *UpstreamMessagePayload) MessageID() string {
	var m struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(p.Message, &m); err != nil {
		return ""
	}
	return m.ID
}

type StreamStartPayload struct {
	ChannelID string `json:"channelId"`
	Title     string `json:"title"`
}

func (p *StreamStartPayload) validate() error {
	if p.ChannelID == "" {
		return missing("channelId")
	}
	return nil
}

type StreamFramePayload struct {
	StreamID  string          `json:"streamId"`
	ChannelID string          `json:"channelId"`
	Frame     json.RawMessage `json:"frame"`
}

func (p *StreamFramePayload) validate() error {
	if p.ChannelID == "" {
		return missing("channelId")
	}
	return nil
}

type StreamEndPayload struct {
	StreamID  string `json:"streamId"`
	ChannelID string `json:"channelId"`
}

func (p *StreamEndPayload) validate() error {
	if p.ChannelID == "" {
		return missing("channelId")
	}
	return nil
}

// ChunkRef identifies one announced chunk.
type ChunkRef struct {
	ChunkID   string `json:"chunkId"`
	ChannelID string `json:"channelId"`
}

type ChunkAnnouncePayload struct {
	PeerID string     `json:"peerId"`
	Chunks []ChunkRef `json:"chunks"`
}

func (p *ChunkAnnouncePayload) validate() error {
	if p.PeerID == "" {
		return missing("peerId")
	}
	if p.Chunks == nil {
		return missing("chunks")
	}
	return nil
}

type ChunkRequestPayload struct {
	ChunkID   string `json:"chunkId"`
	ChannelID string `json:"channelId"`
}

func (p *ChunkRequestPayload) validate() error {
	if p.ChunkID == "" {
		return missing("chunkId")
	}
	return nil
}

type ChunkPushPayload struct {
	ChunkID   string `json:"chunkId"`
	ChannelID string `json:"channelId"`
	Data      string `json:"data"` // base64
}

func (p *ChunkPushPayload) validate() error {
	if p.ChunkID == "" {
		return missing("chunkId")
	}
	if p.Data == "" {
		return missing("data")
	}
	return nil
}

type AttestRequestPayload struct {
	BuildToken string `json:"build_token"`
	DeviceID   string `json:"device_id"`
}

func (p *AttestRequestPayload) validate() error {
	if p.BuildToken == "" {
		return missing("build_token")
	}
	if p.DeviceID == "" {
		return missing("device_id")
	}
	return nil
}

// AttestRegionResponse is one HMAC over a challenged build region.
type AttestRegionResponse struct {
	RegionIndex int    `json:"region_index"`
	HMAC        string `json:"hmac"`
}

type AttestResponsePayload struct {
	Nonce     string                 `json:"nonce"`
	Responses []AttestRegionResponse `json:"responses"`
}

func (p *AttestResponsePayload) validate() error {
	if p.Nonce == "" {
		return missing("nonce")
	}
	if len(p.Responses) == 0 {
		return missing("responses")
	}
	return nil
}

// --- Outbound frames ---

type ServerInfo struct {
	Type     string `json:"type"`
	ServerID string `json:"serverId"`
	Endpoint string `json:"endpoint"`
}

func NewServerInfo(serverID, endpoint string) ServerInfo {
	return ServerInfo{Type: TypeServerInfo, ServerID: serverID, Endpoint: endpoint}
}

type ServerIdentity struct {
	Type      string `json:"type"`
	PublicKey string `json:"public_key"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

func NewServerIdentity(publicKey, nonce, signature string) ServerIdentity {
	return ServerIdentity{Type: TypeServerIdentity, PublicKey: publicKey, Nonce: nonce, Signature: signature}
}

// ErrorFrame is the generic protocol-level error surface.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func NewError(message string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Message: message}
}

func NewCodedError(code, message string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Code: code, Message: message}
}

// RedirectTarget tells a client which other server hosts some of its keys.
type RedirectTarget struct {
	ServerID string   `json:"serverId"`
	Endpoint string   `json:"endpoint"`
	Hashes   []string `json:"hashes"`
}

type Registered struct {
	Type        string           `json:"type"`
	PairingCode string           `json:"pairingCode"`
	Redirects   []RedirectTarget `json:"redirects,omitempty"`
}

func NewRegistered(code string, redirects []RedirectTarget) Registered {
	return Registered{Type: TypeRegistered, PairingCode: code, Redirects: redirects}
}

type PairIncoming struct {
	Type          string `json:"type"`
	FromCode      string `json:"fromCode"`
	FromPublicKey string `json:"fromPublicKey"`
	ExpiresIn     int64  `json:"expiresIn"` // milliseconds
}

func NewPairIncoming(fromCode, fromPublicKey string, expiresIn int64) PairIncoming {
	return PairIncoming{Type: TypePairIncoming, FromCode: fromCode, FromPublicKey: fromPublicKey, ExpiresIn: expiresIn}
}

type PairExpiring struct {
	Type             string `json:"type"`
	PeerCode         string `json:"peerCode"`
	RemainingSeconds int    `json:"remainingSeconds"`
}

func NewPairExpiring(peerCode string, remainingSeconds int) PairExpiring {
	return PairExpiring{Type: TypePairExpiring, PeerCode: peerCode, RemainingSeconds: remainingSeconds}
}

type PairTimeout struct {
	Type     string `json:"type"`
	PeerCode string `json:"peerCode"`
}

func NewPairTimeout(peerCode string) PairTimeout {
	return PairTimeout{Type: TypePairTimeout, PeerCode: peerCode}
}

type PairRejected struct {
	Type     string `json:"type"`
	PeerCode string `json:"peerCode"`
}

func NewPairRejected(peerCode string) PairRejected {
	return PairRejected{Type: TypePairRejected, PeerCode: peerCode}
}

type PairMatched struct {
	Type          string `json:"type"`
	PeerCode      string `json:"peerCode"`
	PeerPublicKey string `json:"peerPublicKey"`
	IsInitiator   bool   `json:"isInitiator"`
}

func NewPairMatched(peerCode, peerPublicKey string, isInitiator bool) PairMatched {
	return PairMatched{Type: TypePairMatched, PeerCode: peerCode, PeerPublicKey: peerPublicKey, IsInitiator: isInitiator}
}

// PairError is intentionally generic so callers cannot probe who is online.
type PairError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func NewPairError(message string) PairError {
	return PairError{Type: TypePairError, Error: message}
}

// PeerJoined and PeerLeft are presence notifications. In the pairing plane
// they carry the peer's code; in the channel plane they carry the channel ID
// and are sent to the owner only.
type PeerJoined struct {
	Type      string `json:"type"`
	PeerCode  string `json:"peerCode,omitempty"`
	ChannelID string `json:"channelId,omitempty"`
}

type PeerLeft struct {
	Type      string `json:"type"`
	PeerCode  string `json:"peerCode,omitempty"`
	ChannelID string `json:"channelId,omitempty"`
}

// SignalForward is relayed verbatim; only the sender's code is attached.
type SignalForward struct {
	Type     string          `json:"type"`
	FromCode string          `json:"fromCode"`
	Payload  json.RawMessage `json:"payload"`
}

func NewSignalForward(fromCode string, payload json.RawMessage) SignalForward {
	return SignalForward{Type: TypeSignalForward, FromCode: fromCode, Payload: payload}
}

type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

func NewPong(ts int64) Pong {
	return Pong{Type: TypePong, Timestamp: ts}
}

type HeartbeatAck struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

func NewHeartbeatAck(ts int64) HeartbeatAck {
	return HeartbeatAck{Type: TypeHeartbeatAck, Timestamp: ts}
}

// LiveMatch is one already-present peer found at an hourly token.
type LiveMatch struct {
	Token   string `json:"token"`
	PeerID  string `json:"peerId"`
	RelayID string `json:"relayId"`
}

// DeadDropEntry is one counterpart row found at a daily point.
type DeadDropEntry struct {
	Point    string `json:"point"`
	PeerID   string `json:"peerId"`
	DeadDrop string `json:"deadDrop"` // base64
	RelayID  string `json:"relayId"`
}

type RendezvousResult struct {
	Type        string          `json:"type"`
	LiveMatches []LiveMatch     `json:"liveMatches"`
	DeadDrops   []DeadDropEntry `json:"deadDrops"`
}

func NewRendezvousResult(liveMatches []LiveMatch, deadDrops []DeadDropEntry) RendezvousResult {
	if liveMatches == nil {
		liveMatches = []LiveMatch{}
	}
	if deadDrops == nil {
		deadDrops = []DeadDropEntry{}
	}
	return RendezvousResult{Type: TypeRendezvousResult, LiveMatches: liveMatches, DeadDrops: deadDrops}
}

// Match notifies an already-registered peer that a new peer arrived at a
// shared hourly token.
type Match struct {
	Type    string `json:"type"`
	Token   string `json:"token"`
	PeerID  string `json:"peerId"`
	RelayID string `json:"relayId"`
}

func NewMatch(token, peerID, relayID string) Match {
	return Match{Type: TypeMatch, Token: token, PeerID: peerID, RelayID: relayID}
}

type ChunkPull struct {
	Type      string `json:"type"`
	ChunkID   string `json:"chunkId"`
	ChannelID string `json:"channelId"`
}

func NewChunkPull(chunkID, channelID string) ChunkPull {
	return ChunkPull{Type: TypeChunkPull, ChunkID: chunkID, ChannelID: channelID}
}

type ChunkPulling struct {
	Type    string `json:"type"`
	ChunkID string `json:"chunkId"`
}

func NewChunkPulling(chunkID string) ChunkPulling {
	return ChunkPulling{Type: TypeChunkPulling, ChunkID: chunkID}
}

// Chunk response sources.
const (
	ChunkSourceCache = "cache"
	ChunkSourceRelay = "relay"
)

type ChunkResponse struct {
	Type    string `json:"type"`
	ChunkID string `json:"chunkId"`
	Source  string `json:"source"`
	Data    string `json:"data"` // base64
}

func NewChunkResponse(chunkID, source, data string) ChunkResponse {
	return ChunkResponse{Type: TypeChunkResponse, ChunkID: chunkID, Source: source, Data: data}
}

type ChunkError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func NewChunkError(message string) ChunkError {
	return ChunkError{Type: TypeChunkError, Error: message}
}

type ChunkAnnounceAck struct {
	Type       string `json:"type"`
	Registered int    `json:"registered"`
}

func NewChunkAnnounceAck(registered int) ChunkAnnounceAck {
	return ChunkAnnounceAck{Type: TypeChunkAnnounceAck, Registered: registered}
}

type ChunkPushAck struct {
	Type        string `json:"type"`
	ChunkID     string `json:"chunkId"`
	Cached      bool   `json:"cached"`
	ServedCount int    `json:"servedCount"`
}

func NewChunkPushAck(chunkID string, cached bool, served int) ChunkPushAck {
	return ChunkPushAck{Type: TypeChunkPushAck, ChunkID: chunkID, Cached: cached, ServedCount: served}
}

type ChannelOwnerRegistered struct {
	Type      string `json:"type"`
	ChannelID string `json:"channelId"`
}

func NewChannelOwnerRegistered(channelID string) ChannelOwnerRegistered {
	return ChannelOwnerRegistered{Type: TypeChannelOwnerOK, ChannelID: channelID}
}

type ChannelSubscribed struct {
	Type      string `json:"type"`
	ChannelID string `json:"channelId"`
}

func NewChannelSubscribed(channelID string) ChannelSubscribed {
	return ChannelSubscribed{Type: TypeChannelSubbed, ChannelID: channelID}
}

// UpstreamMessage is the owner-bound delivery of a subscriber message. The
// same frame shape flushes queued messages on owner re-bind.
type UpstreamMessage struct {
	Type               string          `json:"type"`
	ChannelID          string          `json:"channelId"`
	Message            json.RawMessage `json:"message"`
	EphemeralPublicKey string          `json:"ephemeralPublicKey,omitempty"`
}

func NewUpstreamMessage(channelID string, message json.RawMessage, ephemeralPublicKey string) UpstreamMessage {
	return UpstreamMessage{Type: TypeUpstreamMessage, ChannelID: channelID, Message: message, EphemeralPublicKey: ephemeralPublicKey}
}

type UpstreamAck struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
}

func NewUpstreamAck(messageID string) UpstreamAck {
	return UpstreamAck{Type: TypeUpstreamAck, MessageID: messageID}
}

type StreamStart struct {
	Type      string `json:"type"`
	StreamID  string `json:"streamId"`
	ChannelID string `json:"channelId"`
	Title     string `json:"title"`
}

func NewStreamStart(streamID, channelID, title string) StreamStart {
	return StreamStart{Type: TypeStreamStart, StreamID: streamID, ChannelID: channelID, Title: title}
}

type StreamStarted struct {
	Type            string `json:"type"`
	StreamID        string `json:"streamId"`
	SubscriberCount int    `json:"subscriberCount"`
}

func NewStreamStarted(streamID string, subscriberCount int) StreamStarted {
	return StreamStarted{Type: TypeStreamStarted, StreamID: streamID, SubscriberCount: subscriberCount}
}

type StreamFrame struct {
	Type      string          `json:"type"`
	StreamID  string          `json:"streamId"`
	ChannelID string          `json:"channelId"`
	Frame     json.RawMessage `json:"frame"`
}

func NewStreamFrame(streamID, channelID string, frame json.RawMessage) StreamFrame {
	return StreamFrame{Type: TypeStreamFrame, StreamID: streamID, ChannelID: channelID, Frame: frame}
}

type StreamEnd struct {
	Type      string `json:"type"`
	StreamID  string `json:"streamId"`
	ChannelID string `json:"channelId"`
}

func NewStreamEnd(streamID, channelID string) StreamEnd {
	return StreamEnd{Type: TypeStreamEnd, StreamID: streamID, ChannelID: channelID}
}

type StreamEnded struct {
	Type     string `json:"type"`
	StreamID string `json:"streamId"`
}

func NewStreamEnded(streamID string) StreamEnded {
	return StreamEnded{Type: TypeStreamEnded, StreamID: streamID}
}

// AttestRegion is one build region challenged by the bootstrap service.
type AttestRegion struct {
	Offset int `json:"offset"`
	Length int `json:"length"`
}

type AttestChallenge struct {
	Type    string         `json:"type"`
	Nonce   string         `json:"nonce"`
	Regions []AttestRegion `json:"regions"`
}

func NewAttestChallenge(nonce string, regions []AttestRegion) AttestChallenge {
	return AttestChallenge{Type: TypeAttestChallenge, Nonce: nonce, Regions: regions}
}

type AttestSuccess struct {
	Type         string `json:"type"`
	SessionToken string `json:"session_token"`
}

func NewAttestSuccess(sessionToken string) AttestSuccess {
	return AttestSuccess{Type: TypeAttestSuccess, SessionToken: sessionToken}
}

type AttestFailed struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewAttestFailed(message string) AttestFailed {
	return AttestFailed{Type: TypeAttestFailed, Message: message}
}

type AttestError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewAttestError(message string) AttestError {
	return AttestError{Type: TypeAttestError, Message: message}
}

// Marshal encodes an outbound frame. Frames are plain structs so this cannot
// fail for any frame the server constructs; errors are still surfaced for the
// per-frame boundary.
func Marshal(frame any) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal outbound frame: %w", err)
	}
	return data, nil
}
