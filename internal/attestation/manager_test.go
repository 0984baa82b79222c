package attestation

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/haventalk/haven-relay/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBootstrap stands in for the bootstrap attestation endpoints.
func fakeBootstrap(t *testing.T, verifyValid bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/attest/challenge", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotEmpty(t, body["build_token"])
		assert.NotEmpty(t, body["device_id"])

		json.NewEncoder(w).Encode(map[string]any{
			"nonce": "nonce-1",
			"regions": []map[string]int{
				{"offset": 0, "length": 64},
				{"offset": 1024, "length": 32},
			},
		})
	})
	mux.HandleFunc("/attest/verify", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"valid":         verifyValid,
			"session_token": "token-abc",
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testManager(t *testing.T, bootstrapURL string) *Manager {
	t.Helper()
	return New(Config{
		BootstrapURL:    bootstrapURL,
		GracePeriod:     30 * time.Second,
		SessionTokenTTL: time.Hour,
	}, zerolog.Nop())
}

func TestDisabledManagerAllowsEverything(t *testing.T) {
	m := testManager(t, "")
	assert.False(t, m.Enabled())
	assert.True(t, m.Allowed("any-session"))
	assert.Empty(t, m.Reap(time.Now()))
}

func TestGracePeriodThenGate(t *testing.T) {
	m := testManager(t, "http://unused.invalid")

	start := time.Now()
	m.now = func() time.Time { return start }
	m.OnConnect("conn-1")

	assert.True(t, m.Allowed("conn-1"), "inside the grace period")

	m.now = func() time.Time { return start.Add(31 * time.Second) }
	assert.False(t, m.Allowed("conn-1"), "grace elapsed without attestation")

	reaped := m.Reap(start.Add(31 * time.Second))
	assert.Equal(t, []string{"conn-1"}, reaped)
}

func TestChallengeAndVerifyHappyPath(t *testing.T) {
	srv := fakeBootstrap(t, true)
	m := testManager(t, srv.URL)

	start := time.Now()
	m.now = func() time.Time { return start }
	m.OnConnect("conn-1")

	frame := m.HandleRequest("conn-1", &protocol.AttestRequestPayload{
		BuildToken: "bt-1",
		DeviceID:   "dev-1",
	})
	challenge, ok := frame.(protocol.AttestChallenge)
	require.True(t, ok)
	assert.Equal(t, "nonce-1", challenge.Nonce)
	require.Len(t, challenge.Regions, 2)
	assert.Equal(t, 1024, challenge.Regions[1].Offset)

	// Pending sessions stay allowed past the grace period.
	m.now = func() time.Time { return start.Add(time.Minute) }
	assert.True(t, m.Allowed("conn-1"))
	assert.Empty(t, m.Reap(start.Add(time.Minute)))

	respFrame, closeSession := m.HandleResponse("conn-1", &protocol.AttestResponsePayload{
		Nonce:     "nonce-1",
		Responses: []protocol.AttestRegionResponse{{RegionIndex: 0, HMAC: "h0"}},
	})
	require.False(t, closeSession)
	success, ok := respFrame.(protocol.AttestSuccess)
	require.True(t, ok)
	assert.Equal(t, "token-abc", success.SessionToken)

	assert.True(t, m.Allowed("conn-1"))

	// An attested session loses access once its token expires.
	m.now = func() time.Time { return start.Add(2 * time.Hour) }
	assert.False(t, m.Allowed("conn-1"))
}

func TestVerifyRejectionClosesSession(t *testing.T) {
	srv := fakeBootstrap(t, false)
	m := testManager(t, srv.URL)
	m.OnConnect("conn-1")

	m.HandleRequest("conn-1", &protocol.AttestRequestPayload{BuildToken: "bt", DeviceID: "dev"})

	frame, closeSession := m.HandleResponse("conn-1", &protocol.AttestResponsePayload{
		Nonce:     "nonce-1",
		Responses: []protocol.AttestRegionResponse{{RegionIndex: 0, HMAC: "h0"}},
	})
	assert.True(t, closeSession)
	failed, ok := frame.(protocol.AttestFailed)
	require.True(t, ok)
	assert.Equal(t, "attestation verification failed", failed.Message)
}

func TestBootstrapUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	m := testManager(t, srv.URL)
	m.OnConnect("conn-1")

	frame := m.HandleRequest("conn-1", &protocol.AttestRequestPayload{BuildToken: "bt", DeviceID: "dev"})
	ae, ok := frame.(protocol.AttestError)
	require.True(t, ok)
	assert.Contains(t, ae.Message, "bootstrap")
}

func TestUnknownSession(t *testing.T) {
	srv := fakeBootstrap(t, true)
	m := testManager(t, srv.URL)

	frame := m.HandleRequest("ghost", &protocol.AttestRequestPayload{BuildToken: "bt", DeviceID: "dev"})
	assert.IsType(t, protocol.AttestError{}, frame)

	respFrame, closeSession := m.HandleResponse("ghost", &protocol.AttestResponsePayload{
		Nonce:     "n",
		Responses: []protocol.AttestRegionResponse{{RegionIndex: 0, HMAC: "h"}},
	})
	assert.False(t, closeSession)
	assert.IsType(t, protocol.AttestError{}, respFrame)
}

func TestOnDisconnectClears(t *testing.T) {
	m := testManager(t, "http://unused.invalid")
	m.OnConnect("conn-1")
	m.OnDisconnect("conn-1")

	assert.False(t, m.Allowed("conn-1"))
	assert.Empty(t, m.Reap(time.Now().Add(time.Hour)))
}

func TestIdentityProve(t *testing.T) {
	id, err := NewIdentity()
	require.NoError(t, err)

	publicKey, nonce, signature, err := id.Prove()
	require.NoError(t, err)

	pub, err := base64.StdEncoding.DecodeString(publicKey)
	require.NoError(t, err)
	require.Len(t, pub, ed25519.PublicKeySize)

	nonceRaw, err := base64.StdEncoding.DecodeString(nonce)
	require.NoError(t, err)
	assert.Len(t, nonceRaw, 32)

	sig, err := base64.StdEncoding.DecodeString(signature)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(ed25519.PublicKey(pub), nonceRaw, sig))

	// Every proof signs a fresh nonce.
	_, nonce2, _, err := id.Prove()
	require.NoError(t, err)
	assert.NotEqual(t, nonce, nonce2)
}
