package attestation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/haventalk/haven-relay/internal/protocol"
)

// bootstrapClient speaks the attestation endpoints of the bootstrap service.
type bootstrapClient struct {
	baseURL string
	http    *http.Client
}

func newBootstrapClient(baseURL string) *bootstrapClient {
	return &bootstrapClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type challengeResponse struct {
	Nonce   string                  `json:"nonce"`
	Regions []protocol.AttestRegion `json:"regions"`
}

// Challenge forwards the client's build token to POST /attest/challenge.
func (c *bootstrapClient) Challenge(buildToken, deviceID string) (*challengeResponse, error) {
	body := map[string]string{
		"build_token": buildToken,
		"device_id":   deviceID,
	}
	var out challengeResponse
	if err := c.post("/attest/challenge", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type verifyResponse struct {
	Valid        bool   `json:"valid"`
	SessionToken string `json:"session_token"`
}

// Verify forwards the client's region HMACs to POST /attest/verify.
func (c *bootstrapClient) Verify(nonce, deviceID string, responses []protocol.AttestRegionResponse) (*verifyResponse, error) {
	body := map[string]any{
		"nonce":     nonce,
		"device_id": deviceID,
		"responses": responses,
	}
	var out verifyResponse
	if err := c.post("/attest/verify", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *bootstrapClient) post(path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("bootstrap request encode: %w", err)
	}

	resp, err := c.http.Post(c.baseURL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("bootstrap request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("bootstrap returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("bootstrap response read: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("bootstrap response decode: %w", err)
	}
	return nil
}
