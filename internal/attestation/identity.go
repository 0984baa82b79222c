package attestation

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// Identity is the server's Ed25519 signing identity. The public key is
// stable for the server's lifetime; each proof uses a fresh nonce.
type Identity struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewIdentity generates a fresh Ed25519 keypair.
func NewIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 identity: %w", err)
	}
	return &Identity{pub: pub, priv: priv}, nil
}

// PublicKey returns the base64 public key.
func (id *Identity) PublicKey() string {
	return base64.StdEncoding.EncodeToString(id.pub)
}

// Prove signs a fresh 32-byte nonce, returning (publicKey, nonce, signature)
// base64-encoded for the server_identity frame.
func (id *Identity) Prove() (publicKey, nonce, signature string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("generate identity nonce: %w", err)
	}
	sig := ed25519.Sign(id.priv, raw)
	return id.PublicKey(), base64.StdEncoding.EncodeToString(raw), base64.StdEncoding.EncodeToString(sig), nil
}
