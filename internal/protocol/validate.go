package protocol

import "encoding/base64"

// CodeAlphabet is the 32-symbol pairing-code alphabet. Ambiguous characters
// (0, O, 1, I) are excluded.
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeLength is the fixed pairing-code length.
const CodeLength = 6

var codeSymbols = func() [256]bool {
	var set [256]bool
	for i := 0; i < len(CodeAlphabet); i++ {
		set[CodeAlphabet[i]] = true
	}
	return set
}()

// ValidPairingCode reports whether s is a well-formed pairing code.
func ValidPairingCode(s string) bool {
	if len(s) != CodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !codeSymbols[s[i]] {
			return false
		}
	}
	return true
}

// PublicKeySize is the decoded length of a client public key.
const PublicKeySize = 32

// ValidPublicKey reports whether s is base64 for exactly 32 bytes. The key is
// otherwise opaque to the server.
func ValidPublicKey(s string) bool {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return false
	}
	return len(raw) == PublicKeySize
}
