// Package signature implements the asymmetric key lifecycle for human
// approvals: Ed25519 keypairs, message signing, and verification. Private
// keys at rest are sealed with age under an operator passphrase; public keys
// are plain PEM so they can be distributed to issuers freely.
package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// GenerateKeyPair returns a fresh Ed25519 keypair.
func GenerateKeyPair() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	return priv, pub, nil
}

// Sign returns the base64 signature of message. Ed25519 is deterministic, so
// the same key and message always produce the same signature.
func Sign(priv ed25519.PrivateKey, message []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, message))
}

// Verify reports whether sig is a valid signature of message under pub. It
// returns false for malformed signatures, wrong-sized keys, and tampered
// messages; it never returns an error or panics, so callers can treat the
// bool as the complete answer.
func Verify(pub ed25519.PublicKey, message []byte, sig string) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil || len(raw) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, raw)
}
