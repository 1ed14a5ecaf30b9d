// Package approval turns a human approval decision into a signed, verifiable
// record. The signature covers the canonical serialization of every
// non-signature field, so mutating any of them after signing invalidates the
// record.
package approval

import (
	"crypto/ed25519"
	"encoding/json"
	"time"

	"breakglass/internal/signature"
)

// DefaultTTL bounds how long a minted token derived from an approval lives.
const DefaultTTL = 300 * time.Second

// Record is an immutable, signed attestation that an approver authorized a
// specific credential request.
type Record struct {
	ReqID      string `json:"req_id"`
	Approver   string `json:"approver"`
	ApprovedTS string `json:"approved_ts"`
	TTLSeconds int    `json:"ttl_seconds"`
	Signature  string `json:"signature"`
}

// canonicalPayload serializes the semantic fields with sorted keys. A map is
// used deliberately: encoding/json emits map keys in sorted order, which
// gives a stable byte representation independent of struct field order.
func canonicalPayload(r Record) ([]byte, error) {
	return json.Marshal(map[string]any{
		"approved_ts": r.ApprovedTS,
		"approver":    r.Approver,
		"req_id":      r.ReqID,
		"ttl_seconds": r.TTLSeconds,
	})
}

// Sign loads the approver's sealed private key and produces a signed record.
// Key loading failures (wrong passphrase, missing file) propagate unchanged
// so the caller sees the precise reason.
func Sign(reqID, approverID, privateKeyPath, passphrase string, ttl time.Duration) (Record, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	priv, err := signature.LoadPrivateKey(privateKeyPath, passphrase)
	if err != nil {
		return Record{}, err
	}
	return SignWithKey(reqID, approverID, priv, ttl)
}

// SignWithKey signs a record with an already-unsealed key.
func SignWithKey(reqID, approverID string, priv ed25519.PrivateKey, ttl time.Duration) (Record, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	rec := Record{
		ReqID:      reqID,
		Approver:   approverID,
		ApprovedTS: time.Now().UTC().Format(time.RFC3339Nano),
		TTLSeconds: int(ttl / time.Second),
	}
	payload, err := canonicalPayload(rec)
	if err != nil {
		return Record{}, err
	}
	rec.Signature = signature.Sign(priv, payload)
	return rec, nil
}

// Verify checks the record against the approver's public key file. It
// returns false for any mutation of the signed fields; errors are reserved
// for key loading problems.
func Verify(rec Record, publicKeyPath string) (bool, error) {
	pub, err := signature.LoadPublicKey(publicKeyPath)
	if err != nil {
		return false, err
	}
	return VerifyWithKey(rec, pub), nil
}

// VerifyWithKey checks the record against an in-memory public key.
func VerifyWithKey(rec Record, pub ed25519.PublicKey) bool {
	payload, err := canonicalPayload(rec)
	if err != nil {
		return false
	}
	return signature.Verify(pub, payload, rec.Signature)
}
