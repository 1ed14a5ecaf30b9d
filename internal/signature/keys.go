package signature

import (
	"bytes"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"

	dErrors "breakglass/pkg/domain-errors"
)

const (
	privateKeyFileMode = 0o600
	publicKeyPEMType   = "PUBLIC KEY"
)

// SavePrivateKey seals the key under the passphrase with an age scrypt
// recipient and writes it with owner-only permissions. The plaintext inside
// the age envelope is PKCS#8 DER.
func SavePrivateKey(priv ed25519.PrivateKey, path, passphrase string) error {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("build scrypt recipient: %w", err)
	}

	var sealed bytes.Buffer
	w, err := age.Encrypt(&sealed, recipient)
	if err != nil {
		return fmt.Errorf("seal private key: %w", err)
	}
	if _, err := w.Write(der); err != nil {
		return fmt.Errorf("seal private key: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("seal private key: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(path, sealed.Bytes(), privateKeyFileMode); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	// WriteFile only applies the mode on creation; enforce it on overwrite.
	if err := os.Chmod(path, privateKeyFileMode); err != nil {
		return fmt.Errorf("chmod private key: %w", err)
	}
	return nil
}

// LoadPrivateKey opens and unseals a private key file. A missing file yields
// CodeNotFound and a wrong passphrase yields CodeDecryptionFailure, so
// callers can tell the two apart from a signature that merely fails to
// verify.
func LoadPrivateKey(path, passphrase string) (ed25519.PrivateKey, error) {
	sealed, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, dErrors.New(dErrors.CodeNotFound, "private key file not found")
		}
		return nil, fmt.Errorf("read private key: %w", err)
	}

	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("build scrypt identity: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(sealed), identity)
	if err != nil {
		return nil, dErrors.New(dErrors.CodeDecryptionFailure, "private key decryption failed")
	}
	der, err := io.ReadAll(r)
	if err != nil {
		// The scrypt MAC check happens while streaming, so a wrong
		// passphrase can surface here as well.
		return nil, dErrors.New(dErrors.CodeDecryptionFailure, "private key decryption failed")
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, dErrors.New(dErrors.CodeDecryptionFailure, "private key decryption failed")
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, dErrors.New(dErrors.CodeDecryptionFailure, "not an ed25519 private key")
	}
	return priv, nil
}

// SavePublicKey writes the key as plain PKIX PEM.
func SavePublicKey(pub ed25519.PublicKey, path string) error {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	block := &pem.Block{Type: publicKeyPEMType, Bytes: der}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

// LoadPublicKey reads a plain PKIX PEM public key.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, dErrors.New(dErrors.CodeNotFound, "public key file not found")
		}
		return nil, fmt.Errorf("read public key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != publicKeyPEMType {
		return nil, dErrors.New(dErrors.CodeBadRequest, "not a PEM public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, dErrors.New(dErrors.CodeBadRequest, "not an ed25519 public key")
	}
	return pub, nil
}
