// Package vault is the agent-local encrypted secret store. Values are
// sealed with ChaCha20-Poly1305 under a key derived from configured key
// material, and every access is recorded in the retrieval_history table.
// Storage is a local SQLite database, one file per subnet agent.
package vault

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
	_ "modernc.org/sqlite"

	dErrors "breakglass/pkg/domain-errors"
)

// ErrSecretNotFound is returned when no secret lives at the requested path.
var ErrSecretNotFound = dErrors.New(dErrors.CodeNotFound, "secret not found")

// AccessLogEntry is one row of the vault's append-only access log.
type AccessLogEntry struct {
	Path    string    `json:"path"`
	ActorID string    `json:"actor_id"`
	Success bool      `json:"success"`
	Details string    `json:"details"`
	TS      time.Time `json:"timestamp"`
}

const schema = `
CREATE TABLE IF NOT EXISTS vault_meta (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS vault_secrets (
	path            TEXT PRIMARY KEY,
	encrypted_value BLOB NOT NULL,
	owner_id        TEXT NOT NULL,
	created_ts      TIMESTAMP NOT NULL,
	updated_ts      TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS retrieval_history (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	path     TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	success  INTEGER NOT NULL,
	details  TEXT NOT NULL,
	ts       TIMESTAMP NOT NULL
);
`

// Vault owns the Secret lifecycle for one named vault. The encryption key is
// derived once at Open and never changes at runtime.
type Vault struct {
	id   string
	db   *sql.DB
	aead cipher.AEAD
}

// Open creates or opens the vault database at path and derives the
// encryption key from keyMaterial with scrypt. The KDF salt is generated on
// first open and persisted in vault_meta, so the same key material yields
// the same key across restarts but different keys across vaults.
func Open(id, dbPath, keyMaterial string) (*Vault, error) {
	if id == "" {
		return nil, errors.New("vault id is required")
	}
	if keyMaterial == "" {
		return nil, errors.New("vault key material is required")
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open vault db: %w", err)
	}
	// SQLite tolerates one writer; funnel everything through one connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply vault schema: %w", err)
	}

	salt, err := loadOrCreateSalt(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	key, err := scrypt.Key([]byte(keyMaterial), salt, 1<<15, 8, 1, chacha20poly1305.KeySize)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("derive vault key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init vault cipher: %w", err)
	}

	return &Vault{id: id, db: db, aead: aead}, nil
}

func loadOrCreateSalt(db *sql.DB) ([]byte, error) {
	var salt []byte
	err := db.QueryRow(`SELECT value FROM vault_meta WHERE key = 'kdf_salt'`).Scan(&salt)
	if err == nil {
		return salt, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("load vault salt: %w", err)
	}
	salt = make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate vault salt: %w", err)
	}
	if _, err := db.Exec(`INSERT INTO vault_meta (key, value) VALUES ('kdf_salt', ?)`, salt); err != nil {
		return nil, fmt.Errorf("persist vault salt: %w", err)
	}
	return salt, nil
}

// ID returns the vault identifier that token scopes are checked against.
func (v *Vault) ID() string { return v.id }

// Close releases the underlying database.
func (v *Vault) Close() error { return v.db.Close() }

// StoreSecret encrypts and stores a new secret. Storing over an existing
// path is a conflict; use Rotate to replace a value.
func (v *Vault) StoreSecret(ctx context.Context, path, secret, ownerID string) error {
	sealed, err := v.seal([]byte(secret))
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = v.db.ExecContext(ctx, `
		INSERT INTO vault_secrets (path, encrypted_value, owner_id, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?)
	`, path, sealed, ownerID, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return dErrors.New(dErrors.CodeConflict, "secret already exists at path")
		}
		return fmt.Errorf("store secret: %w", err)
	}
	return nil
}

// Rotate replaces the encrypted value at an existing path.
func (v *Vault) Rotate(ctx context.Context, path, secret string) error {
	sealed, err := v.seal([]byte(secret))
	if err != nil {
		return err
	}
	res, err := v.db.ExecContext(ctx, `
		UPDATE vault_secrets SET encrypted_value = ?, updated_ts = ? WHERE path = ?
	`, sealed, time.Now().UTC(), path)
	if err != nil {
		return fmt.Errorf("rotate secret: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rotate secret: %w", err)
	}
	if affected == 0 {
		return ErrSecretNotFound
	}
	return nil
}

// RetrieveSecret decrypts and returns the plaintext at path.
func (v *Vault) RetrieveSecret(ctx context.Context, path string) (string, error) {
	var sealed []byte
	err := v.db.QueryRowContext(ctx,
		`SELECT encrypted_value FROM vault_secrets WHERE path = ?`, path).Scan(&sealed)
	if err == sql.ErrNoRows {
		return "", ErrSecretNotFound
	}
	if err != nil {
		return "", fmt.Errorf("retrieve secret: %w", err)
	}
	plain, err := v.open(sealed)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// SecretExists reports whether a secret lives at path.
func (v *Vault) SecretExists(ctx context.Context, path string) (bool, error) {
	var one int
	err := v.db.QueryRowContext(ctx,
		`SELECT 1 FROM vault_secrets WHERE path = ?`, path).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check secret: %w", err)
	}
	return true, nil
}

// LogAccess appends to the vault's access log.
func (v *Vault) LogAccess(ctx context.Context, path, actorID string, success bool, details string) error {
	_, err := v.db.ExecContext(ctx, `
		INSERT INTO retrieval_history (path, actor_id, success, details, ts)
		VALUES (?, ?, ?, ?, ?)
	`, path, actorID, success, details, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("log access: %w", err)
	}
	return nil
}

// AccessLog returns log entries, optionally filtered to one path.
func (v *Vault) AccessLog(ctx context.Context, path string) ([]AccessLogEntry, error) {
	query := `SELECT path, actor_id, success, details, ts FROM retrieval_history`
	args := []any{}
	if path != "" {
		query += ` WHERE path = ?`
		args = append(args, path)
	}
	query += ` ORDER BY id`

	rows, err := v.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read access log: %w", err)
	}
	defer rows.Close()

	var entries []AccessLogEntry
	for rows.Next() {
		var e AccessLogEntry
		if err := rows.Scan(&e.Path, &e.ActorID, &e.Success, &e.Details, &e.TS); err != nil {
			return nil, fmt.Errorf("scan access log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RawCiphertext exposes the stored ciphertext for a path. Tests use it to
// assert the persisted bytes are never the plaintext.
func (v *Vault) RawCiphertext(ctx context.Context, path string) ([]byte, error) {
	var sealed []byte
	err := v.db.QueryRowContext(ctx,
		`SELECT encrypted_value FROM vault_secrets WHERE path = ?`, path).Scan(&sealed)
	if err == sql.ErrNoRows {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read ciphertext: %w", err)
	}
	return sealed, nil
}

// seal prepends a random nonce to the AEAD ciphertext, so encrypting the
// same plaintext twice yields different bytes.
func (v *Vault) seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate encryption nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plain, nil), nil
}

func (v *Vault) open(sealed []byte) ([]byte, error) {
	if len(sealed) < v.aead.NonceSize() {
		return nil, dErrors.New(dErrors.CodeDecryptionFailure, "ciphertext truncated")
	}
	nonce, ct := sealed[:v.aead.NonceSize()], sealed[v.aead.NonceSize():]
	plain, err := v.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, dErrors.New(dErrors.CodeDecryptionFailure, "secret decryption failed")
	}
	return plain, nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces constraint violations in the error text;
	// there is no exported sentinel to compare against.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
