// Package token mints and validates the single-use bearer tokens that
// authorize retrieval of one secret path from one vault. A token is two
// dot-separated base64url segments: the canonical claims JSON and an
// HMAC-SHA256 over the payload segment under the server key. The embedded
// nonce is tracked in a durable store so each token spends at most once.
package token

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"breakglass/internal/token/nonce"
)

var (
	tokensIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "breakglass_tokens_issued_total",
		Help: "Total number of retrieval tokens minted",
	})
	tokenValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "breakglass_token_validations_total",
		Help: "Token validation outcomes by status",
	}, []string{"status"})
)

// IssueResult is returned to the approval workflow when a token is minted.
type IssueResult struct {
	Token   string    `json:"token"`
	Nonce   string    `json:"nonce"`
	ReqID   string    `json:"req_id"`
	ExpTS   time.Time `json:"expires_at"`
	ExpUnix int64     `json:"expires_unix"`
}

// Issuer holds the server MAC key and the nonce store. The key is loaded
// once at startup and never mutated at runtime; rotation is an explicit
// restart-with-revocation procedure.
type Issuer struct {
	key    []byte
	nonces nonce.Store
	logger *slog.Logger
}

// New constructs an issuer. The key must be non-empty; an issuer with an
// unreadable key is a startup failure, not a degraded mode.
func New(key []byte, nonces nonce.Store, logger *slog.Logger) (*Issuer, error) {
	if len(key) == 0 {
		return nil, errors.New("token issuer requires a non-empty signing key")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{key: key, nonces: nonces, logger: logger}, nil
}

// Issue mints a token scoped to (vault, path) for an approved request and
// persists its nonce record.
func (i *Issuer) Issue(ctx context.Context, reqID, vault, path string, ttl time.Duration) (IssueResult, error) {
	if reqID == "" || vault == "" || path == "" {
		return IssueResult{}, errors.New("req_id, vault, and path are required")
	}
	if ttl < 0 {
		return IssueResult{}, errors.New("ttl must not be negative")
	}

	nonceValue, err := randomNonce()
	if err != nil {
		return IssueResult{}, err
	}

	now := time.Now()
	exp := now.Add(ttl)
	claims := Claims{
		Aud:   AudienceName,
		Exp:   exp.Unix(),
		Iat:   now.Unix(),
		Iss:   IssuerName,
		Nonce: nonceValue,
		Path:  path,
		ReqID: reqID,
		Vault: vault,
	}

	payload, err := encodePayload(claims)
	if err != nil {
		return IssueResult{}, fmt.Errorf("encode claims: %w", err)
	}
	tokenStr := payload + "." + i.sign(payload)

	rec := nonce.Record{
		Nonce:     nonceValue,
		ReqID:     reqID,
		ExpiresTS: exp,
	}
	if err := i.nonces.Save(ctx, rec); err != nil {
		return IssueResult{}, fmt.Errorf("persist nonce: %w", err)
	}

	tokensIssuedTotal.Inc()
	i.logger.InfoContext(ctx, "token issued",
		"req_id", reqID,
		"vault", vault,
		"path", path,
		"ttl_seconds", int(ttl/time.Second),
	)

	return IssueResult{
		Token:   tokenStr,
		Nonce:   nonceValue,
		ReqID:   reqID,
		ExpTS:   exp,
		ExpUnix: exp.Unix(),
	}, nil
}

// Validate checks a token in fixed order: structure, signature (constant
// time), expiry, then nonce state. With checkNonce=false only the stateless
// checks run, which the agent uses for its cheap pre-check; authorization
// always validates with the nonce.
func (i *Issuer) Validate(ctx context.Context, tokenStr string, checkNonce bool) (*Claims, Status) {
	claims, status := i.validate(ctx, tokenStr, checkNonce)
	tokenValidationsTotal.WithLabelValues(string(status)).Inc()
	return claims, status
}

func (i *Issuer) validate(ctx context.Context, tokenStr string, checkNonce bool) (*Claims, Status) {
	parts := strings.Split(tokenStr, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, StatusInvalidSignature
	}

	expected := i.sign(parts[0])
	if !hmac.Equal([]byte(expected), []byte(parts[1])) {
		return nil, StatusInvalidSignature
	}

	claims, ok := DecodePayload(tokenStr)
	if !ok {
		return nil, StatusInvalidSignature
	}

	if time.Now().Unix() > claims.Exp {
		return nil, StatusExpired
	}

	if !checkNonce {
		return claims, StatusValid
	}

	rec, err := i.nonces.Find(ctx, claims.Nonce)
	if err != nil {
		// Unknown nonces must never validate. A store failure denies too;
		// the precise reason stays in the log.
		if !errors.Is(err, nonce.ErrNotFound) {
			i.logger.ErrorContext(ctx, "nonce lookup failed", "error", err)
		}
		return nil, StatusNonceAlreadyUsed
	}
	if rec.Revoked {
		return nil, StatusRevoked
	}
	if rec.Used {
		return nil, StatusNonceAlreadyUsed
	}
	return claims, StatusValid
}

// MarkNonceUsed consumes the nonce. Exactly one caller succeeds; the rest
// see nonce.ErrConsumed.
func (i *Issuer) MarkNonceUsed(ctx context.Context, nonceValue string) error {
	return i.nonces.MarkUsed(ctx, nonceValue, time.Now())
}

// Revoke administratively terminates an outstanding nonce.
func (i *Issuer) Revoke(ctx context.Context, nonceValue string) error {
	if err := i.nonces.Revoke(ctx, nonceValue); err != nil {
		return err
	}
	i.logger.InfoContext(ctx, "token revoked", "nonce", nonceValue)
	return nil
}

// CleanupExpired reclaims expired nonce records and returns how many were
// removed.
func (i *Issuer) CleanupExpired(ctx context.Context) (int, error) {
	return i.nonces.CleanupExpired(ctx, time.Now())
}

// Stats reports nonce counts by state.
func (i *Issuer) Stats(ctx context.Context) (nonce.Stats, error) {
	return i.nonces.Stats(ctx, time.Now())
}

func (i *Issuer) sign(payload string) string {
	mac := hmac.New(sha256.New, i.key)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func randomNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
