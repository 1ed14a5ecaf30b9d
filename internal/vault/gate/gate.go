// Package gate is the authorization gate in front of a local vault: no
// secret leaves the vault without a valid, unused, correctly scoped token.
// Every lower-level failure is normalized into the Status enum here, so the
// agent never branches on issuer or storage error types.
package gate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"breakglass/internal/token"
	"breakglass/internal/token/nonce"
	"breakglass/internal/vault"
	"breakglass/pkg/requestcontext"
)

// Status is the closed set of retrieval outcomes.
type Status string

const (
	StatusSuccess          Status = "SUCCESS"
	StatusInvalidToken     Status = "INVALID_TOKEN"
	StatusExpiredToken     Status = "EXPIRED_TOKEN"
	StatusNonceAlreadyUsed Status = "NONCE_ALREADY_USED"
	StatusRevoked          Status = "REVOKED"
	StatusScopeMismatch    Status = "SCOPE_MISMATCH"
	StatusSecretNotFound   Status = "SECRET_NOT_FOUND"
)

// Record is one gate-level retrieval decision, kept in addition to the
// vault's own access log.
type Record struct {
	ReqID   string    `json:"req_id"`
	ActorID string    `json:"actor_id"`
	Path    string    `json:"path"`
	Status  Status    `json:"status"`
	TS      time.Time `json:"timestamp"`
}

// Gate binds a token issuer (or validator) to one vault.
type Gate struct {
	vault  *vault.Vault
	issuer *token.Issuer
	logger *slog.Logger

	mu      sync.Mutex
	history []Record
}

func New(v *vault.Vault, issuer *token.Issuer, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{vault: v, issuer: issuer, logger: logger}
}

// Retrieve validates the token with nonce checking and, when everything
// holds, consumes the nonce and returns the secret. The secret is returned
// only on StatusSuccess; a replay of the same token deterministically yields
// StatusNonceAlreadyUsed and an empty secret.
func (g *Gate) Retrieve(ctx context.Context, tokenStr, reqID, actorID string) (string, Status) {
	claims, tokenStatus := g.issuer.Validate(ctx, tokenStr, true)
	if tokenStatus != token.StatusValid {
		status := mapTokenStatus(tokenStatus)
		g.record(ctx, reqID, actorID, pathOf(claims), status)
		return "", status
	}

	if reqID != "" && claims.ReqID != reqID {
		g.record(ctx, reqID, actorID, claims.Path, StatusInvalidToken)
		return "", StatusInvalidToken
	}

	// A token minted for vault A must not drain vault B even with a valid
	// signature.
	if claims.Vault != g.vault.ID() {
		g.logger.WarnContext(ctx, "token scope mismatch",
			"req_id", claims.ReqID,
			"token_vault", claims.Vault,
			"this_vault", g.vault.ID(),
		)
		g.record(ctx, claims.ReqID, actorID, claims.Path, StatusScopeMismatch)
		_ = g.vault.LogAccess(ctx, claims.Path, actorID, false, "scope mismatch")
		return "", StatusScopeMismatch
	}

	exists, err := g.vault.SecretExists(ctx, claims.Path)
	if err != nil || !exists {
		if err != nil {
			g.logger.ErrorContext(ctx, "secret existence check failed", "error", err)
		}
		g.record(ctx, claims.ReqID, actorID, claims.Path, StatusSecretNotFound)
		_ = g.vault.LogAccess(ctx, claims.Path, actorID, false, "secret not found")
		return "", StatusSecretNotFound
	}

	secret, err := g.vault.RetrieveSecret(ctx, claims.Path)
	if err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			g.record(ctx, claims.ReqID, actorID, claims.Path, StatusSecretNotFound)
			return "", StatusSecretNotFound
		}
		g.logger.ErrorContext(ctx, "secret retrieval failed", "error", err)
		g.record(ctx, claims.ReqID, actorID, claims.Path, StatusInvalidToken)
		return "", StatusInvalidToken
	}

	// Consume the nonce before the secret leaves the gate. Losing this race
	// means another caller already took the secret; this caller gets
	// nothing.
	if err := g.issuer.MarkNonceUsed(ctx, claims.Nonce); err != nil {
		if errors.Is(err, nonce.ErrConsumed) || errors.Is(err, nonce.ErrNotFound) {
			g.record(ctx, claims.ReqID, actorID, claims.Path, StatusNonceAlreadyUsed)
			_ = g.vault.LogAccess(ctx, claims.Path, actorID, false, "nonce already used")
			return "", StatusNonceAlreadyUsed
		}
		g.logger.ErrorContext(ctx, "nonce consumption failed", "error", err)
		g.record(ctx, claims.ReqID, actorID, claims.Path, StatusNonceAlreadyUsed)
		return "", StatusNonceAlreadyUsed
	}

	g.record(ctx, claims.ReqID, actorID, claims.Path, StatusSuccess)
	_ = g.vault.LogAccess(ctx, claims.Path, actorID, true, "retrieved via token "+claims.ReqID)
	return secret, StatusSuccess
}

// History returns the gate-level decision log.
func (g *Gate) History() []Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Record, len(g.history))
	copy(out, g.history)
	return out
}

func (g *Gate) record(ctx context.Context, reqID, actorID, path string, status Status) {
	g.mu.Lock()
	g.history = append(g.history, Record{
		ReqID:   reqID,
		ActorID: actorID,
		Path:    path,
		Status:  status,
		TS:      time.Now(),
	})
	g.mu.Unlock()

	g.logger.InfoContext(ctx, "gate decision",
		"request_id", requestcontext.RequestID(ctx),
		"req_id", reqID,
		"actor_id", actorID,
		"path", path,
		"status", string(status),
	)
}

func mapTokenStatus(s token.Status) Status {
	switch s {
	case token.StatusExpired:
		return StatusExpiredToken
	case token.StatusNonceAlreadyUsed:
		return StatusNonceAlreadyUsed
	case token.StatusRevoked:
		return StatusRevoked
	default:
		return StatusInvalidToken
	}
}

func pathOf(c *token.Claims) string {
	if c == nil {
		return ""
	}
	return c.Path
}
