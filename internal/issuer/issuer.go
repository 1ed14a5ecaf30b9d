// Package issuer is the central broker core: it owns the request workflow,
// verifies approver signatures against a directory of trusted public keys,
// and mints retrieval tokens for approved requests.
package issuer

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"breakglass/internal/approval"
	"breakglass/internal/audit"
	"breakglass/internal/request"
	"breakglass/internal/token"
	"breakglass/internal/token/nonce"
	dErrors "breakglass/pkg/domain-errors"
)

// ErrBadApproval is returned for any approval that does not verify. The
// message deliberately does not say whether the approver is unknown or the
// signature is wrong.
var ErrBadApproval = dErrors.New(dErrors.CodeUnauthorized, "approval rejected")

// Service ties the request workflow to token issuance.
type Service struct {
	requests  *request.Service
	approvals approval.Store
	tokens    *token.Issuer
	keyDir    string
	audit     audit.Recorder
	logger    *slog.Logger
	tokenTTL  time.Duration
}

func New(requests *request.Service, approvals approval.Store, tokens *token.Issuer, keyDir string, recorder audit.Recorder, logger *slog.Logger, tokenTTL time.Duration) *Service {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if tokenTTL <= 0 {
		tokenTTL = 5 * time.Minute
	}
	return &Service{
		requests:  requests,
		approvals: approvals,
		tokens:    tokens,
		keyDir:    keyDir,
		audit:     recorder,
		logger:    logger,
		tokenTTL:  tokenTTL,
	}
}

// Requests exposes the underlying workflow service to the HTTP layer.
func (s *Service) Requests() *request.Service { return s.requests }

// ApproveAndIssue verifies the signed approval record, transitions the
// request to approved, persists the approval, and mints the retrieval token.
func (s *Service) ApproveAndIssue(ctx context.Context, rec approval.Record) (*token.IssueResult, error) {
	req, err := s.requests.Get(ctx, rec.ReqID)
	if err != nil {
		return nil, err
	}
	if req.Status != request.StatusPending {
		return nil, request.ErrWrongState
	}

	keyPath := filepath.Join(s.keyDir, rec.Approver+".pem")
	ok, err := approval.Verify(rec, keyPath)
	if err != nil || !ok {
		if err != nil {
			s.logger.WarnContext(ctx, "approval verification failed",
				"req_id", rec.ReqID,
				"approver", rec.Approver,
				"error", err,
			)
		} else {
			s.logger.WarnContext(ctx, "approval signature invalid",
				"req_id", rec.ReqID,
				"approver", rec.Approver,
			)
		}
		return nil, ErrBadApproval
	}

	ttl := s.tokenTTL
	if rec.TTLSeconds > 0 {
		ttl = time.Duration(rec.TTLSeconds) * time.Second
	}

	// Mint and persist before the state transition. A failure here leaves the
	// request pending and re-approvable; the only thing to unwind is the
	// fresh token, which is revoked before anyone could have seen it.
	result, err := s.tokens.Issue(ctx, rec.ReqID, req.Vault, req.Path, ttl)
	if err != nil {
		return nil, err
	}
	if err := s.approvals.Save(ctx, rec); err != nil {
		s.discardToken(ctx, result.Nonce, rec.ReqID)
		return nil, err
	}
	if _, err := s.requests.Approve(ctx, rec.ReqID, rec.Approver); err != nil {
		s.discardToken(ctx, result.Nonce, rec.ReqID)
		return nil, err
	}

	s.record(ctx, audit.TypeTokenIssued, rec.Approver, map[string]any{
		"req_id": rec.ReqID,
		"vault":  req.Vault,
		"path":   req.Path,
		"exp":    result.ExpUnix,
	})
	return &result, nil
}

// discardToken revokes a token minted by an approval that failed to commit.
func (s *Service) discardToken(ctx context.Context, nonceValue, reqID string) {
	if err := s.tokens.Revoke(ctx, nonceValue); err != nil {
		s.logger.ErrorContext(ctx, "failed to revoke token for aborted approval",
			"req_id", reqID,
			"error", err,
		)
	}
}

// Revoke invalidates an outstanding token by nonce.
func (s *Service) Revoke(ctx context.Context, nonce, actorID string) error {
	if err := s.tokens.Revoke(ctx, nonce); err != nil {
		return err
	}
	s.record(ctx, audit.TypeTokenRevoked, actorID, map[string]any{"nonce": nonce})
	return nil
}

// Stats returns nonce counts by state.
func (s *Service) Stats(ctx context.Context) (nonce.Stats, error) {
	return s.tokens.Stats(ctx)
}

// Housekeep removes expired nonces and lapses overdue requests. The server
// runs it on a ticker.
func (s *Service) Housekeep(ctx context.Context) error {
	removed, err := s.tokens.CleanupExpired(ctx)
	if err != nil {
		return err
	}
	expired, err := s.requests.ExpireOverdue(ctx)
	if err != nil {
		return err
	}
	if removed > 0 || expired > 0 {
		s.logger.InfoContext(ctx, "housekeeping pass",
			"nonces_removed", removed,
			"requests_expired", expired,
		)
	}
	return nil
}

func (s *Service) record(ctx context.Context, eventType, actor string, payload map[string]any) {
	if err := s.audit.Record(ctx, eventType, actor, payload); err != nil {
		s.logger.ErrorContext(ctx, "audit record failed", "event", eventType, "error", err)
	}
}
