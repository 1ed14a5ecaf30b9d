package request

import (
	"context"
	"log/slog"
	"time"

	"breakglass/internal/audit"
)

// Service drives the request lifecycle and records every transition in the
// audit outbox.
type Service struct {
	store  Store
	audit  audit.Recorder
	logger *slog.Logger
	sla    time.Duration
	now    func() time.Time
}

func NewService(store Store, recorder audit.Recorder, logger *slog.Logger, sla time.Duration) *Service {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if sla <= 0 {
		sla = DefaultSLA
	}
	return &Service{store: store, audit: recorder, logger: logger, sla: sla, now: time.Now}
}

// Create opens a pending request with an SLA deadline.
func (s *Service) Create(ctx context.Context, requester, vault, path, reason string) (*CredentialRequest, error) {
	now := s.now().UTC()
	req := CredentialRequest{
		ReqID:     NewID(now),
		Requester: requester,
		Vault:     vault,
		Path:      path,
		Reason:    reason,
		Status:    StatusPending,
		CreatedTS: now,
		UpdatedTS: now,
		ExpiresTS: now.Add(s.sla),
	}
	if err := s.store.Create(ctx, req); err != nil {
		return nil, err
	}
	s.record(ctx, audit.TypeRequestCreated, requester, map[string]any{
		"req_id": req.ReqID,
		"vault":  vault,
		"path":   path,
		"reason": reason,
	})
	return &req, nil
}

// Get returns a request, expiring it first if its SLA window has lapsed
// while it was still pending.
func (s *Service) Get(ctx context.Context, reqID string) (*CredentialRequest, error) {
	req, err := s.store.Get(ctx, reqID)
	if err != nil {
		return nil, err
	}
	if req.Status == StatusPending && s.now().After(req.ExpiresTS) {
		if err := s.store.Transition(ctx, reqID, StatusPending, StatusExpired, "", "", s.now().UTC()); err == nil {
			s.record(ctx, audit.TypeRequestExpired, "", map[string]any{"req_id": reqID})
		}
		return s.store.Get(ctx, reqID)
	}
	return req, nil
}

// ListPending returns requests still awaiting a decision.
func (s *Service) ListPending(ctx context.Context) ([]CredentialRequest, error) {
	return s.store.ListPending(ctx)
}

// Approve moves a pending request to approved. A lapsed SLA window wins over
// a late approval.
func (s *Service) Approve(ctx context.Context, reqID, approver string) (*CredentialRequest, error) {
	req, err := s.Get(ctx, reqID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, ErrWrongState
	}
	if err := s.store.Transition(ctx, reqID, StatusPending, StatusApproved, approver, "", s.now().UTC()); err != nil {
		return nil, err
	}
	s.record(ctx, audit.TypeRequestApproved, approver, map[string]any{"req_id": reqID})
	return s.store.Get(ctx, reqID)
}

// Deny moves a pending request to denied with a reason.
func (s *Service) Deny(ctx context.Context, reqID, approver, reason string) error {
	if err := s.store.Transition(ctx, reqID, StatusPending, StatusDenied, approver, reason, s.now().UTC()); err != nil {
		return err
	}
	s.record(ctx, audit.TypeRequestDenied, approver, map[string]any{
		"req_id": reqID,
		"reason": reason,
	})
	return nil
}

// Cancel lets the requester withdraw a pending request.
func (s *Service) Cancel(ctx context.Context, reqID, requester string) error {
	if err := s.store.Transition(ctx, reqID, StatusPending, StatusCancelled, "", "cancelled by "+requester, s.now().UTC()); err != nil {
		return err
	}
	s.record(ctx, audit.TypeRequestCancelled, requester, map[string]any{"req_id": reqID})
	return nil
}

// MarkRetrieved records that the secret for an approved request was released.
func (s *Service) MarkRetrieved(ctx context.Context, reqID string) error {
	if err := s.store.Transition(ctx, reqID, StatusApproved, StatusRetrieved, "", "", s.now().UTC()); err != nil {
		return err
	}
	s.record(ctx, audit.TypeRequestRetrieved, "", map[string]any{"req_id": reqID})
	return nil
}

// ExpireOverdue is the housekeeping entry point.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	count, err := s.store.ExpireOverdue(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.logger.InfoContext(ctx, "expired overdue credential requests", "count", count)
	}
	return count, nil
}

func (s *Service) record(ctx context.Context, eventType, actor string, payload map[string]any) {
	if err := s.audit.Record(ctx, eventType, actor, payload); err != nil {
		s.logger.ErrorContext(ctx, "audit record failed", "event", eventType, "error", err)
	}
}
