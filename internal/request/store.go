package request

import (
	"context"
	"sort"
	"sync"
	"time"

	dErrors "breakglass/pkg/domain-errors"
)

// ErrNotFound is returned for unknown request IDs.
var ErrNotFound = dErrors.New(dErrors.CodeNotFound, "credential request not found")

// ErrWrongState is returned when a transition's precondition state does not
// hold. Exactly one of two racing approvers observes success.
var ErrWrongState = dErrors.New(dErrors.CodeConflict, "credential request is not in the required state")

// Store persists credential requests. Transition is the only mutation and
// must be an atomic compare-and-set on the status column.
type Store interface {
	Create(ctx context.Context, req CredentialRequest) error
	Get(ctx context.Context, reqID string) (*CredentialRequest, error)
	ListPending(ctx context.Context) ([]CredentialRequest, error)
	Transition(ctx context.Context, reqID string, from, to Status, approver, detail string, now time.Time) error
	ExpireOverdue(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]CredentialRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: map[string]CredentialRequest{}}
}

func (s *MemoryStore) Create(ctx context.Context, req CredentialRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.ReqID]; exists {
		return dErrors.New(dErrors.CodeConflict, "credential request already exists")
	}
	s.requests[req.ReqID] = req
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, reqID string) (*CredentialRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[reqID]
	if !ok {
		return nil, ErrNotFound
	}
	return &req, nil
}

func (s *MemoryStore) ListPending(ctx context.Context) ([]CredentialRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CredentialRequest
	for _, req := range s.requests {
		if req.Status == StatusPending {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedTS.Before(out[j].CreatedTS) })
	return out, nil
}

func (s *MemoryStore) Transition(ctx context.Context, reqID string, from, to Status, approver, detail string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[reqID]
	if !ok {
		return ErrNotFound
	}
	if req.Status != from {
		return ErrWrongState
	}
	req.Status = to
	req.UpdatedTS = now
	if approver != "" {
		req.Approver = approver
	}
	if detail != "" {
		req.Detail = detail
	}
	s.requests[reqID] = req
	return nil
}

func (s *MemoryStore) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, req := range s.requests {
		if req.Status == StatusPending && now.After(req.ExpiresTS) {
			req.Status = StatusExpired
			req.UpdatedTS = now
			s.requests[id] = req
			count++
		}
	}
	return count, nil
}
