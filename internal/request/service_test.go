package request

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"breakglass/internal/audit"
)

func newTestService(t *testing.T) (*Service, *audit.MemoryStore) {
	t.Helper()
	outbox := audit.NewMemoryStore()
	return NewService(NewMemoryStore(), audit.NewPublisher(outbox), nil, 0), outbox
}

func TestNewIDFormat(t *testing.T) {
	now := time.Date(2026, 8, 23, 14, 30, 5, 0, time.UTC)
	id := NewID(now)
	if !regexp.MustCompile(`^REQ-20260823-143005-[0-9a-f]{6}$`).MatchString(id) {
		t.Fatalf("unexpected request id %q", id)
	}
	if NewID(now) == id {
		t.Fatalf("two ids in the same second must differ")
	}
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	svc, outbox := newTestService(t)

	req, err := svc.Create(ctx, "dr-smith", "vault-prod", "/db/password", "pacs outage")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if req.Status != StatusPending {
		t.Fatalf("new requests start pending, got %s", req.Status)
	}
	if req.ExpiresTS.Sub(req.CreatedTS) != DefaultSLA {
		t.Fatalf("expected default SLA window, got %v", req.ExpiresTS.Sub(req.CreatedTS))
	}

	got, err := svc.Get(ctx, req.ReqID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Requester != "dr-smith" || got.Vault != "vault-prod" {
		t.Fatalf("unexpected request: %+v", got)
	}

	events := outbox.All()
	if len(events) != 1 || events[0].Type != audit.TypeRequestCreated {
		t.Fatalf("expected a REQUEST_CREATED audit event, got %+v", events)
	}
}

func TestApproveLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, outbox := newTestService(t)

	req, err := svc.Create(ctx, "dr-smith", "vault-prod", "/db/password", "outage")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	approved, err := svc.Approve(ctx, req.ReqID, "dr-jones")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != StatusApproved || approved.Approver != "dr-jones" {
		t.Fatalf("unexpected approved request: %+v", approved)
	}

	// Approving twice is a state conflict, not a second approval.
	if _, err := svc.Approve(ctx, req.ReqID, "dr-third"); !errors.Is(err, ErrWrongState) {
		t.Fatalf("expected wrong-state on double approval, got %v", err)
	}

	if err := svc.MarkRetrieved(ctx, req.ReqID); err != nil {
		t.Fatalf("mark retrieved: %v", err)
	}
	final, err := svc.Get(ctx, req.ReqID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != StatusRetrieved {
		t.Fatalf("expected retrieved, got %s", final.Status)
	}

	types := []string{}
	for _, ev := range outbox.All() {
		types = append(types, ev.Type)
	}
	want := []string{audit.TypeRequestCreated, audit.TypeRequestApproved, audit.TypeRequestRetrieved}
	if len(types) != len(want) {
		t.Fatalf("expected %v audit events, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected %v audit events, got %v", want, types)
		}
	}
}

func TestDeny(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	req, err := svc.Create(ctx, "dr-smith", "vault-prod", "/db/password", "outage")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Deny(ctx, req.ReqID, "dr-jones", "no active incident"); err != nil {
		t.Fatalf("deny: %v", err)
	}
	got, err := svc.Get(ctx, req.ReqID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusDenied || got.Detail != "no active incident" {
		t.Fatalf("unexpected denied request: %+v", got)
	}
	if _, err := svc.Approve(ctx, req.ReqID, "dr-late"); !errors.Is(err, ErrWrongState) {
		t.Fatalf("expected denied request to refuse approval, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	req, err := svc.Create(ctx, "dr-smith", "vault-prod", "/db/password", "outage")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Cancel(ctx, req.ReqID, "dr-smith"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, err := svc.Get(ctx, req.ReqID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}

func TestSLAExpiry(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	clock := time.Now()
	svc.now = func() time.Time { return clock }

	req, err := svc.Create(ctx, "dr-smith", "vault-prod", "/db/password", "outage")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	clock = clock.Add(DefaultSLA + time.Second)

	// A late approval loses to the SLA window.
	if _, err := svc.Approve(ctx, req.ReqID, "dr-late"); !errors.Is(err, ErrWrongState) {
		t.Fatalf("expected late approval to fail, got %v", err)
	}
	got, err := svc.Get(ctx, req.ReqID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("expected expired, got %s", got.Status)
	}
}

func TestExpireOverdueHousekeeping(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	clock := time.Now()
	svc.now = func() time.Time { return clock }

	if _, err := svc.Create(ctx, "a", "vault-prod", "/x", "r"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Create(ctx, "b", "vault-prod", "/y", "r"); err != nil {
		t.Fatalf("create: %v", err)
	}

	clock = clock.Add(DefaultSLA + time.Second)
	fresh, err := svc.Create(ctx, "c", "vault-prod", "/z", "r")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	count, err := svc.ExpireOverdue(ctx)
	if err != nil {
		t.Fatalf("expire overdue: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 expired requests, got %d", count)
	}
	pending, err := svc.ListPending(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ReqID != fresh.ReqID {
		t.Fatalf("expected only the fresh request pending, got %+v", pending)
	}
}

func TestGetUnknownRequest(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	if _, err := svc.Get(ctx, "REQ-00000000-000000-abcdef"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
