//go:build integration

package request

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"breakglass/pkg/testutil/containers"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	pg := containers.NewPostgresContainer(t)
	store := NewPostgresStore(pg.DB)

	now := time.Now().UTC().Truncate(time.Microsecond)
	req := CredentialRequest{
		ReqID:     NewID(now),
		Requester: "dr-smith",
		Vault:     "vault-prod",
		Path:      "/db/password",
		Reason:    "outage",
		Status:    StatusPending,
		CreatedTS: now,
		UpdatedTS: now,
		ExpiresTS: now.Add(DefaultSLA),
	}
	if err := store.Create(ctx, req); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, req.ReqID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending || got.Requester != "dr-smith" {
		t.Fatalf("unexpected request: %+v", got)
	}

	pending, err := store.ListPending(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending request, got %d", len(pending))
	}

	if err := store.Transition(ctx, req.ReqID, StatusPending, StatusApproved, "dr-jones", "", time.Now().UTC()); err != nil {
		t.Fatalf("transition: %v", err)
	}
	got, err = store.Get(ctx, req.ReqID)
	if err != nil {
		t.Fatalf("get after transition: %v", err)
	}
	if got.Status != StatusApproved || got.Approver != "dr-jones" {
		t.Fatalf("transition did not apply: %+v", got)
	}

	if err := store.Transition(ctx, req.ReqID, StatusPending, StatusDenied, "x", "", time.Now().UTC()); !errors.Is(err, ErrWrongState) {
		t.Fatalf("expected wrong-state, got %v", err)
	}
	if err := store.Transition(ctx, "REQ-missing", StatusPending, StatusDenied, "x", "", time.Now().UTC()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPostgresStoreConcurrentApproval(t *testing.T) {
	ctx := context.Background()
	pg := containers.NewPostgresContainer(t)
	store := NewPostgresStore(pg.DB)

	now := time.Now().UTC()
	req := CredentialRequest{
		ReqID:     NewID(now),
		Requester: "dr-smith",
		Vault:     "vault-prod",
		Path:      "/db/password",
		Reason:    "outage",
		Status:    StatusPending,
		CreatedTS: now,
		UpdatedTS: now,
		ExpiresTS: now.Add(DefaultSLA),
	}
	if err := store.Create(ctx, req); err != nil {
		t.Fatalf("create: %v", err)
	}

	const racers = 16
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Transition(ctx, req.ReqID, StatusPending, StatusApproved, "approver", "", time.Now().UTC())
			if err == nil {
				successes.Add(1)
			} else if !errors.Is(err, ErrWrongState) {
				t.Errorf("unexpected transition error: %v", err)
			}
		}()
	}
	wg.Wait()
	if successes.Load() != 1 {
		t.Fatalf("exactly one approval must win, got %d", successes.Load())
	}
}

func TestPostgresStoreExpireOverdue(t *testing.T) {
	ctx := context.Background()
	pg := containers.NewPostgresContainer(t)
	store := NewPostgresStore(pg.DB)

	now := time.Now().UTC()
	stale := CredentialRequest{
		ReqID: NewID(now), Requester: "a", Vault: "v", Path: "/p", Reason: "r",
		Status: StatusPending, CreatedTS: now.Add(-5 * time.Minute),
		UpdatedTS: now.Add(-5 * time.Minute), ExpiresTS: now.Add(-3 * time.Minute),
	}
	fresh := CredentialRequest{
		ReqID: NewID(now), Requester: "b", Vault: "v", Path: "/q", Reason: "r",
		Status: StatusPending, CreatedTS: now, UpdatedTS: now, ExpiresTS: now.Add(DefaultSLA),
	}
	for _, req := range []CredentialRequest{stale, fresh} {
		if err := store.Create(ctx, req); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	count, err := store.ExpireOverdue(ctx, now)
	if err != nil {
		t.Fatalf("expire overdue: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 expired, got %d", count)
	}
	got, err := store.Get(ctx, stale.ReqID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("expected expired, got %s", got.Status)
	}
}
