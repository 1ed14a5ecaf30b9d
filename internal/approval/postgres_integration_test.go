//go:build integration

package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"breakglass/internal/signature"
	dErrors "breakglass/pkg/domain-errors"
	"breakglass/pkg/testutil/containers"
)

func TestPostgresStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	pg := containers.NewPostgresContainer(t)
	store := NewPostgresStore(pg.DB)

	priv, pub, err := signature.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	rec, err := SignWithKey("REQ-20260823-101500-abc123", "dr-jones", priv, 2*time.Minute)
	if err != nil {
		t.Fatalf("sign approval: %v", err)
	}

	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Get(ctx, rec.ReqID, rec.Approver)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ApprovedTS != rec.ApprovedTS || got.TTLSeconds != rec.TTLSeconds || got.Signature != rec.Signature {
		t.Fatalf("record did not round trip: want %+v, got %+v", rec, got)
	}
	// The stored row must re-verify; the signature covers approved_ts exactly
	// as signed, so the column must hand it back byte for byte.
	if !VerifyWithKey(*got, pub) {
		t.Fatalf("round-tripped approval fails signature verification: %+v", got)
	}
}

func TestPostgresStoreDuplicateApprovalConflicts(t *testing.T) {
	ctx := context.Background()
	pg := containers.NewPostgresContainer(t)
	store := NewPostgresStore(pg.DB)

	priv, _, err := signature.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	rec, err := SignWithKey("REQ-20260823-101500-abc123", "dr-jones", priv, time.Minute)
	if err != nil {
		t.Fatalf("sign approval: %v", err)
	}

	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := store.Save(ctx, rec); !dErrors.HasCode(err, dErrors.CodeConflict) {
		t.Fatalf("expected conflict on duplicate approval, got %v", err)
	}
}

func TestPostgresStoreListByRequest(t *testing.T) {
	ctx := context.Background()
	pg := containers.NewPostgresContainer(t)
	store := NewPostgresStore(pg.DB)

	reqID := "REQ-20260823-101500-abc123"
	for _, approver := range []string{"dr-jones", "dr-patel"} {
		priv, _, err := signature.GenerateKeyPair()
		if err != nil {
			t.Fatalf("generate key pair: %v", err)
		}
		rec, err := SignWithKey(reqID, approver, priv, time.Minute)
		if err != nil {
			t.Fatalf("sign approval: %v", err)
		}
		if err := store.Save(ctx, rec); err != nil {
			t.Fatalf("save %s: %v", approver, err)
		}
	}

	recs, err := store.ListByRequest(ctx, reqID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 approvals, got %d", len(recs))
	}

	if _, err := store.Get(ctx, reqID, "dr-nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
