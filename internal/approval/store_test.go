package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"breakglass/internal/signature"
	dErrors "breakglass/pkg/domain-errors"
)

func signedRecord(t *testing.T, reqID, approver string) Record {
	t.Helper()
	priv, _, err := signature.GenerateKeyPair()
	require.NoError(t, err)
	rec, err := SignWithKey(reqID, approver, priv, time.Minute)
	require.NoError(t, err)
	return rec
}

func TestMemoryStoreSaveAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rec := signedRecord(t, "REQ-1", "dr-jones")

	require.NoError(t, store.Save(ctx, rec))

	got, err := store.Get(ctx, "REQ-1", "dr-jones")
	require.NoError(t, err)
	assert.Equal(t, rec.Signature, got.Signature)
	assert.Equal(t, rec.TTLSeconds, got.TTLSeconds)

	_, err = store.Get(ctx, "REQ-1", "dr-unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreDuplicateApprovalConflicts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rec := signedRecord(t, "REQ-1", "dr-jones")

	require.NoError(t, store.Save(ctx, rec))
	err := store.Save(ctx, rec)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict), "second save of the same approval must conflict, got %v", err)
}

func TestMemoryStoreListByRequest(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Save(ctx, signedRecord(t, "REQ-1", "dr-jones")))
	require.NoError(t, store.Save(ctx, signedRecord(t, "REQ-1", "dr-patel")))
	require.NoError(t, store.Save(ctx, signedRecord(t, "REQ-2", "dr-jones")))

	recs, err := store.ListByRequest(ctx, "REQ-1")
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	recs, err = store.ListByRequest(ctx, "REQ-3")
	require.NoError(t, err)
	assert.Empty(t, recs)
}
