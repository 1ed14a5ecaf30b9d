// Package nonce tracks the lifecycle of every issued token nonce. The store
// is the system's single shared mutable resource: consuming a nonce must be
// linearizable so that exactly one caller ever retrieves the secret a token
// authorizes.
package nonce

import (
	"context"
	"time"

	dErrors "breakglass/pkg/domain-errors"
)

// Record is the durable state behind one issued token.
type Record struct {
	Nonce     string
	ReqID     string
	ExpiresTS time.Time
	Used      bool
	UsedTS    time.Time
	Revoked   bool
}

// Stats counts records by state at a point in time.
type Stats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Used    int `json:"used"`
	Revoked int `json:"revoked"`
	Expired int `json:"expired"`
}

var (
	// ErrNotFound means the nonce was never issued here (or already cleaned
	// up). Validation treats it the same as consumed: unknown nonces never
	// validate.
	ErrNotFound = dErrors.New(dErrors.CodeNotFound, "nonce not found")

	// ErrConsumed means the issued→used or issued→revoked transition already
	// happened. Exactly one MarkUsed caller avoids this error.
	ErrConsumed = dErrors.New(dErrors.CodeConflict, "nonce already consumed")
)

// Store is implemented three ways: in-memory for tests and single-process
// development, Postgres for the central issuer, Redis for multi-replica
// deployments. MarkUsed and Revoke must be atomic compare-and-set
// operations, never read-then-write.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Find(ctx context.Context, nonce string) (Record, error)

	// MarkUsed transitions used:false→true. Returns ErrConsumed when the
	// record was already used or revoked, ErrNotFound when it does not
	// exist. Safe under concurrent callers: one wins, the rest get
	// ErrConsumed.
	MarkUsed(ctx context.Context, nonce string, now time.Time) error

	// Revoke transitions revoked:false→true for an unused nonce.
	Revoke(ctx context.Context, nonce string) error

	// CleanupExpired removes records whose expiry has passed and that can
	// no longer validate. Returns the number removed.
	CleanupExpired(ctx context.Context, now time.Time) (int, error)

	Stats(ctx context.Context, now time.Time) (Stats, error)
}
