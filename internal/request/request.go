// Package request implements the central broker's credential request
// workflow: a requester opens a request, an approver resolves it within the
// SLA window, and the issuer marks it retrieved once the secret is released.
package request

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Status is a request's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusDenied    Status = "denied"
	StatusExpired   Status = "expired"
	StatusRetrieved Status = "retrieved"
	StatusCancelled Status = "cancelled"
)

// DefaultSLA is how long a pending request stays approvable.
const DefaultSLA = 2 * time.Minute

// CredentialRequest is one break-glass access request.
type CredentialRequest struct {
	ReqID     string    `json:"req_id"`
	Requester string    `json:"requester"`
	Vault     string    `json:"vault"`
	Path      string    `json:"path"`
	Reason    string    `json:"reason"`
	Status    Status    `json:"status"`
	Approver  string    `json:"approver,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedTS time.Time `json:"created_ts"`
	UpdatedTS time.Time `json:"updated_ts"`
	ExpiresTS time.Time `json:"expires_ts"`
}

// NewID builds a request identifier of the form
// REQ-YYYYMMDD-HHMMSS-<hex6>. The random suffix disambiguates requests
// created in the same second.
func NewID(now time.Time) string {
	suffix := make([]byte, 3)
	if _, err := rand.Read(suffix); err != nil {
		panic(err)
	}
	return fmt.Sprintf("REQ-%s-%s", now.UTC().Format("20060102-150405"), hex.EncodeToString(suffix))
}
