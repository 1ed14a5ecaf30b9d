package token

// Status is the closed set of validation outcomes. Callers branch on the
// exact reason; the HTTP surfaces collapse it into a generic refusal so the
// wire does not leak whether a token ever existed.
type Status string

const (
	StatusValid            Status = "VALID"
	StatusInvalidSignature Status = "INVALID_SIGNATURE"
	StatusExpired          Status = "EXPIRED"
	StatusNonceAlreadyUsed Status = "NONCE_ALREADY_USED"
	StatusRevoked          Status = "REVOKED"
)
