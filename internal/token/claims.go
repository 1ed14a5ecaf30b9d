package token

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

// Issuer and audience identifiers carried in every token. The agent rejects
// tokens naming anyone else.
const (
	IssuerName   = "mcp-server"
	AudienceName = "mcp-agent"
)

// Claims are the re-derivable contents of a token. The struct fields are
// declared in alphabetical json-key order so encoding/json emits the
// canonical serialization directly.
type Claims struct {
	Aud   string `json:"aud"`
	Exp   int64  `json:"exp"`
	Iat   int64  `json:"iat"`
	Iss   string `json:"iss"`
	Nonce string `json:"nonce"`
	Path  string `json:"path"`
	ReqID string `json:"req_id"`
	Vault string `json:"vault"`
}

// ExpiresAt returns the expiry as a time.Time.
func (c Claims) ExpiresAt() time.Time {
	return time.Unix(c.Exp, 0)
}

// encodePayload serializes claims to the token's base64 payload segment.
func encodePayload(c Claims) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodePayload parses the payload segment of a token without verifying the
// signature. The agent uses it for its local structural check; anything that
// trusts the result for authorization must go through Issuer.Validate.
func DecodePayload(token string) (*Claims, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return nil, false
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, false
	}
	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, false
	}
	if claims.ReqID == "" || claims.Vault == "" || claims.Path == "" || claims.Nonce == "" {
		return nil, false
	}
	return &claims, true
}
