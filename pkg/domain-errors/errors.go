// Package domainerrors defines the closed set of error codes that cross
// component boundaries. Services return these instead of leaking storage or
// crypto library errors, and the HTTP layer maps codes to status codes in one
// place.
package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of failure. The set is closed on purpose: callers
// branch on codes, not on message text.
type Code string

const (
	CodeBadRequest   Code = "bad_request"
	CodeUnauthorized Code = "unauthorized"
	CodeForbidden    Code = "forbidden"
	CodeNotFound     Code = "not_found"
	CodeConflict     Code = "conflict"
	// CodeCryptoFailure covers signing and verification plumbing failures,
	// distinct from a signature that simply does not verify.
	CodeCryptoFailure Code = "crypto_failure"
	// CodeDecryptionFailure is returned for a wrong passphrase or corrupted
	// key material. It must stay distinguishable from CodeNotFound.
	CodeDecryptionFailure Code = "decryption_failure"
	CodeInternal          Code = "internal_error"
)

// Error is a comparable value type so errors.Is works against a freshly
// constructed instance with the same code and message.
type Error struct {
	Code    Code
	Message string
}

func New(code Code, message string) Error {
	return Error{Code: code, Message: message}
}

func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HasCode reports whether err carries the given domain error code anywhere in
// its chain.
func HasCode(err error, code Code) bool {
	var de Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// ToHTTPStatus maps a domain error code to the HTTP status used by both the
// issuer and agent surfaces.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeCryptoFailure, CodeDecryptionFailure:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
