package auth

import "errors"

// Validation errors. Each failure mode gets its own sentinel so callers can
// branch with errors.Is and produce precise diagnostics; a generic failure
// is never returned.
var (
	// ErrNoToken is returned when no bearer token was provided.
	ErrNoToken = errors.New("no token provided")

	// ErrMalformedToken is returned when the token is not a structurally
	// valid JWT.
	ErrMalformedToken = errors.New("malformed token")

	// ErrSignatureInvalid is returned when the signature does not verify
	// or the token declares an algorithm outside the allow-list.
	ErrSignatureInvalid = errors.New("token signature invalid")

	// ErrTokenExpired is returned when the token's expiry is in the past
	// beyond the clock-skew tolerance.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenNotYetValid is returned when the token's issued-at time is
	// in the future beyond the clock-skew tolerance.
	ErrTokenNotYetValid = errors.New("token not yet valid")

	// ErrIssuerMismatch is returned when the issuer claim does not match
	// the configured issuer.
	ErrIssuerMismatch = errors.New("token issuer mismatch")

	// ErrAudienceMismatch is returned when the audience claim does not
	// contain every expected audience.
	ErrAudienceMismatch = errors.New("token audience mismatch")
)
