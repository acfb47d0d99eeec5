package flow

import (
	"errors"
	"fmt"
)

// Flow errors. Callers branch with errors.Is to decide whether to restart the
// login, retry, or surface a generic failure page.
var (
	// ErrStateMismatch is returned when the callback's state parameter does
	// not match the stored login state. This is treated as a CSRF attempt
	// and is never retried.
	ErrStateMismatch = errors.New("state parameter mismatch")

	// ErrStateExpired is returned when the stored login state is older than
	// the configured state TTL.
	ErrStateExpired = errors.New("login state expired")

	// ErrStateConsumed is returned when a login state is presented a second
	// time. States are single-use.
	ErrStateConsumed = errors.New("login state already consumed")

	// ErrNonceMismatch is returned when the ID token's nonce does not match
	// the nonce generated at login.
	ErrNonceMismatch = errors.New("id token nonce mismatch")

	// ErrProviderRejected is returned when the identity provider answered
	// the token request with an OAuth error.
	ErrProviderRejected = errors.New("identity provider rejected the request")

	// ErrReauthenticationRequired is returned when the refresh token has
	// expired or was revoked. The caller must restart the login flow; the
	// request is never retried.
	ErrReauthenticationRequired = errors.New("reauthentication required")
)

// OAuthError carries the provider's OAuth error code and description. It
// unwraps to ErrProviderRejected so generic handling keeps working.
type OAuthError struct {
	Code        string
	Description string
	StatusCode  int
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider returned %q: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("provider returned %q", e.Code)
}

func (*OAuthError) Unwrap() error {
	return ErrProviderRejected
}
