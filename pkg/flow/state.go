package flow

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"sync/atomic"
	"time"
)

// stateTokenBytes is the entropy of generated state and nonce values.
const stateTokenBytes = 32

// AuthorizationState is the short-lived record of a pending login. It is
// created by BeginLogin, persisted by the caller keyed by its state value,
// and consumed exactly once by the callback. Reuse fails.
type AuthorizationState struct {
	// State is the unguessable CSRF token round-tripped through the
	// provider's authorization endpoint.
	State string

	// Nonce is bound into the ID token so the callback can detect replay.
	Nonce string

	// RedirectURI is the callback URL the authorization request named.
	RedirectURI string

	// CreatedAt bounds the state's lifetime.
	CreatedAt time.Time

	consumed atomic.Bool
}

// newAuthorizationState mints a state with fresh random state and nonce
// values.
func newAuthorizationState(redirectURI string, now time.Time) (*AuthorizationState, error) {
	state, err := randomToken()
	if err != nil {
		return nil, err
	}
	nonce, err := randomToken()
	if err != nil {
		return nil, err
	}
	return &AuthorizationState{
		State:       state,
		Nonce:       nonce,
		RedirectURI: redirectURI,
		CreatedAt:   now,
	}, nil
}

// randomToken returns 32 bytes of cryptographic randomness, base64url
// encoded without padding.
func randomToken() (string, error) {
	buf := make([]byte, stateTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// matches compares a callback state parameter against the stored value in
// constant time.
func (s *AuthorizationState) matches(stateParam string) bool {
	return subtle.ConstantTimeCompare([]byte(s.State), []byte(stateParam)) == 1
}

// expired reports whether the state is older than ttl.
func (s *AuthorizationState) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.CreatedAt) > ttl
}

// consume marks the state used. It returns false if the state was already
// consumed by an earlier callback.
func (s *AuthorizationState) consume() bool {
	return s.consumed.CompareAndSwap(false, true)
}
