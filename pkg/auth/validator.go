// Package auth validates bearer access tokens issued by the identity
// provider and exposes the authenticated principal to the application.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/realmgate/realmgate/pkg/jwks"
	"github.com/realmgate/realmgate/pkg/logger"
)

// Validator verifies JWT access tokens against the provider's published
// signing keys and the configured issuer and audience. Validation has no
// side effects beyond the shared key cache and is safe for concurrent use.
type Validator struct {
	issuer    string
	audience  []string
	clientID  string
	clockSkew time.Duration
	keys      *jwks.Cache
	parser    *jwt.Parser

	// now is replaceable in tests.
	now func() time.Time
}

// ValidatorConfig contains configuration for the token validator.
type ValidatorConfig struct {
	// Issuer is the expected issuer claim, e.g.
	// https://keycloak.example.com/realms/demo.
	Issuer string

	// Audience lists the audiences that must all be present in the
	// token's aud claim. Typically just the client ID.
	Audience []string

	// ClientID selects which client's roles from resource_access are
	// flattened into the principal's role set.
	ClientID string

	// AllowedAlgorithms is the explicit signature algorithm allow-list.
	// The algorithm declared in a token's header is only ever trusted
	// after it matches this list.
	AllowedAlgorithms []string

	// ClockSkew is the tolerance applied to the time claims.
	ClockSkew time.Duration

	// Keys resolves signing keys by key ID.
	Keys *jwks.Cache
}

// NewValidator creates a token validator.
func NewValidator(config ValidatorConfig) (*Validator, error) {
	if config.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if len(config.AllowedAlgorithms) == 0 {
		return nil, errors.New("allowed algorithms are required")
	}
	for _, alg := range config.AllowedAlgorithms {
		if alg == "none" {
			return nil, errors.New(`"none" is not a permitted signature algorithm`)
		}
	}
	if config.Keys == nil {
		return nil, errors.New("key cache is required")
	}
	if config.ClockSkew <= 0 {
		config.ClockSkew = 60 * time.Second
	}

	return &Validator{
		issuer:    config.Issuer,
		audience:  config.Audience,
		clientID:  config.ClientID,
		clockSkew: config.ClockSkew,
		keys:      config.Keys,
		// Time claims are validated manually so the clock-skew tolerance
		// is applied consistently.
		parser: jwt.NewParser(
			jwt.WithValidMethods(config.AllowedAlgorithms),
			jwt.WithoutClaimsValidation(),
		),
		now: time.Now,
	}, nil
}

// Validate verifies a bearer token and returns the authenticated principal.
// Failures are reported through the package's sentinel errors.
func (v *Validator) Validate(ctx context.Context, tokenString string) (*Principal, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}

	token, err := v.parser.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return v.resolveKey(ctx, token)
	})
	if err != nil {
		return nil, mapParseError(err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrMalformedToken)
	}

	parsed, err := v.validateClaims(claims)
	if err != nil {
		return nil, err
	}

	roles := slices.Clone(parsed.RealmRoles)
	if v.clientID != "" {
		roles = append(roles, parsed.ClientRoles[v.clientID]...)
	}

	return &Principal{
		Subject: parsed.Subject,
		Roles:   roles,
		Claims:  *parsed,
	}, nil
}

// resolveKey resolves the signing key declared in the token header. The
// header's kid is the only header field consulted; the algorithm was already
// checked against the allow-list by the parser. An unknown kid triggers
// exactly one forced key-cache refresh to cover provider key rotation.
func (v *Validator) resolveKey(ctx context.Context, token *jwt.Token) (any, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, fmt.Errorf("%w: token header missing kid", jwks.ErrKeyNotFound)
	}

	key, err := v.keys.Key(ctx, kid)
	if errors.Is(err, jwks.ErrKeyNotFound) {
		logger.Debugf("key ID %q not cached, forcing JWKS refresh", kid)
		if refreshErr := v.keys.ForceRefresh(ctx); refreshErr != nil {
			return nil, refreshErr
		}
		key, err = v.keys.Key(ctx, kid)
	}
	if err != nil {
		return nil, err
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export signing key: %w", err)
	}
	return rawKey, nil
}

// validateClaims checks the time, issuer and audience claims and builds the
// read-only claim view.
func (v *Validator) validateClaims(claims jwt.MapClaims) (*AccessTokenClaims, error) {
	now := v.now()

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("%w: missing or invalid exp claim", ErrMalformedToken)
	}
	if now.After(exp.Add(v.clockSkew)) {
		return nil, ErrTokenExpired
	}

	var issuedAt time.Time
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		issuedAt = iat.Time
		if iat.After(now.Add(v.clockSkew)) {
			return nil, ErrTokenNotYetValid
		}
	}

	issuer, err := claims.GetIssuer()
	if err != nil || issuer != v.issuer {
		return nil, ErrIssuerMismatch
	}

	audience, err := claims.GetAudience()
	if err != nil {
		return nil, ErrAudienceMismatch
	}
	for _, expected := range v.audience {
		if !slices.Contains(audience, expected) {
			return nil, ErrAudienceMismatch
		}
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrMalformedToken)
	}

	realmRoles, clientRoles := extractRoles(claims)

	return &AccessTokenClaims{
		Subject:     subject,
		Issuer:      issuer,
		Audience:    audience,
		IssuedAt:    issuedAt,
		ExpiresAt:   exp.Time,
		RealmRoles:  realmRoles,
		ClientRoles: clientRoles,
		Raw:         claims,
	}, nil
}

// mapParseError translates golang-jwt parse failures into the package's
// sentinel errors, preserving key-cache errors as-is so callers can tell a
// provider outage apart from a bad token.
func mapParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	case errors.Is(err, jwks.ErrKeyNotFound):
		return err
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		// Keyfunc failures (network, key export) surface here.
		return fmt.Errorf("failed to resolve signing key: %w", err)
	default:
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
}
