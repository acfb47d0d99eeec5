package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessTokenClaims is the validated, read-only view of an access token's
// claims. It is produced once per validation and never persisted.
type AccessTokenClaims struct {
	// Subject is the identity provider's durable user identifier (the
	// "sub" claim). It is the only cross-system user reference realmgate
	// produces; no local user record is assumed.
	Subject string

	// Issuer is the token's "iss" claim.
	Issuer string

	// Audience is the token's "aud" claim.
	Audience []string

	// IssuedAt and ExpiresAt are the token's time bounds.
	IssuedAt  time.Time
	ExpiresAt time.Time

	// RealmRoles are the realm-level roles from realm_access.roles.
	RealmRoles []string

	// ClientRoles maps client IDs to the roles granted for that client,
	// from resource_access.<client>.roles.
	ClientRoles map[string][]string

	// Raw holds every claim as parsed, for callers that need claims not
	// modeled above.
	Raw jwt.MapClaims
}

// Principal is the authenticated identity attached to a request. It exists
// only for the request's lifetime.
type Principal struct {
	// Subject is the identity provider's durable user identifier.
	Subject string

	// Roles is the flattened role set used for authorization checks: the
	// realm roles plus the roles granted for the configured client.
	Roles []string

	// Claims is the full validated claim view.
	Claims AccessTokenClaims
}

// HasRole reports whether the principal holds the given role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// extractRoles pulls Keycloak's role claims out of the raw claim map.
// realm_access.roles holds realm-level roles; resource_access maps each
// client to its granted roles. Both claims are optional.
func extractRoles(claims jwt.MapClaims) (realmRoles []string, clientRoles map[string][]string) {
	if realmAccess, ok := claims["realm_access"].(map[string]any); ok {
		realmRoles = stringSlice(realmAccess["roles"])
	}

	resourceAccess, ok := claims["resource_access"].(map[string]any)
	if !ok {
		return realmRoles, nil
	}

	clientRoles = make(map[string][]string, len(resourceAccess))
	for client, access := range resourceAccess {
		accessMap, ok := access.(map[string]any)
		if !ok {
			continue
		}
		if roles := stringSlice(accessMap["roles"]); len(roles) > 0 {
			clientRoles[client] = roles
		}
	}
	return realmRoles, clientRoles
}

// stringSlice converts a JSON-decoded []any of strings, dropping anything
// that is not a string.
func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// PrincipalContextKey is the key used to store the principal in the request
// context.
type PrincipalContextKey struct{}

// PrincipalFromContext retrieves the authenticated principal from the
// request context. Returns the principal and a boolean indicating whether
// one was found.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	if ctx == nil {
		return nil, false
	}
	p, ok := ctx.Value(PrincipalContextKey{}).(*Principal)
	return p, ok
}
