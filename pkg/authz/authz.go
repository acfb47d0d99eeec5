// Package authz decides whether an authenticated principal's roles satisfy
// an operation's requirements. Decisions are pure functions over the
// principal; no I/O, no provider calls.
package authz

import (
	"net/http"

	"github.com/realmgate/realmgate/pkg/auth"
	"github.com/realmgate/realmgate/pkg/logger"
)

// Mode selects how required roles are combined.
type Mode int

const (
	// ModeAny grants access when the principal holds at least one of the
	// required roles.
	ModeAny Mode = iota

	// ModeAll grants access only when the principal holds every required
	// role.
	ModeAll
)

// Authorize reports whether the principal's roles satisfy the required set
// under the given mode. An empty required set means "authenticated is
// enough" and is satisfied by any non-nil principal.
func Authorize(p *auth.Principal, required []string, mode Mode) bool {
	if p == nil {
		return false
	}
	if len(required) == 0 {
		return true
	}

	switch mode {
	case ModeAll:
		for _, role := range required {
			if !p.HasRole(role) {
				return false
			}
		}
		return true
	default:
		for _, role := range required {
			if p.HasRole(role) {
				return true
			}
		}
		return false
	}
}

// RequireRoles creates an HTTP middleware enforcing a role requirement on
// the principal placed in the request context by the token validator. The
// 403 body never names the missing roles.
func RequireRoles(required []string, mode Mode) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				http.Error(w, "Authentication required", http.StatusUnauthorized)
				return
			}
			if !Authorize(principal, required, mode) {
				logger.Debugw("authorization denied",
					"subject", principal.Subject,
					"path", r.URL.Path,
				)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
