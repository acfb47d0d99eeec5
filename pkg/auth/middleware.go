package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/realmgate/realmgate/pkg/logger"
)

// buildWWWAuthenticate builds an RFC 6750 compliant value for the
// WWW-Authenticate header. It always includes the realm and, if includeError
// is true, appends error="invalid_token".
func (v *Validator) buildWWWAuthenticate(includeError bool) string {
	parts := []string{fmt.Sprintf(`realm=%q`, escapeQuotes(v.issuer))}
	if includeError {
		parts = append(parts, `error="invalid_token"`)
	}
	return "Bearer " + strings.Join(parts, ", ")
}

// escapeQuotes escapes backslashes and double quotes for use inside a
// quoted-string header parameter.
func escapeQuotes(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

// Middleware creates an HTTP middleware that validates bearer tokens and
// attaches the authenticated principal to the request context. The response
// body never echoes validation details beyond a generic message; specifics
// go to the log only.
func (v *Validator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			w.Header().Set("WWW-Authenticate", v.buildWWWAuthenticate(false))
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			w.Header().Set("WWW-Authenticate", v.buildWWWAuthenticate(false))
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		principal, err := v.Validate(r.Context(), tokenString)
		if err != nil {
			logger.Debugw("token validation failed", "error", err)
			w.Header().Set("WWW-Authenticate", v.buildWWWAuthenticate(true))
			http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), PrincipalContextKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
