// Package server exposes the authentication flows over HTTP: login redirect,
// callback, refresh, logout, direct grant and a handful of protected demo
// routes. Tokens are handed to the user agent via HttpOnly cookies plus a
// JSON body; nothing is persisted server-side beyond pending login states.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/realmgate/realmgate/pkg/auth"
	"github.com/realmgate/realmgate/pkg/authz"
	"github.com/realmgate/realmgate/pkg/config"
	"github.com/realmgate/realmgate/pkg/flow"
	"github.com/realmgate/realmgate/pkg/logger"
)

// Cookie names used for the token handoff.
const (
	loginCookieName   = "realmgate_login"
	accessCookieName  = "realmgate_access"
	refreshCookieName = "realmgate_refresh"
)

// Server wires the validator, exchanger and refresher into an HTTP handler.
type Server struct {
	config    *config.Config
	validator *auth.Validator
	exchanger *flow.Exchanger
	refresher *flow.Refresher
	states    *stateStore
	router    chi.Router
}

// New creates the HTTP server facade.
func New(cfg *config.Config, validator *auth.Validator, exchanger *flow.Exchanger, refresher *flow.Refresher) *Server {
	s := &Server{
		config:    cfg,
		validator: validator,
		exchanger: exchanger,
		refresher: refresher,
		states:    newStateStore(cfg.StateTTL),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", s.handleLogin)
		r.Get("/callback", s.handleCallback)
		r.Post("/token", s.handlePasswordLogin)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/logout", s.handleLogout)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.validator.Middleware)
		r.Get("/me", s.handleMe)
		r.Get("/userinfo", s.handleUserInfo)
		r.With(authz.RequireRoles([]string{"admin"}, authz.ModeAll)).
			Get("/admin", s.handleAdmin)
	})

	s.router = r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleLogin starts the authorization-code flow: it mints a login state,
// parks it server-side keyed by an opaque cookie, and redirects the user
// agent to the provider.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	state, authURL, err := s.exchanger.BeginLogin("")
	if err != nil {
		logger.Errorf("failed to begin login: %v", err)
		http.Error(w, "Login unavailable", http.StatusInternalServerError)
		return
	}

	key := uuid.NewString()
	s.states.put(key, state)
	http.SetCookie(w, &http.Cookie{
		Name:     loginCookieName,
		Value:    key,
		Path:     "/auth",
		MaxAge:   int(s.config.StateTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleCallback completes the flow. Whatever the outcome, the pending state
// is removed so the callback cannot be replayed. Provider error details stay
// in the log; the response carries a generic message.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(loginCookieName)
	if err != nil {
		http.Error(w, "Login session not found", http.StatusBadRequest)
		return
	}
	stored := s.states.take(cookie.Value)
	clearCookie(w, loginCookieName, "/auth")

	query := r.URL.Query()
	tokens, err := s.exchanger.CompleteLogin(r.Context(), query.Get("code"), query.Get("state"), stored)
	if err != nil {
		logger.Warnf("callback exchange failed: %v", err)
		http.Error(w, "Login failed", http.StatusUnauthorized)
		return
	}

	s.setTokenCookies(w, tokens)
	writeTokenResponse(w, tokens)
}

// passwordLoginRequest is the direct grant request body.
type passwordLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	TOTP     string `json:"totp"`
}

// handlePasswordLogin performs the direct access grant for trusted
// first-party clients.
func (s *Server) handlePasswordLogin(w http.ResponseWriter, r *http.Request) {
	var req passwordLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Username == "" || req.Password == "" {
		http.Error(w, "username and password are required", http.StatusBadRequest)
		return
	}

	tokens, err := s.exchanger.PasswordLogin(r.Context(), req.Username, req.Password, req.TOTP)
	if err != nil {
		logger.Warnw("password login failed", "username", req.Username, "error", err)
		http.Error(w, "Login failed", http.StatusUnauthorized)
		return
	}

	s.setTokenCookies(w, tokens)
	writeTokenResponse(w, tokens)
}

// handleRefresh exchanges the refresh token, taken from the request body or
// the refresh cookie, for a new token set.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	refreshToken := s.refreshTokenFromRequest(r)
	if refreshToken == "" {
		http.Error(w, "No refresh token provided", http.StatusBadRequest)
		return
	}

	tokens, err := s.refresher.Refresh(r.Context(), refreshToken)
	if err != nil {
		if errors.Is(err, flow.ErrReauthenticationRequired) {
			clearCookie(w, accessCookieName, "/")
			clearCookie(w, refreshCookieName, "/")
			http.Error(w, "Session expired, log in again", http.StatusUnauthorized)
			return
		}
		logger.Errorf("token refresh failed: %v", err)
		http.Error(w, "Refresh failed", http.StatusBadGateway)
		return
	}

	s.setTokenCookies(w, tokens)
	writeTokenResponse(w, tokens)
}

// handleLogout revokes the provider session and clears the token cookies.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	refreshToken := s.refreshTokenFromRequest(r)
	if refreshToken != "" {
		if err := s.refresher.Logout(r.Context(), refreshToken); err != nil {
			logger.Warnf("provider logout failed: %v", err)
		}
	}
	clearCookie(w, accessCookieName, "/")
	clearCookie(w, refreshCookieName, "/")
	w.WriteHeader(http.StatusNoContent)
}

// handleMe returns the validated principal attached by the middleware.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return
	}
	writeJSON(w, map[string]any{
		"subject": principal.Subject,
		"roles":   principal.Roles,
		"expires": principal.Claims.ExpiresAt,
	})
}

// handleUserInfo proxies the provider's userinfo endpoint for the caller's
// token.
func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	info, err := s.exchanger.UserInfo(r.Context(), token)
	if err != nil {
		logger.Warnf("userinfo fetch failed: %v", err)
		http.Error(w, "Userinfo unavailable", http.StatusBadGateway)
		return
	}
	writeJSON(w, info.Raw)
}

func (*Server) handleAdmin(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// refreshTokenFromRequest prefers an explicit JSON body over the cookie.
func (*Server) refreshTokenFromRequest(r *http.Request) string {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.RefreshToken != "" {
			return body.RefreshToken
		}
	}
	if cookie, err := r.Cookie(refreshCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

func (s *Server) setTokenCookies(w http.ResponseWriter, tokens *flow.TokenSet) {
	http.SetCookie(w, &http.Cookie{
		Name:     accessCookieName,
		Value:    tokens.AccessToken,
		Path:     "/",
		MaxAge:   int(tokens.ExpiresIn.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	if tokens.RefreshToken != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     refreshCookieName,
			Value:    tokens.RefreshToken,
			Path:     "/",
			MaxAge:   int(tokens.RefreshExpiresIn.Seconds()),
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

// tokenResponse mirrors the provider's token response shape.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	IDToken          string `json:"id_token,omitempty"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in,omitempty"`
	Scope            string `json:"scope,omitempty"`
}

func writeTokenResponse(w http.ResponseWriter, tokens *flow.TokenSet) {
	writeJSON(w, tokenResponse{
		AccessToken:      tokens.AccessToken,
		TokenType:        tokens.TokenType,
		RefreshToken:     tokens.RefreshToken,
		IDToken:          tokens.IDToken,
		ExpiresIn:        int64(tokens.ExpiresIn.Seconds()),
		RefreshExpiresIn: int64(tokens.RefreshExpiresIn.Seconds()),
		Scope:            tokens.Scope,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("failed to write response: %v", err)
	}
}

func clearCookie(w http.ResponseWriter, name, path string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		MaxAge:   -1,
		HttpOnly: true,
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

// stateStore holds pending login states keyed by the login cookie value.
// Entries are removed on take and swept lazily once past their TTL.
type stateStore struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]storedState
}

type storedState struct {
	state   *flow.AuthorizationState
	addedAt time.Time
}

func newStateStore(ttl time.Duration) *stateStore {
	return &stateStore{ttl: ttl, m: make(map[string]storedState)}
}

func (s *stateStore) put(key string, state *flow.AuthorizationState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	s.m[key] = storedState{state: state, addedAt: time.Now()}
}

// take removes and returns the state for key, or nil if absent or expired.
func (s *stateStore) take(key string) *flow.AuthorizationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.m[key]
	if !ok {
		return nil
	}
	delete(s.m, key)
	if time.Since(entry.addedAt) > s.ttl {
		return nil
	}
	return entry.state
}

func (s *stateStore) sweepLocked() {
	for key, entry := range s.m {
		if time.Since(entry.addedAt) > s.ttl {
			delete(s.m, key)
		}
	}
}
