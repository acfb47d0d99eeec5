// Package flow implements the OAuth2 authorization-code flow against the
// identity provider: building the login redirect, exchanging the callback
// code for tokens, the refresh grant, and the direct password grant.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/realmgate/realmgate/pkg/config"
	"github.com/realmgate/realmgate/pkg/logger"
	"github.com/realmgate/realmgate/pkg/networking"
	"github.com/realmgate/realmgate/pkg/oidc"
)

// idTokenVerifier verifies a raw ID token. Implemented by
// *gooidc.IDTokenVerifier; replaceable in tests.
type idTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*gooidc.IDToken, error)
}

// Exchanger drives the authorization-code flow. It is safe for concurrent
// use; all mutable state lives in the per-login AuthorizationState owned by
// the caller.
type Exchanger struct {
	config     *config.Config
	doc        *oidc.Document
	httpClient *http.Client
	verifier   idTokenVerifier
	stateTTL   time.Duration
	now        func() time.Time
}

// ExchangerOption configures an Exchanger.
type ExchangerOption func(*Exchanger)

// WithExchangerHTTPClient sets a custom HTTP client.
func WithExchangerHTTPClient(client *http.Client) ExchangerOption {
	return func(e *Exchanger) {
		e.httpClient = client
	}
}

// NewExchanger creates a code exchanger bound to the provider's discovered
// endpoints. The context is used to set up ID token verification against the
// provider's JWKS.
func NewExchanger(ctx context.Context, cfg *config.Config, doc *oidc.Document, opts ...ExchangerOption) (*Exchanger, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if doc == nil {
		return nil, errors.New("discovery document is required")
	}
	if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" {
		return nil, errors.New("discovery document missing authorization or token endpoint")
	}

	e := &Exchanger{
		config:     cfg,
		doc:        doc,
		httpClient: networking.NewClient(cfg.HTTPTimeout),
		stateTTL:   cfg.StateTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.verifier == nil {
		keySet := gooidc.NewRemoteKeySet(gooidc.ClientContext(ctx, e.httpClient), doc.JWKSURI)
		e.verifier = gooidc.NewVerifier(doc.Issuer, keySet, &gooidc.Config{ClientID: cfg.ClientID})
	}

	logger.Infow("code exchanger created",
		"authorization_endpoint", doc.AuthorizationEndpoint,
		"token_endpoint", doc.TokenEndpoint,
		"client_id", cfg.ClientID,
	)
	return e, nil
}

// oauth2Config builds the oauth2 configuration for a single login attempt.
// Keycloak accepts credentials in the POST body.
func (e *Exchanger) oauth2Config(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     e.config.ClientID,
		ClientSecret: e.config.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       e.config.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   e.doc.AuthorizationEndpoint,
			TokenURL:  e.doc.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// BeginLogin mints a fresh login state and the authorization URL to redirect
// the user agent to. The caller persists the returned state keyed by its
// State value, typically in a short-lived signed cookie, and presents it
// again on the callback. An empty redirectURI falls back to the configured
// one.
func (e *Exchanger) BeginLogin(redirectURI string) (*AuthorizationState, string, error) {
	if redirectURI == "" {
		redirectURI = e.config.RedirectURI
	}

	state, err := newAuthorizationState(redirectURI, e.now())
	if err != nil {
		return nil, "", err
	}

	authURL := e.oauth2Config(redirectURI).AuthCodeURL(
		state.State,
		oauth2.SetAuthURLParam("nonce", state.Nonce),
	)

	logger.Debugw("login initiated", "redirect_uri", redirectURI)
	return state, authURL, nil
}

// CompleteLogin finishes the callback leg: it checks the state parameter
// against the stored state, consumes the state, exchanges the authorization
// code for tokens and verifies the ID token's nonce. The state is consumed
// before the network call, so a failed exchange still burns it.
func (e *Exchanger) CompleteLogin(ctx context.Context, code, stateParam string, stored *AuthorizationState) (*TokenSet, error) {
	if code == "" {
		return nil, errors.New("authorization code is required")
	}
	if stored == nil || !stored.matches(stateParam) {
		return nil, ErrStateMismatch
	}
	if stored.expired(e.now(), e.stateTTL) {
		return nil, ErrStateExpired
	}
	if !stored.consume() {
		return nil, ErrStateConsumed
	}

	token, err := e.exchangeCode(ctx, code, stored.RedirectURI)
	if err != nil {
		return nil, err
	}

	tokens := tokenSetFromOAuth2(token, e.now())

	if tokens.IDToken != "" {
		idToken, err := e.verifier.Verify(ctx, tokens.IDToken)
		if err != nil {
			return nil, fmt.Errorf("id token verification failed: %w", err)
		}
		if idToken.Nonce != stored.Nonce {
			return nil, ErrNonceMismatch
		}
	}

	logger.Infow("authorization code exchange successful",
		"has_refresh_token", tokens.RefreshToken != "",
		"expires_in", tokens.ExpiresIn,
	)
	return tokens, nil
}

// exchangeCode performs the token endpoint POST. Transport failures are
// retried exactly once; a response from the provider, success or OAuth
// error, is never retried to avoid consuming the grant twice.
func (e *Exchanger) exchangeCode(ctx context.Context, code, redirectURI string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
	conf := e.oauth2Config(redirectURI)

	token, err := conf.Exchange(ctx, code)
	if err == nil {
		return token, nil
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return nil, mapRetrieveError(retrieveErr)
	}

	logger.Warnf("code exchange transport failure, retrying once: %v", err)
	token, err = conf.Exchange(ctx, code)
	if err == nil {
		return token, nil
	}
	if errors.As(err, &retrieveErr) {
		return nil, mapRetrieveError(retrieveErr)
	}
	return nil, fmt.Errorf("%w: code exchange failed: %v", oidc.ErrNetwork, err)
}

// PasswordLogin performs Keycloak's direct access grant (resource owner
// password credentials), with an optional TOTP code for accounts with a
// configured authenticator. Intended for trusted first-party clients only.
func (e *Exchanger) PasswordLogin(ctx context.Context, username, password, totp string) (*TokenSet, error) {
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}

	params := url.Values{
		"grant_type":    {"password"},
		"client_id":     {e.config.ClientID},
		"client_secret": {e.config.ClientSecret},
		"username":      {username},
		"password":      {password},
	}
	if len(e.config.Scopes) > 0 {
		params.Set("scope", strings.Join(e.config.Scopes, " "))
	}
	if totp != "" {
		params.Set("totp", totp)
	}

	tokens, err := tokenRequestWithRetry(ctx, e.httpClient, e.doc.TokenEndpoint, params)
	if err != nil {
		return nil, err
	}

	logger.Infow("password grant successful", "username", username)
	return tokens, nil
}

// UserInfo holds the provider's userinfo response for an access token.
type UserInfo struct {
	Subject           string `json:"sub"`
	Email             string `json:"email"`
	EmailVerified     bool   `json:"email_verified"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`

	// Raw holds the full response for callers needing custom claims.
	Raw map[string]any `json:"-"`
}

// UserInfo fetches the provider's userinfo endpoint with the given access
// token.
func (e *Exchanger) UserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	if accessToken == "" {
		return nil, errors.New("access token is required")
	}
	if e.doc.UserinfoEndpoint == "" {
		return nil, errors.New("provider does not advertise a userinfo endpoint")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.doc.UserinfoEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", networking.ContentTypeJSON)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: userinfo request failed: %v", oidc.ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, networking.DefaultMaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read userinfo response: %v", oidc.ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &OAuthError{Code: "invalid_token", StatusCode: resp.StatusCode}
	}

	var info UserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse userinfo response: %w", err)
	}
	if info.Subject == "" {
		return nil, errors.New("userinfo response missing sub claim")
	}
	if err := json.Unmarshal(body, &info.Raw); err != nil {
		return nil, fmt.Errorf("failed to parse userinfo response: %w", err)
	}
	return &info, nil
}

// tokenSetFromOAuth2 converts an oauth2 token, carrying over the Keycloak
// extras the library does not model.
func tokenSetFromOAuth2(token *oauth2.Token, now time.Time) *TokenSet {
	tokens := &TokenSet{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		RefreshToken: token.RefreshToken,
		ObtainedAt:   now,
	}
	if !token.Expiry.IsZero() {
		tokens.ExpiresIn = token.Expiry.Sub(now)
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		tokens.IDToken = idToken
	}
	if scope, ok := token.Extra("scope").(string); ok {
		tokens.Scope = scope
	}
	if refreshExpiresIn, ok := token.Extra("refresh_expires_in").(float64); ok {
		tokens.RefreshExpiresIn = time.Duration(refreshExpiresIn) * time.Second
	}
	return tokens
}

// mapRetrieveError converts an oauth2 error response into *OAuthError.
func mapRetrieveError(err *oauth2.RetrieveError) error {
	statusCode := 0
	if err.Response != nil {
		statusCode = err.Response.StatusCode
	}
	code := err.ErrorCode
	if code == "" {
		code = "unknown_error"
	}
	return &OAuthError{
		Code:        code,
		Description: err.ErrorDescription,
		StatusCode:  statusCode,
	}
}

// tokenRequestWithRetry posts to the token endpoint, retrying exactly once
// on a transport failure. OAuth error responses are never retried.
func tokenRequestWithRetry(ctx context.Context, client networking.HTTPClient, endpoint string, params url.Values) (*TokenSet, error) {
	tokens, err := postTokenRequest(ctx, client, endpoint, params)
	if err == nil || !errors.Is(err, oidc.ErrNetwork) {
		return tokens, err
	}

	logger.Warnf("token request failed, retrying once: %v", err)
	return postTokenRequest(ctx, client, endpoint, params)
}
