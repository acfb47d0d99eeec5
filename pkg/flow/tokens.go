package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/realmgate/realmgate/pkg/networking"
	"github.com/realmgate/realmgate/pkg/oidc"
)

// tokenExpirationBuffer is subtracted from the access token lifetime when
// deciding whether to refresh, covering clock skew and network latency.
const tokenExpirationBuffer = 30 * time.Second

// TokenSet is a set of tokens obtained from the identity provider. Ownership
// transfers to the caller; realmgate never stores one long-term.
type TokenSet struct {
	// AccessToken is the bearer token presented on API requests.
	AccessToken string

	// TokenType is the token type, normally "Bearer".
	TokenType string

	// RefreshToken is the refresh token, if the provider issued one. The
	// provider may rotate it on refresh; always persist the returned set
	// and discard the old one.
	RefreshToken string

	// IDToken is the OIDC identity token, if one was requested.
	IDToken string

	// ExpiresIn is the access token lifetime as reported by the provider.
	ExpiresIn time.Duration

	// RefreshExpiresIn is the refresh token lifetime. Keycloak reports it
	// alongside the standard fields.
	RefreshExpiresIn time.Duration

	// Scope is the space-separated scope list the provider granted.
	Scope string

	// ObtainedAt is when the set was issued, used by IsExpired.
	ObtainedAt time.Time
}

// IsExpired reports whether the access token has expired or will expire
// within the buffer period. Nil sets count as expired.
func (t *TokenSet) IsExpired() bool {
	if t == nil || t.AccessToken == "" {
		return true
	}
	return time.Now().Add(tokenExpirationBuffer).After(t.ObtainedAt.Add(t.ExpiresIn))
}

// tokenResponse is the wire shape of a successful token endpoint response.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	RefreshToken     string `json:"refresh_token"`
	IDToken          string `json:"id_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
	Scope            string `json:"scope"`
}

// errorResponse is the wire shape of an OAuth error response.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// postTokenRequest performs a form POST to the provider's token endpoint and
// parses the response. Transport failures are wrapped in oidc.ErrNetwork so
// callers can decide whether a single retry is safe; OAuth errors come back
// as *OAuthError.
func postTokenRequest(ctx context.Context, client networking.HTTPClient, endpoint string, params url.Values) (*TokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", networking.ContentTypeFormURLEncoded)
	req.Header.Set("Accept", networking.ContentTypeJSON)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: token request failed: %v", oidc.ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, networking.DefaultMaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read token response: %v", oidc.ErrNetwork, err)
	}

	return parseTokenResponse(body, resp.StatusCode, time.Now())
}

// parseTokenResponse decodes a token endpoint response body. Non-2xx
// responses are decoded as OAuth errors; bodies that are not valid OAuth
// errors still produce an *OAuthError so no raw provider body leaks upward.
func parseTokenResponse(body []byte, statusCode int, now time.Time) (*TokenSet, error) {
	if statusCode != http.StatusOK {
		var oauthErr errorResponse
		if err := json.Unmarshal(body, &oauthErr); err != nil || oauthErr.Error == "" {
			return nil, &OAuthError{Code: "unknown_error", StatusCode: statusCode}
		}
		return nil, &OAuthError{
			Code:        oauthErr.Error,
			Description: oauthErr.ErrorDescription,
			StatusCode:  statusCode,
		}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	return &TokenSet{
		AccessToken:      tr.AccessToken,
		TokenType:        tr.TokenType,
		RefreshToken:     tr.RefreshToken,
		IDToken:          tr.IDToken,
		ExpiresIn:        time.Duration(tr.ExpiresIn) * time.Second,
		RefreshExpiresIn: time.Duration(tr.RefreshExpiresIn) * time.Second,
		Scope:            tr.Scope,
		ObtainedAt:       now,
	}, nil
}
