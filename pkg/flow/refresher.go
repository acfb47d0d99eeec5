package flow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/realmgate/realmgate/pkg/config"
	"github.com/realmgate/realmgate/pkg/logger"
	"github.com/realmgate/realmgate/pkg/networking"
	"github.com/realmgate/realmgate/pkg/oidc"
)

// Refresher exchanges refresh tokens for new token sets and ends provider
// sessions. Safe for concurrent use.
type Refresher struct {
	tokenEndpoint      string
	endSessionEndpoint string
	clientID           string
	clientSecret       string
	httpClient         networking.HTTPClient
}

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

// WithRefresherHTTPClient sets a custom HTTP client.
func WithRefresherHTTPClient(client networking.HTTPClient) RefresherOption {
	return func(r *Refresher) {
		r.httpClient = client
	}
}

// NewRefresher creates a refresher bound to the provider's discovered
// endpoints.
func NewRefresher(cfg *config.Config, doc *oidc.Document, opts ...RefresherOption) (*Refresher, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if doc == nil {
		return nil, errors.New("discovery document is required")
	}
	if doc.TokenEndpoint == "" {
		return nil, errors.New("discovery document missing token endpoint")
	}

	r := &Refresher{
		tokenEndpoint:      doc.TokenEndpoint,
		endSessionEndpoint: doc.EndSessionEndpoint,
		clientID:           cfg.ClientID,
		clientSecret:       cfg.ClientSecret,
		httpClient:         networking.NewClient(cfg.HTTPTimeout),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Refresh exchanges a refresh token for a new token set. The provider may
// rotate the refresh token; callers must persist the returned set and
// discard the old one. An invalid_grant answer means the refresh token has
// expired or was revoked and yields ErrReauthenticationRequired, never a
// retry.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	if refreshToken == "" {
		return nil, errors.New("refresh token is required")
	}

	params := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {r.clientID},
		"client_secret": {r.clientSecret},
	}

	tokens, err := tokenRequestWithRetry(ctx, r.httpClient, r.tokenEndpoint, params)
	if err != nil {
		var oauthErr *OAuthError
		if errors.As(err, &oauthErr) && oauthErr.Code == "invalid_grant" {
			return nil, fmt.Errorf("%w: %v", ErrReauthenticationRequired, err)
		}
		return nil, err
	}

	logger.Infow("token refresh successful",
		"has_new_refresh_token", tokens.RefreshToken != "",
		"expires_in", tokens.ExpiresIn,
	)
	return tokens, nil
}

// Logout invalidates the refresh token's provider session via the
// end-session endpoint. The access token remains valid until it expires;
// only the refresh token is revoked server-side.
func (r *Refresher) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return errors.New("refresh token is required")
	}
	if r.endSessionEndpoint == "" {
		return errors.New("provider does not advertise an end session endpoint")
	}

	params := url.Values{
		"client_id":     {r.clientID},
		"client_secret": {r.clientSecret},
		"refresh_token": {refreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endSessionEndpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create logout request: %w", err)
	}
	req.Header.Set("Content-Type", networking.ContentTypeFormURLEncoded)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: logout request failed: %v", oidc.ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, networking.DefaultMaxResponseSize))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return &OAuthError{Code: "logout_failed", StatusCode: resp.StatusCode}
	}

	logger.Infow("provider session ended")
	return nil
}
