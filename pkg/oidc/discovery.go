// Package oidc implements discovery of the identity provider's OpenID
// Connect configuration from its well-known endpoint.
package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/realmgate/realmgate/pkg/logger"
	"github.com/realmgate/realmgate/pkg/networking"
)

// UserAgent identifies realmgate to the identity provider.
const UserAgent = "realmgate/1.0"

// WellKnownPath is the OIDC discovery path relative to the issuer.
const WellKnownPath = "/.well-known/openid-configuration"

// Retry policy for the discovery GET. The request is idempotent, so a short
// bounded retry smooths over transient provider hiccups at startup.
const (
	maxFetchAttempts     = 3
	fetchBackoffInterval = 200 * time.Millisecond
)

// ErrNetwork indicates the identity provider could not be reached or did not
// produce a usable response. Callers should treat it as transient.
var ErrNetwork = errors.New("identity provider unreachable")

// Document represents the OIDC discovery document served at
// {issuer}/.well-known/openid-configuration.
type Document struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
	IntrospectionEndpoint string `json:"introspection_endpoint"`
}

// Validate checks that the document carries the fields realmgate depends on
// and that every advertised endpoint is a well-formed HTTPS URL (HTTP is
// allowed for localhost issuers only). expectedIssuer must match the issuer
// claim exactly, which prevents a provider from impersonating another.
func (d *Document) Validate(expectedIssuer string) error {
	if d.Issuer == "" {
		return errors.New("discovery document missing issuer")
	}
	if d.Issuer != expectedIssuer {
		return fmt.Errorf("issuer mismatch: expected %s, got %s", expectedIssuer, d.Issuer)
	}
	if d.AuthorizationEndpoint == "" {
		return errors.New("discovery document missing authorization_endpoint")
	}
	if d.TokenEndpoint == "" {
		return errors.New("discovery document missing token_endpoint")
	}
	if d.JWKSURI == "" {
		return errors.New("discovery document missing jwks_uri")
	}

	endpoints := map[string]string{
		"authorization_endpoint": d.AuthorizationEndpoint,
		"token_endpoint":         d.TokenEndpoint,
		"jwks_uri":               d.JWKSURI,
		"userinfo_endpoint":      d.UserinfoEndpoint,
		"end_session_endpoint":   d.EndSessionEndpoint,
		"introspection_endpoint": d.IntrospectionEndpoint,
	}
	for name, endpoint := range endpoints {
		if endpoint == "" {
			continue
		}
		if err := networking.ValidateEndpointURL(endpoint); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

// Discover fetches and validates the discovery document for issuer. It is
// intended to be called once at construction; callers cache the result for
// the process lifetime. client may be nil, in which case a default client
// with networking.DefaultTimeout is used.
func Discover(ctx context.Context, issuer string, client networking.HTTPClient) (*Document, error) {
	if err := networking.ValidateEndpointURL(issuer); err != nil {
		return nil, fmt.Errorf("invalid issuer URL: %w", err)
	}
	if client == nil {
		client = networking.NewClient(networking.DefaultTimeout)
	}

	wellKnownURL := strings.TrimSuffix(issuer, "/") + WellKnownPath

	operation := func() (*Document, error) {
		return fetchDocument(ctx, wellKnownURL, client)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = fetchBackoffInterval

	doc, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(maxFetchAttempts),
		backoff.WithNotify(func(err error, duration time.Duration) {
			logger.Debugf("OIDC discovery failed, retrying in %s: %v", duration, err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	if err := doc.Validate(issuer); err != nil {
		return nil, fmt.Errorf("invalid discovery document: %w", err)
	}

	logger.Debugw("discovered OIDC configuration",
		"issuer", doc.Issuer,
		"token_endpoint", doc.TokenEndpoint,
		"jwks_uri", doc.JWKSURI,
	)
	return doc, nil
}

func fetchDocument(ctx context.Context, urlStr string, client networking.HTTPClient) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", networking.ContentTypeJSON)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", urlStr, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Debugf("Failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: HTTP %d", urlStr, resp.StatusCode)
	}
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.Contains(ct, networking.ContentTypeJSON) {
		return nil, fmt.Errorf("%s: unexpected content-type %q", urlStr, ct)
	}

	var doc Document
	if err := json.NewDecoder(io.LimitReader(resp.Body, networking.DefaultMaxResponseSize)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%s: unexpected response: %w", urlStr, err)
	}
	return &doc, nil
}
