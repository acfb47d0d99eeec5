package oidc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newDiscoveryServer serves a discovery document derived from its own URL,
// optionally mutated by the caller.
func newDiscoveryServer(t *testing.T, mutate func(*Document)) *httptest.Server {
	t.Helper()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != WellKnownPath {
			http.NotFound(w, r)
			return
		}
		doc := Document{
			Issuer:                srv.URL,
			AuthorizationEndpoint: srv.URL + "/protocol/openid-connect/auth",
			TokenEndpoint:         srv.URL + "/protocol/openid-connect/token",
			UserinfoEndpoint:      srv.URL + "/protocol/openid-connect/userinfo",
			JWKSURI:               srv.URL + "/protocol/openid-connect/certs",
			EndSessionEndpoint:    srv.URL + "/protocol/openid-connect/logout",
		}
		if mutate != nil {
			mutate(&doc)
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(doc))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDiscover(t *testing.T) {
	t.Parallel()

	srv := newDiscoveryServer(t, nil)

	doc, err := Discover(context.Background(), srv.URL, nil)
	require.NoError(t, err)

	assert.Equal(t, srv.URL, doc.Issuer)
	assert.Equal(t, srv.URL+"/protocol/openid-connect/token", doc.TokenEndpoint)
	assert.Equal(t, srv.URL+"/protocol/openid-connect/certs", doc.JWKSURI)
	assert.Equal(t, srv.URL+"/protocol/openid-connect/logout", doc.EndSessionEndpoint)
}

func TestDiscoverIssuerMismatch(t *testing.T) {
	t.Parallel()

	srv := newDiscoveryServer(t, func(doc *Document) {
		doc.Issuer = "https://evil.example.com/realms/demo"
	})

	_, err := Discover(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "issuer mismatch")
}

func TestDiscoverMissingJWKSURI(t *testing.T) {
	t.Parallel()

	srv := newDiscoveryServer(t, func(doc *Document) {
		doc.JWKSURI = ""
	})

	_, err := Discover(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwks_uri")
}

func TestDiscoverInsecureEndpointRejected(t *testing.T) {
	t.Parallel()

	srv := newDiscoveryServer(t, func(doc *Document) {
		doc.TokenEndpoint = "http://keycloak.example.com/token"
	})

	_, err := Discover(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid token_endpoint")
}

func TestDiscoverRetriesThenFails(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	_, err := Discover(context.Background(), srv.URL, nil)
	require.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDiscoverRecoversAfterTransientFailure(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		doc := Document{
			Issuer:                srv.URL,
			AuthorizationEndpoint: srv.URL + "/auth",
			TokenEndpoint:         srv.URL + "/token",
			JWKSURI:               srv.URL + "/certs",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(srv.Close)

	doc, err := Discover(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, srv.URL+"/token", doc.TokenEndpoint)
}

func TestDiscoverRejectsNonJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>not a discovery document</html>"))
	}))
	t.Cleanup(srv.Close)

	_, err := Discover(context.Background(), srv.URL, nil)
	require.ErrorIs(t, err, ErrNetwork)
}

func TestDiscoverInvalidIssuerURL(t *testing.T) {
	t.Parallel()

	_, err := Discover(context.Background(), "ftp://keycloak.example.com", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid issuer URL")
}
