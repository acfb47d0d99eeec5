package flow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/oauth2-proxy/mockoidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realmgate/realmgate/pkg/auth"
	"github.com/realmgate/realmgate/pkg/config"
	"github.com/realmgate/realmgate/pkg/jwks"
	"github.com/realmgate/realmgate/pkg/oidc"
)

func testFlowConfig(clientID, clientSecret string) *config.Config {
	return &config.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURI:  "http://127.0.0.1/callback",
		Scopes:       []string{"openid", "email", "profile"},
		HTTPTimeout:  5 * time.Second,
		StateTTL:     10 * time.Minute,
	}
}

// newMockProvider starts a mockoidc server and builds the exchanger
// collaborators against its endpoints.
func newMockProvider(t *testing.T) (*mockoidc.MockOIDC, *config.Config, *oidc.Document) {
	t.Helper()

	m, err := mockoidc.Run()
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })

	doc := &oidc.Document{
		Issuer:                m.Issuer(),
		AuthorizationEndpoint: m.AuthorizationEndpoint(),
		TokenEndpoint:         m.TokenEndpoint(),
		UserinfoEndpoint:      m.UserinfoEndpoint(),
		JWKSURI:               m.JWKSEndpoint(),
	}
	return m, testFlowConfig(m.ClientID, m.ClientSecret), doc
}

// authorize drives the user agent leg of the flow: it follows the
// authorization URL and captures the code and state from the provider's
// redirect.
func authorize(t *testing.T, authURL string) (code, stateParam string) {
	t.Helper()

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(authURL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := resp.Location()
	require.NoError(t, err)
	return location.Query().Get("code"), location.Query().Get("state")
}

func TestBeginLogin(t *testing.T) {
	t.Parallel()

	cfg := testFlowConfig("demo-client", "secret")
	doc := &oidc.Document{
		Issuer:                "https://keycloak.example.com/realms/demo",
		AuthorizationEndpoint: "https://keycloak.example.com/realms/demo/protocol/openid-connect/auth",
		TokenEndpoint:         "https://keycloak.example.com/realms/demo/protocol/openid-connect/token",
		JWKSURI:               "https://keycloak.example.com/realms/demo/protocol/openid-connect/certs",
	}
	e, err := NewExchanger(context.Background(), cfg, doc)
	require.NoError(t, err)

	state, authURL, err := e.BeginLogin("")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, cfg.RedirectURI, state.RedirectURI)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "https", parsed.Scheme)
	assert.Equal(t, "/realms/demo/protocol/openid-connect/auth", parsed.Path)

	query := parsed.Query()
	assert.Equal(t, "code", query.Get("response_type"))
	assert.Equal(t, "demo-client", query.Get("client_id"))
	assert.Equal(t, cfg.RedirectURI, query.Get("redirect_uri"))
	assert.Equal(t, state.State, query.Get("state"))
	assert.Equal(t, state.Nonce, query.Get("nonce"))
	assert.Equal(t, "openid email profile", query.Get("scope"))
}

func TestCompleteLoginRoundTrip(t *testing.T) {
	m, cfg, doc := newMockProvider(t)
	ctx := context.Background()

	m.QueueUser(&mockoidc.MockUser{
		Subject:           "user-1234",
		Email:             "user@example.com",
		PreferredUsername: "user",
	})

	e, err := NewExchanger(ctx, cfg, doc)
	require.NoError(t, err)

	state, authURL, err := e.BeginLogin("")
	require.NoError(t, err)
	code, stateParam := authorize(t, authURL)

	tokens, err := e.CompleteLogin(ctx, code, stateParam, state)
	require.NoError(t, err)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)
	assert.NotEmpty(t, tokens.IDToken)
	assert.False(t, tokens.IsExpired())

	// The access token must validate against the provider's own keys and
	// yield the subject the provider authenticated.
	cache, err := jwks.NewCache(m.JWKSEndpoint(), time.Minute)
	require.NoError(t, err)
	v, err := auth.NewValidator(auth.ValidatorConfig{
		Issuer:            m.Issuer(),
		Audience:          []string{m.ClientID},
		ClientID:          m.ClientID,
		AllowedAlgorithms: []string{"RS256"},
		Keys:              cache,
	})
	require.NoError(t, err)
	principal, err := v.Validate(ctx, tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1234", principal.Subject)

	// Replaying the callback must fail: the state was consumed.
	_, err = e.CompleteLogin(ctx, code, stateParam, state)
	require.ErrorIs(t, err, ErrStateConsumed)
}

func TestCompleteLoginStateChecks(t *testing.T) {
	t.Parallel()

	_, cfg, doc := newMockProvider(t)
	ctx := context.Background()

	e, err := NewExchanger(ctx, cfg, doc)
	require.NoError(t, err)

	t.Run("state mismatch", func(t *testing.T) {
		state, _, err := e.BeginLogin("")
		require.NoError(t, err)

		_, err = e.CompleteLogin(ctx, "some-code", "attacker-state", state)
		require.ErrorIs(t, err, ErrStateMismatch)
	})

	t.Run("nil stored state", func(t *testing.T) {
		_, err := e.CompleteLogin(ctx, "some-code", "any-state", nil)
		require.ErrorIs(t, err, ErrStateMismatch)
	})

	t.Run("expired state", func(t *testing.T) {
		state, _, err := e.BeginLogin("")
		require.NoError(t, err)
		state.CreatedAt = time.Now().Add(-11 * time.Minute)

		_, err = e.CompleteLogin(ctx, "some-code", state.State, state)
		require.ErrorIs(t, err, ErrStateExpired)
	})

	t.Run("missing code", func(t *testing.T) {
		state, _, err := e.BeginLogin("")
		require.NoError(t, err)

		_, err = e.CompleteLogin(ctx, "", state.State, state)
		require.Error(t, err)
	})
}

func TestCompleteLoginProviderRejected(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "Code not valid",
		})
	}))
	t.Cleanup(srv.Close)

	cfg := testFlowConfig("demo-client", "secret")
	doc := &oidc.Document{
		Issuer:                srv.URL,
		AuthorizationEndpoint: srv.URL + "/auth",
		TokenEndpoint:         srv.URL + "/token",
		JWKSURI:               srv.URL + "/certs",
	}
	e, err := NewExchanger(context.Background(), cfg, doc)
	require.NoError(t, err)

	state, _, err := e.BeginLogin("")
	require.NoError(t, err)

	_, err = e.CompleteLogin(context.Background(), "bad-code", state.State, state)
	require.ErrorIs(t, err, ErrProviderRejected)

	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, "invalid_grant", oauthErr.Code)

	// An answered request is never retried.
	assert.Equal(t, int32(1), calls.Load())

	// The failed exchange still burned the state.
	_, err = e.CompleteLogin(context.Background(), "bad-code", state.State, state)
	require.ErrorIs(t, err, ErrStateConsumed)
}

// staticVerifier returns a fixed ID token regardless of input.
type staticVerifier struct {
	token *gooidc.IDToken
}

func (s *staticVerifier) Verify(context.Context, string) (*gooidc.IDToken, error) {
	return s.token, nil
}

func TestCompleteLoginNonceMismatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at",
			"token_type":   "Bearer",
			"id_token":     "replayed.id.token",
			"expires_in":   300,
		})
	}))
	t.Cleanup(srv.Close)

	cfg := testFlowConfig("demo-client", "secret")
	doc := &oidc.Document{
		Issuer:                srv.URL,
		AuthorizationEndpoint: srv.URL + "/auth",
		TokenEndpoint:         srv.URL + "/token",
		JWKSURI:               srv.URL + "/certs",
	}
	e, err := NewExchanger(context.Background(), cfg, doc)
	require.NoError(t, err)
	e.verifier = &staticVerifier{token: &gooidc.IDToken{Nonce: "stale-nonce"}}

	state, _, err := e.BeginLogin("")
	require.NoError(t, err)

	_, err = e.CompleteLogin(context.Background(), "some-code", state.State, state)
	require.ErrorIs(t, err, ErrNonceMismatch)
}

func TestPasswordLogin(t *testing.T) {
	t.Parallel()

	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":       "at",
			"token_type":         "Bearer",
			"refresh_token":      "rt",
			"expires_in":         300,
			"refresh_expires_in": 1800,
		})
	}))
	t.Cleanup(srv.Close)

	cfg := testFlowConfig("demo-client", "secret")
	doc := &oidc.Document{
		Issuer:                srv.URL,
		AuthorizationEndpoint: srv.URL + "/auth",
		TokenEndpoint:         srv.URL + "/token",
		JWKSURI:               srv.URL + "/certs",
	}
	e, err := NewExchanger(context.Background(), cfg, doc)
	require.NoError(t, err)

	tokens, err := e.PasswordLogin(context.Background(), "alice", "hunter2", "123456")
	require.NoError(t, err)
	assert.Equal(t, "at", tokens.AccessToken)
	assert.Equal(t, 30*time.Minute, tokens.RefreshExpiresIn)

	assert.Equal(t, "password", gotForm.Get("grant_type"))
	assert.Equal(t, "alice", gotForm.Get("username"))
	assert.Equal(t, "hunter2", gotForm.Get("password"))
	assert.Equal(t, "123456", gotForm.Get("totp"))
	assert.Equal(t, "demo-client", gotForm.Get("client_id"))
	assert.Equal(t, "openid email profile", gotForm.Get("scope"))

	_, err = e.PasswordLogin(context.Background(), "", "hunter2", "")
	require.Error(t, err)
}

func TestUserInfo(t *testing.T) {
	t.Parallel()

	m, cfg, doc := newMockProvider(t)
	ctx := context.Background()

	m.QueueUser(&mockoidc.MockUser{
		Subject:           "user-1234",
		Email:             "user@example.com",
		PreferredUsername: "user",
	})

	e, err := NewExchanger(ctx, cfg, doc)
	require.NoError(t, err)

	state, authURL, err := e.BeginLogin("")
	require.NoError(t, err)
	code, stateParam := authorize(t, authURL)

	tokens, err := e.CompleteLogin(ctx, code, stateParam, state)
	require.NoError(t, err)

	info, err := e.UserInfo(ctx, tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1234", info.Subject)
	assert.Equal(t, "user@example.com", info.Email)
	assert.NotEmpty(t, info.Raw)

	_, err = e.UserInfo(ctx, "")
	require.Error(t, err)
}
