// Package config contains the definition of the realmgate configuration
// structure and the logic required to load and validate it.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/realmgate/realmgate/pkg/networking"
)

// Defaults for tunable settings. The identity-provider settings themselves
// (server URL, realm, client credentials) have no production-safe defaults
// and must always be provided.
const (
	DefaultClockSkew    = 60 * time.Second
	DefaultJWKSCacheTTL = 15 * time.Minute
	DefaultHTTPTimeout  = 5 * time.Second
	DefaultStateTTL     = 10 * time.Minute
)

// DefaultAllowedAlgorithms is the signature algorithm allow-list applied when
// none is configured. Keycloak signs access tokens with RS256 by default.
var DefaultAllowedAlgorithms = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}

// DefaultScopes are the scopes requested during login when none are configured.
var DefaultScopes = []string{"openid", "email", "profile"}

// Config holds the immutable-after-startup settings for all realmgate
// components. Construct it once at process start and pass it into each
// component's constructor; no component reads ambient global state.
type Config struct {
	// ServerURL is the base URL of the Keycloak server, e.g.
	// https://keycloak.example.com.
	ServerURL string

	// Realm is the Keycloak realm identifier.
	Realm string

	// ClientID is the OIDC client ID.
	ClientID string

	// ClientSecret is the OIDC client secret.
	ClientSecret string

	// RedirectURI is the callback URL registered with the provider.
	RedirectURI string

	// Scopes are the scopes requested during login.
	Scopes []string

	// AllowedAlgorithms is the explicit allow-list of token signature
	// algorithms. Tokens declaring any other algorithm are rejected.
	AllowedAlgorithms []string

	// ClockSkew is the tolerance applied to token time claims.
	ClockSkew time.Duration

	// JWKSCacheTTL is how long a fetched key set is served before refresh.
	JWKSCacheTTL time.Duration

	// HTTPTimeout bounds every network call to the identity provider.
	HTTPTimeout time.Duration

	// StateTTL bounds the lifetime of a pending login state.
	StateTTL time.Duration
}

// Issuer returns the OIDC issuer URL for the configured realm. Keycloak
// issuers have the shape {server}/realms/{realm}.
func (c *Config) Issuer() string {
	return strings.TrimSuffix(c.ServerURL, "/") + "/realms/" + c.Realm
}

// Validate checks that all required settings are present and well-formed,
// and fills in defaults for the tunables.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server URL is required")
	}
	if err := networking.ValidateEndpointURL(c.ServerURL); err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	if c.Realm == "" {
		return errors.New("realm is required")
	}
	if c.ClientID == "" {
		return errors.New("client ID is required")
	}
	if c.ClientSecret == "" {
		return errors.New("client secret is required")
	}
	if c.RedirectURI == "" {
		return errors.New("redirect URI is required")
	}
	if err := networking.ValidateEndpointURL(c.RedirectURI); err != nil {
		return fmt.Errorf("invalid redirect URI: %w", err)
	}

	if len(c.Scopes) == 0 {
		c.Scopes = DefaultScopes
	}
	if len(c.AllowedAlgorithms) == 0 {
		c.AllowedAlgorithms = DefaultAllowedAlgorithms
	}
	for _, alg := range c.AllowedAlgorithms {
		if strings.EqualFold(alg, "none") {
			return errors.New(`"none" is not a permitted signature algorithm`)
		}
	}
	if c.ClockSkew <= 0 {
		c.ClockSkew = DefaultClockSkew
	}
	if c.JWKSCacheTTL <= 0 {
		c.JWKSCacheTTL = DefaultJWKSCacheTTL
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	if c.StateTTL <= 0 {
		c.StateTTL = DefaultStateTTL
	}
	return nil
}

// Load reads configuration from the environment (REALMGATE_* variables) and
// an optional config file, returning a validated Config.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("realmgate")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("clock-skew", DefaultClockSkew)
	v.SetDefault("jwks-cache-ttl", DefaultJWKSCacheTTL)
	v.SetDefault("http-timeout", DefaultHTTPTimeout)
	v.SetDefault("state-ttl", DefaultStateTTL)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		ServerURL:         v.GetString("server-url"),
		Realm:             v.GetString("realm"),
		ClientID:          v.GetString("client-id"),
		ClientSecret:      v.GetString("client-secret"),
		RedirectURI:       v.GetString("redirect-uri"),
		Scopes:            v.GetStringSlice("scopes"),
		AllowedAlgorithms: v.GetStringSlice("allowed-algorithms"),
		ClockSkew:         v.GetDuration("clock-skew"),
		JWKSCacheTTL:      v.GetDuration("jwks-cache-ttl"),
		HTTPTimeout:       v.GetDuration("http-timeout"),
		StateTTL:          v.GetDuration("state-ttl"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
