// Package networking provides HTTP client construction and endpoint
// validation helpers shared by the realmgate components.
package networking

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// HttpsScheme is the URL scheme required for non-localhost endpoints.
	HttpsScheme = "https"

	// DefaultTimeout is the timeout applied to outgoing HTTP requests when
	// the caller does not configure one.
	DefaultTimeout = 5 * time.Second

	// DefaultMaxResponseSize is the maximum response body size read from
	// the identity provider (1MB). Responses beyond this are truncated to
	// prevent unbounded reads from a misbehaving provider.
	DefaultMaxResponseSize = 1024 * 1024

	// ContentTypeJSON is the JSON content type.
	ContentTypeJSON = "application/json"

	// ContentTypeFormURLEncoded is the form-urlencoded content type.
	ContentTypeFormURLEncoded = "application/x-www-form-urlencoded"
)

// HTTPClient is the interface implemented by *http.Client. Components accept
// it so tests can substitute recording clients.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewClient creates an HTTP client with an explicit timeout. A stuck identity
// provider must surface as an error to the caller rather than hang a request
// goroutine, so a zero timeout falls back to DefaultTimeout.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSHandshakeTimeout:   timeout,
			ResponseHeaderTimeout: timeout,
		},
	}
}

// IsLocalhost returns true if the host (optionally host:port) refers to the
// local machine. Localhost endpoints are exempt from the HTTPS requirement to
// allow development against a locally-running Keycloak.
func IsLocalhost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// ValidateEndpointURL validates that an endpoint URL is well-formed and uses
// HTTPS, except for localhost endpoints which may use HTTP.
func ValidateEndpointURL(endpoint string) error {
	return ValidateEndpointURLWithInsecure(endpoint, false)
}

// ValidateEndpointURLWithInsecure validates an endpoint URL, optionally
// allowing plain HTTP for non-localhost hosts (testing only).
func ValidateEndpointURLWithInsecure(endpoint string, insecureAllowHTTP bool) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("malformed URL %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return fmt.Errorf("URL %q has no host", endpoint)
	}
	switch u.Scheme {
	case HttpsScheme:
		return nil
	case "http":
		if IsLocalhost(u.Host) || insecureAllowHTTP {
			return nil
		}
		return fmt.Errorf("endpoint %q must use HTTPS", endpoint)
	default:
		return fmt.Errorf("endpoint %q has unsupported scheme %q", endpoint, u.Scheme)
	}
}
