// Package jwks caches the identity provider's public signing keys.
//
// The cache is the only shared mutable state touched on the request path, so
// reads take a read lock and the fetched key set is replaced wholesale: a
// reader either sees the previous complete set or the new complete set,
// never a partially populated one.
package jwks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/singleflight"

	"github.com/realmgate/realmgate/pkg/logger"
	"github.com/realmgate/realmgate/pkg/networking"
	"github.com/realmgate/realmgate/pkg/oidc"
)

// ErrKeyNotFound is returned when no key with the requested key ID exists in
// the provider's current key set.
var ErrKeyNotFound = errors.New("signing key not found")

// Retry policy for the JWKS GET. The request is idempotent so a short
// bounded retry is safe.
const (
	maxFetchAttempts     = 3
	fetchBackoffInterval = 200 * time.Millisecond
)

// keySet is an immutable snapshot of the provider's keys. A snapshot is
// never mutated after construction; refresh builds a new one.
type keySet struct {
	keys      jwk.Set
	fetchedAt time.Time

	// retryEagerly is set when a later refresh attempt failed and this
	// snapshot was served stale. The next access retries the fetch
	// immediately instead of waiting out the TTL.
	retryEagerly bool
}

// Cache fetches and caches the JWKS document published by the identity
// provider. It is safe for concurrent use; concurrent refreshes are
// coalesced into a single in-flight fetch shared by all waiting callers.
type Cache struct {
	jwksURL string
	ttl     time.Duration
	client  networking.HTTPClient

	mu      sync.RWMutex
	current *keySet

	group singleflight.Group

	// now is replaceable in tests.
	now func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithHTTPClient sets a custom HTTP client for JWKS fetches.
func WithHTTPClient(client networking.HTTPClient) Option {
	return func(c *Cache) {
		c.client = client
	}
}

// NewCache creates a key cache for the given JWKS URL. Keys are served from
// cache for ttl before a refresh is attempted.
func NewCache(jwksURL string, ttl time.Duration, opts ...Option) (*Cache, error) {
	if jwksURL == "" {
		return nil, errors.New("JWKS URL is required")
	}
	if ttl <= 0 {
		return nil, errors.New("JWKS cache TTL must be positive")
	}

	c := &Cache{
		jwksURL: jwksURL,
		ttl:     ttl,
		client:  networking.NewClient(networking.DefaultTimeout),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Key returns the signing key with the given key ID, fetching or refreshing
// the key set as needed. A key absent from the current set yields
// ErrKeyNotFound; callers that suspect key rotation should call ForceRefresh
// once and retry.
func (c *Cache) Key(ctx context.Context, keyID string) (jwk.Key, error) {
	set, err := c.keySet(ctx, false)
	if err != nil {
		return nil, err
	}

	key, found := set.LookupKeyID(keyID)
	if !found {
		return nil, fmt.Errorf("%w: key ID %q", ErrKeyNotFound, keyID)
	}
	return key, nil
}

// ForceRefresh fetches a fresh key set regardless of TTL. It shares any
// in-flight fetch with concurrent callers.
func (c *Cache) ForceRefresh(ctx context.Context) error {
	_, err := c.keySet(ctx, true)
	return err
}

// keySet returns the current key set, refreshing it when forced, expired,
// or marked for eager retry.
func (c *Cache) keySet(ctx context.Context, force bool) (jwk.Set, error) {
	c.mu.RLock()
	cur := c.current
	c.mu.RUnlock()

	if !force && c.isServable(cur) {
		return cur.keys, nil
	}

	// Coalesce: one fetch shared by every caller that arrives while it is
	// in flight.
	entered := c.now()
	v, err, _ := c.group.Do("jwks", func() (any, error) {
		// A refresh that completed while this caller was queued behind
		// the flight-group lock satisfies non-forced requests.
		c.mu.RLock()
		cur := c.current
		c.mu.RUnlock()
		if !force && c.isServable(cur) && !cur.fetchedAt.Before(entered) {
			return cur.keys, nil
		}

		keys, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.current = &keySet{keys: keys, fetchedAt: c.now()}
		c.mu.Unlock()
		return keys, nil
	})
	if err == nil {
		return v.(jwk.Set), nil
	}

	// Fetch failed: fail open on a previously fetched set so token
	// validation keeps working through a provider outage, but mark the
	// snapshot so the next access retries eagerly.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		// Replace rather than mutate so readers holding the old snapshot
		// never observe a concurrent write.
		stale := &keySet{keys: c.current.keys, fetchedAt: c.current.fetchedAt, retryEagerly: true}
		c.current = stale
		logger.Warnf("JWKS refresh failed, serving stale key set: %v", err)
		return stale.keys, nil
	}
	return nil, fmt.Errorf("%w: %v", oidc.ErrNetwork, err)
}

// isServable reports whether the snapshot can be served without a fetch.
func (c *Cache) isServable(s *keySet) bool {
	return s != nil && !s.retryEagerly && c.now().Sub(s.fetchedAt) < c.ttl
}

// fetch retrieves and parses the JWKS document.
func (c *Cache) fetch(ctx context.Context) (jwk.Set, error) {
	operation := func() (jwk.Set, error) {
		return c.fetchOnce(ctx)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = fetchBackoffInterval

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(maxFetchAttempts),
		backoff.WithNotify(func(err error, duration time.Duration) {
			logger.Debugf("JWKS fetch failed, retrying in %s: %v", duration, err)
		}),
	)
}

func (c *Cache) fetchOnce(ctx context.Context) (jwk.Set, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create JWKS request: %w", err))
	}
	req.Header.Set("Accept", networking.ContentTypeJSON)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", c.jwksURL, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Debugf("Failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, networking.DefaultMaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read JWKS response: %w", err)
	}

	keys, err := jwk.Parse(body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to parse JWKS: %w", err))
	}
	if keys.Len() == 0 {
		return nil, backoff.Permanent(errors.New("JWKS contains no keys"))
	}
	return keys, nil
}
