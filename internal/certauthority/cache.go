package certauthority

import (
	"crypto/tls"
	"sync"
	"time"
)

// CachingIssuer wraps an Authority with a per-host TTL cache. Minting a leaf
// costs an RSA key generation, so busy hosts should not pay it on every
// connection. Expired entries are dropped lazily on lookup.
type CachingIssuer struct {
	authority *Authority
	ttl       time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	cert      *tls.Certificate
	expiresAt time.Time
}

// NewCachingIssuer caches leaves for ttl per host.
func NewCachingIssuer(a *Authority, ttl time.Duration) *CachingIssuer {
	return &CachingIssuer{
		authority: a,
		ttl:       ttl,
		cache:     make(map[string]cacheEntry),
	}
}

// Leaf returns a cached certificate for host, minting and storing one when
// missing or expired. The lock is held across minting so concurrent
// connections to the same host do not generate duplicate keys.
func (c *CachingIssuer) Leaf(host string) (*tls.Certificate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.cache[host]; ok && e.expiresAt.After(time.Now()) {
		return e.cert, nil
	}

	cert, err := c.authority.Leaf(host)
	if err != nil {
		return nil, err
	}
	c.cache[host] = cacheEntry{cert: cert, expiresAt: time.Now().Add(c.ttl)}
	return cert, nil
}
