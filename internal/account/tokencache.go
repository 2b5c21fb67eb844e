package account

import (
	"sync"
	"time"
)

// validityBuffer is the margin subtracted from a cached token's expiry
// before it is considered usable; matches the original relay's TokenInfo
// buffer exactly so two implementations agree on when a refresh is due.
const validityBuffer = 10 * time.Second

// tokenCache holds a single optional {access_token, expires_at} pair for an
// OAuth account. Concurrent readers observe either the old token or the new
// one, never a partial write.
type tokenCache struct {
	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	set       bool
}

// Valid returns the cached token if present and not within validityBuffer of
// expiring.
func (c *tokenCache) Valid(now time.Time) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.set {
		return "", false
	}
	if !c.expiresAt.After(now.Add(validityBuffer)) {
		return "", false
	}
	return c.token, true
}

// Store installs a freshly refreshed token. Concurrent refreshes racing here
// are permitted; the last store wins, which is idempotent for callers since
// both values are valid tokens.
func (c *tokenCache) Store(token string, expiresIn time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.expiresAt = now.Add(expiresIn)
	c.set = true
}

// NeedsRefresh reports whether the cache is unset or will expire within the
// given window. The window is typically much larger than validityBuffer —
// this backs the health monitor's proactive sweep, not the lazy read path.
func (c *tokenCache) NeedsRefresh(now time.Time, within time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.set {
		return true
	}
	return !c.expiresAt.After(now.Add(within))
}

// ExpiresAt returns the cached expiry and whether the cache is set.
func (c *tokenCache) ExpiresAt() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expiresAt, c.set
}
