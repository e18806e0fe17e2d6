package auth

import (
	"sync"
	"time"
)

// expirySlack re-mints a token this long before it actually expires so a
// cached token handed to a client is never already on the edge.
const expirySlack = 30 * time.Second

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// TokenCache memoizes minted tokens per key until shortly before expiry.
// It is an explicitly owned object injected where needed, never a
// process-wide singleton.
type TokenCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry

	// now is swappable for tests.
	now func() time.Time
}

func NewTokenCache() *TokenCache {
	return &TokenCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// GetOrCreate returns the cached token for key if it is still comfortably
// within its lifetime, otherwise calls mint and caches the result.
func (c *TokenCache) GetOrCreate(key string, mint func() (string, time.Time, error)) (string, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		if c.now().Before(entry.expiresAt.Add(-expirySlack)) {
			return entry.value, entry.expiresAt, nil
		}
		delete(c.entries, key)
	}

	value, expiresAt, err := mint()
	if err != nil {
		return "", time.Time{}, err
	}

	c.entries[key] = cacheEntry{value: value, expiresAt: expiresAt}
	return value, expiresAt, nil
}
