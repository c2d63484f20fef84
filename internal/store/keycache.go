package store

import (
	"sync"
	"time"

	"github.com/relaygate/gateway/internal/models"
)

// cachedKey mirrors the teacher's cachedTenant{tenant, expiresAt} shape,
// repurposed for ApiKey lookups instead of tenant lookups.
type cachedKey struct {
	key       models.ApiKey
	expiresAt time.Time
}

// KeyCache is an in-process, short-TTL cache in front of Store.GetApiKeyByKey,
// avoiding a round trip to Postgres on every proxied request. TTL is
// deliberately much shorter than the teacher's 60-minute tenant cache since
// ApiKey deactivation should take effect quickly.
type KeyCache struct {
	ttl   time.Duration
	mu    sync.RWMutex
	cache map[string]cachedKey
}

func NewKeyCache(ttl time.Duration) *KeyCache {
	return &KeyCache{
		ttl:   ttl,
		cache: make(map[string]cachedKey),
	}
}

func (c *KeyCache) Get(key string) (models.ApiKey, bool) {
	c.mu.RLock()
	entry, found := c.cache[key]
	c.mu.RUnlock()
	if !found || time.Now().After(entry.expiresAt) {
		return models.ApiKey{}, false
	}
	return entry.key, true
}

func (c *KeyCache) Set(key string, apiKey models.ApiKey) {
	c.mu.Lock()
	c.cache[key] = cachedKey{key: apiKey, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate drops a cached entry, used after an admin deactivates a key so
// the change takes effect before the TTL would otherwise expire it.
func (c *KeyCache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.cache, key)
	c.mu.Unlock()
}
