// Package cache provides the module-global mutable caches spec.md §9
// asks for: "module-global mutable caches... expose a reset entry point
// for tests." The Dispatch Engine normalizes a team's hook config on
// every guard evaluation; re-reading and re-normalizing the config file
// on every turn is wasted work for a value that rarely changes, so we
// cache the normalized result per team directory with a short TTL.
package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ConfigCache holds per-team normalized dispatch configs, keyed by team
// directory. Values are stored as `any` since dispatch.Config would
// otherwise create an import cycle; callers type-assert on Get.
type ConfigCache struct {
	c *gocache.Cache
}

// defaultTTL balances staleness against avoiding redundant disk reads
// across the many guard evaluations a single drainer tick can trigger.
const defaultTTL = 2 * time.Second

// New constructs a ConfigCache with the default TTL and a cleanup
// interval twice that, matching go-cache's own recommended ratio.
func New() *ConfigCache {
	return &ConfigCache{c: gocache.New(defaultTTL, defaultTTL*2)}
}

// Get returns the cached value for key and whether it was present (and
// not expired).
func (cc *ConfigCache) Get(key string) (any, bool) {
	return cc.c.Get(key)
}

// Set stores value under key with the cache's default TTL.
func (cc *ConfigCache) Set(key string, value any) {
	cc.c.Set(key, value, gocache.DefaultExpiration)
}

// Reset flushes every entry. Every test that exercises caching behavior
// must call this first so cases don't leak state into one another.
func (cc *ConfigCache) Reset() {
	cc.c.Flush()
}
