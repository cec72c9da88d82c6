package bans

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/geosia-dev/gsnet/pkg/auth"
)

// DefaultCacheTTL is how long Cached remembers a lookup.
const DefaultCacheTTL = 30 * time.Second

type cachedResult struct {
	reason string
	banned bool
}

// Cached memoizes lookups of another ban list. Both hits and misses are
// cached; errors are not.
type Cached struct {
	list  auth.BanList
	cache *gocache.Cache
}

// NewCached wraps list with a cache whose entries live for ttl.
func NewCached(list auth.BanList, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cached{list: list, cache: gocache.New(ttl, 2*ttl)}
}

// Lookup implements auth.BanList.
func (c *Cached) Lookup(ctx context.Context, username string) (string, bool, error) {
	key := auth.NormalizeUsername(username)
	if v, ok := c.cache.Get(key); ok {
		r := v.(cachedResult)
		return r.reason, r.banned, nil
	}
	reason, banned, err := c.list.Lookup(ctx, key)
	if err != nil {
		return "", false, err
	}
	c.cache.SetDefault(key, cachedResult{reason: reason, banned: banned})
	return reason, banned, nil
}

// Invalidate forgets the cached result for username.
func (c *Cached) Invalidate(username string) {
	c.cache.Delete(auth.NormalizeUsername(username))
}

// Flush forgets every cached result.
func (c *Cached) Flush() {
	c.cache.Flush()
}
