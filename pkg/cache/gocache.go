package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// goCache keeps entries in a go-cache map with a janitor goroutine. Unlike
// the LRU backend it has no size bound.
type goCache struct {
	c *gocache.Cache
}

func NewGoCache(config LocalConfig) Cache {
	exp := config.DefaultExpiration
	if exp <= 0 {
		exp = 5 * time.Minute
	}
	cleanup := config.CleanupInterval
	if cleanup <= 0 {
		cleanup = 2 * exp
	}
	return &goCache{c: gocache.New(exp, cleanup)}
}

func (g *goCache) Get(_ context.Context, key string) (interface{}, bool) {
	return g.c.Get(key)
}

func (g *goCache) Set(_ context.Context, key string, value interface{}, expiration time.Duration) error {
	g.c.Set(key, value, ttl(expiration))
	return nil
}

// SetNX maps to go-cache Add, which fails while an unexpired entry exists.
func (g *goCache) SetNX(_ context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	return g.c.Add(key, value, ttl(expiration)) == nil, nil
}

func (g *goCache) Delete(_ context.Context, key string) error {
	g.c.Delete(key)
	return nil
}

func (g *goCache) Exists(_ context.Context, key string) bool {
	_, ok := g.c.Get(key)
	return ok
}

func (g *goCache) Close() error {
	g.c.Flush()
	return nil
}

// ttl maps "no expiration given" to the cache default.
func ttl(d time.Duration) time.Duration {
	if d <= 0 {
		return gocache.DefaultExpiration
	}
	return d
}
