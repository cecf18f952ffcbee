package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// localCache 基于 golang-lru 的本地缓存，容量满时淘汰最久未使用的项
type localCache struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, localItem]
	ttl time.Duration
}

type localItem struct {
	value    interface{}
	expireAt time.Time
}

// NewLocalCache 创建本地缓存
func NewLocalCache(config LocalConfig) Cache {
	size := config.MaxSize
	if size <= 0 {
		size = 1000
	}
	ttl := config.DefaultExpiration
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &localCache{lru: expirable.NewLRU[string, localItem](size, nil, ttl), ttl: ttl}
}

func (lc *localCache) Get(ctx context.Context, key string) (interface{}, bool) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.getLocked(key)
}

func (lc *localCache) getLocked(key string) (interface{}, bool) {
	item, ok := lc.lru.Get(key)
	if !ok {
		return nil, false
	}
	// 单项过期时间可能比 LRU 的全局 TTL 更短
	if !item.expireAt.IsZero() && time.Now().After(item.expireAt) {
		lc.lru.Remove(key)
		return nil, false
	}
	return item.value, true
}

func (lc *localCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.lru.Add(key, lc.item(value, expiration))
	return nil
}

func (lc *localCache) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if _, ok := lc.getLocked(key); ok {
		return false, nil
	}
	lc.lru.Add(key, lc.item(value, expiration))
	return true, nil
}

func (lc *localCache) Delete(ctx context.Context, key string) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.lru.Remove(key)
	return nil
}

func (lc *localCache) Exists(ctx context.Context, key string) bool {
	_, ok := lc.Get(ctx, key)
	return ok
}

func (lc *localCache) Close() error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.lru.Purge()
	return nil
}

func (lc *localCache) item(value interface{}, expiration time.Duration) localItem {
	if expiration <= 0 || expiration > lc.ttl {
		return localItem{value: value}
	}
	return localItem{value: value, expireAt: time.Now().Add(expiration)}
}
