// Package cache holds short-lived server state: in-flight idempotency keys
// and lookups the ingestion path repeats for every alert.
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Cache is implemented by the in-process LRU, go-cache and redis backends.
type Cache interface {
	// Get returns a value. Redis hands back decoded JSON, see GetAs.
	Get(ctx context.Context, key string) (interface{}, bool)

	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error

	// SetNX stores value only when key is absent. It reports whether the
	// value was stored.
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)

	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) bool

	Close() error
}

// GetAs reads a value as T. Values that went through JSON (redis) are
// re-decoded into T.
func GetAs[T any](ctx context.Context, c Cache, key string) (T, bool) {
	var zero T
	v, ok := c.Get(ctx, key)
	if !ok {
		return zero, false
	}
	if t, ok := v.(T); ok {
		return t, true
	}
	b, err := json.Marshal(v)
	if err != nil {
		return zero, false
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return zero, false
	}
	return out, true
}

// Config 缓存配置
type Config struct {
	// "local" (LRU), "gocache" 或 "redis"
	Type string `json:"type" yaml:"type" env:"CACHE_TYPE"`
	// 所有键的前缀, 多个服务共用一个 redis 时区分
	Namespace string `json:"namespace" yaml:"namespace" env:"CACHE_NAMESPACE"`

	Redis RedisConfig `json:"redis" yaml:"redis"`
	Local LocalConfig `json:"local" yaml:"local"`
}

type RedisConfig struct {
	Addr         string        `json:"addr" yaml:"addr" env:"REDIS_ADDR"`
	Password     string        `json:"password" yaml:"password" env:"REDIS_PASSWORD"`
	DB           int           `json:"db" yaml:"db" env:"REDIS_DB"`
	PoolSize     int           `json:"pool_size" yaml:"pool_size" env:"REDIS_POOL_SIZE"`
	MinIdleConns int           `json:"min_idle_conns" yaml:"min_idle_conns" env:"REDIS_MIN_IDLE_CONNS"`
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout" env:"REDIS_DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout" env:"REDIS_READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" env:"REDIS_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout" env:"REDIS_IDLE_TIMEOUT"`
}

type LocalConfig struct {
	MaxSize           int           `json:"max_size" yaml:"max_size" env:"LOCAL_CACHE_MAX_SIZE"`
	DefaultExpiration time.Duration `json:"default_expiration" yaml:"default_expiration" env:"LOCAL_CACHE_DEFAULT_EXPIRATION"`
	CleanupInterval   time.Duration `json:"cleanup_interval" yaml:"cleanup_interval" env:"LOCAL_CACHE_CLEANUP_INTERVAL"`
}
