package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"TrailWatch/pkg/logger"
)

// NewCache builds the backend named by config.Type.
func NewCache(config Config) (Cache, error) {
	var (
		c   Cache
		err error
	)
	switch strings.ToLower(config.Type) {
	case "", "local":
		c = NewLocalCache(config.Local)
	case "gocache":
		c = NewGoCache(config.Local)
	case "redis":
		c, err = NewRedisCache(config.Redis)
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", config.Type)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("cache ready", zap.String("type", config.Type), zap.String("namespace", config.Namespace))
	if config.Namespace != "" {
		c = &prefixed{Cache: c, prefix: config.Namespace + ":"}
	}
	return c, nil
}

// prefixed puts every key under a namespace.
type prefixed struct {
	Cache
	prefix string
}

func (p *prefixed) Get(ctx context.Context, key string) (interface{}, bool) {
	return p.Cache.Get(ctx, p.prefix+key)
}

func (p *prefixed) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return p.Cache.Set(ctx, p.prefix+key, value, expiration)
}

func (p *prefixed) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	return p.Cache.SetNX(ctx, p.prefix+key, value, expiration)
}

func (p *prefixed) Delete(ctx context.Context, key string) error {
	return p.Cache.Delete(ctx, p.prefix+key)
}

func (p *prefixed) Exists(ctx context.Context, key string) bool {
	return p.Cache.Exists(ctx, p.prefix+key)
}
