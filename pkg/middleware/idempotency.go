package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"TrailWatch/pkg/cache"
	"TrailWatch/pkg/logger"
)

type IdempotencyConfig struct {
	HeaderName string        // Idempotency-Key 的请求头名
	TTL        time.Duration // 处理中锁的最长持有时间
	Store      cache.Cache
	KeyPrefix  string
}

// IdempotencyMiddleware rejects a request with 409 while another request
// carrying the same key is still being handled. The key is released once
// the handler returns: durable de-duplication of completed requests belongs
// to the handler, which knows what was stored.
func IdempotencyMiddleware(cfg IdempotencyConfig) gin.HandlerFunc {
	if cfg.HeaderName == "" {
		cfg.HeaderName = "Idempotency-Key"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "idem:"
	}
	store := cfg.Store
	if store == nil {
		store = cache.NewLocalCache(cache.LocalConfig{MaxSize: 10000, DefaultExpiration: cfg.TTL})
	}
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(cfg.HeaderName))
		if key == "" {
			// 兜底以请求体生成哈希作为幂等键
			b, _ := io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewReader(b))
			h := sha256.Sum256(b)
			key = hex.EncodeToString(h[:])
		}
		key = cfg.KeyPrefix + c.GetString(ContextUserKey) + ":" + c.FullPath() + ":" + key

		ok, err := store.SetNX(c.Request.Context(), key, time.Now().Unix(), cfg.TTL)
		if err != nil {
			// 缓存不可用时放行，由数据库唯一约束兜底
			logger.Warn("idempotency store unavailable", zap.Error(err))
			c.Next()
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "duplicate request in progress"})
			return
		}
		defer func() {
			if err := store.Delete(c.Request.Context(), key); err != nil {
				logger.Warn("release idempotency key failed", zap.String("key", key), zap.Error(err))
			}
		}()
		c.Next()
	}
}
