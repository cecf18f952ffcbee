package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"TrailWatch/pkg/logger"
	"TrailWatch/pkg/response"
)

const defaultRate = "60-M"

// RateLimiterConfig 限流配置
//
// Rate uses the limiter format ("60-M", "1000-H"). Identifier is "user"
// (the authenticated device owner, falling back to the client IP) or "ip".
// SkipPaths are matched by prefix.
type RateLimiterConfig struct {
	Rate       string
	Identifier string
	SkipPaths  []string
	AddHeaders bool
}

// RateObserver is told about every limiter decision.
type RateObserver interface {
	Observe(route string, allowed bool)
}

// PrometheusObserver counts decisions per route.
type PrometheusObserver struct {
	decisions *prometheus.CounterVec
}

// NewPrometheusObserver registers its counter on reg.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	return &PrometheusObserver{
		decisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_decisions_total",
			Help: "Alert ingestion requests seen by the rate limiter",
		}, []string{"route", "decision"}),
	}
}

func (p *PrometheusObserver) Observe(route string, allowed bool) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	p.decisions.WithLabelValues(route, decision).Inc()
}

// RateLimiter throttles alert submissions.
type RateLimiter struct {
	cfg      RateLimiterConfig
	lim      *limiter.Limiter
	observer RateObserver
}

// NewRateLimiter falls back to 60-M when cfg.Rate is empty or malformed and
// to an in-memory store when store is nil.
func NewRateLimiter(cfg RateLimiterConfig, store limiter.Store) *RateLimiter {
	if store == nil {
		store = memory.NewStore()
	}
	rate, err := limiter.NewRateFromFormatted(cfg.Rate)
	if err != nil {
		if cfg.Rate != "" {
			logger.Warn("invalid rate, using default", zap.String("rate", cfg.Rate), zap.Error(err))
		}
		rate, _ = limiter.NewRateFromFormatted(defaultRate)
	}
	return &RateLimiter{cfg: cfg, lim: limiter.New(store, rate)}
}

func (l *RateLimiter) WithObserver(o RateObserver) *RateLimiter {
	l.observer = o
	return l
}

func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		for _, p := range l.cfg.SkipPaths {
			if p != "" && strings.HasPrefix(route, p) {
				c.Next()
				return
			}
		}

		res, err := l.lim.Get(c.Request.Context(), l.key(c))
		if err != nil {
			// 存储故障时放行，SOS 不能因为限流器挂掉而丢失
			logger.Warn("rate limiter store failed", zap.String("route", route), zap.Error(err))
			c.Next()
			return
		}
		if l.cfg.AddHeaders {
			c.Header("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
			c.Header("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
		}
		if l.observer != nil {
			l.observer.Observe(route, !res.Reached)
		}
		if res.Reached {
			wait := time.Until(time.Unix(res.Reset, 0))
			if wait < 0 {
				wait = 0
			}
			c.Header("Retry-After", strconv.Itoa(int(wait.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, response.Response{
				Code: http.StatusTooManyRequests,
				Msg:  "too many requests",
			})
			return
		}
		c.Next()
	}
}

func (l *RateLimiter) key(c *gin.Context) string {
	if l.cfg.Identifier == "user" {
		if user := c.GetString(ContextUserKey); user != "" {
			return "user:" + user
		}
	}
	return "ip:" + strings.TrimPrefix(c.ClientIP(), "::ffff:")
}
