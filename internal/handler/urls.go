package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"TrailWatch/internal/listeners"
	"TrailWatch/internal/risk"
	"TrailWatch/pkg/cache"
	"TrailWatch/pkg/config"
	"TrailWatch/pkg/logger"
	"TrailWatch/pkg/metrics"
	"TrailWatch/pkg/middleware"
	"TrailWatch/pkg/sse"
)

type Options struct {
	Dispatcher *listeners.AlertDispatcher
	Hub        *sse.Hub
	Metrics    *metrics.Metrics
	Cache      cache.Cache // idempotency keys and route lookups; local LRU when nil
	Assessor   *risk.Assessor
	Languages  []string
}

type Handlers struct {
	db         *gorm.DB
	cfg        *config.Config
	dispatcher *listeners.AlertDispatcher
	hub        *sse.Hub
	metrics    *metrics.Metrics
	cache      cache.Cache
	assessor   *risk.Assessor
	languages  []string
	now        func() time.Time
}

func NewHandlers(db *gorm.DB, cfg *config.Config, opts Options) *Handlers {
	if opts.Assessor == nil {
		opts.Assessor = risk.NewAssessor()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetrics("trailwatch")
	}
	if opts.Hub == nil {
		opts.Hub = sse.NewHub(15 * time.Second)
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewLocalCache(cache.LocalConfig{MaxSize: 10000, DefaultExpiration: 10 * time.Minute})
	}
	if len(opts.Languages) == 0 {
		opts.Languages = []string{"en", "es"}
	}
	return &Handlers{
		db:         db,
		cfg:        cfg,
		dispatcher: opts.Dispatcher,
		hub:        opts.Hub,
		metrics:    opts.Metrics,
		cache:      opts.Cache,
		assessor:   opts.Assessor,
		languages:  opts.Languages,
		now:        time.Now,
	}
}

func (h *Handlers) Register(engine *gin.Engine) {
	engine.Use(metrics.MonitorMiddleware(h.metrics))
	if h.cfg.MonitorPrefix != "" {
		engine.GET(h.cfg.MonitorPrefix, gin.WrapH(h.metrics.Handler()))
	}

	r := engine.Group(h.cfg.APIPrefix)
	r.Use(middleware.LanguageMiddleware(h.languages...))
	h.registerSystemRoutes(r)

	tokens := middleware.ParseTokens(h.cfg.AuthTokens)
	if len(tokens) == 0 {
		logger.Warn("no auth tokens configured, every API call will be refused")
	}
	api := r.Group("", middleware.BearerAuth(tokens))
	h.registerAlertRoutes(api)
	h.registerTrackRoutes(api)
	logger.Info("routes registered", zap.String("prefix", h.cfg.APIPrefix))
}

// Alert Module
func (h *Handlers) registerAlertRoutes(r *gin.RouterGroup) {
	limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Rate:       h.cfg.RateLimit,
		Identifier: "user",
		AddHeaders: true,
	}, nil).WithObserver(middleware.NewPrometheusObserver(h.metrics.Registry()))
	idem := middleware.IdempotencyMiddleware(middleware.IdempotencyConfig{
		TTL:   h.cfg.IdempotencyTTL,
		Store: h.cache,
	})

	alerts := r.Group("alerts")
	{
		alerts.POST("/sos", limiter.Middleware(), idem, h.handleIngestSOS)

		alerts.POST("/checkin-missed", limiter.Middleware(), idem, h.handleIngestCheckinMissed)

		alerts.GET("", h.handleListAlerts)

		alerts.GET("/stream", h.handleAlertStream)

		alerts.GET("/:id", h.handleGetAlert)

		alerts.POST("/:id/resolve", h.handleResolveAlert)
	}
}

func (h *Handlers) registerTrackRoutes(r *gin.RouterGroup) {
	r.POST("/tracks", h.handleUploadTrack)

	routes := r.Group("routes")
	{
		routes.PUT("/:id", h.handleSaveRoute)

		routes.GET("/:id", h.handleGetRoute)
	}
}

func (h *Handlers) registerSystemRoutes(r *gin.RouterGroup) {
	system := r.Group("system")
	{
		system.GET("/health", h.HealthCheck)
	}
}
