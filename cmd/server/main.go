package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	handlers "TrailWatch/internal/handler"
	"TrailWatch/internal/listeners"
	"TrailWatch/internal/models"
	"TrailWatch/pkg/backup"
	"TrailWatch/pkg/cache"
	"TrailWatch/pkg/config"
	"TrailWatch/pkg/i18n"
	"TrailWatch/pkg/logger"
	"TrailWatch/pkg/metrics"
	"TrailWatch/pkg/scheduler"
	"TrailWatch/pkg/sse"
	"TrailWatch/pkg/util"
)

// Alert ingestion and rescuer fan-out service.
func main() {
	configFile := flag.String("config", "", "YAML config file (overrides CONFIG_FILE)")
	flag.Parse()
	if *configFile != "" {
		os.Setenv("CONFIG_FILE", *configFile)
	}

	if err := config.Load(); err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg := config.GlobalConfig
	if err := logger.Init(&cfg.Log, cfg.Mode); err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	db, err := util.InitDatabase(cfg.DBDriver, cfg.DSN)
	if err != nil {
		logger.Fatal("open database failed", zap.Error(err))
	}
	if err := models.Migrate(db); err != nil {
		logger.Fatal("migrate failed", zap.Error(err))
	}

	idem, err := cache.NewCache(cfg.Cache)
	if err != nil {
		logger.Fatal("init cache failed", zap.Error(err))
	}
	defer idem.Close()

	tr, err := i18n.NewI18nSupport(cfg.NotifyLanguage)
	if err != nil {
		logger.Fatal("load translations failed", zap.Error(err))
	}
	m := metrics.NewMetrics("trailwatch")
	hub := sse.NewHub(15 * time.Second)

	channels := listeners.ChannelsFromConfig(cfg)
	dispatcher, err := listeners.NewAlertDispatcher(db, channels, listeners.Options{
		Hub:      hub,
		I18n:     tr,
		Language: cfg.NotifyLanguage,
		Timeout:  cfg.NotifyTimeout,
		Metrics:  m,
	})
	if err != nil {
		logger.Fatal("init dispatcher failed", zap.Error(err))
	}
	logger.Info("notification channels", zap.Strings("channels", dispatcher.Channels()))

	cr := scheduler.NewCron(time.UTC)
	if cfg.BackupEnabled {
		err := backup.StartBackupScheduler(cr, db, backup.Config{
			Driver:   cfg.DBDriver,
			Dir:      cfg.BackupPath,
			Schedule: cfg.BackupSchedule,
			Keep:     14,
		})
		if err != nil {
			logger.Fatal("schedule backup failed", zap.Error(err))
		}
	}
	cr.Start()

	if cfg.Mode != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	handlers.NewHandlers(db, cfg, handlers.Options{
		Dispatcher: dispatcher,
		Hub:        hub,
		Metrics:    m,
		Cache:      idem,
		Languages:  tr.Languages(),
	}).Register(engine)

	s := &http.Server{
		Addr:              cfg.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 优雅退出
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Addr))
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("shutting down")

	// SSE 连接先断开，否则 Shutdown 会等待它们
	hub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
	cr.Stop()
	// 等待进行中的通知发送完成
	dispatcher.Wait()
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	logger.Info("shutdown complete")
}
