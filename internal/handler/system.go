package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"TrailWatch/pkg/logger"
)

// HealthCheck answers 200 while the database is reachable. The watchdog
// probes it to decide whether it is online.
func (h *Handlers) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.pingDB(ctx); err != nil {
		logger.Warn("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": "database unreachable"})
		return
	}
	body := gin.H{"status": "healthy", "dashboardClients": h.hub.Len()}
	if h.dispatcher != nil {
		body["channels"] = h.dispatcher.Channels()
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handlers) pingDB(ctx context.Context) error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
