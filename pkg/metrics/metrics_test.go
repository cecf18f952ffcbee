package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	t.Run("independent registries", func(t *testing.T) {
		a := NewMetrics("server")
		b := NewMetrics("server")
		a.DeliveryAttempt("sent")
		assert.Equal(t, 1.0, testutil.ToFloat64(a.deliveryAttempts.WithLabelValues("sent")))
		assert.Equal(t, 0.0, testutil.ToFloat64(b.deliveryAttempts.WithLabelValues("sent")))
	})

	t.Run("nil receiver is a no-op", func(t *testing.T) {
		var m *Metrics
		assert.NotPanics(t, func() {
			m.SetQueueDepth(3)
			m.NotificationResult("mail", errors.New("down"), time.Second)
		})
	})

	t.Run("notification status label", func(t *testing.T) {
		m := NewMetrics("server")
		m.NotificationResult("mail", errors.New("smtp down"), time.Millisecond)
		m.NotificationResult("webhook", nil, time.Millisecond)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.notificationsTotal.WithLabelValues("mail", "failed")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.notificationsTotal.WithLabelValues("webhook", "sent")))
	})
}

func TestMonitorMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics("server")
	r := gin.New()
	r.Use(MonitorMiddleware(m))
	r.GET("/alerts/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/alerts/42", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/alerts/:id", "204")))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "server_http_requests_total"))
}
