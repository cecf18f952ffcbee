package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 指标管理器。每个实例持有独立的 Registry，测试中可重复创建。
// All record methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 告警接入与分发
	alertsIngested       *prometheus.CounterVec
	notificationsTotal   *prometheus.CounterVec
	notificationDuration *prometheus.HistogramVec

	// 设备端：投递与升级
	deliveryAttempts *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	escalations      *prometheus.CounterVec
	timersFired      *prometheus.CounterVec
}

// NewMetrics 创建指标管理器, namespace 区分 server 与 watchdog
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		alertsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_ingested_total",
			Help:      "Alerts received, by kind, risk level and outcome",
		}, []string{"kind", "risk", "outcome"}),
		notificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Rescuer notifications by channel and status",
		}, []string{"channel", "status"}),
		notificationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "notification_duration_seconds",
			Help:      "Time spent delivering one notification",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"channel"}),
		deliveryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Alert delivery attempts by result",
		}, []string{"result"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_alerts",
			Help:      "Alerts waiting for delivery confirmation",
		}),
		escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_time_outcomes_total",
			Help:      "Control times reaching a terminal state",
		}, []string{"outcome"}),
		timersFired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_fired_total",
			Help:      "Durable timers fired, by kind",
		}, []string{"kind", "late"}),
	}
}

// Registry exposes the registry so callers can add their own collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler 返回 /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (m *Metrics) AlertIngested(kind, risk, outcome string) {
	if m == nil {
		return
	}
	if risk == "" {
		risk = "unknown"
	}
	m.alertsIngested.WithLabelValues(kind, risk, outcome).Inc()
}

func (m *Metrics) NotificationResult(channel string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	status := "sent"
	if err != nil {
		status = "failed"
	}
	m.notificationsTotal.WithLabelValues(channel, status).Inc()
	m.notificationDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

func (m *Metrics) DeliveryAttempt(result string) {
	if m == nil {
		return
	}
	m.deliveryAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) ControlTimeOutcome(outcome string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TimerFired(kind string, late bool) {
	if m == nil {
		return
	}
	l := "false"
	if late {
		l = "true"
	}
	m.timersFired.WithLabelValues(kind, l).Inc()
}
