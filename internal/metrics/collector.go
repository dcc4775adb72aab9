// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 发现轮询指标
	pollsTotal   *prometheus.CounterVec
	pollDuration *prometheus.HistogramVec

	// 注册表指标
	registeredServices prometheus.Gauge
	discoveredServices prometheus.Gauge

	// 变更事件指标
	changeEventsTotal *prometheus.CounterVec

	// 健康检查指标
	healthChecksTotal *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器。
// reg 为 nil 时注册到 prometheus 默认注册表。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 发现轮询指标
	c.pollsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_polls_total",
			Help:      "Total number of discovery endpoint polls",
		},
		[]string{"endpoint", "status"},
	)

	c.pollDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "discovery_poll_duration_seconds",
			Help:      "Discovery poll cycle duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"endpoint"},
	)

	// 注册表指标
	c.registeredServices = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_services",
			Help:      "Number of locally registered services",
		},
	)

	c.discoveredServices = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "discovered_services",
			Help:      "Number of services known from the last discovery poll",
		},
	)

	// 变更事件指标
	c.changeEventsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_events_total",
			Help:      "Total number of service change events",
		},
		[]string{"type"},
	)

	// 健康检查指标
	c.healthChecksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "Total number of service health checks",
		},
		[]string{"status"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🔭 发现指标记录
// =============================================================================

// RecordPoll 记录一次端点轮询
func (c *Collector) RecordPoll(endpoint, status string, duration time.Duration) {
	c.pollsTotal.WithLabelValues(endpoint, status).Inc()
	c.pollDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// SetRegisteredServices 设置本地注册服务数
func (c *Collector) SetRegisteredServices(n int) {
	c.registeredServices.Set(float64(n))
}

// SetDiscoveredServices 设置最近一次轮询的已知服务数
func (c *Collector) SetDiscoveredServices(n int) {
	c.discoveredServices.Set(float64(n))
}

// RecordChangeEvent 记录一个变更事件
func (c *Collector) RecordChangeEvent(eventType string) {
	c.changeEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordHealthCheck 记录一次健康检查结果
func (c *Collector) RecordHealthCheck(status string) {
	c.healthChecksTotal.WithLabelValues(status).Inc()
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
