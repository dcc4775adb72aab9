package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func newTestCollector() *Collector {
	return NewCollector("test", prometheus.NewRegistry(), zap.NewNop())
}

func TestNewCollector(t *testing.T) {
	collector := newTestCollector()

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.pollsTotal)
	assert.NotNil(t, collector.changeEventsTotal)
	assert.NotNil(t, collector.healthChecksTotal)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := newTestCollector()

	// 记录请求
	collector.RecordHTTPRequest("GET", "/discover", 200, 100*time.Millisecond)

	count := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Greater(t, count, 0)

	// 再记录一次相同的请求
	collector.RecordHTTPRequest("GET", "/discover", 200, 50*time.Millisecond)

	value := testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/discover", "2xx"))
	assert.Equal(t, 2.0, value)
}

func TestCollector_RecordPoll(t *testing.T) {
	collector := newTestCollector()

	collector.RecordPoll("http://node-a/discover", "ok", 20*time.Millisecond)
	collector.RecordPoll("http://node-a/discover", "error", 10*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.pollsTotal.WithLabelValues("http://node-a/discover", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.pollsTotal.WithLabelValues("http://node-a/discover", "error")))
}

func TestCollector_Gauges(t *testing.T) {
	collector := newTestCollector()

	collector.SetRegisteredServices(3)
	collector.SetDiscoveredServices(7)

	assert.Equal(t, 3.0, testutil.ToFloat64(collector.registeredServices))
	assert.Equal(t, 7.0, testutil.ToFloat64(collector.discoveredServices))
}

func TestCollector_RecordChangeEvent(t *testing.T) {
	collector := newTestCollector()

	collector.RecordChangeEvent("added")
	collector.RecordChangeEvent("added")
	collector.RecordChangeEvent("removed")

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.changeEventsTotal.WithLabelValues("added")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.changeEventsTotal.WithLabelValues("removed")))
}

func TestCollector_RecordHealthCheck(t *testing.T) {
	collector := newTestCollector()

	collector.RecordHealthCheck("healthy")
	collector.RecordHealthCheck("offline")

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.healthChecksTotal.WithLabelValues("healthy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.healthChecksTotal.WithLabelValues("offline")))
}

// =============================================================================
// 🔧 statusCode 测试
// =============================================================================

func TestStatusCode(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"},
		{204, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{500, "5xx"},
		{100, "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusCode(tt.code))
	}
}
