package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/serviceflow/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap/zaptest"
)

// saveAndRestoreGlobalProviders snapshots the current global OTel providers
// and restores them via t.Cleanup so tests don't leak state.
func saveAndRestoreGlobalProviders(t *testing.T) {
	t.Helper()
	origTP := otel.GetTracerProvider()
	origMP := otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(origTP)
		otel.SetMeterProvider(origMP)
	})
}

func TestInit_Disabled(t *testing.T) {
	saveAndRestoreGlobalProviders(t)
	logger := zaptest.NewLogger(t)

	p, err := Init(config.TelemetryConfig{Enabled: false}, NodeInfo{}, logger)
	require.NoError(t, err)
	require.NotNil(t, p)

	// Noop providers — both internal fields are nil
	assert.Nil(t, p.tp, "TracerProvider should be nil when disabled")
	assert.Nil(t, p.mp, "MeterProvider should be nil when disabled")
}

func TestInit_Enabled(t *testing.T) {
	saveAndRestoreGlobalProviders(t)
	logger := zaptest.NewLogger(t)

	cfg := config.TelemetryConfig{
		Enabled:      true,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "serviceflow-test",
		Namespace:    "test-cluster",
		SampleRate:   0.5,
	}
	node := NodeInfo{
		Version:   "v0.0.0-test",
		Endpoints: []string{"http://peer:8080/discover"},
	}

	p, err := Init(cfg, node, logger)
	require.NoError(t, err)
	require.NotNil(t, p)

	// Real providers — both internal fields are non-nil
	assert.NotNil(t, p.tp, "TracerProvider should be set when enabled")
	assert.NotNil(t, p.mp, "MeterProvider should be set when enabled")

	// Global providers should be the SDK types (not noop)
	_, tpIsSDK := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	_, mpIsSDK := otel.GetMeterProvider().(*sdkmetric.MeterProvider)
	assert.True(t, tpIsSDK, "global TracerProvider should be *sdktrace.TracerProvider")
	assert.True(t, mpIsSDK, "global MeterProvider should be *sdkmetric.MeterProvider")

	// Cleanup: shutdown to release resources (short timeout — no collector running)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
}

func TestNodeResource_Attributes(t *testing.T) {
	cfg := config.TelemetryConfig{
		ServiceName: "serviceflow-test",
		Namespace:   "test-cluster",
	}
	node := NodeInfo{
		Version:   "v1.2.3",
		Endpoints: []string{"http://a/discover", "http://b/discover"},
	}

	res, err := nodeResource(context.Background(), cfg, node)
	require.NoError(t, err)

	attrs := make(map[string]string)
	for _, kv := range res.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}

	assert.Equal(t, "serviceflow-test", attrs["service.name"])
	assert.Equal(t, "test-cluster", attrs["service.namespace"])
	assert.Equal(t, "v1.2.3", attrs["service.version"])
	assert.Equal(t, "2", attrs["discovery.endpoint_count"])
	assert.Equal(t, "true", attrs["discovery.federated"])
}

func TestNodeResource_StandaloneNode(t *testing.T) {
	cfg := config.TelemetryConfig{ServiceName: "serviceflow-test"}

	res, err := nodeResource(context.Background(), cfg, NodeInfo{})
	require.NoError(t, err)

	attrs := make(map[string]string)
	for _, kv := range res.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}

	assert.Equal(t, "0", attrs["discovery.endpoint_count"])
	assert.Equal(t, "false", attrs["discovery.federated"])
	// 未配置命名空间时不设置该属性
	_, ok := attrs["service.namespace"]
	assert.False(t, ok)
}

func TestProviders_Shutdown_Nil(t *testing.T) {
	// A nil *Providers must not panic on Shutdown.
	var p *Providers
	err := p.Shutdown(context.Background())
	assert.NoError(t, err)
}

func TestProviders_Shutdown_Noop(t *testing.T) {
	saveAndRestoreGlobalProviders(t)
	logger := zaptest.NewLogger(t)

	p, err := Init(config.TelemetryConfig{Enabled: false}, NodeInfo{}, logger)
	require.NoError(t, err)

	// Shutdown on noop providers should return nil
	err = p.Shutdown(context.Background())
	assert.NoError(t, err)
}

func TestProviders_Shutdown_Real(t *testing.T) {
	saveAndRestoreGlobalProviders(t)
	logger := zaptest.NewLogger(t)

	cfg := config.TelemetryConfig{
		Enabled:      true,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "serviceflow-shutdown-test",
		SampleRate:   1.0,
	}

	p, err := Init(cfg, NodeInfo{}, logger)
	require.NoError(t, err)
	require.NotNil(t, p.tp)
	require.NotNil(t, p.mp)

	// Shutdown completes without panic. The exporter may return a
	// connection-refused error because no OTLP collector is running,
	// which is expected in a test environment — we only verify it
	// doesn't panic and finishes within the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	assert.NotPanics(t, func() {
		_ = p.Shutdown(ctx)
	})
}

func TestClampSampleRate(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"unset samples everything", 0, 1.0},
		{"negative samples everything", -0.3, 1.0},
		{"above one samples everything", 2.5, 1.0},
		{"valid rate kept", 0.25, 0.25},
		{"exactly one kept", 1.0, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, clampSampleRate(tt.in))
		})
	}
}

func TestResolveVersion(t *testing.T) {
	// An injected version wins over build info.
	assert.Equal(t, "v1.2.3", resolveVersion("v1.2.3"))

	// Empty or the "dev" placeholder falls through to build info; in test
	// binaries debug.ReadBuildInfo reports "(devel)", so this lands on "dev".
	assert.Equal(t, "dev", resolveVersion(""))
	assert.Equal(t, "dev", resolveVersion("dev"))
}
