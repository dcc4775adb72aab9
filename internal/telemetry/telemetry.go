// =============================================================================
// ServiceFlow OpenTelemetry SDK Initialization
// =============================================================================
// Wraps OTel SDK setup for traces and metrics. Exported telemetry is stamped
// with discovery-node resource attributes (service namespace, node role, and
// the federation fan-out) so spans from multiple nodes in one cluster can be
// told apart at the collector. When telemetry is disabled, no exporters are
// created and global providers remain noop.
// =============================================================================

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/BaSui01/serviceflow/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
)

// Discovery-node resource attribute keys.
const (
	attrEndpointCount = attribute.Key("discovery.endpoint_count")
	attrFederated     = attribute.Key("discovery.federated")
)

// NodeInfo describes the discovery node whose telemetry is being exported.
// The fields become resource attributes on every span and metric.
type NodeInfo struct {
	// Version is the binary version injected at build time. Empty falls
	// back to the module build info.
	Version string

	// Endpoints are the remote discovery endpoints this node polls. A
	// node with no endpoints runs standalone (local registry only).
	Endpoints []string
}

// Providers holds the OTel SDK TracerProvider and MeterProvider.
// When telemetry is disabled, both fields are nil and Shutdown is a no-op.
type Providers struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Init initializes the OTel SDK for a discovery node. When cfg.Enabled is
// false, it returns noop Providers (nil tp/mp) without connecting to any
// external service.
func Init(cfg config.TelemetryConfig, node NodeInfo, logger *zap.Logger) (*Providers, error) {
	if !cfg.Enabled {
		logger.Info("telemetry disabled, using noop providers")
		return &Providers{}, nil
	}

	ctx := context.Background()

	res, err := nodeResource(ctx, cfg, node)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	tp, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		return nil, err
	}

	mp, err := newMeterProvider(ctx, cfg, res)
	if err != nil {
		// don't leak the already-started tracer provider
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry initialized",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.String("service_name", cfg.ServiceName),
		zap.String("namespace", cfg.Namespace),
		zap.Int("discovery_endpoints", len(node.Endpoints)),
		zap.Float64("sample_rate", clampSampleRate(cfg.SampleRate)),
	)

	return &Providers{tp: tp, mp: mp}, nil
}

// nodeResource builds the resource describing this discovery node.
func nodeResource(ctx context.Context, cfg config.TelemetryConfig, node NodeInfo) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(resolveVersion(node.Version)),
		attrEndpointCount.Int(len(node.Endpoints)),
		attrFederated.Bool(len(node.Endpoints) > 0),
	}
	if cfg.Namespace != "" {
		attrs = append(attrs, semconv.ServiceNamespaceKey.String(cfg.Namespace))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

func newTracerProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	// ParentBased: 下游 span 跟随入站请求的采样决定，根 span 按比例采样
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampSampleRate(cfg.SampleRate)))

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	), nil
}

func newMeterProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	), nil
}

// Shutdown flushes pending spans/metrics and closes exporters.
// Safe to call on noop Providers (nil tp/mp).
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// clampSampleRate normalizes a configured sample rate into (0, 1].
// Zero or negative means the field was left unset and samples everything.
func clampSampleRate(rate float64) float64 {
	if rate <= 0 || rate > 1 {
		return 1.0
	}
	return rate
}

// resolveVersion prefers the build-injected version and falls back to the
// module version from Go build info, then "dev".
func resolveVersion(injected string) string {
	if injected != "" && injected != "dev" {
		return injected
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
