// Package tracing configures OpenTelemetry for routed requests.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"storefront-edge/internal/config"
)

const exportTimeout = 10 * time.Second

// Provider owns the tracer used by the router. When tracing is disabled it
// hands out a no-op tracer and Shutdown does nothing.
type Provider struct {
	sdk    *sdktrace.TracerProvider
	tracer trace.Tracer
}

// New builds a Provider from the tracing configuration. An enabled config
// without an endpoint samples spans but exports nothing.
func New(cfg *config.Config) (*Provider, error) {
	name := cfg.Tracing.ServiceName
	if !cfg.Tracing.Enabled {
		return &Provider{tracer: noop.NewTracerProvider().Tracer(name)}, nil
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", name))),
		sdktrace.WithSampler(sdktrace.ParentBased(newSampler(cfg.Tracing.SamplingRate))),
	}

	if cfg.Tracing.Endpoint != "" {
		exporter, err := otlptracegrpc.New(context.Background(),
			otlptracegrpc.WithEndpoint(cfg.Tracing.Endpoint),
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithTimeout(exportTimeout),
		)
		if err != nil {
			return nil, fmt.Errorf("tracing: create otlp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{sdk: tp, tracer: tp.Tracer(name)}, nil
}

// NewWithTracerProvider wraps an existing provider, typically a test recorder.
func NewWithTracerProvider(tp trace.TracerProvider, name string) *Provider {
	return &Provider{tracer: tp.Tracer(name)}
}

// Tracer returns the tracer for routed requests.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}

func newSampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}
