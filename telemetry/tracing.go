package telemetry

import (
	"context"
	"fmt"

	"github.com/colorfulnotion/kvwal/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ShutdownFunc flushes and stops a tracer provider.
type ShutdownFunc func(context.Context) error

// InitTracer exports spans to the OTLP/HTTP collector at endpoint
// (host:port) and installs the provider globally. An empty endpoint leaves
// the no-op provider in place.
func InitTracer(ctx context.Context, endpoint, service string) (ShutdownFunc, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	tp := NewTracerProvider(sdktrace.WithBatcher(exp), service)
	otel.SetTracerProvider(tp)
	log.Info(log.TargetMonitoring, "tracing enabled", "endpoint", endpoint, "service", service)
	return tp.Shutdown, nil
}

// NewTracerProvider builds an sdk provider for service around one span
// processor option.
func NewTracerProvider(proc sdktrace.TracerProviderOption, service string) *sdktrace.TracerProvider {
	res := resource.NewSchemaless(
		attribute.String("service.name", service),
	)
	return sdktrace.NewTracerProvider(proc, sdktrace.WithResource(res))
}
