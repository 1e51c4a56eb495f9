// Package tracing wires OpenTelemetry span export for the orchestrator's
// outbound calls: LLM chat completions and plugin-output dispatch. Export is opt-in via the telemetry config
// section; when disabled every Tracer call is a no-op through the global
// otel provider, so instrumented code paths carry no conditionals.
package tracing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/nbot/orchestrator"

// Options selects the exporter endpoint and service identity.
type Options struct {
	Enabled     bool
	Endpoint    string // host:port for gRPC, or an http(s):// URL for HTTP export
	ServiceName string
}

// Setup installs a TracerProvider exporting to the configured OTLP
// endpoint and returns a shutdown function that flushes pending spans.
// When opts.Enabled is false it returns a no-op shutdown and leaves the
// default (no-op) global provider in place.
func Setup(ctx context.Context, opts Options) (func(context.Context) error, error) {
	if !opts.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	serviceName := opts.ServiceName
	if serviceName == "" {
		serviceName = "nbot-orchestrator"
	}
	res, err := sdkresource.Merge(sdkresource.Default(),
		sdkresource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

// newExporter picks the OTLP transport by endpoint shape: URLs use the
// HTTP exporter, bare host:port uses gRPC.
func newExporter(ctx context.Context, endpoint string) (*otlptrace.Exporter, error) {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		hostPath := strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
		clientOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(hostPath)}
		if strings.HasPrefix(endpoint, "http://") {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, clientOpts...)
	}
	return otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
}

// Tracer returns the orchestrator's tracer off the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartSpan opens a span named name with the given attribute pairs. The
// caller must End the returned span.
func StartSpan(ctx context.Context, name string, attrs ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, attrs...)
}
