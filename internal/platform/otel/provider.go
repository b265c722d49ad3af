// Package otel wires the relay's opt-in OTLP trace provider.
package otel

import (
	"context"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Setup registers a global tracer provider exporting to the OTLP endpoint
// named by SKETCHRELAY_OTEL_ENDPOINT. Without an endpoint, or with
// SKETCHRELAY_OTEL_ENABLED=false, nothing is registered and the returned
// shutdown is a no-op. Callers defer the shutdown to flush pending spans.
func Setup(ctx context.Context, serviceName string) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	endpoint := tracingEndpoint()
	if endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(endpoint),
	)
	if err != nil {
		return noop, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return noop, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return provider.Shutdown, nil
}

// tracingEndpoint returns the OTLP endpoint to export to, or "" when
// tracing is off.
func tracingEndpoint() string {
	if strings.EqualFold(os.Getenv("SKETCHRELAY_OTEL_ENABLED"), "false") {
		return ""
	}
	return os.Getenv("SKETCHRELAY_OTEL_ENDPOINT")
}
