// Package telemetry wires optional OpenTelemetry tracing.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/1800agents/dsbridge/internal/apperrors"
)

// Shutdown flushes pending spans.
type Shutdown func(context.Context) error

// Setup registers a global tracer provider exporting to endpoint over OTLP
// HTTP. An empty endpoint leaves the no-op provider in place.
//
// The exporter never writes to stdout, which carries the protocol stream.
func Setup(ctx context.Context, serviceName, version, endpoint string) (Shutdown, error) {
	noop := func(context.Context) error { return nil }

	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return noop, nil
	}

	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return noop, apperrors.New(apperrors.CodeConfig, "setup tracing", fmt.Sprintf("invalid OTLP endpoint %q", endpoint))
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(endpoint),
	)
	if err != nil {
		return noop, apperrors.Wrap(apperrors.CodeConfig, "setup tracing", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return noop, apperrors.Wrap(apperrors.CodeConfig, "setup tracing", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}
