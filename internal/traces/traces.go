// Package traces wires OpenTelemetry tracing for escrowd.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/velvetrooms/escrowd"

// Init installs a batching OTLP/gRPC tracer provider for service.
// An empty endpoint leaves the global no-op provider in place.
// The returned function flushes and stops the provider.
func Init(ctx context.Context, otlpEndpoint, service, version string, logger *slog.Logger) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		logger.Info("tracing disabled", "reason", "OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(service),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", otlpEndpoint, "service", service)
	return tp.Shutdown, nil
}

// StartSpan starts a span named name on the escrowd tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func EscrowRef(ref string) attribute.KeyValue {
	return attribute.String("escrow.ref", ref)
}

func TransactionRef(ref string) attribute.KeyValue {
	return attribute.String("transaction.ref", ref)
}

func Provider(name string) attribute.KeyValue {
	return attribute.String("payment.provider", name)
}

func Purpose(p string) attribute.KeyValue {
	return attribute.String("escrow.purpose", p)
}

func Amount(amount string) attribute.KeyValue {
	return attribute.String("amount", amount)
}
