// Package traces sets up OpenTelemetry tracing and span helpers for the
// escrow service.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/veloraapp/veloracoin"

// Init configures the global tracer provider to export over OTLP gRPC.
// An empty endpoint leaves the default no-op provider in place, so span
// calls throughout the service stay cheap when tracing is off. The
// returned function flushes and shuts the provider down.
func Init(ctx context.Context, otlpEndpoint string, logger *slog.Logger) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
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
			semconv.ServiceName("veloracoin"),
			semconv.ServiceVersion("0.1.0"),
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

	logger.Info("tracing enabled", "endpoint", otlpEndpoint)
	return tp.Shutdown, nil
}

// StartSpan opens a span under the service tracer. Callers end it with
// span.End, usually deferred at the top of a service operation.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// Attribute helpers so spans across packages use the same keys.

// UserID tags a span with the acting user.
func UserID(id string) attribute.KeyValue { return attribute.String("user.id", id) }

// Amount tags a span with a coin amount in display form.
func Amount(amount string) attribute.KeyValue { return attribute.String("amount", amount) }

// EscrowID tags a span with the escrow being operated on.
func EscrowID(id string) attribute.KeyValue { return attribute.String("escrow.id", id) }

// Outcome records the result code of a settlement attempt.
func Outcome(code string) attribute.KeyValue { return attribute.String("outcome.code", code) }
