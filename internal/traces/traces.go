// Package traces wires OpenTelemetry tracing for order and withdrawal
// operations.
package traces

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/bazaar/internal/apperror"
)

const tracerName = "github.com/mbd888/bazaar"

// Options configures the exporter.
type Options struct {
	Endpoint    string // OTLP gRPC endpoint; empty disables tracing
	ServiceName string
	Version     string
	SampleRatio float64 // fraction of root traces kept; <=0 or >=1 keeps all
}

// Init installs the global tracer provider and returns its shutdown func.
func Init(ctx context.Context, opts Options, logger *slog.Logger) (func(context.Context) error, error) {
	if opts.Endpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(opts.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(opts.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(opts.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", opts.Endpoint, "sampleRatio", opts.SampleRatio)
	return tp.Shutdown, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// StartSpan starts an internal span named after the operation.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

func OrderID(id string) attribute.KeyValue {
	return attribute.String("order.id", id)
}

func WithdrawalID(id string) attribute.KeyValue {
	return attribute.String("withdrawal.id", id)
}

func ActorID(id string) attribute.KeyValue {
	return attribute.String("actor.id", id)
}

func ActorRole(role string) attribute.KeyValue {
	return attribute.String("actor.role", role)
}

// Amount is in minor units.
func Amount(amount int64) attribute.KeyValue {
	return attribute.Int64("amount", amount)
}

// Charge records how an order's gross amount was split.
func Charge(fee, discount, net int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64("charge.fee", fee),
		attribute.Int64("charge.discount", discount),
		attribute.Int64("charge.net", net),
	}
}

func Operation(op string) attribute.KeyValue {
	return attribute.String("operation", op)
}

// Replayed marks an operation answered from its idempotency record.
func Replayed(v bool) attribute.KeyValue {
	return attribute.Bool("idempotency.replayed", v)
}

// RecordError annotates span with err. Classified rejections such as
// insufficient funds only carry their kind; anything else marks the span
// as failed.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	if kind := apperror.KindOf(err); kind != "" {
		span.SetAttributes(attribute.String("error.kind", string(kind)))
		span.AddEvent("rejected", trace.WithAttributes(attribute.String("reason", err.Error())))
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
