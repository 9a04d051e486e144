package observability

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// tracerName identifies the pullhub tracer within the global provider.
const tracerName = "github.com/artemis/pullhub"

// InitTracing wires the global TracerProvider. With
// OTEL_EXPORTER_JAEGER_ENDPOINT unset it installs nothing, leaving
// otel's default no-op global provider in place, so StartTransferSpan
// and StartDispatchSpan are safe to call unconditionally regardless of
// whether tracing is configured.
func InitTracing(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_JAEGER_ENDPOINT")
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, err
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exp, trace.WithMaxExportBatchSize(512), trace.WithBatchTimeout(5*time.Second)),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartTransferSpan opens a span covering one stage of a transfer's
// lifecycle (create, ack, chunk, complete). transferID and endpointID
// are attached as attributes so a Jaeger trace can be found by either.
func StartTransferSpan(ctx context.Context, stage, transferID, endpointID string) (context.Context, oteltrace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "transfer."+stage,
		oteltrace.WithAttributes(
			attribute.String("transfer.id", transferID),
			attribute.String("endpoint.id", endpointID),
		),
	)
}

// StartDispatchSpan opens a span around handling one inbound frame tag
// from a connected endpoint.
func StartDispatchSpan(ctx context.Context, tag, clientID string) (context.Context, oteltrace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "dispatch."+tag,
		oteltrace.WithAttributes(
			attribute.String("frame.tag", tag),
			attribute.String("client.id", clientID),
		),
	)
}
