package store

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// withSpan runs one store operation inside a client span named store.<operation>. The span
// carries db.system and db.operation; a failed operation marks it as an error. Conditional
// updates that match no row are not errors and leave the span ok.
func withSpan(
	ctx context.Context,
	tracer trace.Tracer,
	name string,
	system string,
	attrs []attribute.KeyValue,
	op func(ctx context.Context) error,
) error {
	attrs = append(attrs,
		attribute.String("db.system", system),
		attribute.String("db.operation", strings.TrimPrefix(name, "store.")),
	)
	ctx, span := tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
	defer span.End()

	err := op(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
