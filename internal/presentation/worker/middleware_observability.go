package workerpresentation

import (
	"context"

	domoutbox "github.com/Zhima-Mochi/minishop-saga/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-saga/internal/observability"
	"github.com/Zhima-Mochi/minishop-saga/internal/observability/logctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Middleware continues the producer's trace for every delivered event and
// injects an event-scoped logger before the handler runs.
func Middleware(tel observability.Observability) func(domoutbox.Handler) domoutbox.Handler {
	if tel == nil {
		tel = observability.Nop()
	}
	base := tel.Logger().With(observability.F("component", "event_consumer"))
	tracer := otel.Tracer("minishop.events")
	prop := otel.GetTextMapPropagator()

	return func(next domoutbox.Handler) domoutbox.Handler {
		return func(ctx context.Context, m domoutbox.Message) error {
			ctx = prop.Extract(ctx, propagation.MapCarrier(m.Headers))
			ctx, span := tracer.Start(ctx, "consume "+m.Topic,
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("messaging.destination.name", m.Topic),
					attribute.String("messaging.message.id", m.Headers[domoutbox.HeaderEventID]),
					attribute.String("messaging.kafka.message.key", m.Key),
				),
			)
			defer span.End()

			sc := span.SpanContext()
			ctx = WithEventContext(ctx, base, tel, sc.TraceID(), sc.SpanID(), map[string]string{
				"event_id": m.Headers[domoutbox.HeaderEventID],
				"topic":    m.Topic,
			})

			err := next(ctx, m)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler_failed")
			}
			return err
		}
	}
}

// WithEventContext injects a request-scoped logger for background/worker executions.
// Dynamic fields only: trace_id/span_id (if valid), event_id (generated if empty),
// plus caller-provided low-cardinality attributes (e.g. "use_case", "topic", "tenant_id").
func WithEventContext(
	ctx context.Context,
	base observability.Logger,
	tel observability.Observability,
	traceID trace.TraceID,
	spanID trace.SpanID,
	attrs map[string]string, // keep this low-cardinality: topic, tenant, shard, queue, etc.
) context.Context {
	if base == nil {
		base = tel.Logger()
	}

	fields := make([]observability.Field, 0, 4+len(attrs))

	evtID := attrs["event_id"]
	if evtID == "" {
		evtID = uuid.NewString()
	}
	fields = append(fields, observability.F("event_id", evtID))

	if traceID.IsValid() {
		fields = append(fields, observability.F("trace_id", traceID.String()))
	}
	if spanID.IsValid() {
		fields = append(fields, observability.F("span_id", spanID.String()))
	}

	for k, v := range attrs {
		if k == "event_id" || v == "" {
			continue
		}
		fields = append(fields, observability.F(k, v))
	}

	return logctx.With(ctx, base.With(fields...))
}
