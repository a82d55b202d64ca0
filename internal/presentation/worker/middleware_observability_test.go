package workerpresentation

import (
	"context"
	"errors"
	"testing"

	domoutbox "github.com/Zhima-Mochi/minishop-saga/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-saga/internal/observability"
	"github.com/Zhima-Mochi/minishop-saga/internal/observability/logctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

type recordingLogger struct {
	fields []observability.Field
}

func (l *recordingLogger) With(fields ...observability.Field) observability.Logger {
	return &recordingLogger{fields: append(append([]observability.Field(nil), l.fields...), fields...)}
}
func (l *recordingLogger) Debug(string, ...observability.Field) {}
func (l *recordingLogger) Info(string, ...observability.Field)  {}
func (l *recordingLogger) Warn(string, ...observability.Field)  {}
func (l *recordingLogger) Error(string, ...observability.Field) {}

func (l *recordingLogger) value(key string) any {
	for _, f := range l.fields {
		if f.Key == key {
			return f.Value
		}
	}
	return nil
}

func TestMiddleware_ContinuesProducerTrace(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})

	producerCtx, producerSpan := tp.Tracer("test").Start(context.Background(), "publish")
	headers := propagation.MapCarrier{domoutbox.HeaderEventID: "evt-1"}
	otel.GetTextMapPropagator().Inject(producerCtx, headers)
	producerSpan.End()

	var (
		seen   trace.SpanContext
		logger observability.Logger
	)
	h := Middleware(observability.Nop())(func(ctx context.Context, _ domoutbox.Message) error {
		seen = trace.SpanContextFromContext(ctx)
		logger = logctx.From(ctx)
		return nil
	})

	err := h(context.Background(), domoutbox.Message{Topic: "payment-results", Key: "o-1", Headers: headers})
	require.NoError(t, err)
	assert.Equal(t, producerSpan.SpanContext().TraceID(), seen.TraceID())
	assert.NotEqual(t, producerSpan.SpanContext().SpanID(), seen.SpanID())
	assert.NotNil(t, logger)
}

func TestMiddleware_PropagatesHandlerError(t *testing.T) {
	boom := errors.New("boom")
	h := Middleware(nil)(func(context.Context, domoutbox.Message) error { return boom })
	assert.ErrorIs(t, h(context.Background(), domoutbox.Message{Topic: "t"}), boom)
}

func TestWithEventContext_Fields(t *testing.T) {
	base := &recordingLogger{}
	ctx := WithEventContext(context.Background(), base, observability.Nop(), trace.TraceID{}, trace.SpanID{},
		map[string]string{"topic": "inventory-events", "empty": ""})

	l, ok := logctx.From(ctx).(*recordingLogger)
	require.True(t, ok)
	assert.NotEmpty(t, l.value("event_id"))
	assert.Equal(t, "inventory-events", l.value("topic"))
	assert.Nil(t, l.value("empty"))
	assert.Nil(t, l.value("trace_id"))
}
