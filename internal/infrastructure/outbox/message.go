package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	domoutbox "github.com/Zhima-Mochi/minishop-saga/internal/domain/outbox"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// NewMessage encodes payload as JSON and stamps an event id plus the caller's trace context.
func NewMessage(ctx context.Context, topic, key string, payload any) (domoutbox.Message, error) {
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	case json.RawMessage:
		body = p
	default:
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return domoutbox.Message{}, fmt.Errorf("outbox: encode %s payload: %w", topic, err)
		}
	}

	headers := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, headers)
	headers[domoutbox.HeaderEventID] = uuid.NewString()

	return domoutbox.Message{
		Topic:   topic,
		Key:     key,
		Payload: body,
		Headers: map[string]string(headers),
	}, nil
}

// DeadLetter turns a message that exhausted its attempts into its dead-letter copy.
func DeadLetter(m domoutbox.Message, attempts int, cause error) domoutbox.Message {
	headers := make(map[string]string, len(m.Headers)+2)
	for k, v := range m.Headers {
		headers[k] = v
	}
	headers[domoutbox.HeaderAttempts] = fmt.Sprint(attempts)
	if cause != nil {
		headers[domoutbox.HeaderError] = cause.Error()
	}
	return domoutbox.Message{
		Topic:   domoutbox.DeadLetterTopic(m.Topic),
		Key:     m.Key,
		Payload: m.Payload,
		Headers: headers,
	}
}
