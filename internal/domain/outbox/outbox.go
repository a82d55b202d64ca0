package outbox

import "context"

// Message is one delivery on the bus. Payload is JSON.
type Message struct {
	Topic   string
	Key     string
	Payload []byte
	Headers map[string]string
}

// Handler processes a delivered message. A returned error asks the transport to redeliver.
type Handler func(ctx context.Context, m Message) error

// Publisher publishes payload (JSON-encoded) to topic; deliveries sharing a key keep their order.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload any) error
}

// Subscriber registers handlers for topics.
type Subscriber interface {
	Subscribe(topic string, h Handler)
}

const (
	deadLetterSuffix = ".DLT"
	HeaderError      = "x-error"
	HeaderAttempts   = "x-attempts"
	HeaderEventID    = "x-event-id"
)

// DeadLetterTopic names where exhausted deliveries of topic are parked.
func DeadLetterTopic(topic string) string { return topic + deadLetterSuffix }
