// Package kafka carries bus messages over Kafka topics with segmentio/kafka-go.
package kafka

import (
	"context"
	"fmt"
	"time"

	domoutbox "github.com/Zhima-Mochi/minishop-saga/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-saga/internal/infrastructure/outbox"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes JSON messages. The hash balancer keeps one key on one partition.
type Producer struct {
	w MessageWriter
}

var _ domoutbox.Publisher = (*Producer)(nil)

func NewProducer(brokers []string) *Producer {
	return NewProducerWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	})
}

func NewProducerWithWriter(w MessageWriter) *Producer {
	return &Producer{w: w}
}

func (p *Producer) Publish(ctx context.Context, topic, key string, payload any) error {
	m, err := outbox.NewMessage(ctx, topic, key, payload)
	if err != nil {
		return err
	}
	return p.write(ctx, m)
}

func (p *Producer) write(ctx context.Context, m domoutbox.Message) error {
	if err := p.w.WriteMessages(ctx, toKafka(m)); err != nil {
		return fmt.Errorf("kafka: write %s: %w", m.Topic, err)
	}
	return nil
}

func (p *Producer) Close() error { return p.w.Close() }

func toKafka(m domoutbox.Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(m.Headers))
	for k, v := range m.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return kafka.Message{
		Topic:   m.Topic,
		Key:     []byte(m.Key),
		Value:   m.Payload,
		Headers: headers,
	}
}

func fromKafka(km kafka.Message) domoutbox.Message {
	headers := make(map[string]string, len(km.Headers))
	for _, h := range km.Headers {
		headers[h.Key] = string(h.Value)
	}
	return domoutbox.Message{
		Topic:   km.Topic,
		Key:     string(km.Key),
		Payload: km.Value,
		Headers: headers,
	}
}
