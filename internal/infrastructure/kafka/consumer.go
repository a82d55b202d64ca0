package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	domoutbox "github.com/Zhima-Mochi/minishop-saga/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-saga/internal/infrastructure/outbox"
	"github.com/Zhima-Mochi/minishop-saga/internal/observability"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"
)

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ConsumerConfig struct {
	Brokers        []string
	GroupID        string
	Retry          outbox.RetryPolicy
	HandlerTimeout time.Duration
}

// Consumer reads each subscribed topic in its own consumer-group reader. A
// message is committed once its handlers succeed or it has been dead-lettered.
type Consumer struct {
	cfg       ConsumerConfig
	wrap      outbox.Middleware
	deadLtr   *Producer
	newReader func(topic string) MessageReader

	mu       sync.Mutex
	handlers map[string][]domoutbox.Handler

	log          observability.Logger
	deadLettered observability.Counter
}

var _ domoutbox.Subscriber = (*Consumer)(nil)

func NewConsumer(cfg ConsumerConfig, deadLetters *Producer, wrap outbox.Middleware, tel observability.Observability) *Consumer {
	c := newConsumer(cfg, deadLetters, wrap, tel)
	c.newReader = func(topic string) MessageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  500 * time.Millisecond,
		})
	}
	return c
}

func newConsumer(cfg ConsumerConfig, deadLetters *Producer, wrap outbox.Middleware, tel observability.Observability) *Consumer {
	if tel == nil {
		tel = observability.Nop()
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	return &Consumer{
		cfg:          cfg,
		wrap:         wrap,
		deadLtr:      deadLetters,
		handlers:     make(map[string][]domoutbox.Handler),
		log:          tel.Logger().With(observability.F("component", "kafka_consumer")),
		deadLettered: tel.Metrics().Counter(observability.MEventDeadLettered),
	}
}

// Subscribe must be called before Run.
func (c *Consumer) Subscribe(topic string, h domoutbox.Handler) {
	if c.wrap != nil {
		h = c.wrap(h)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = append(c.handlers[topic], h)
}

// Run blocks until ctx is cancelled or a reader fails for good.
func (c *Consumer) Run(ctx context.Context) error {
	c.mu.Lock()
	topics := make(map[string][]domoutbox.Handler, len(c.handlers))
	for t, hs := range c.handlers {
		topics[t] = append([]domoutbox.Handler(nil), hs...)
	}
	c.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for topic, hs := range topics {
		r := c.newReader(topic)
		g.Go(func() error {
			defer func() { _ = r.Close() }()
			return c.loop(ctx, topic, r, hs)
		})
	}
	return g.Wait()
}

func (c *Consumer) loop(ctx context.Context, topic string, r MessageReader, hs []domoutbox.Handler) error {
	logger := c.log.With(observability.F("topic", topic))
	logger.Info("kafka_consumer_started", observability.F("group_id", c.cfg.GroupID))
	for {
		km, err := r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				logger.Info("kafka_consumer_stopped")
				return nil
			}
			logger.Error("kafka_fetch_failed", observability.F("error", err.Error()))
			continue
		}

		m := fromKafka(km)
		if !c.handle(ctx, m, hs, logger) {
			// Shutting down mid-delivery: leave the offset for the next owner.
			return nil
		}
		if err := r.CommitMessages(ctx, km); err != nil && ctx.Err() == nil {
			logger.Error("kafka_commit_failed",
				observability.F("offset", km.Offset),
				observability.F("error", err.Error()),
			)
		}
	}
}

// handle reports false when delivery was interrupted by shutdown.
func (c *Consumer) handle(ctx context.Context, m domoutbox.Message, hs []domoutbox.Handler, logger observability.Logger) bool {
	for _, h := range hs {
		attempts, err := outbox.Deliver(ctx, c.cfg.Retry, c.cfg.HandlerTimeout, h, m)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return false
		}
		c.deadLettered.Add(1, observability.L("topic", m.Topic))
		logger.Error("event_dead_lettered",
			observability.F("attempts", attempts),
			observability.F("key", m.Key),
			observability.F("error", err.Error()),
		)
		if c.deadLtr == nil {
			continue
		}
		if werr := c.deadLtr.write(ctx, outbox.DeadLetter(m, attempts, err)); werr != nil {
			logger.Error("dead_letter_publish_failed", observability.F("error", werr.Error()))
		}
	}
	return true
}
