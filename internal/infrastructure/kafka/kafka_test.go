package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	domoutbox "github.com/Zhima-Mochi/minishop-saga/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-saga/internal/infrastructure/outbox"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

// fakeReader serves queued messages, then blocks until ctx is done.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []kafka.Message
	drained   chan struct{}
	once      sync.Once
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	return &fakeReader{queue: msgs, drained: make(chan struct{})}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	r.committed = append(r.committed, msgs...)
	empty := len(r.queue) == 0
	r.mu.Unlock()
	if empty {
		r.once.Do(func() { close(r.drained) })
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func fastPolicy() outbox.RetryPolicy {
	return outbox.RetryPolicy{MaxAttempts: 4, InitialInterval: time.Millisecond, Multiplier: 2, MaxInterval: 2 * time.Millisecond}
}

func TestProducer_PublishSetsKeyAndHeaders(t *testing.T) {
	w := &fakeWriter{}
	p := NewProducerWithWriter(w)

	require.NoError(t, p.Publish(context.Background(), "payment-results", "order-1", map[string]string{"status": "SUCCESS"}))

	msgs := w.written()
	require.Len(t, msgs, 1)
	assert.Equal(t, "payment-results", msgs[0].Topic)
	assert.Equal(t, "order-1", string(msgs[0].Key))
	assert.JSONEq(t, `{"status":"SUCCESS"}`, string(msgs[0].Value))

	m := fromKafka(msgs[0])
	assert.NotEmpty(t, m.Headers[domoutbox.HeaderEventID])
}

func TestProducer_WrapsWriteError(t *testing.T) {
	p := NewProducerWithWriter(&fakeWriter{err: errors.New("broker down")})
	err := p.Publish(context.Background(), "t", "k", struct{}{})
	assert.ErrorContains(t, err, "kafka: write t")
}

func TestConsumer_CommitsAfterSuccess(t *testing.T) {
	reader := newFakeReader(kafka.Message{Topic: "t", Key: []byte("k"), Value: []byte(`{"n":1}`), Offset: 7})
	c := newConsumer(ConsumerConfig{GroupID: "g", Retry: fastPolicy()}, nil, nil, nil)
	c.newReader = func(string) MessageReader { return reader }

	var got domoutbox.Message
	c.Subscribe("t", func(_ context.Context, m domoutbox.Message) error {
		got = m
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	<-reader.drained
	cancel()
	require.NoError(t, <-errc)

	assert.Equal(t, "k", got.Key)
	require.Len(t, reader.committed, 1)
	assert.Equal(t, int64(7), reader.committed[0].Offset)
}

func TestConsumer_DeadLettersPoisonMessage(t *testing.T) {
	reader := newFakeReader(kafka.Message{Topic: "product-created", Key: []byte("SKU-1"), Value: []byte(`not json`)})
	dlt := &fakeWriter{}
	c := newConsumer(ConsumerConfig{GroupID: "g", Retry: fastPolicy()}, NewProducerWithWriter(dlt), nil, nil)
	c.newReader = func(string) MessageReader { return reader }

	attempts := 0
	c.Subscribe("product-created", func(_ context.Context, m domoutbox.Message) error {
		attempts++
		var v map[string]any
		return json.Unmarshal(m.Payload, &v)
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	<-reader.drained
	cancel()
	require.NoError(t, <-errc)

	assert.Equal(t, 4, attempts)
	msgs := dlt.written()
	require.Len(t, msgs, 1)
	assert.Equal(t, "product-created.DLT", msgs[0].Topic)
	assert.Equal(t, "SKU-1", string(msgs[0].Key))
	dead := fromKafka(msgs[0])
	assert.Equal(t, "4", dead.Headers[domoutbox.HeaderAttempts])
	assert.NotEmpty(t, dead.Headers[domoutbox.HeaderError])
	assert.Len(t, reader.committed, 1, "dead-lettered message is committed")
}
