package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	domoutbox "github.com/Zhima-Mochi/minishop-saga/internal/domain/outbox"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Lanes = 4
	cfg.HandlerTimeout = time.Second
	cfg.Retry = RetryPolicy{MaxAttempts: 4, InitialInterval: time.Millisecond, Multiplier: 2, MaxInterval: 5 * time.Millisecond}
	return cfg
}

func startBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	b := NewBus(cfg, nil, nil)
	b.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		b.Stop(ctx)
	})
	return b
}

type sample struct {
	N int `json:"n"`
}

func TestBus_PublishEncodesJSONAndHeaders(t *testing.T) {
	b := startBus(t, fastConfig())
	got := make(chan domoutbox.Message, 1)
	b.Subscribe("t", func(_ context.Context, m domoutbox.Message) error {
		got <- m
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), "t", "k", sample{N: 7}))

	select {
	case m := <-got:
		var s sample
		require.NoError(t, json.Unmarshal(m.Payload, &s))
		assert.Equal(t, 7, s.N)
		assert.Equal(t, "k", m.Key)
		assert.NotEmpty(t, m.Headers[domoutbox.HeaderEventID])
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestBus_PreservesOrderPerKey(t *testing.T) {
	b := startBus(t, fastConfig())
	var (
		mu   sync.Mutex
		seen = map[string][]int{}
		wg   sync.WaitGroup
	)
	const perKey = 50
	keys := []string{"order-a", "order-b", "order-c"}
	wg.Add(perKey * len(keys))
	b.Subscribe("t", func(_ context.Context, m domoutbox.Message) error {
		var s sample
		_ = json.Unmarshal(m.Payload, &s)
		mu.Lock()
		seen[m.Key] = append(seen[m.Key], s.N)
		mu.Unlock()
		wg.Done()
		return nil
	})

	for i := 0; i < perKey; i++ {
		for _, k := range keys {
			require.NoError(t, b.Publish(context.Background(), "t", k, sample{N: i}))
		}
	}
	wg.Wait()

	for _, k := range keys {
		require.Len(t, seen[k], perKey)
		for i, n := range seen[k] {
			assert.Equal(t, i, n, "key %s out of order", k)
		}
	}
}

func TestBus_RetriesThenSucceeds(t *testing.T) {
	b := startBus(t, fastConfig())
	var (
		mu       sync.Mutex
		attempts int
	)
	done := make(chan struct{})
	b.Subscribe("t", func(context.Context, domoutbox.Message) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})
	dlt := make(chan domoutbox.Message, 1)
	b.Subscribe(domoutbox.DeadLetterTopic("t"), func(_ context.Context, m domoutbox.Message) error {
		dlt <- m
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), "t", "k", sample{}))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never succeeded")
	}
	select {
	case <-dlt:
		t.Fatal("successful retry must not dead-letter")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_DeadLettersAfterMaxAttempts(t *testing.T) {
	b := startBus(t, fastConfig())
	var (
		mu       sync.Mutex
		attempts int
	)
	b.Subscribe("t", func(context.Context, domoutbox.Message) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		panic("poison")
	})
	dlt := make(chan domoutbox.Message, 1)
	b.Subscribe(domoutbox.DeadLetterTopic("t"), func(_ context.Context, m domoutbox.Message) error {
		dlt <- m
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), "t", "k", sample{N: 1}))

	select {
	case m := <-dlt:
		assert.Equal(t, "t.DLT", m.Topic)
		assert.Equal(t, "k", m.Key)
		assert.Equal(t, "4", m.Headers[domoutbox.HeaderAttempts])
		assert.Contains(t, m.Headers[domoutbox.HeaderError], "poison")
		assert.JSONEq(t, `{"n":1}`, string(m.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("message was not dead-lettered")
	}
	mu.Lock()
	assert.Equal(t, 4, attempts)
	mu.Unlock()
}

func TestBus_PublishAfterStop(t *testing.T) {
	b := NewBus(fastConfig(), nil, nil)
	b.Start(context.Background())
	b.Stop(context.Background())

	assert.ErrorIs(t, b.Publish(context.Background(), "t", "k", sample{}), ErrClosed)
}

func TestBus_MiddlewareWrapsHandlers(t *testing.T) {
	var wrapped int
	mw := func(h domoutbox.Handler) domoutbox.Handler {
		wrapped++
		return h
	}
	b := NewBus(fastConfig(), nil, mw)
	b.Subscribe("a", func(context.Context, domoutbox.Message) error { return nil })
	b.Subscribe("b", func(context.Context, domoutbox.Message) error { return nil })
	assert.Equal(t, 2, wrapped)
}

func TestNewMessage_PassesRawBytes(t *testing.T) {
	m, err := NewMessage(context.Background(), "t", "k", []byte(`{"raw":true}`))
	require.NoError(t, err)
	assert.Equal(t, `{"raw":true}`, string(m.Payload))

	_, err = NewMessage(context.Background(), "t", "k", func() {})
	assert.Error(t, err)
}
