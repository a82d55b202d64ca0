package outbox

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	domoutbox "github.com/Zhima-Mochi/minishop-saga/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-saga/internal/observability"
	"github.com/Zhima-Mochi/minishop-saga/internal/observability/logctx"
)

const (
	componentOutbox          = "outbox"
	deadLetterEnqueueTimeout = time.Second
)

// ErrClosed is returned by Publish once the bus is stopped.
var ErrClosed = errors.New("outbox: bus closed")

// Middleware decorates every handler the bus invokes.
type Middleware func(domoutbox.Handler) domoutbox.Handler

type Config struct {
	Lanes          int // dispatch goroutines; messages sharing a key always use the same lane
	LaneBuffer     int
	Concurrency    int // handler fanout cap per message
	HandlerTimeout time.Duration
	Retry          RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		Lanes:          8,
		LaneBuffer:     256,
		Concurrency:    8,
		HandlerTimeout: 30 * time.Second,
		Retry:          DefaultRetryPolicy(),
	}
}

// Bus is an in-memory event bus. It is not durable: queued messages are lost on exit.
type Bus struct {
	cfg  Config
	wrap Middleware

	mu     sync.RWMutex
	subs   map[string][]domoutbox.Handler
	lanes  []chan domoutbox.Message
	closed bool
	rr     atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	log          observability.Logger
	deadLettered observability.Counter
}

func NewBus(cfg Config, tel observability.Observability, wrap Middleware) *Bus {
	if tel == nil {
		tel = observability.Nop()
	}
	d := DefaultConfig()
	if cfg.Lanes <= 0 {
		cfg.Lanes = d.Lanes
	}
	if cfg.LaneBuffer <= 0 {
		cfg.LaneBuffer = d.LaneBuffer
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = d.Concurrency
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = d.HandlerTimeout
	}
	lanes := make([]chan domoutbox.Message, cfg.Lanes)
	for i := range lanes {
		lanes[i] = make(chan domoutbox.Message, cfg.LaneBuffer)
	}
	return &Bus{
		cfg:          cfg,
		wrap:         wrap,
		subs:         make(map[string][]domoutbox.Handler),
		lanes:        lanes,
		log:          tel.Logger().With(observability.F("component", componentOutbox)),
		deadLettered: tel.Metrics().Counter(observability.MEventDeadLettered),
	}
}

func (b *Bus) Subscribe(topic string, h domoutbox.Handler) {
	if b.wrap != nil {
		h = b.wrap(h)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], h)
}

func (b *Bus) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		b.ctx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))
		for _, lane := range b.lanes {
			b.wg.Add(1)
			go b.dispatchLoop(lane)
		}
		logctx.FromOr(ctx, b.log).Info("event_bus_started", observability.F("lanes", len(b.lanes)))
	})
}

// Stop refuses new messages, lets queued ones drain until ctx expires, then abandons the rest.
func (b *Bus) Stop(ctx context.Context) {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		for _, lane := range b.lanes {
			close(lane)
		}
		b.mu.Unlock()

		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			if b.cancel != nil {
				b.cancel()
			}
			<-done
		}
		if b.cancel != nil {
			b.cancel()
		}
		logctx.FromOr(ctx, b.log).Info("event_bus_stopped")
	})
}

func (b *Bus) Publish(ctx context.Context, topic, key string, payload any) error {
	m, err := NewMessage(ctx, topic, key, payload)
	if err != nil {
		return err
	}
	return b.enqueue(ctx, m)
}

func (b *Bus) enqueue(ctx context.Context, m domoutbox.Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	lane := b.lanes[b.laneFor(m.Key)]
	logger := logctx.FromOr(ctx, b.log).With(observability.F("topic", m.Topic))
	select {
	case lane <- m:
		logger.Debug("event_enqueued")
		return nil
	case <-ctx.Done():
		logger.Warn("event_enqueue_aborted", observability.F("error", ctx.Err()))
		return ctx.Err()
	}
}

func (b *Bus) laneFor(key string) int {
	if key == "" {
		return int(b.rr.Add(1) % uint64(len(b.lanes)))
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(b.lanes)))
}

func (b *Bus) dispatchLoop(lane <-chan domoutbox.Message) {
	defer b.wg.Done()
	for m := range lane {
		if b.ctx.Err() != nil {
			continue
		}
		b.fanout(m)
	}
}

// fanout finishes every handler for m before the lane moves on, which keeps per-key order.
func (b *Bus) fanout(m domoutbox.Message) {
	b.mu.RLock()
	handlers := append([]domoutbox.Handler(nil), b.subs[m.Topic]...)
	b.mu.RUnlock()

	logger := b.log.With(observability.F("topic", m.Topic))
	if len(handlers) == 0 {
		logger.Debug("event_dropped_no_subscriber")
		return
	}

	sem := make(chan struct{}, b.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, h := range handlers {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()
			b.deliver(h, m, logger)
		}()
	}
	wg.Wait()
}

func (b *Bus) deliver(h domoutbox.Handler, m domoutbox.Message, logger observability.Logger) {
	ctx := logctx.With(b.ctx, logger)
	attempts, err := Deliver(ctx, b.cfg.Retry, b.cfg.HandlerTimeout, h, m)
	if err == nil {
		return
	}
	if b.ctx.Err() != nil {
		logger.Warn("event_delivery_abandoned", observability.F("error", err.Error()))
		return
	}
	if strings.HasSuffix(m.Topic, domoutbox.DeadLetterTopic("")) {
		logger.Error("dead_letter_handler_failed", observability.F("error", err.Error()))
		return
	}

	b.deadLettered.Add(1, observability.L("topic", m.Topic))
	logger.Error("event_dead_lettered",
		observability.F("attempts", attempts),
		observability.F("key", m.Key),
		observability.F("error", err.Error()),
	)
	dctx, cancel := context.WithTimeout(ctx, deadLetterEnqueueTimeout)
	defer cancel()
	if perr := b.enqueue(dctx, DeadLetter(m, attempts, err)); perr != nil {
		logger.Error("dead_letter_publish_failed", observability.F("error", perr.Error()))
	}
}
