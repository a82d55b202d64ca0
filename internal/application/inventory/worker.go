package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Zhima-Mochi/minishop-saga/internal/application"
	dominv "github.com/Zhima-Mochi/minishop-saga/internal/domain/inventory"
	domoutbox "github.com/Zhima-Mochi/minishop-saga/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-saga/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

const (
	workerService         = "inventory-worker"
	useCaseProductCreated = "inventory.worker.product_created"
)

// Initializer is the slice of the engine the worker drives.
type Initializer interface {
	Initialize(ctx context.Context, sku string, initialStock int) (Snapshot, bool, error)
}

// Worker seeds stock from product-created events.
type Worker struct {
	subscriber domoutbox.Subscriber
	engine     Initializer
	guard      application.IdempotencyGuard
	ttl        time.Duration
	inst       *application.Instrumentation
}

func NewWorker(
	subscriber domoutbox.Subscriber,
	engine Initializer,
	guard application.IdempotencyGuard,
	ttl time.Duration,
	tel observability.Observability,
) *Worker {
	if ttl <= 0 {
		ttl = application.DefaultIdempotencyTTL
	}
	return &Worker{
		subscriber: subscriber,
		engine:     engine,
		guard:      guard,
		ttl:        ttl,
		inst:       application.NewInstrumentation(workerService, tel),
	}
}

func (w *Worker) Start() {
	if w.subscriber == nil || w.engine == nil {
		return
	}
	w.subscriber.Subscribe(dominv.TopicProductCreated, w.HandleProductCreated)
}

// HandleProductCreated is exported so transports without Subscribe can call it directly.
func (w *Worker) HandleProductCreated(ctx context.Context, m domoutbox.Message) (err error) {
	ctx, run := w.inst.Start(ctx, useCaseProductCreated, "ProductCreated",
		attribute.String("event.topic", m.Topic),
		attribute.String("event.key", m.Key),
	)
	defer func() { run.Done(ctx, err) }()

	var evt dominv.ProductCreatedEvent
	if err := json.Unmarshal(m.Payload, &evt); err != nil {
		run.Fail("DECODE_FAILED")
		return fmt.Errorf("inventory worker: decode %s: %w", m.Topic, err)
	}
	run.With(
		observability.F("event_id", evt.EventID),
		observability.F("sku", evt.SKU),
		observability.F("initial_stock", evt.InitialStock),
	)

	var key string
	if w.guard != nil && evt.EventID != "" {
		key = application.InventoryEventKey(evt.EventID)
		if !w.guard.IsFirstProcessing(ctx, key, w.ttl) {
			run.Note("DUPLICATE_SKIPPED")
			return nil
		}
	}

	_, created, err := w.engine.Initialize(ctx, evt.SKU, evt.InitialStock)
	if err != nil {
		run.Fail("INITIALIZE_FAILED")
		if key != "" {
			if rmErr := w.guard.RemoveKey(ctx, key); rmErr != nil {
				run.With(observability.F("idempotency_cleanup_error", rmErr.Error()))
			}
		}
		return fmt.Errorf("inventory worker: initialize %q: %w", evt.SKU, err)
	}
	if !created {
		run.Note("ALREADY_INITIALIZED")
	}
	return nil
}
