package order

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Zhima-Mochi/minishop-saga/internal/application"
	domoutbox "github.com/Zhima-Mochi/minishop-saga/internal/domain/outbox"
	dompay "github.com/Zhima-Mochi/minishop-saga/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-saga/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

const (
	workerService         = "order-worker"
	useCasePaymentResults = "order.worker.payment_results"
)

// ResultHandler is the saga step the worker feeds.
type ResultHandler interface {
	Execute(ctx context.Context, cmd PaymentResultInput) (*PaymentResultOutput, error)
}

// Worker consumes payment-results and applies them to orders at most once per (order, status).
type Worker struct {
	subscriber domoutbox.Subscriber
	handler    ResultHandler
	guard      application.IdempotencyGuard
	ttl        time.Duration
	inst       *application.Instrumentation
}

func NewWorker(
	subscriber domoutbox.Subscriber,
	handler ResultHandler,
	guard application.IdempotencyGuard,
	ttl time.Duration,
	tel observability.Observability,
) *Worker {
	if ttl <= 0 {
		ttl = application.DefaultIdempotencyTTL
	}
	return &Worker{
		subscriber: subscriber,
		handler:    handler,
		guard:      guard,
		ttl:        ttl,
		inst:       application.NewInstrumentation(workerService, tel),
	}
}

func (w *Worker) Start() {
	if w.subscriber == nil || w.handler == nil {
		return
	}
	w.subscriber.Subscribe(dompay.TopicPaymentResults, w.HandlePaymentResult)
}

func (w *Worker) HandlePaymentResult(ctx context.Context, m domoutbox.Message) (err error) {
	ctx, run := w.inst.Start(ctx, useCasePaymentResults, "PaymentResultReceived",
		attribute.String("event.topic", m.Topic),
		attribute.String("event.key", m.Key),
	)
	defer func() { run.Done(ctx, err) }()

	var evt dompay.ResultEvent
	if err := json.Unmarshal(m.Payload, &evt); err != nil {
		run.Fail("DECODE_FAILED")
		return fmt.Errorf("order worker: decode %s: %w", m.Topic, err)
	}
	run.With(
		observability.F("order_id", evt.OrderID),
		observability.F("payment_id", evt.PaymentID),
		observability.F("payment_status", evt.Status),
	)
	if evt.OrderID == "" {
		run.Fail("ORDER_ID_REQUIRED")
		return fmt.Errorf("order worker: %w", application.Validation("payment result without order id"))
	}

	var key string
	if w.guard != nil {
		key = application.OrderPaymentKey(evt.OrderID, strings.ToUpper(evt.Status))
		if !w.guard.IsFirstProcessing(ctx, key, w.ttl) {
			run.Note("DUPLICATE_SKIPPED")
			return nil
		}
	}

	out, err := w.handler.Execute(ctx, PaymentResultInput{
		PaymentID:     evt.PaymentID,
		OrderID:       evt.OrderID,
		Status:        evt.Status,
		FailureReason: evt.FailureReason,
	})
	if err != nil {
		run.Fail("PAYMENT_RESULT_FAILED")
		if key != "" {
			if rmErr := w.guard.RemoveKey(ctx, key); rmErr != nil {
				run.With(observability.F("idempotency_cleanup_error", rmErr.Error()))
			}
		}
		return fmt.Errorf("order worker: apply payment result: %w", err)
	}
	if !out.Applied {
		run.Note("ORDER_ALREADY_FINAL")
	}
	return nil
}
