package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Zhima-Mochi/minishop-saga/internal/application"
	domoutbox "github.com/Zhima-Mochi/minishop-saga/internal/domain/outbox"
	dompay "github.com/Zhima-Mochi/minishop-saga/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-saga/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

const useCaseWebhook = "payment.webhook"

// Webhook event types the manager reacts to.
const (
	EventSessionCompleted          = "checkout.session.completed"
	EventSessionExpired            = "checkout.session.expired"
	EventSessionAsyncPaymentFailed = "checkout.session.async_payment_failed"
	EventPaymentIntentFailed       = "payment_intent.payment_failed"

	paidStatus         = "paid"
	cardDeclinedReason = "Card declined or payment failed"
)

// WebhookEvent is the subset of a provider event the manager reads.
type WebhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID            string            `json:"id"`
			PaymentStatus string            `json:"payment_status"`
			Metadata      map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// WebhookOutcome says what a delivery did.
type WebhookOutcome string

const (
	WebhookApplied WebhookOutcome = "applied"
	WebhookNoop    WebhookOutcome = "noop"
	WebhookIgnored WebhookOutcome = "ignored"
)

type WebhookInput struct {
	Payload   []byte
	Signature string
}

// HandleWebhookUseCase verifies a provider callback and settles the matching payment.
type HandleWebhookUseCase struct {
	repo      dompay.Repository
	verifier  *SignatureVerifier
	publisher domoutbox.Publisher
	now       func() time.Time
	inst      *application.Instrumentation
}

func NewHandleWebhookUseCase(
	repo dompay.Repository,
	verifier *SignatureVerifier,
	publisher domoutbox.Publisher,
	tel observability.Observability,
) *HandleWebhookUseCase {
	return &HandleWebhookUseCase{
		repo:      repo,
		verifier:  verifier,
		publisher: publisher,
		now:       time.Now,
		inst:      application.NewInstrumentation(paymentService, tel),
	}
}

func (uc *HandleWebhookUseCase) Execute(ctx context.Context, cmd WebhookInput) (_ WebhookOutcome, err error) {
	ctx, run := uc.inst.Start(ctx, useCaseWebhook, "HandleWebhook")
	defer func() { run.Done(ctx, err) }()

	if verr := uc.verifier.Verify(cmd.Payload, cmd.Signature); verr != nil {
		run.Fail("SIGNATURE_REJECTED")
		return "", verr
	}

	var evt WebhookEvent
	if jerr := json.Unmarshal(cmd.Payload, &evt); jerr != nil {
		run.Fail("DECODE_FAILED")
		return "", application.Validation("webhook payload is not valid JSON")
	}
	run.With(
		observability.F("event_id", evt.ID),
		observability.F("event_type", evt.Type),
		observability.F("object_id", evt.Data.Object.ID),
	)
	run.Span().SetAttributes(attribute.String("webhook.type", evt.Type))

	var (
		p       *dompay.Payment
		success bool
		reason  string
	)
	switch evt.Type {
	case EventSessionCompleted, EventSessionExpired, EventSessionAsyncPaymentFailed:
		p, err = uc.repo.FindBySessionID(ctx, evt.Data.Object.ID)
		if err != nil {
			run.Fail("PAYMENT_LOAD_FAILED")
			return "", uc.wrapLoad(err)
		}
		success = evt.Type == EventSessionCompleted && evt.Data.Object.PaymentStatus == paidStatus
		if !success {
			reason = "Payment " + evt.Type
		}
	case EventPaymentIntentFailed:
		orderID := evt.Data.Object.Metadata["orderId"]
		if orderID == "" {
			run.Note("ORDER_METADATA_MISSING")
			return WebhookIgnored, nil
		}
		p, err = uc.repo.FindByOrderID(ctx, orderID)
		if err != nil {
			if errors.Is(err, dompay.ErrNotFound) {
				run.Note("PAYMENT_NOT_FOUND")
				return WebhookIgnored, nil
			}
			run.Fail("PAYMENT_LOAD_FAILED")
			return "", uc.wrapLoad(err)
		}
		reason = cardDeclinedReason
	default:
		run.Note("EVENT_IGNORED")
		return WebhookIgnored, nil
	}

	run.With(
		observability.F("payment_id", p.ID),
		observability.F("order_id", p.OrderID),
	)
	applied, err := settle(ctx, uc.repo, uc.inst, uc.publisher, p, success, reason, uc.now())
	if err != nil {
		run.Fail("SETTLE_FAILED")
		return "", err
	}
	if !applied {
		run.Note("ALREADY_FINAL")
		return WebhookNoop, nil
	}
	return WebhookApplied, nil
}

func (uc *HandleWebhookUseCase) wrapLoad(err error) error {
	if errors.Is(err, dompay.ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("payment: load: %w", err)
}

// settle moves a PENDING payment to its terminal status, persists it and then
// announces the result. It reports false when the payment was already terminal.
func settle(
	ctx context.Context,
	repo dompay.Repository,
	inst *application.Instrumentation,
	pub domoutbox.Publisher,
	p *dompay.Payment,
	success bool,
	reason string,
	now time.Time,
) (bool, error) {
	var terr error
	if success {
		terr = p.Succeed(now)
	} else {
		terr = p.Fail(reason, now)
	}
	if errors.Is(terr, dompay.ErrAlreadyFinal) {
		return false, nil
	}
	if terr != nil {
		return false, fmt.Errorf("payment: transition: %w", terr)
	}

	if err := repo.Update(ctx, p); err != nil {
		if errors.Is(err, dompay.ErrAlreadyFinal) {
			return false, nil
		}
		return false, fmt.Errorf("payment: update: %w", err)
	}

	if err := inst.Publish(ctx, pub, dompay.TopicPaymentResults, p.OrderID, dompay.NewResultEvent(p)); err != nil {
		return true, fmt.Errorf("payment: publish result for order %s: %w", p.OrderID, err)
	}
	return true, nil
}
