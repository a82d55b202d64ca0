package order

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Zhima-Mochi/minishop-saga/internal/application"
	domain "github.com/Zhima-Mochi/minishop-saga/internal/domain/order"
	domoutbox "github.com/Zhima-Mochi/minishop-saga/internal/domain/outbox"
	dompay "github.com/Zhima-Mochi/minishop-saga/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-saga/internal/observability"
	"github.com/Zhima-Mochi/minishop-saga/internal/pkg/keylock"

	"go.opentelemetry.io/otel/attribute"
)

const (
	useCasePaymentResult = "order.payment_result"
	unknownFailure       = "unknown"
)

type PaymentResultInput struct {
	PaymentID     string
	OrderID       string
	Status        string
	FailureReason string
}

type PaymentResultOutput struct {
	Order *domain.Order
	// Applied is false when the order was already terminal and nothing changed.
	Applied bool
}

// HandlePaymentResultUseCase settles a PENDING order once its payment outcome is known.
type HandlePaymentResultUseCase struct {
	repo      domain.Repository
	inventory InventoryPort
	publisher domoutbox.Publisher
	locks     *keylock.Locker
	inst      *application.Instrumentation
}

func NewHandlePaymentResultUseCase(
	repo domain.Repository,
	inventory InventoryPort,
	publisher domoutbox.Publisher,
	tel observability.Observability,
) *HandlePaymentResultUseCase {
	return &HandlePaymentResultUseCase{
		repo:      repo,
		inventory: inventory,
		publisher: publisher,
		locks:     keylock.New(),
		inst:      application.NewInstrumentation(orderService, tel),
	}
}

func (uc *HandlePaymentResultUseCase) Execute(ctx context.Context, cmd PaymentResultInput) (_ *PaymentResultOutput, err error) {
	ctx, run := uc.inst.Start(ctx, useCasePaymentResult, "HandlePaymentResult",
		attribute.String("order.id", cmd.OrderID),
		attribute.String("payment.id", cmd.PaymentID),
		attribute.String("payment.status", cmd.Status),
	)
	run.With(
		observability.F("order_id", cmd.OrderID),
		observability.F("payment_id", cmd.PaymentID),
		observability.F("payment_status", cmd.Status),
	)
	defer func() { run.Done(ctx, err) }()

	if cmd.OrderID == "" {
		run.Fail("ORDER_ID_REQUIRED")
		return nil, application.Validation("order id is required")
	}
	success, known := parseResultStatus(cmd.Status)
	if !known {
		run.Fail("STATUS_INVALID")
		return nil, application.Validation(fmt.Sprintf("unknown payment status %q", cmd.Status))
	}

	unlock := uc.locks.Lock(cmd.OrderID)
	defer unlock()

	o, err := uc.repo.Get(ctx, cmd.OrderID)
	if err != nil {
		run.Fail("ORDER_LOAD_FAILED")
		return nil, wrapRepositoryError(err)
	}
	if o.Status != domain.StatusPending {
		run.Note("ALREADY_" + string(o.Status))
		return &PaymentResultOutput{Order: o, Applied: false}, nil
	}

	logger := run.Logger().With(observability.F("order_id", o.ID))
	if success {
		uc.settleItems(ctx, logger, o, "confirm", uc.inventory.Confirm)
		err = o.PaymentSucceeded()
	} else {
		reason := cmd.FailureReason
		if reason == "" {
			reason = unknownFailure
		}
		uc.settleItems(ctx, logger, o, "release", uc.inventory.Release)
		err = o.PaymentFailed(reason)
	}
	if err != nil {
		run.Fail("STATE_TRANSITION_FAILED")
		return nil, fmt.Errorf("order: payment result transition: %w", err)
	}

	if err := uc.repo.Update(ctx, o); err != nil {
		if errors.Is(err, domain.ErrInvalidStateTransition) {
			// Another consumer settled the order first.
			run.Note("SETTLED_CONCURRENTLY")
			current, gerr := uc.repo.Get(ctx, o.ID)
			if gerr != nil {
				return nil, wrapRepositoryError(gerr)
			}
			return &PaymentResultOutput{Order: current, Applied: false}, nil
		}
		run.Fail("ORDER_UPDATE_FAILED")
		return nil, wrapRepositoryError(err)
	}
	run.Span().SetAttributes(attribute.String("order.status", string(o.Status)))

	// The terminal status is authoritative; a lost notification is only logged.
	if perr := uc.inst.Publish(ctx, uc.publisher, domain.TopicOrderNotifications, o.ID, domain.NewNotificationEvent(o)); perr != nil {
		run.Note("NOTIFICATION_PUBLISH_FAILED")
		run.Span().RecordError(perr)
		logger.Warn("event_publish_failed",
			observability.F("event", domain.TopicOrderNotifications),
			observability.F("error", perr.Error()),
		)
	}

	return &PaymentResultOutput{Order: o, Applied: true}, nil
}

// settleItems applies op to every item. Failures leave inventory for out-of-band reconciliation.
func (uc *HandlePaymentResultUseCase) settleItems(
	ctx context.Context,
	logger observability.Logger,
	o *domain.Order,
	action string,
	op func(ctx context.Context, sku string, qty int) error,
) {
	for _, it := range o.Items {
		if err := op(ctx, it.SKU, it.Quantity); err != nil {
			logger.Error("manual_intervention_required",
				observability.F("action", action),
				observability.F("sku", it.SKU),
				observability.F("quantity", it.Quantity),
				observability.F("error", err.Error()),
			)
		}
	}
}

func parseResultStatus(s string) (success bool, known bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case dompay.ResultSuccess:
		return true, true
	case dompay.ResultFailed, dompay.ResultFailure:
		return false, true
	default:
		return false, false
	}
}
