package order

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/Zhima-Mochi/minishop-saga/internal/application"
	domain "github.com/Zhima-Mochi/minishop-saga/internal/domain/order"
	"github.com/Zhima-Mochi/minishop-saga/internal/observability"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const useCaseOrderCreate = "order.create"

// CreateOrderUseCase reserves stock, checkpoints a PENDING order and opens a checkout session.
type CreateOrderUseCase struct {
	repo        domain.Repository
	inventory   InventoryPort
	payments    PaymentPort
	idGenerator application.IDGenerator
	inst        *application.Instrumentation
}

// NewCreateOrderUseCase wires the dependencies required to execute the use case.
func NewCreateOrderUseCase(
	repo domain.Repository,
	inventory InventoryPort,
	payments PaymentPort,
	idGen application.IDGenerator,
	tel observability.Observability,
) *CreateOrderUseCase {
	return &CreateOrderUseCase{
		repo:        repo,
		inventory:   inventory,
		payments:    payments,
		idGenerator: idGen,
		inst:        application.NewInstrumentation(orderService, tel),
	}
}

type CreateOrderInput struct {
	UserID        string
	Amount        int64
	CustomerEmail string
	Items         []domain.Item
}

// Execute performs the order creation flow.
func (uc *CreateOrderUseCase) Execute(ctx context.Context, cmd CreateOrderInput) (_ *domain.Order, err error) {
	ctx, run := uc.inst.Start(ctx, useCaseOrderCreate, "CreateOrder",
		attribute.String("order.user_id", cmd.UserID),
		attribute.Int("order.items", len(cmd.Items)),
	)
	defer func() { run.Done(ctx, err) }()

	if status, verr := validate(cmd); verr != nil {
		run.Fail(status)
		return nil, verr
	}
	if err := ctx.Err(); err != nil {
		run.Fail("CONTEXT_CANCELED")
		return nil, err
	}

	orderID := uc.idGenerator.NewID()
	run.With(observability.F("order_id", orderID))
	run.Span().SetAttributes(attribute.String("order.id", orderID))

	entity, derr := domain.New(orderID, cmd.UserID, cmd.CustomerEmail, cmd.Amount, cmd.Items)
	if derr != nil {
		run.Fail("DOMAIN_CONSTRUCTION_FAILED")
		return nil, fmt.Errorf("%w: %w", application.ErrValidation, derr)
	}

	reserved := make([]domain.Item, 0, len(entity.Items))
	for _, it := range entity.Items {
		if err := uc.inventory.Reserve(ctx, it.SKU, it.Quantity); err != nil {
			run.Fail("RESERVE_FAILED")
			run.With(observability.F("failed_sku", it.SKU))
			uc.releaseAll(ctx, run.Logger(), orderID, reserved)
			return nil, fmt.Errorf("order: reserve %s: %w", it.SKU, err)
		}
		reserved = append(reserved, it)
	}
	run.Span().AddEvent("order.inventory_reserved")

	// PENDING is the durable checkpoint between reservation and checkout.
	if err := uc.repo.Insert(ctx, entity); err != nil {
		run.Fail("REPO_INSERT_FAILED")
		uc.releaseAll(ctx, run.Logger(), orderID, reserved)
		return nil, wrapRepositoryError(err)
	}

	session, serr := uc.payments.CreateSession(ctx, entity.ID, entity.Amount, entity.CustomerEmail)
	if serr != nil {
		run.Fail("PAYMENT_SESSION_FAILED")
		uc.releaseAll(ctx, run.Logger(), orderID, reserved)
		if terr := entity.SessionFailed("payment session creation failed: " + serr.Error()); terr == nil {
			if uerr := uc.repo.Update(ctx, entity); uerr != nil {
				run.With(observability.F("order_update_error", uerr.Error()))
			}
		}
		return nil, fmt.Errorf("%w: %w", ErrPaymentSession, serr)
	}

	entity.AttachPayment(session.PaymentID, session.URL)
	if err := uc.repo.AttachPayment(ctx, entity.ID, session.PaymentID, session.URL); err != nil {
		run.Fail("REPO_UPDATE_FAILED")
		return nil, wrapRepositoryError(err)
	}

	run.Span().SetAttributes(attribute.String("order.status", string(entity.Status)))
	run.Span().AddEvent("order.created",
		trace.WithAttributes(
			attribute.String("order.id", entity.ID),
			attribute.String("payment.id", session.PaymentID),
		),
	)
	return entity, nil
}

// releaseAll compensates reservations. Failures are logged for reconciliation and never block the abort.
func (uc *CreateOrderUseCase) releaseAll(ctx context.Context, logger observability.Logger, orderID string, items []domain.Item) {
	ctx = context.WithoutCancel(ctx)
	for _, it := range items {
		if err := uc.inventory.Release(ctx, it.SKU, it.Quantity); err != nil {
			logger.Error("manual_intervention_required",
				observability.F("action", "release"),
				observability.F("order_id", orderID),
				observability.F("sku", it.SKU),
				observability.F("quantity", it.Quantity),
				observability.F("error", err.Error()),
			)
		}
	}
}

func validate(cmd CreateOrderInput) (string, error) {
	if strings.TrimSpace(cmd.UserID) == "" {
		return "USER_ID_REQUIRED", application.Validation("user id is required")
	}
	if cmd.Amount < domain.MinimumAmount {
		return "AMOUNT_INVALID", fmt.Errorf("%w: %w", application.ErrValidation, domain.ErrInvalidAmount)
	}
	if _, err := mail.ParseAddress(cmd.CustomerEmail); err != nil {
		return "EMAIL_INVALID", application.Validation("customer email is invalid")
	}
	if len(cmd.Items) == 0 {
		return "ITEMS_REQUIRED", fmt.Errorf("%w: %w", application.ErrValidation, domain.ErrNoItems)
	}
	for i, it := range cmd.Items {
		if strings.TrimSpace(it.SKU) == "" {
			return "SKU_REQUIRED", application.Validation(fmt.Sprintf("item %d: sku is required", i))
		}
		if it.Quantity < 1 {
			return "QUANTITY_INVALID", fmt.Errorf("%w: %w", application.ErrValidation, domain.ErrInvalidQuantity)
		}
	}
	return "", nil
}
