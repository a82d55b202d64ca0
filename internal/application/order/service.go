package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/Zhima-Mochi/minishop-saga/internal/application"
	domain "github.com/Zhima-Mochi/minishop-saga/internal/domain/order"
	"github.com/Zhima-Mochi/minishop-saga/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

const (
	orderService    = "order-service"
	useCaseOrderGet = "order.get"
)

var (
	ErrConflict   = domain.ErrConflict
	ErrNotFound   = domain.ErrNotFound
	ErrRepository = errors.New("order: repository failure")
	// ErrPaymentSession is returned when the order was persisted but no checkout could be opened.
	ErrPaymentSession = errors.New("order: payment session creation failed")
)

// GetOrderUseCase reads one order.
type GetOrderUseCase struct {
	repo domain.Repository
	inst *application.Instrumentation
}

func NewGetOrderUseCase(repo domain.Repository, tel observability.Observability) *GetOrderUseCase {
	return &GetOrderUseCase{repo: repo, inst: application.NewInstrumentation(orderService, tel)}
}

func (uc *GetOrderUseCase) Execute(ctx context.Context, id string) (_ *domain.Order, err error) {
	ctx, run := uc.inst.Start(ctx, useCaseOrderGet, "GetOrder", attribute.String("order.id", id))
	run.With(observability.F("order_id", id))
	defer func() { run.Done(ctx, err) }()

	if id == "" {
		run.Fail("ORDER_ID_REQUIRED")
		return nil, application.Validation("order id is required")
	}
	o, err := uc.repo.Get(ctx, id)
	if err != nil {
		run.Fail("ORDER_LOAD_FAILED")
		return nil, wrapRepositoryError(err)
	}
	return o, nil
}

func wrapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, domain.ErrConflict):
		return ErrConflict
	default:
		return fmt.Errorf("%w: %w", ErrRepository, err)
	}
}
