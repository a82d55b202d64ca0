package payment

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/Zhima-Mochi/minishop-saga/internal/application"
	dompay "github.com/Zhima-Mochi/minishop-saga/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-saga/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

const (
	paymentService        = "payment-service"
	useCaseSessionCreate  = "payment.create_session"
	useCasePaymentByOrder = "payment.get_by_order"
	gatewayPeer           = "checkout_gateway"
)

var (
	ErrNotFound = dompay.ErrNotFound
	ErrConflict = dompay.ErrConflict
	// ErrGateway is returned when the external checkout provider rejects or fails a request.
	ErrGateway = errors.New("payment: checkout gateway failure")
)

type CreateSessionInput struct {
	OrderID       string
	Amount        int64
	CustomerEmail string
}

type CreateSessionOutput struct {
	PaymentID string
	URL       string
	Status    dompay.Status
}

// CreateSessionUseCase opens a hosted checkout for an order. Calling it again for
// an order whose payment is still PENDING returns the existing session.
type CreateSessionUseCase struct {
	repo        dompay.Repository
	gateway     dompay.Gateway
	idGenerator application.IDGenerator
	now         func() time.Time
	inst        *application.Instrumentation
}

func NewCreateSessionUseCase(
	repo dompay.Repository,
	gateway dompay.Gateway,
	idGen application.IDGenerator,
	tel observability.Observability,
) *CreateSessionUseCase {
	return &CreateSessionUseCase{
		repo:        repo,
		gateway:     gateway,
		idGenerator: idGen,
		now:         time.Now,
		inst:        application.NewInstrumentation(paymentService, tel),
	}
}

func (uc *CreateSessionUseCase) Execute(ctx context.Context, cmd CreateSessionInput) (_ *CreateSessionOutput, err error) {
	ctx, run := uc.inst.Start(ctx, useCaseSessionCreate, "CreatePaymentSession",
		attribute.String("order.id", cmd.OrderID),
		attribute.Int64("payment.amount", cmd.Amount),
	)
	run.With(
		observability.F("order_id", cmd.OrderID),
		observability.F("amount", cmd.Amount),
	)
	defer func() { run.Done(ctx, err) }()

	switch {
	case strings.TrimSpace(cmd.OrderID) == "":
		run.Fail("ORDER_ID_REQUIRED")
		return nil, application.Validation("order id is required")
	case cmd.Amount <= 0:
		run.Fail("AMOUNT_INVALID")
		return nil, application.Validation("amount must be greater than zero")
	}
	if _, perr := mail.ParseAddress(cmd.CustomerEmail); perr != nil {
		run.Fail("EMAIL_INVALID")
		return nil, application.Validation("customer email is invalid")
	}

	if existing, ok, lerr := uc.lookup(ctx, cmd.OrderID); lerr != nil {
		run.Fail("PAYMENT_LOAD_FAILED")
		return nil, lerr
	} else if ok {
		return uc.reuse(run, existing)
	}

	start := time.Now()
	session, gerr := uc.gateway.CreateSession(ctx, dompay.SessionRequest{
		OrderID:       cmd.OrderID,
		Amount:        cmd.Amount,
		Currency:      dompay.DefaultCurrency,
		CustomerEmail: cmd.CustomerEmail,
	})
	if gerr != nil {
		uc.inst.ObserveExternal(gatewayPeer, "create_session", "error", start)
		run.Fail("GATEWAY_FAILED")
		if errors.Is(gerr, context.DeadlineExceeded) || errors.Is(gerr, context.Canceled) {
			return nil, fmt.Errorf("%w: %w", application.ErrServiceUnavailable, gerr)
		}
		return nil, fmt.Errorf("%w: %w", ErrGateway, gerr)
	}
	uc.inst.ObserveExternal(gatewayPeer, "create_session", "success", start)
	run.Span().SetAttributes(attribute.String("payment.session_id", session.ID))

	p, derr := dompay.New(uc.idGenerator.NewID(), cmd.OrderID, cmd.CustomerEmail, cmd.Amount, session.ID, session.URL, uc.now())
	if derr != nil {
		run.Fail("DOMAIN_CONSTRUCTION_FAILED")
		return nil, fmt.Errorf("%w: %w", application.ErrValidation, derr)
	}
	if ierr := uc.repo.Insert(ctx, p); ierr != nil {
		if !errors.Is(ierr, dompay.ErrConflict) {
			run.Fail("PAYMENT_INSERT_FAILED")
			return nil, fmt.Errorf("payment: insert: %w", ierr)
		}
		// A concurrent call for the same order won the insert; hand back its session.
		existing, ok, lerr := uc.lookup(ctx, cmd.OrderID)
		if lerr != nil || !ok {
			run.Fail("PAYMENT_INSERT_FAILED")
			return nil, fmt.Errorf("payment: insert: %w", ierr)
		}
		return uc.reuse(run, existing)
	}

	run.With(observability.F("payment_id", p.ID))
	return &CreateSessionOutput{PaymentID: p.ID, URL: p.ExternalURL, Status: p.Status}, nil
}

func (uc *CreateSessionUseCase) lookup(ctx context.Context, orderID string) (*dompay.Payment, bool, error) {
	p, err := uc.repo.FindByOrderID(ctx, orderID)
	switch {
	case err == nil:
		return p, true, nil
	case errors.Is(err, dompay.ErrNotFound):
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("payment: find by order: %w", err)
	}
}

func (uc *CreateSessionUseCase) reuse(run *application.Run, p *dompay.Payment) (*CreateSessionOutput, error) {
	run.With(observability.F("payment_id", p.ID))
	if !p.Pending() {
		run.Fail("PAYMENT_ALREADY_FINAL")
		return nil, dompay.ErrAlreadyFinal
	}
	run.Note("SESSION_REUSED")
	return &CreateSessionOutput{PaymentID: p.ID, URL: p.ExternalURL, Status: p.Status}, nil
}

// GetPaymentUseCase reads the payment attached to an order.
type GetPaymentUseCase struct {
	repo dompay.Repository
	inst *application.Instrumentation
}

func NewGetPaymentUseCase(repo dompay.Repository, tel observability.Observability) *GetPaymentUseCase {
	return &GetPaymentUseCase{repo: repo, inst: application.NewInstrumentation(paymentService, tel)}
}

func (uc *GetPaymentUseCase) Execute(ctx context.Context, orderID string) (_ *dompay.Payment, err error) {
	ctx, run := uc.inst.Start(ctx, useCasePaymentByOrder, "GetPaymentByOrder", attribute.String("order.id", orderID))
	run.With(observability.F("order_id", orderID))
	defer func() { run.Done(ctx, err) }()

	if orderID == "" {
		run.Fail("ORDER_ID_REQUIRED")
		return nil, application.Validation("order id is required")
	}
	p, err := uc.repo.FindByOrderID(ctx, orderID)
	if err != nil {
		run.Fail("PAYMENT_LOAD_FAILED")
		if errors.Is(err, dompay.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("payment: find by order: %w", err)
	}
	return p, nil
}
