// Package resilience puts circuit breakers in front of the saga's collaborators.
package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/Zhima-Mochi/minishop-saga/internal/application"
	appinv "github.com/Zhima-Mochi/minishop-saga/internal/application/inventory"
	apporder "github.com/Zhima-Mochi/minishop-saga/internal/application/order"
	apppay "github.com/Zhima-Mochi/minishop-saga/internal/application/payment"
	dominv "github.com/Zhima-Mochi/minishop-saga/internal/domain/inventory"
	dompay "github.com/Zhima-Mochi/minishop-saga/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-saga/internal/observability"
	"github.com/Zhima-Mochi/minishop-saga/internal/observability/logctx"
	"github.com/Zhima-Mochi/minishop-saga/internal/pkg/resilience"
)

const (
	BreakerInventory = "inventory"
	BreakerPayment   = "payment"
)

// ErrSoftFailure marks a compensating call that did not take effect. Callers log it and move on.
var ErrSoftFailure = errors.New("resilience: operation not applied")

// IsInfrastructureFailure reports whether err should count against a breaker.
// Business outcomes such as not-found, conflict or bad input do not.
func IsInfrastructureFailure(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, application.ErrValidation),
		errors.Is(err, dominv.ErrNotFound),
		errors.Is(err, dominv.ErrConflict),
		errors.Is(err, dominv.ErrInvalidArgument),
		errors.Is(err, dompay.ErrConflict),
		errors.Is(err, dompay.ErrNotFound):
		return false
	default:
		return true
	}
}

// NewBreaker builds a breaker whose transitions are logged and exported as circuit_breaker_state{name}.
func NewBreaker(name string, cfg resilience.Config, tel observability.Observability, opts ...resilience.Option) *resilience.Breaker {
	if tel == nil {
		tel = observability.Nop()
	}
	log := tel.Logger().With(observability.F("component", "circuit_breaker"))
	gauge := tel.Metrics().Gauge(observability.MCircuitBreakerState)
	gauge.Set(float64(resilience.Closed), observability.L("name", name))

	opts = append([]resilience.Option{
		resilience.WithIsFailure(IsInfrastructureFailure),
		resilience.WithOnStateChange(func(name string, from, to resilience.State) {
			gauge.Set(float64(to), observability.L("name", name))
			log.Warn("circuit_breaker_state_changed",
				observability.F("name", name),
				observability.F("from", from.String()),
				observability.F("to", to.String()),
			)
		}),
	}, opts...)
	return resilience.New(name, cfg, opts...)
}

func unavailable(err error) bool {
	return errors.Is(err, resilience.ErrOpen) || errors.Is(err, context.DeadlineExceeded)
}

// InventoryEngine is the part of the inventory service the saga needs.
type InventoryEngine interface {
	Reserve(ctx context.Context, sku string, qty int) (appinv.Snapshot, error)
	Release(ctx context.Context, sku string, qty int) (appinv.Snapshot, error)
	Confirm(ctx context.Context, sku string, qty int) (appinv.Snapshot, error)
}

// Inventory guards the inventory engine. Reserve fails hard when the breaker
// rejects it; Release and Confirm degrade to ErrSoftFailure.
type Inventory struct {
	engine  InventoryEngine
	breaker *resilience.Breaker
	log     observability.Logger
}

var _ apporder.InventoryPort = (*Inventory)(nil)

func NewInventory(engine InventoryEngine, breaker *resilience.Breaker, tel observability.Observability) *Inventory {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Inventory{
		engine:  engine,
		breaker: breaker,
		log:     tel.Logger().With(observability.F("component", "inventory_client")),
	}
}

func (g *Inventory) Reserve(ctx context.Context, sku string, qty int) error {
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := g.engine.Reserve(ctx, sku, qty)
		return err
	})
	if unavailable(err) {
		return fmt.Errorf("%w: inventory reserve %q: %w", application.ErrServiceUnavailable, sku, err)
	}
	return err
}

func (g *Inventory) Release(ctx context.Context, sku string, qty int) error {
	return g.soft(ctx, "release", sku, qty, g.engine.Release)
}

func (g *Inventory) Confirm(ctx context.Context, sku string, qty int) error {
	return g.soft(ctx, "confirm", sku, qty, g.engine.Confirm)
}

func (g *Inventory) soft(
	ctx context.Context,
	action, sku string,
	qty int,
	op func(ctx context.Context, sku string, qty int) (appinv.Snapshot, error),
) error {
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := op(ctx, sku, qty)
		return err
	})
	if err == nil {
		return nil
	}
	logctx.FromOr(ctx, g.log).Error("manual_intervention_required",
		observability.F("action", action),
		observability.F("sku", sku),
		observability.F("quantity", qty),
		observability.F("breaker_state", g.breaker.State().String()),
		observability.F("error", err.Error()),
	)
	return fmt.Errorf("%w: inventory %s %q: %w", ErrSoftFailure, action, sku, err)
}

// SessionCreator is the payment use case the saga calls.
type SessionCreator interface {
	Execute(ctx context.Context, cmd apppay.CreateSessionInput) (*apppay.CreateSessionOutput, error)
}

// Payment guards checkout session creation.
type Payment struct {
	sessions SessionCreator
	breaker  *resilience.Breaker
}

var _ apporder.PaymentPort = (*Payment)(nil)

func NewPayment(sessions SessionCreator, breaker *resilience.Breaker) *Payment {
	return &Payment{sessions: sessions, breaker: breaker}
}

func (g *Payment) CreateSession(ctx context.Context, orderID string, amount int64, email string) (apporder.PaymentSession, error) {
	var out *apppay.CreateSessionOutput
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.sessions.Execute(ctx, apppay.CreateSessionInput{
			OrderID:       orderID,
			Amount:        amount,
			CustomerEmail: email,
		})
		return err
	})
	if err != nil {
		if unavailable(err) {
			return apporder.PaymentSession{}, fmt.Errorf("%w: payment session for order %s: %w", application.ErrServiceUnavailable, orderID, err)
		}
		return apporder.PaymentSession{}, err
	}
	return apporder.PaymentSession{PaymentID: out.PaymentID, URL: out.URL}, nil
}
