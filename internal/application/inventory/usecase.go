package inventory

import (
	"context"
	"fmt"
	"strings"

	dominv "github.com/Zhima-Mochi/minishop-saga/internal/domain/inventory"
	"github.com/Zhima-Mochi/minishop-saga/internal/observability"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Reserve holds qty units of sku against an in-flight order.
func (s *Service) Reserve(ctx context.Context, sku string, qty int) (Snapshot, error) {
	return s.mutate(ctx, useCaseReserve, "ReserveInventory", "reserve", sku, qty, func(inv *dominv.Inventory) error {
		return inv.Reserve(qty)
	})
}

// Release gives qty reserved units of sku back to available stock.
func (s *Service) Release(ctx context.Context, sku string, qty int) (Snapshot, error) {
	return s.mutate(ctx, useCaseRelease, "ReleaseInventory", "release", sku, qty, func(inv *dominv.Inventory) error {
		return inv.Release(qty)
	})
}

// Confirm turns qty reserved units of sku into a completed sale.
func (s *Service) Confirm(ctx context.Context, sku string, qty int) (Snapshot, error) {
	return s.mutate(ctx, useCaseConfirm, "ConfirmInventory", "confirm", sku, qty, func(inv *dominv.Inventory) error {
		return inv.Confirm(qty)
	})
}

// UpdateQuantity overwrites the committed stock of sku. It never drops below what is reserved.
func (s *Service) UpdateQuantity(ctx context.Context, sku string, qty int) (Snapshot, error) {
	return s.mutate(ctx, useCaseUpdateQuantity, "UpdateInventoryQuantity", "update quantity", sku, qty, func(inv *dominv.Inventory) error {
		return inv.SetQuantity(qty)
	})
}

func (s *Service) mutate(
	ctx context.Context,
	useCase, spanName, verb, sku string,
	qty int,
	op dominv.MutateFunc,
) (_ Snapshot, err error) {
	ctx, run := s.inst.Start(ctx, useCase, spanName,
		attribute.String("inventory.sku", sku),
		attribute.Int("inventory.quantity", qty),
	)
	run.With(observability.F("sku", sku), observability.F("quantity", qty))
	defer func() { run.Done(ctx, err) }()

	if strings.TrimSpace(sku) == "" {
		run.Fail("SKU_REQUIRED")
		return Snapshot{}, fmt.Errorf("%w: sku is required", dominv.ErrInvalidArgument)
	}
	if qty <= 0 && useCase != useCaseUpdateQuantity {
		run.Fail("QUANTITY_INVALID")
		return Snapshot{}, dominv.ErrInvalidQuantity
	}

	before, after, err := s.repo.Mutate(ctx, sku, op)
	if err != nil {
		run.Fail(statusFromError(err))
		return Snapshot{}, fmt.Errorf("inventory: %s: %w", verb, err)
	}

	run.Span().AddEvent(useCase,
		trace.WithAttributes(
			attribute.Int("inventory.reserved", after.Reserved),
			attribute.Int("inventory.available", after.Available()),
		),
	)
	run.With(
		observability.F("reserved", after.Reserved),
		observability.F("available", after.Available()),
	)

	if evt, changed := dominv.StockStatusChange(before, after); changed {
		if pubErr := s.inst.Publish(ctx, s.publisher, dominv.TopicProductStockStatus, evt.SKU, evt); pubErr != nil {
			run.Note("STOCK_STATUS_PUBLISH_FAILED")
			run.With(observability.F("stock_status_error", pubErr.Error()))
		} else {
			run.With(observability.F("in_stock", evt.InStock))
		}
	}

	return snapshotOf(after), nil
}
