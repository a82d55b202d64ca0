package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Zhima-Mochi/minishop-saga/internal/application"
	dominv "github.com/Zhima-Mochi/minishop-saga/internal/domain/inventory"
	domoutbox "github.com/Zhima-Mochi/minishop-saga/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-saga/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

const (
	inventoryService      = "inventory-service"
	useCaseInitialize     = "inventory.initialize"
	useCaseGet            = "inventory.get"
	useCaseReserve        = "inventory.reserve"
	useCaseRelease        = "inventory.release"
	useCaseConfirm        = "inventory.confirm"
	useCaseUpdateQuantity = "inventory.update_quantity"
)

// Snapshot is the externally visible state of one SKU.
type Snapshot struct {
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
	Reserved  int    `json:"reserved"`
	Available int    `json:"available"`
}

func snapshotOf(inv *dominv.Inventory) Snapshot {
	return Snapshot{
		SKU:       inv.SKU,
		Quantity:  inv.Quantity,
		Reserved:  inv.Reserved,
		Available: inv.Available(),
	}
}

// Service is the inventory reservation engine. Every mutation is a single
// atomic read-modify-write on one SKU.
type Service struct {
	repo      dominv.Repository
	publisher domoutbox.Publisher
	inst      *application.Instrumentation
}

func NewService(repo dominv.Repository, publisher domoutbox.Publisher, tel observability.Observability) *Service {
	return &Service{
		repo:      repo,
		publisher: publisher,
		inst:      application.NewInstrumentation(inventoryService, tel),
	}
}

// Initialize creates stock for sku. Re-initializing an existing SKU returns its
// current state unchanged with created=false.
func (s *Service) Initialize(ctx context.Context, sku string, initialStock int) (_ Snapshot, created bool, err error) {
	ctx, run := s.inst.Start(ctx, useCaseInitialize, "InitializeInventory",
		attribute.String("inventory.sku", sku),
		attribute.Int("inventory.initial_stock", initialStock),
	)
	run.With(observability.F("sku", sku), observability.F("initial_stock", initialStock))
	defer func() { run.Done(ctx, err) }()

	inv, err := dominv.New(sku, initialStock)
	if err != nil {
		run.Fail("INVALID_ARGUMENT")
		return Snapshot{}, false, err
	}

	stored, created, err := s.repo.Create(ctx, inv)
	if err != nil {
		run.Fail("REPO_CREATE_FAILED")
		return Snapshot{}, false, fmt.Errorf("inventory: initialize: %w", err)
	}
	if !created {
		run.Note("ALREADY_INITIALIZED")
	}
	return snapshotOf(stored), created, nil
}

func (s *Service) Get(ctx context.Context, sku string) (_ Snapshot, err error) {
	ctx, run := s.inst.Start(ctx, useCaseGet, "GetInventory", attribute.String("inventory.sku", sku))
	run.With(observability.F("sku", sku))
	defer func() { run.Done(ctx, err) }()

	if strings.TrimSpace(sku) == "" {
		run.Fail("SKU_REQUIRED")
		return Snapshot{}, fmt.Errorf("%w: sku is required", dominv.ErrInvalidArgument)
	}
	inv, err := s.repo.Get(ctx, sku)
	if err != nil {
		run.Fail(statusFromError(err))
		return Snapshot{}, fmt.Errorf("inventory: get: %w", err)
	}
	return snapshotOf(inv), nil
}

func statusFromError(err error) string {
	switch {
	case errors.Is(err, dominv.ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, dominv.ErrLockBusy):
		return "LOCK_BUSY"
	case errors.Is(err, dominv.ErrInsufficientStock):
		return "INSUFFICIENT_STOCK"
	case errors.Is(err, dominv.ErrExceedsReserved):
		return "EXCEEDS_RESERVED"
	case errors.Is(err, dominv.ErrConflict):
		return "CONFLICT"
	case errors.Is(err, dominv.ErrInvalidArgument):
		return "INVALID_ARGUMENT"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "CONTEXT_DONE"
	default:
		return "REPO_FAILED"
	}
}
