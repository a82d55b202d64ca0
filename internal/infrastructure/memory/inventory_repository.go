package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	domain "github.com/Zhima-Mochi/minishop-saga/internal/domain/inventory"
	"github.com/Zhima-Mochi/minishop-saga/internal/pkg/keylock"
)

// InventoryRepository keeps stock in memory. Mutations on one SKU are
// serialized; different SKUs proceed in parallel.
type InventoryRepository struct {
	mu    sync.RWMutex
	items map[string]*domain.Inventory
	locks *keylock.Locker
	now   func() time.Time
}

func NewInventoryRepository() *InventoryRepository {
	return &InventoryRepository{
		items: make(map[string]*domain.Inventory),
		locks: keylock.New(),
		now:   time.Now,
	}
}

func (r *InventoryRepository) Create(ctx context.Context, inv *domain.Inventory) (*domain.Inventory, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if inv == nil || inv.SKU == "" {
		return nil, false, fmt.Errorf("inventory repository: %w", domain.ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.items[inv.SKU]; ok {
		return existing.Clone(), false, nil
	}
	stored := inv.Clone()
	stored.UpdatedAt = r.now().UTC()
	r.items[inv.SKU] = stored
	return stored.Clone(), true, nil
}

func (r *InventoryRepository) Get(ctx context.Context, sku string) (*domain.Inventory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	inv, ok := r.items[sku]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return inv.Clone(), nil
}

func (r *InventoryRepository) Mutate(ctx context.Context, sku string, fn domain.MutateFunc) (*domain.Inventory, *domain.Inventory, error) {
	unlock := r.locks.Lock(sku)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	r.mu.RLock()
	current, ok := r.items[sku]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, domain.ErrNotFound
	}

	before := current.Clone()
	work := current.Clone()
	if err := fn(work); err != nil {
		return before, nil, err
	}
	work.UpdatedAt = r.now().UTC()

	r.mu.Lock()
	r.items[sku] = work
	r.mu.Unlock()
	return before, work.Clone(), nil
}
