package inventory

import (
	"context"
)

// MutateFunc edits a locked copy of the record; returning an error discards the edit.
type MutateFunc func(inv *Inventory) error

type Repository interface {
	// Create stores inv unless the SKU already exists, in which case the stored
	// record is returned with created=false.
	Create(ctx context.Context, inv *Inventory) (stored *Inventory, created bool, err error)
	Get(ctx context.Context, sku string) (*Inventory, error)
	// Mutate runs fn as one atomic read-modify-write on the SKU and returns the
	// state before and after it.
	Mutate(ctx context.Context, sku string, fn MutateFunc) (before, after *Inventory, err error)
}
