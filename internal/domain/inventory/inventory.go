package inventory

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound        = errors.New("inventory: sku not found")
	ErrInvalidArgument = errors.New("inventory: invalid argument")
	ErrInvalidQuantity = fmt.Errorf("%w: quantity must be greater than zero", ErrInvalidArgument)

	// ErrConflict classifies every state conflict; the specific errors below wrap it.
	ErrConflict          = errors.New("inventory: conflict")
	ErrInsufficientStock = fmt.Errorf("%w: insufficient stock", ErrConflict)
	ErrExceedsReserved   = fmt.Errorf("%w: quantity exceeds reserved stock", ErrConflict)
	ErrBelowReserved     = fmt.Errorf("%w: quantity below reserved stock", ErrConflict)
	ErrLockBusy          = fmt.Errorf("%w: another operation is in progress for this sku", ErrConflict)
)

// Inventory is the stock record for one SKU. Available is always derived.
type Inventory struct {
	SKU       string
	Quantity  int
	Reserved  int
	UpdatedAt time.Time
}

func New(sku string, initialStock int) (*Inventory, error) {
	if strings.TrimSpace(sku) == "" {
		return nil, fmt.Errorf("%w: sku is required", ErrInvalidArgument)
	}
	if initialStock < 0 {
		return nil, fmt.Errorf("%w: initial stock must not be negative", ErrInvalidArgument)
	}
	return &Inventory{
		SKU:       sku,
		Quantity:  initialStock,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func (i *Inventory) Available() int { return i.Quantity - i.Reserved }

func (i *Inventory) Reserve(qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	if qty > i.Available() {
		return ErrInsufficientStock
	}
	i.Reserved += qty
	i.touch()
	return nil
}

func (i *Inventory) Release(qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	if qty > i.Reserved {
		return ErrExceedsReserved
	}
	i.Reserved -= qty
	i.touch()
	return nil
}

// Confirm converts a reservation into a sale: the only path that lowers Quantity.
func (i *Inventory) Confirm(qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	if qty > i.Reserved {
		return ErrExceedsReserved
	}
	i.Reserved -= qty
	i.Quantity -= qty
	i.touch()
	return nil
}

// SetQuantity overwrites committed stock (restock or write-off) without touching reservations.
func (i *Inventory) SetQuantity(qty int) error {
	if qty < 0 {
		return fmt.Errorf("%w: quantity must not be negative", ErrInvalidArgument)
	}
	if qty < i.Reserved {
		return ErrBelowReserved
	}
	i.Quantity = qty
	i.touch()
	return nil
}

func (i *Inventory) Clone() *Inventory {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}

func (i *Inventory) touch() {
	i.UpdatedAt = time.Now().UTC()
}
