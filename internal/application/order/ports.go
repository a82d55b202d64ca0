package order

import (
	"context"
)

// InventoryPort is how the saga reaches the inventory engine. Implementations
// decide how open circuits surface: Reserve fails hard, Release and Confirm
// may return a soft failure that the saga only logs.
type InventoryPort interface {
	Reserve(ctx context.Context, sku string, qty int) error
	Release(ctx context.Context, sku string, qty int) error
	Confirm(ctx context.Context, sku string, qty int) error
}

// PaymentSession is the checkout handed back to the customer.
type PaymentSession struct {
	PaymentID string
	URL       string
}

// PaymentPort creates checkout sessions for pending orders.
type PaymentPort interface {
	CreateSession(ctx context.Context, orderID string, amount int64, email string) (PaymentSession, error)
}
