package payment

import (
	"context"
	"time"
)

type Repository interface {
	// Insert fails with ErrConflict when the order already has a payment.
	Insert(ctx context.Context, p *Payment) error
	// Update only replaces a stored PENDING payment; a terminal one yields ErrAlreadyFinal.
	Update(ctx context.Context, p *Payment) error
	FindBySessionID(ctx context.Context, sessionID string) (*Payment, error)
	FindByOrderID(ctx context.Context, orderID string) (*Payment, error)
	// FindPendingBefore lists PENDING payments created strictly before cutoff, oldest first.
	FindPendingBefore(ctx context.Context, cutoff time.Time) ([]*Payment, error)
}
