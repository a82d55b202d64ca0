package order

import "context"

type Repository interface {
	Insert(ctx context.Context, order *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	// Update stores a status change. It only applies while the stored order is
	// PENDING and yields ErrInvalidStateTransition once it is terminal.
	Update(ctx context.Context, order *Order) error
	// AttachPayment records the checkout session without touching the status.
	AttachPayment(ctx context.Context, id, paymentID, url string) error
}
