package application

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type UseCase[C any, R any] interface {
	Execute(ctx context.Context, cmd C) (R, error)
}

var (
	// ErrValidation marks malformed or missing input.
	ErrValidation = errors.New("validation failed")
	// ErrServiceUnavailable marks a collaborator that is unreachable, timed out or behind an open circuit.
	ErrServiceUnavailable = errors.New("service unavailable")
)

// Validation wraps msg so errors.Is(err, ErrValidation) holds.
func Validation(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}

// IdempotencyGuard answers "have we processed this key before?" atomically.
type IdempotencyGuard interface {
	IsFirstProcessing(ctx context.Context, key string, ttl time.Duration) bool
	RemoveKey(ctx context.Context, key string) error
}

// IDGenerator hands out identifiers for new aggregates.
type IDGenerator interface {
	NewID() string
}

// DefaultIdempotencyTTL bounds how long a processed marker is kept.
const DefaultIdempotencyTTL = 24 * time.Hour

// InventoryEventKey is the idempotency key of a catalog event consumed by inventory.
func InventoryEventKey(eventID string) string {
	return "idempotency:inventory:" + eventID
}

// OrderPaymentKey is the idempotency key of a payment result applied to an order.
func OrderPaymentKey(orderID, status string) string {
	return "idempotency:order:paid:" + orderID + ":" + status
}
