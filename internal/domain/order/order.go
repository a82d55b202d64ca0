package order

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound               = errors.New("order: not found")
	ErrConflict               = errors.New("order: already exists")
	ErrInvalidAmount          = errors.New("order: amount is below the minimum")
	ErrInvalidQuantity        = errors.New("order: item quantity must be at least one")
	ErrNoItems                = errors.New("order: at least one item is required")
	ErrInvalidStateTransition = errors.New("order: invalid state transition")
)

// MinimumAmount is the smallest accepted order total in minor units.
const MinimumAmount int64 = 100

type Status string

const (
	StatusPending Status = "PENDING"
	StatusPaid    Status = "PAID"
	StatusFailed  Status = "FAILED"
)

func (s Status) Terminal() bool { return s == StatusPaid || s == StatusFailed }

type Item struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type Order struct {
	ID            string
	UserID        string
	Amount        int64
	CustomerEmail string
	Status        Status
	PaymentID     string
	PaymentURL    string
	FailureReason string
	Items         []Item
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func New(id, userID, email string, amount int64, items []Item) (*Order, error) {
	if amount < MinimumAmount {
		return nil, ErrInvalidAmount
	}
	if len(items) == 0 {
		return nil, ErrNoItems
	}
	for i, it := range items {
		if it.SKU == "" {
			return nil, fmt.Errorf("order: item %d: sku is required", i)
		}
		if it.Quantity < 1 {
			return nil, fmt.Errorf("%w (item %d)", ErrInvalidQuantity, i)
		}
	}

	now := time.Now().UTC()
	return &Order{
		ID:            id,
		UserID:        userID,
		Amount:        amount,
		CustomerEmail: email,
		Status:        StatusPending,
		Items:         append([]Item(nil), items...),
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// AttachPayment records the checkout session handed out for this order.
func (o *Order) AttachPayment(paymentID, url string) {
	o.PaymentID = paymentID
	o.PaymentURL = url
	o.touch()
}

func (o *Order) PaymentSucceeded() error {
	next, err := stateFor(o.Status).OnPaymentSucceeded(o)
	if err != nil {
		return err
	}
	o.Status = next.Status()
	o.touch()
	return nil
}

func (o *Order) PaymentFailed(reason string) error {
	next, err := stateFor(o.Status).OnPaymentFailed(o, reason)
	if err != nil {
		return err
	}
	o.Status = next.Status()
	o.touch()
	return nil
}

// SessionFailed fails a PENDING order whose checkout session could not be created.
func (o *Order) SessionFailed(reason string) error {
	next, err := stateFor(o.Status).OnSessionFailed(o, reason)
	if err != nil {
		return err
	}
	o.Status = next.Status()
	o.touch()
	return nil
}

func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Items = append([]Item(nil), o.Items...)
	return &c
}

func (o *Order) touch() {
	o.UpdatedAt = time.Now().UTC()
}
