package payment

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound      = errors.New("payment: not found")
	ErrConflict      = errors.New("payment: conflict")
	ErrAlreadyFinal  = fmt.Errorf("%w: payment already processed", ErrConflict)
	ErrInvalidAmount = errors.New("payment: amount must be greater than zero")
)

const DefaultCurrency = "usd"

type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

type Payment struct {
	ID                string
	OrderID           string
	Amount            int64
	Currency          string
	CustomerEmail     string
	Status            Status
	ExternalSessionID string
	ExternalURL       string
	FailureReason     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func New(id, orderID, email string, amount int64, sessionID, url string, now time.Time) (*Payment, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return &Payment{
		ID:                id,
		OrderID:           orderID,
		Amount:            amount,
		Currency:          DefaultCurrency,
		CustomerEmail:     email,
		Status:            StatusPending,
		ExternalSessionID: sessionID,
		ExternalURL:       url,
		CreatedAt:         now.UTC(),
		UpdatedAt:         now.UTC(),
	}, nil
}

func (p *Payment) Pending() bool { return p.Status == StatusPending }

func (p *Payment) Succeed(now time.Time) error {
	if !p.Pending() {
		return ErrAlreadyFinal
	}
	p.Status = StatusSuccess
	p.FailureReason = ""
	p.UpdatedAt = now.UTC()
	return nil
}

func (p *Payment) Fail(reason string, now time.Time) error {
	if !p.Pending() {
		return ErrAlreadyFinal
	}
	p.Status = StatusFailed
	p.FailureReason = reason
	p.UpdatedAt = now.UTC()
	return nil
}

func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}
