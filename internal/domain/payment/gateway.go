package payment

import "context"

// SessionRequest describes the checkout a customer is sent to.
type SessionRequest struct {
	OrderID       string
	Amount        int64
	Currency      string
	CustomerEmail string
}

type Session struct {
	ID  string
	URL string
}

// Gateway creates hosted checkout sessions at the external payment provider.
type Gateway interface {
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)
}
