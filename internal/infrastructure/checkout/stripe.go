// Package checkout opens hosted checkout sessions at a payment provider.
package checkout

import (
	"context"
	"fmt"
	"strings"

	dompay "github.com/Zhima-Mochi/minishop-saga/internal/domain/payment"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
)

const metadataOrderID = "orderId"

type StripeConfig struct {
	SecretKey  string
	SuccessURL string
	CancelURL  string
}

// Stripe creates one-line-item payment sessions tagged with the order id.
type Stripe struct {
	client session.Client
	cfg    StripeConfig
}

var _ dompay.Gateway = (*Stripe)(nil)

func NewStripe(cfg StripeConfig) *Stripe {
	return &Stripe{
		client: session.Client{B: stripe.GetBackend(stripe.APIBackend), Key: cfg.SecretKey},
		cfg:    cfg,
	}
}

func (s *Stripe) CreateSession(ctx context.Context, req dompay.SessionRequest) (dompay.Session, error) {
	currency := strings.ToLower(req.Currency)
	if currency == "" {
		currency = dompay.DefaultCurrency
	}
	metadata := map[string]string{metadataOrderID: req.OrderID}

	params := &stripe.CheckoutSessionParams{
		Mode:          stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:    stripe.String(s.cfg.SuccessURL + "?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:     stripe.String(s.cfg.CancelURL),
		CustomerEmail: stripe.String(req.CustomerEmail),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(currency),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Order #" + req.OrderID),
				},
				UnitAmount: stripe.Int64(req.Amount),
			},
			Quantity: stripe.Int64(1),
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: metadata,
		},
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	sess, err := s.client.New(params)
	if err != nil {
		return dompay.Session{}, fmt.Errorf("checkout: stripe session for order %s: %w", req.OrderID, err)
	}
	return dompay.Session{ID: sess.ID, URL: sess.URL}, nil
}
