package payment

import (
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"
)

// DefaultSignatureTolerance is how old a signed timestamp may be.
const DefaultSignatureTolerance = webhook.DefaultTolerance

var (
	ErrSignatureMissing = errors.New("payment: webhook signature missing or malformed")
	ErrSignatureExpired = errors.New("payment: webhook signature timestamp outside tolerance")
	ErrSignatureInvalid = errors.New("payment: webhook signature mismatch")
)

// SignatureVerifier checks Stripe-Signature headers against the endpoint secret.
type SignatureVerifier struct {
	secret    string
	tolerance time.Duration
}

func NewSignatureVerifier(secret string, tolerance time.Duration) *SignatureVerifier {
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}
	return &SignatureVerifier{secret: secret, tolerance: tolerance}
}

func (v *SignatureVerifier) Verify(payload []byte, header string) error {
	err := webhook.ValidatePayloadWithTolerance(payload, header, v.secret, v.tolerance)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, webhook.ErrNotSigned), errors.Is(err, webhook.ErrInvalidHeader):
		return fmt.Errorf("%w: %w", ErrSignatureMissing, err)
	case errors.Is(err, webhook.ErrTooOld):
		return fmt.Errorf("%w: %w", ErrSignatureExpired, err)
	default:
		return fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	}
}

// Sign renders a Stripe-Signature header for payload signed at t. The sandbox
// checkout and tests deliver webhooks with it.
func (v *SignatureVerifier) Sign(payload []byte, t time.Time) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    v.secret,
		Timestamp: t,
	}).Header
}
