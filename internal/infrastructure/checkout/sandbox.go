package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	dompay "github.com/Zhima-Mochi/minishop-saga/internal/domain/payment"
)

// ErrSandboxDeclined is returned while the sandbox is told to fail.
var ErrSandboxDeclined = errors.New("checkout: sandbox declined session")

// Sandbox hands out predictable sessions without calling a provider.
type Sandbox struct {
	baseURL string

	mu   sync.Mutex
	fail error
	reqs []dompay.SessionRequest
}

var _ dompay.Gateway = (*Sandbox)(nil)

func NewSandbox(baseURL string) *Sandbox {
	if baseURL == "" {
		baseURL = "https://checkout.sandbox.local/pay"
	}
	return &Sandbox{baseURL: strings.TrimRight(baseURL, "/")}
}

// FailWith makes every following CreateSession return err; nil restores normal behaviour.
func (s *Sandbox) FailWith(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *Sandbox) CreateSession(ctx context.Context, req dompay.SessionRequest) (dompay.Session, error) {
	if err := ctx.Err(); err != nil {
		return dompay.Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	if s.fail != nil {
		return dompay.Session{}, s.fail
	}
	id := SandboxSessionID(req.OrderID)
	return dompay.Session{ID: id, URL: fmt.Sprintf("%s/%s", s.baseURL, id)}, nil
}

// Requests lists every session request received so far.
func (s *Sandbox) Requests() []dompay.SessionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dompay.SessionRequest(nil), s.reqs...)
}

func SandboxSessionID(orderID string) string { return "cs_sandbox_" + orderID }

// SessionEvent renders a provider-shaped webhook body for a session event.
func SessionEvent(eventType, sessionID, paymentStatus string) []byte {
	body, _ := json.Marshal(map[string]any{
		"id":   "evt_" + sessionID,
		"type": eventType,
		"data": map[string]any{
			"object": map[string]any{
				"id":             sessionID,
				"payment_status": paymentStatus,
			},
		},
	})
	return body
}

// PaymentIntentFailedEvent renders a payment_intent.payment_failed body carrying the order id.
func PaymentIntentFailedEvent(intentID, orderID string) []byte {
	body, _ := json.Marshal(map[string]any{
		"id":   "evt_" + intentID,
		"type": "payment_intent.payment_failed",
		"data": map[string]any{
			"object": map[string]any{
				"id":       intentID,
				"metadata": map[string]string{metadataOrderID: orderID},
			},
		},
	})
	return body
}
