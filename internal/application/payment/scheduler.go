package payment

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Zhima-Mochi/minishop-saga/internal/application"
	domoutbox "github.com/Zhima-Mochi/minishop-saga/internal/domain/outbox"
	dompay "github.com/Zhima-Mochi/minishop-saga/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-saga/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

const (
	useCaseExpire = "payment.expire_pending"

	DefaultExpirationWindow   = 5 * time.Minute
	DefaultExpirationInterval = time.Minute
)

// ExpiryResult summarises one scheduler run.
type ExpiryResult struct {
	Skipped bool
	Found   int
	Expired int
	Failed  int
}

// ExpirationScheduler fails PENDING payments whose checkout was never completed.
type ExpirationScheduler struct {
	repo      dompay.Repository
	publisher domoutbox.Publisher
	window    time.Duration
	interval  time.Duration
	now       func() time.Time
	running   atomic.Bool
	inst      *application.Instrumentation
}

func NewExpirationScheduler(
	repo dompay.Repository,
	publisher domoutbox.Publisher,
	window, interval time.Duration,
	tel observability.Observability,
) *ExpirationScheduler {
	if window <= 0 {
		window = DefaultExpirationWindow
	}
	if interval <= 0 {
		interval = DefaultExpirationInterval
	}
	return &ExpirationScheduler{
		repo:      repo,
		publisher: publisher,
		window:    window,
		interval:  interval,
		now:       time.Now,
		inst:      application.NewInstrumentation(paymentService, tel),
	}
}

// WithClock swaps the time source.
func (s *ExpirationScheduler) WithClock(now func() time.Time) *ExpirationScheduler {
	s.now = now
	return s
}

// Reason is the failure reason stamped on expired payments.
func (s *ExpirationScheduler) Reason() string {
	if s.window%time.Minute == 0 {
		return fmt.Sprintf("Payment expired - not completed within %d minutes", int(s.window/time.Minute))
	}
	return fmt.Sprintf("Payment expired - not completed within %s", s.window)
}

// Run ticks until ctx is done.
func (s *ExpirationScheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			_, _ = s.RunOnce(ctx)
		}
	}
}

// RunOnce expires every overdue PENDING payment. A call made while another run is
// in progress returns immediately with Skipped set.
func (s *ExpirationScheduler) RunOnce(ctx context.Context) (_ ExpiryResult, err error) {
	if !s.running.CompareAndSwap(false, true) {
		s.inst.Logger().Warn("payment_expiration_skipped", observability.F("reason", "previous run in progress"))
		return ExpiryResult{Skipped: true}, nil
	}
	defer s.running.Store(false)

	ctx, run := s.inst.Start(ctx, useCaseExpire, "ExpirePendingPayments")
	defer func() { run.Done(ctx, err) }()

	now := s.now()
	cutoff := now.Add(-s.window)
	pending, err := s.repo.FindPendingBefore(ctx, cutoff)
	if err != nil {
		run.Fail("PENDING_LOOKUP_FAILED")
		return ExpiryResult{}, fmt.Errorf("payment: find pending before %s: %w", cutoff.Format(time.RFC3339), err)
	}

	res := ExpiryResult{Found: len(pending)}
	reason := s.Reason()
	logger := run.Logger()
	for _, p := range pending {
		if ctx.Err() != nil {
			break
		}
		applied, serr := settle(ctx, s.repo, s.inst, s.publisher, p, false, reason, now)
		switch {
		case serr != nil:
			res.Failed++
			logger.Error("payment_expire_failed",
				observability.F("payment_id", p.ID),
				observability.F("order_id", p.OrderID),
				observability.F("error", serr.Error()),
			)
		case applied:
			res.Expired++
			logger.Info("payment_expired",
				observability.F("payment_id", p.ID),
				observability.F("order_id", p.OrderID),
			)
		}
	}

	run.With(
		observability.F("found", res.Found),
		observability.F("expired", res.Expired),
		observability.F("failed", res.Failed),
	)
	run.Span().SetAttributes(
		attribute.Int("payments.found", res.Found),
		attribute.Int("payments.expired", res.Expired),
	)
	if res.Failed > 0 {
		run.Note("PARTIAL_FAILURE")
	}
	return res, nil
}
