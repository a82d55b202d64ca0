package outbox

import (
	"context"
	"fmt"
	"time"

	domoutbox "github.com/Zhima-Mochi/minishop-saga/internal/domain/outbox"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds redelivery of a failing handler before the message is dead-lettered.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     4,
		InitialInterval: time.Second,
		Multiplier:      2,
		MaxInterval:     5 * time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.Multiplier = p.Multiplier
	eb.MaxInterval = p.MaxInterval
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)
}

// Deliver runs h until it succeeds or the policy gives up. It returns the number
// of attempts made and the last error. Panics inside h count as failures.
func Deliver(ctx context.Context, p RetryPolicy, timeout time.Duration, h domoutbox.Handler, m domoutbox.Message) (int, error) {
	attempts := 0
	op := func() error {
		attempts++
		return invoke(ctx, timeout, h, m)
	}
	err := backoff.Retry(op, p.backOff(ctx))
	return attempts, err
}

func invoke(ctx context.Context, timeout time.Duration, h domoutbox.Handler, m domoutbox.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("outbox: handler panic on %s: %v", m.Topic, r)
		}
	}()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return h(ctx, m)
}
