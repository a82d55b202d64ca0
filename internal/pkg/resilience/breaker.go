// Package resilience implements a count-based circuit breaker.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned without running the call when the breaker rejects it.
var ErrOpen = errors.New("resilience: circuit open")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Config struct {
	WindowSize       int
	MinimumCalls     int
	FailureThreshold float64 // fraction in (0,1]
	OpenWait         time.Duration
	HalfOpenCalls    int
	Timeout          time.Duration
}

func DefaultConfig() Config {
	return Config{
		WindowSize:       10,
		MinimumCalls:     5,
		FailureThreshold: 0.5,
		OpenWait:         30 * time.Second,
		HalfOpenCalls:    3,
		Timeout:          5 * time.Second,
	}
}

func InventoryConfig() Config {
	return Config{
		WindowSize:       5,
		MinimumCalls:     3,
		FailureThreshold: 0.5,
		OpenWait:         20 * time.Second,
		HalfOpenCalls:    2,
		Timeout:          3 * time.Second,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.MinimumCalls <= 0 {
		c.MinimumCalls = d.MinimumCalls
	}
	if c.MinimumCalls > c.WindowSize {
		c.MinimumCalls = c.WindowSize
	}
	if c.FailureThreshold <= 0 || c.FailureThreshold > 1 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.OpenWait <= 0 {
		c.OpenWait = d.OpenWait
	}
	if c.HalfOpenCalls <= 0 {
		c.HalfOpenCalls = d.HalfOpenCalls
	}
	return c
}

// Clock is the breaker's time source.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Option func(*Breaker)

func WithClock(c Clock) Option { return func(b *Breaker) { b.clock = c } }

// WithIsFailure decides which errors count against the breaker. By default every non-nil error does.
func WithIsFailure(fn func(error) bool) Option { return func(b *Breaker) { b.isFailure = fn } }

// WithOnStateChange is called synchronously, outside the breaker lock, on every transition.
func WithOnStateChange(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

type Breaker struct {
	name      string
	cfg       Config
	clock     Clock
	isFailure func(error) bool
	onChange  func(name string, from, to State)

	mu       sync.Mutex
	state    State
	window   []bool // ring of outcomes, true = failure
	next     int
	filled   int
	failures int
	openedAt time.Time
	gen      uint64 // bumped on every transition

	trialsInFlight int
	trialsOK       int
}

func New(name string, cfg Config, opts ...Option) *Breaker {
	cfg = cfg.normalized()
	b := &Breaker{
		name:      name,
		cfg:       cfg,
		clock:     systemClock{},
		isFailure: func(err error) bool { return err != nil },
		window:    make([]bool, cfg.WindowSize),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Breaker) Name() string { return b.name }

// State reports the current state, moving OPEN to HALF_OPEN if the wait has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	from, to, changed := b.maybeHalfOpenLocked()
	s := b.state
	b.mu.Unlock()
	if changed {
		b.notify(from, to)
	}
	return s
}

// Execute runs fn under the breaker. fn receives a context bounded by the configured timeout.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	gen, trial, err := b.admit()
	if err != nil {
		return err
	}

	callCtx := ctx
	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	err = fn(callCtx)
	if err == nil && callCtx.Err() != nil && ctx.Err() == nil {
		err = callCtx.Err()
	}
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		// The caller went away; the dependency's health is unknown.
		b.forget(gen, trial)
		return err
	}
	b.record(gen, trial, err != nil && b.isFailure(err))
	return err
}

// forget returns an admitted call's trial slot without recording an outcome.
func (b *Breaker) forget(gen uint64, trial bool) {
	b.mu.Lock()
	if trial && gen == b.gen && b.state == HalfOpen {
		b.trialsInFlight--
	}
	b.mu.Unlock()
}

func (b *Breaker) admit() (gen uint64, trial bool, err error) {
	b.mu.Lock()
	from, to, changed := b.maybeHalfOpenLocked()
	gen = b.gen
	switch b.state {
	case Open:
		err = ErrOpen
	case HalfOpen:
		if b.trialsInFlight+b.trialsOK >= b.cfg.HalfOpenCalls {
			err = ErrOpen
		} else {
			b.trialsInFlight++
			trial = true
		}
	}
	b.mu.Unlock()
	if changed {
		b.notify(from, to)
	}
	return gen, trial, err
}

func (b *Breaker) record(gen uint64, trial, failed bool) {
	b.mu.Lock()
	var (
		from, to State
		changed  bool
	)
	switch {
	case gen != b.gen:
		// The breaker moved on while the call ran; its outcome belongs to a stale window.
	case trial && b.state == HalfOpen:
		b.trialsInFlight--
		if failed {
			from, to, changed = b.transitionLocked(Open)
		} else {
			b.trialsOK++
			if b.trialsOK >= b.cfg.HalfOpenCalls {
				from, to, changed = b.transitionLocked(Closed)
			}
		}
	case b.state == Closed:
		b.pushLocked(failed)
		if b.filled >= b.cfg.MinimumCalls &&
			float64(b.failures)/float64(b.filled) >= b.cfg.FailureThreshold {
			from, to, changed = b.transitionLocked(Open)
		}
	}
	b.mu.Unlock()
	if changed {
		b.notify(from, to)
	}
}

func (b *Breaker) pushLocked(failed bool) {
	if b.filled == len(b.window) {
		if b.window[b.next] {
			b.failures--
		}
	} else {
		b.filled++
	}
	b.window[b.next] = failed
	if failed {
		b.failures++
	}
	b.next = (b.next + 1) % len(b.window)
}

func (b *Breaker) maybeHalfOpenLocked() (State, State, bool) {
	if b.state == Open && !b.clock.Now().Before(b.openedAt.Add(b.cfg.OpenWait)) {
		return b.transitionLocked(HalfOpen)
	}
	return b.state, b.state, false
}

func (b *Breaker) transitionLocked(to State) (State, State, bool) {
	from := b.state
	if from == to {
		return from, to, false
	}
	b.state = to
	b.gen++
	b.trialsInFlight, b.trialsOK = 0, 0
	switch to {
	case Open:
		b.openedAt = b.clock.Now()
	case Closed:
		for i := range b.window {
			b.window[i] = false
		}
		b.next, b.filled, b.failures = 0, 0, 0
	}
	return from, to, true
}

func (b *Breaker) notify(from, to State) {
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}
