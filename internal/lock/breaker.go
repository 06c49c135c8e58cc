package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/stepflow/model"
)

// BreakerState is the state of a BreakerBackend.
type BreakerState int

const (
	// BreakerClosed passes every call through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls without touching the backend.
	BreakerOpen
	// BreakerHalfOpen lets trial calls through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerOptions configures a BreakerBackend.
type BreakerOptions struct {
	// FailureThreshold is the number of consecutive backend errors that
	// opens the breaker.
	FailureThreshold int
	// SuccessThreshold is the number of successful trial calls that closes it
	// again.
	SuccessThreshold int
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	// OnStateChange, when set, observes every transition.
	OnStateChange func(from, to BreakerState)
}

// BreakerBackend wraps a Backend so that a failing lock store is reported
// as LOCK_UNAVAILABLE straight away instead of every run timing out against
// it. A lease held by someone else is a successful call, not a failure.
type BreakerBackend struct {
	next Backend
	opts BreakerOptions
	now  func() time.Time

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
}

// NewBreakerBackend wraps next.
func NewBreakerBackend(next Backend, opts BreakerOptions) *BreakerBackend {
	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = 5
	}
	if opts.SuccessThreshold < 1 {
		opts.SuccessThreshold = 1
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	return &BreakerBackend{next: next, opts: opts, now: time.Now}
}

// TryAcquire implements Backend.
func (b *BreakerBackend) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := b.allow(); err != nil {
		return false, err
	}
	ok, err := b.next.TryAcquire(ctx, key, owner, ttl)
	b.record(err)
	return ok, err
}

// Renew implements Backend.
func (b *BreakerBackend) Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := b.allow(); err != nil {
		return false, err
	}
	ok, err := b.next.Renew(ctx, key, owner, ttl)
	b.record(err)
	return ok, err
}

// Release always reaches the backend so held leases are dropped even while
// the breaker is open.
func (b *BreakerBackend) Release(ctx context.Context, key, owner string) error {
	err := b.next.Release(ctx, key, owner)
	b.record(err)
	return err
}

// Ping reports the wrapped backend's health, or an error while open.
func (b *BreakerBackend) Ping(ctx context.Context) error {
	if b.State() == BreakerOpen {
		return model.NewLockUnavailableError("lock backend circuit is open")
	}
	if p, ok := b.next.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// State returns the current state, moving open to half-open once the
// timeout has passed.
func (b *BreakerBackend) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

func (b *BreakerBackend) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	if b.state == BreakerOpen {
		return model.NewLockUnavailableError("lock backend circuit is open")
	}
	return nil
}

// maybeHalfOpen must be called with mu held.
func (b *BreakerBackend) maybeHalfOpen() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.opts.OpenTimeout {
		b.transition(BreakerHalfOpen)
		b.successes = 0
	}
}

func (b *BreakerBackend) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// A cancelled caller says nothing about the backend.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}

	switch b.state {
	case BreakerClosed:
		if err == nil {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.opts.FailureThreshold {
			b.open()
		}
	case BreakerHalfOpen:
		if err != nil {
			b.open()
			return
		}
		b.successes++
		if b.successes >= b.opts.SuccessThreshold {
			b.transition(BreakerClosed)
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *BreakerBackend) open() {
	b.transition(BreakerOpen)
	b.openedAt = b.now()
	b.successes = 0
}

func (b *BreakerBackend) transition(to BreakerState) {
	from := b.state
	b.state = to
	if from != to && b.opts.OnStateChange != nil {
		b.opts.OnStateChange(from, to)
	}
}
