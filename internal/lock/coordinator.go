package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/pitabwire/stepflow/model"
)

// Default lease settings.
const (
	DefaultTTL          = 30 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

var errBusy = errors.New("lease held elsewhere")

// Options configures a Coordinator.
type Options struct {
	// TTL is the lease lifetime. Held leases are renewed every TTL/3 when
	// Renew is set.
	TTL time.Duration
	// Wait bounds acquisition. Zero fails fast.
	Wait time.Duration
	// PollInterval is the backend retry interval while waiting.
	PollInterval time.Duration
	Renew        bool
	Logger       *zap.Logger
	// OnWait, when set, observes how long each acquisition took.
	OnWait func(waited time.Duration, acquired bool)
}

// Coordinator hands out exclusive handles on string keys.
type Coordinator struct {
	backend Backend
	local   *localLocks
	opts    Options
	logger  *zap.Logger
}

// NewCoordinator creates a coordinator over backend.
func NewCoordinator(backend Backend, opts Options) *Coordinator {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		backend: backend,
		local:   newLocalLocks(),
		opts:    opts,
		logger:  logger,
	}
}

// Acquire takes key using the configured wait.
func (c *Coordinator) Acquire(ctx context.Context, key string) (*Handle, error) {
	return c.AcquireWithin(ctx, key, c.opts.Wait)
}

// AcquireWithin takes key, waiting at most wait. It returns a LOCK_BUSY
// envelope when the key stays held, or the context error on cancellation.
func (c *Coordinator) AcquireWithin(ctx context.Context, key string, wait time.Duration) (*Handle, error) {
	start := time.Now()
	h, err := c.acquire(ctx, key, wait)
	if c.opts.OnWait != nil {
		c.opts.OnWait(time.Since(start), err == nil)
	}
	return h, err
}

func (c *Coordinator) acquire(ctx context.Context, key string, wait time.Duration) (*Handle, error) {
	start := time.Now()
	if !c.local.lock(ctx, key, wait) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, model.NewLockBusyError(key)
	}

	owner := uuid.NewString()
	ok, err := c.tryBackend(ctx, key, owner, wait-time.Since(start))
	if err != nil || !ok {
		c.local.unlock(key)
		if err != nil {
			return nil, err
		}
		return nil, model.NewLockBusyError(key)
	}

	h := &Handle{
		c:     c,
		key:   key,
		owner: owner,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	if c.opts.Renew {
		go h.renew()
	} else {
		close(h.done)
	}
	return h, nil
}

func (c *Coordinator) tryBackend(ctx context.Context, key, owner string, remaining time.Duration) (bool, error) {
	ok, err := c.backend.TryAcquire(ctx, key, owner, c.opts.TTL)
	if err != nil || ok || remaining <= 0 {
		return ok, err
	}

	backoff := retry.WithMaxDuration(remaining, retry.NewConstant(c.opts.PollInterval))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		ok, err := c.backend.TryAcquire(ctx, key, owner, c.opts.TTL)
		if err != nil {
			return err
		}
		if !ok {
			return retry.RetryableError(errBusy)
		}
		return nil
	})
	if errors.Is(err, errBusy) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// WithLock runs fn while holding key. The lease is released when fn
// returns, whatever the outcome.
func (c *Coordinator) WithLock(ctx context.Context, key string, wait time.Duration, fn func(ctx context.Context) error) error {
	h, err := c.AcquireWithin(ctx, key, wait)
	if err != nil {
		return err
	}
	defer h.Release(ctx)
	return fn(ctx)
}

// Ping reports backend health when the backend supports it.
func (c *Coordinator) Ping(ctx context.Context) error {
	if p, ok := c.backend.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Handle is a held lock.
type Handle struct {
	c     *Coordinator
	key   string
	owner string
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
	lost  atomic.Bool
}

// Key returns the locked key.
func (h *Handle) Key() string { return h.key }

// Lost reports whether a renewal found the lease taken over.
func (h *Handle) Lost() bool { return h.lost.Load() }

// Release gives the lock up. It is safe to call more than once and runs
// even when ctx is already cancelled.
func (h *Handle) Release(ctx context.Context) {
	h.once.Do(func() {
		close(h.stop)
		<-h.done
		if err := h.c.backend.Release(context.WithoutCancel(ctx), h.key, h.owner); err != nil {
			h.c.logger.Warn("lock release failed", zap.String("key", h.key), zap.Error(err))
		}
		h.c.local.unlock(h.key)
	})
}

func (h *Handle) renew() {
	defer close(h.done)

	ticker := time.NewTicker(h.c.opts.TTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			ok, err := h.c.backend.Renew(context.Background(), h.key, h.owner, h.c.opts.TTL)
			if err != nil {
				h.c.logger.Warn("lock renew failed", zap.String("key", h.key), zap.Error(err))
				continue
			}
			if !ok {
				h.lost.Store(true)
				h.c.logger.Error("lock lease lost", zap.String("key", h.key))
				return
			}
		}
	}
}
