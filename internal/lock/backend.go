// Package lock serializes runs across goroutines and nodes. A Coordinator
// pairs a process-local keyed mutex with a lease held in a shared Backend so
// that the second acquirer of a key waits or fails fast, wherever it runs.
package lock

import (
	"context"
	"time"
)

// Backend stores leases. Each lease is owned by one opaque owner string and
// expires after its ttl unless renewed.
type Backend interface {
	// TryAcquire takes the lease if it is free, expired, or already held by
	// owner. It never blocks.
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// Renew extends a lease held by owner. It returns false when the lease
	// has been lost.
	Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// Release drops the lease if owner holds it. Releasing a lease that is
	// missing or held by someone else is not an error.
	Release(ctx context.Context, key, owner string) error
}

// Pinger is implemented by backends that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}
