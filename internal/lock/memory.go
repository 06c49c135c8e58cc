package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend is an in-process lease table for tests and single-node
// deployments.
type MemoryBackend struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

type lease struct {
	owner     string
	expiresAt time.Time
}

// NewMemoryBackend creates an empty in-memory lease table.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{leases: make(map[string]lease), now: time.Now}
}

// TryAcquire takes a free, expired or self-owned lease.
func (b *MemoryBackend) TryAcquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	cur, ok := b.leases[key]
	if ok && cur.owner != owner && cur.expiresAt.After(now) {
		return false, nil
	}
	b.leases[key] = lease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

// Renew extends a lease still held by owner.
func (b *MemoryBackend) Renew(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	cur, ok := b.leases[key]
	if !ok || cur.owner != owner || !cur.expiresAt.After(now) {
		return false, nil
	}
	b.leases[key] = lease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

// Release drops the lease if owner holds it.
func (b *MemoryBackend) Release(_ context.Context, key, owner string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cur, ok := b.leases[key]; ok && cur.owner == owner {
		delete(b.leases, key)
	}
	return nil
}

// Owner returns the current holder of key, if any. For testing.
func (b *MemoryBackend) Owner(key string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.leases[key]
	if !ok || !cur.expiresAt.After(b.now()) {
		return "", false
	}
	return cur.owner, true
}

// Ping always succeeds.
func (b *MemoryBackend) Ping(context.Context) error { return nil }
