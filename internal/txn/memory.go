package txn

import (
	"context"
	"sync"
)

type memTxKey struct{}

type memTx struct {
	mu   sync.Mutex
	undo []func()
}

func (t *memTx) rollback() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// OnRollback registers undo to run if the memory transaction carried by ctx
// rolls back. Outside a transaction it does nothing.
func OnRollback(ctx context.Context, undo func()) {
	tx, ok := ctx.Value(memTxKey{}).(*memTx)
	if !ok {
		return
	}
	tx.mu.Lock()
	tx.undo = append(tx.undo, undo)
	tx.mu.Unlock()
}

// MemoryUnitOfWork emulates transactions for the in-memory stores with an
// undo log. It gives rollback, not isolation.
type MemoryUnitOfWork struct{}

// NewMemoryUnitOfWork creates an in-memory unit of work.
func NewMemoryUnitOfWork() *MemoryUnitOfWork {
	return &MemoryUnitOfWork{}
}

// Within joins the memory transaction in ctx, or begins one.
func (u *MemoryUnitOfWork) Within(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		return fn(ctx)
	}
	return u.run(ctx, fn)
}

// Autonomous begins a new memory transaction, hiding any outer one.
func (u *MemoryUnitOfWork) Autonomous(ctx context.Context, fn func(ctx context.Context) error) error {
	return u.run(ctx, fn)
}

func (u *MemoryUnitOfWork) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	tx := &memTx{}
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
		if err != nil {
			tx.rollback()
		}
	}()
	return fn(context.WithValue(ctx, memTxKey{}, tx))
}
