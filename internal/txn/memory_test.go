package txn

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct{ n int }

func (c *counter) add(ctx context.Context, delta int) {
	prev := c.n
	c.n += delta
	OnRollback(ctx, func() { c.n = prev })
}

func TestMemoryUnitOfWork_commit(t *testing.T) {
	uow := NewMemoryUnitOfWork()
	c := &counter{}

	err := uow.Within(context.Background(), func(ctx context.Context) error {
		c.add(ctx, 1)
		c.add(ctx, 2)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, c.n)
}

func TestMemoryUnitOfWork_rollbackOnError(t *testing.T) {
	uow := NewMemoryUnitOfWork()
	c := &counter{n: 10}
	boom := errors.New("boom")

	err := uow.Within(context.Background(), func(ctx context.Context) error {
		c.add(ctx, 1)
		c.add(ctx, 5)
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 10, c.n)
}

func TestMemoryUnitOfWork_rollbackOnPanic(t *testing.T) {
	uow := NewMemoryUnitOfWork()
	c := &counter{n: 1}

	assert.Panics(t, func() {
		_ = uow.Within(context.Background(), func(ctx context.Context) error {
			c.add(ctx, 1)
			panic("step exploded")
		})
	})
	assert.Equal(t, 1, c.n)
}

func TestMemoryUnitOfWork_withinJoinsOuter(t *testing.T) {
	uow := NewMemoryUnitOfWork()
	c := &counter{}

	err := uow.Within(context.Background(), func(ctx context.Context) error {
		inner := uow.Within(ctx, func(ctx context.Context) error {
			c.add(ctx, 7)
			return nil
		})
		require.NoError(t, inner)
		return errors.New("outer fails")
	})
	require.Error(t, err)
	assert.Equal(t, 0, c.n, "joined write must roll back with the outer unit")
}

func TestMemoryUnitOfWork_autonomousSurvivesOuterRollback(t *testing.T) {
	uow := NewMemoryUnitOfWork()
	outer := &counter{}
	side := &counter{}

	err := uow.Within(context.Background(), func(ctx context.Context) error {
		outer.add(ctx, 1)
		require.NoError(t, uow.Autonomous(ctx, func(ctx context.Context) error {
			side.add(ctx, 1)
			return nil
		}))
		return errors.New("outer fails")
	})
	require.Error(t, err)
	assert.Equal(t, 0, outer.n)
	assert.Equal(t, 1, side.n)
}

func TestOnRollback_outsideTransaction(t *testing.T) {
	called := false
	OnRollback(context.Background(), func() { called = true })
	assert.False(t, called)
}
