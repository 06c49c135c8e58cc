package txn

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the query surface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Beginner starts transactions. *pgxpool.Pool satisfies it.
type Beginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

type pgTxKey struct{}

// Querier returns the transaction carried by ctx, or fallback when there is
// none. Stores call it on every statement so they take part in the caller's
// unit of work.
func Querier(ctx context.Context, fallback DBTX) DBTX {
	if tx, ok := ctx.Value(pgTxKey{}).(pgx.Tx); ok {
		return tx
	}
	return fallback
}

// InPgTx reports whether ctx carries a Postgres transaction.
func InPgTx(ctx context.Context) bool {
	_, ok := ctx.Value(pgTxKey{}).(pgx.Tx)
	return ok
}

// PgUnitOfWork is a UnitOfWork backed by pgx transactions.
type PgUnitOfWork struct {
	db Beginner
}

// NewPgUnitOfWork creates a Postgres unit of work.
func NewPgUnitOfWork(db Beginner) *PgUnitOfWork {
	return &PgUnitOfWork{db: db}
}

// Within joins the transaction in ctx, or begins one.
func (u *PgUnitOfWork) Within(ctx context.Context, fn func(ctx context.Context) error) error {
	if InPgTx(ctx) {
		return fn(ctx)
	}
	return u.run(ctx, fn)
}

// Autonomous always begins a new transaction.
func (u *PgUnitOfWork) Autonomous(ctx context.Context, fn func(ctx context.Context) error) error {
	return u.run(ctx, fn)
}

func (u *PgUnitOfWork) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	tx, err := u.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err = fn(context.WithValue(ctx, pgTxKey{}, tx)); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
