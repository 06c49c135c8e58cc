// Package txn provides the unit-of-work abstraction the engine uses to group
// status writes. Within joins a transaction already carried by the context;
// Autonomous always starts a fresh one that commits independently of any
// outer transaction. The engine runs and prepares executions in Autonomous
// units; Within serves operations that may share a caller's transaction.
package txn

import "context"

// UnitOfWork runs functions inside a transaction.
type UnitOfWork interface {
	// Within runs fn in the transaction carried by ctx, or in a new one when
	// there is none. Returning an error or panicking rolls the new
	// transaction back.
	Within(ctx context.Context, fn func(ctx context.Context) error) error

	// Autonomous runs fn in a new transaction whose commit is independent of
	// any transaction carried by ctx.
	Autonomous(ctx context.Context, fn func(ctx context.Context) error) error
}
