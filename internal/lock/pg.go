package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/pitabwire/stepflow/internal/txn"
)

// PgBackend keeps leases in the step_locks table. It always talks to the
// pool directly so a lease is visible to other nodes as soon as it is taken,
// independent of any transaction the caller has open.
type PgBackend struct {
	db txn.DBTX
}

// NewPgBackend creates a Postgres lease backend. db is normally a
// *pgxpool.Pool.
func NewPgBackend(db txn.DBTX) *PgBackend {
	return &PgBackend{db: db}
}

// TryAcquire inserts the lease or takes over an expired or self-owned one.
func (b *PgBackend) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	tag, err := b.db.Exec(ctx, `
		INSERT INTO step_locks (lock_key, owner, expires_at)
		VALUES ($1, $2, now() + $3 * interval '1 millisecond')
		ON CONFLICT (lock_key) DO UPDATE
			SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
			WHERE step_locks.expires_at < now() OR step_locks.owner = EXCLUDED.owner`,
		key, owner, ttl.Milliseconds(),
	)
	if err != nil {
		return false, fmt.Errorf("acquire lock %q: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Renew extends the lease if owner still holds it.
func (b *PgBackend) Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	tag, err := b.db.Exec(ctx, `
		UPDATE step_locks SET expires_at = now() + $3 * interval '1 millisecond'
		WHERE lock_key = $1 AND owner = $2 AND expires_at >= now()`,
		key, owner, ttl.Milliseconds(),
	)
	if err != nil {
		return false, fmt.Errorf("renew lock %q: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release deletes the lease row if owner holds it.
func (b *PgBackend) Release(ctx context.Context, key, owner string) error {
	if _, err := b.db.Exec(ctx, `DELETE FROM step_locks WHERE lock_key = $1 AND owner = $2`, key, owner); err != nil {
		return fmt.Errorf("release lock %q: %w", key, err)
	}
	return nil
}

// Ping checks the connection.
func (b *PgBackend) Ping(ctx context.Context) error {
	var one int
	return b.db.QueryRow(ctx, `SELECT 1`).Scan(&one)
}
