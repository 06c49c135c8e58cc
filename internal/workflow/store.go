package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/stepflow/model"
)

// StatusStore persists execution status rows. Implementations join the
// transaction carried by ctx when there is one.
type StatusStore interface {
	// Create persists a new row. Returns CONFLICT if a row with the same
	// (tenant, definition, target) identity already exists.
	Create(ctx context.Context, st model.ExecutionStatus) error

	// Get retrieves the row for ref. Returns NOT_FOUND if it doesn't exist.
	Get(ctx context.Context, ref model.ExecutionRef) (model.ExecutionStatus, error)

	// Update persists st with optimistic locking. st.Version must match the
	// stored version; the stored version becomes st.Version+1. Returns
	// CONFLICT if the version has changed and NOT_FOUND if the row is gone.
	Update(ctx context.Context, st model.ExecutionStatus) error

	// List returns a tenant's rows, newest first.
	List(ctx context.Context, tenantID string, filters model.ExecutionFilters) ([]model.ExecutionStatus, error)

	// FindDue returns PARKED and PENDING rows, and FAILED rows when asked,
	// whose yield_until is unset or not after cutoff, oldest yield first.
	FindDue(ctx context.Context, cutoff time.Time, filters model.DueFilters) ([]model.ExecutionStatus, error)
}

func dueStates(includeFailed bool) []model.ExecutionState {
	states := []model.ExecutionState{model.StatePending, model.StateParked}
	if includeFailed {
		states = append(states, model.StateFailed)
	}
	return states
}
