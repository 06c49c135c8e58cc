package workflow

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/stepflow/internal/txn"
	"github.com/pitabwire/stepflow/model"
)

// MemoryStatusStore is an in-memory StatusStore for tests and single-node
// deployments. Writes made inside a txn.MemoryUnitOfWork are undone when
// that unit rolls back.
type MemoryStatusStore struct {
	mu   sync.RWMutex
	rows map[model.ExecutionRef]model.ExecutionStatus
	now  func() time.Time
}

// NewMemoryStatusStore creates a new in-memory status store.
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{
		rows: make(map[model.ExecutionRef]model.ExecutionStatus),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Create persists a new row.
func (s *MemoryStatusStore) Create(ctx context.Context, st model.ExecutionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := st.Ref()
	if _, exists := s.rows[ref]; exists {
		return model.NewConflictError(fmt.Sprintf("execution %s already exists", ref))
	}

	s.rows[ref] = cloneStatus(st)
	txn.OnRollback(ctx, func() {
		s.mu.Lock()
		delete(s.rows, ref)
		s.mu.Unlock()
	})
	return nil
}

// Get retrieves a row by identity.
func (s *MemoryStatusStore) Get(_ context.Context, ref model.ExecutionRef) (model.ExecutionStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, exists := s.rows[ref]
	if !exists {
		return model.ExecutionStatus{}, model.NewNotFoundError(fmt.Sprintf("execution %s not found", ref))
	}
	return cloneStatus(st), nil
}

// Update persists a row with optimistic locking.
func (s *MemoryStatusStore) Update(ctx context.Context, st model.ExecutionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := st.Ref()
	existing, exists := s.rows[ref]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("execution %s not found", ref))
	}

	// Optimistic lock check.
	if existing.Version != st.Version {
		return model.NewConflictError(
			fmt.Sprintf("execution %s version conflict (expected %d, got %d)", ref, st.Version, existing.Version),
		)
	}

	st.Version++
	st.UpdatedAt = s.now()
	s.rows[ref] = cloneStatus(st)
	txn.OnRollback(ctx, func() {
		s.mu.Lock()
		s.rows[ref] = existing
		s.mu.Unlock()
	})
	return nil
}

// List returns a tenant's rows, newest first.
func (s *MemoryStatusStore) List(_ context.Context, tenantID string, filters model.ExecutionFilters) ([]model.ExecutionStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ExecutionStatus
	for _, st := range s.rows {
		if st.TenantID != tenantID {
			continue
		}
		if filters.DefinitionID != "" && st.DefinitionID != filters.DefinitionID {
			continue
		}
		if filters.State != "" && st.State != filters.State {
			continue
		}
		result = append(result, cloneStatus(st))
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})

	// Apply offset and limit.
	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.ExecutionStatus{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// FindDue returns rows whose yield has elapsed, oldest yield first. Rows
// without a yield sort before all others.
func (s *MemoryStatusStore) FindDue(_ context.Context, cutoff time.Time, filters model.DueFilters) ([]model.ExecutionStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := dueStates(filters.IncludeFailed)
	var result []model.ExecutionStatus
	for _, st := range s.rows {
		if !slices.Contains(states, st.State) {
			continue
		}
		if filters.DefinitionID != "" && st.DefinitionID != filters.DefinitionID {
			continue
		}
		if !st.DueAt(cutoff) {
			continue
		}
		result = append(result, cloneStatus(st))
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i].YieldUntil, result[j].YieldUntil
		switch {
		case a == nil && b == nil:
			return result[i].ID < result[j].ID
		case a == nil:
			return true
		case b == nil:
			return false
		case a.Equal(*b):
			return result[i].ID < result[j].ID
		default:
			return a.Before(*b)
		}
	})

	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// Ping reports the store as healthy.
func (s *MemoryStatusStore) Ping(context.Context) error { return nil }

// Len returns the total number of rows. For testing.
func (s *MemoryStatusStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

func cloneStatus(st model.ExecutionStatus) model.ExecutionStatus {
	if st.Parameters != nil {
		st.Parameters = st.Parameters.Clone()
	}
	if st.ReturnCode != nil {
		rc := *st.ReturnCode
		st.ReturnCode = &rc
	}
	if st.YieldUntil != nil {
		y := *st.YieldUntil
		st.YieldUntil = &y
	}
	return st
}
