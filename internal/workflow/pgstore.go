package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pitabwire/stepflow/internal/txn"
	"github.com/pitabwire/stepflow/model"
)

const statusColumns = `id, tenant_id, definition_id, target_ref,
	current_step, state, return_code, error_details, yield_until,
	parameters, created_at, updated_at, version`

// PgStatusStore is a PostgreSQL-backed StatusStore using pgx/v5. Queries run
// on the transaction carried by ctx when a txn.PgUnitOfWork opened one.
type PgStatusStore struct {
	db txn.DBTX
}

// NewPgStatusStore creates a new PostgreSQL status store.
func NewPgStatusStore(db txn.DBTX) *PgStatusStore {
	return &PgStatusStore{db: db}
}

// Create inserts a new row.
func (s *PgStatusStore) Create(ctx context.Context, st model.ExecutionStatus) error {
	paramsJSON, err := marshalParameters(st.Parameters)
	if err != nil {
		return err
	}

	_, err = txn.Querier(ctx, s.db).Exec(ctx, `
		INSERT INTO execution_status (
			id, tenant_id, definition_id, target_ref,
			current_step, state, return_code, error_details, yield_until,
			parameters, created_at, updated_at, version
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9,
			$10, $11, $12, $13
		)`,
		st.ID, st.TenantID, st.DefinitionID, st.TargetRef,
		st.CurrentStep, string(st.State), st.ReturnCode, st.ErrorDetails, st.YieldUntil,
		paramsJSON, st.CreatedAt, st.UpdatedAt, st.Version,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.NewConflictError(fmt.Sprintf("execution %s already exists", st.Ref()))
		}
		return fmt.Errorf("insert execution status: %w", err)
	}
	return nil
}

// Get retrieves a row by identity.
func (s *PgStatusStore) Get(ctx context.Context, ref model.ExecutionRef) (model.ExecutionStatus, error) {
	row := txn.Querier(ctx, s.db).QueryRow(ctx, `
		SELECT `+statusColumns+`
		FROM execution_status
		WHERE tenant_id = $1 AND definition_id = $2 AND target_ref = $3`,
		ref.TenantID, ref.DefinitionID, ref.TargetRef,
	)
	st, err := scanStatus(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ExecutionStatus{}, model.NewNotFoundError(fmt.Sprintf("execution %s not found", ref))
	}
	if err != nil {
		return model.ExecutionStatus{}, fmt.Errorf("query execution status: %w", err)
	}
	return st, nil
}

// Update persists a row with optimistic locking.
func (s *PgStatusStore) Update(ctx context.Context, st model.ExecutionStatus) error {
	paramsJSON, err := marshalParameters(st.Parameters)
	if err != nil {
		return err
	}

	tag, err := txn.Querier(ctx, s.db).Exec(ctx, `
		UPDATE execution_status SET
			current_step = $1,
			state = $2,
			return_code = $3,
			error_details = $4,
			yield_until = $5,
			parameters = $6,
			version = $7,
			updated_at = $8
		WHERE tenant_id = $9 AND definition_id = $10 AND target_ref = $11 AND version = $12`,
		st.CurrentStep, string(st.State), st.ReturnCode, st.ErrorDetails, st.YieldUntil,
		paramsJSON, st.Version+1, time.Now().UTC(),
		st.TenantID, st.DefinitionID, st.TargetRef, st.Version,
	)
	if err != nil {
		return fmt.Errorf("update execution status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("execution %s version conflict (expected %d)", st.Ref(), st.Version),
		)
	}
	return nil
}

// List returns a tenant's rows, newest first.
func (s *PgStatusStore) List(ctx context.Context, tenantID string, filters model.ExecutionFilters) ([]model.ExecutionStatus, error) {
	query := `SELECT ` + statusColumns + `
	          FROM execution_status
	          WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if filters.DefinitionID != "" {
		query += fmt.Sprintf(" AND definition_id = $%d", argIdx)
		args = append(args, filters.DefinitionID)
		argIdx++
	}
	if filters.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(filters.State))
		argIdx++
	}

	query += " ORDER BY created_at DESC, id"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	return s.queryStatuses(ctx, query, args...)
}

// FindDue returns rows whose yield has elapsed. The scan is served by the
// (state, yield_until) index.
func (s *PgStatusStore) FindDue(ctx context.Context, cutoff time.Time, filters model.DueFilters) ([]model.ExecutionStatus, error) {
	states := dueStates(filters.IncludeFailed)
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}

	query := `SELECT ` + statusColumns + `
	          FROM execution_status
	          WHERE state = ANY($1) AND (yield_until IS NULL OR yield_until <= $2)`
	args := []any{names, cutoff}
	argIdx := 3

	if filters.DefinitionID != "" {
		query += fmt.Sprintf(" AND definition_id = $%d", argIdx)
		args = append(args, filters.DefinitionID)
		argIdx++
	}

	query += " ORDER BY yield_until ASC NULLS FIRST, id"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
	}

	return s.queryStatuses(ctx, query, args...)
}

// Ping checks connectivity.
func (s *PgStatusStore) Ping(ctx context.Context) error {
	_, err := s.db.Exec(ctx, "SELECT 1")
	return err
}

// queryStatuses executes a query and returns execution rows.
func (s *PgStatusStore) queryStatuses(ctx context.Context, query string, args ...any) ([]model.ExecutionStatus, error) {
	rows, err := txn.Querier(ctx, s.db).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query execution statuses: %w", err)
	}
	defer rows.Close()

	var result []model.ExecutionStatus
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution status: %w", err)
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

func scanStatus(row pgx.Row) (model.ExecutionStatus, error) {
	var st model.ExecutionStatus
	var paramsJSON []byte
	var state string
	if err := row.Scan(
		&st.ID, &st.TenantID, &st.DefinitionID, &st.TargetRef,
		&st.CurrentStep, &state, &st.ReturnCode, &st.ErrorDetails, &st.YieldUntil,
		&paramsJSON, &st.CreatedAt, &st.UpdatedAt, &st.Version,
	); err != nil {
		return model.ExecutionStatus{}, err
	}
	st.State = model.ExecutionState(state)
	if len(paramsJSON) > 0 {
		dec := json.NewDecoder(bytes.NewReader(paramsJSON))
		dec.UseNumber()
		if err := dec.Decode(&st.Parameters); err != nil {
			return model.ExecutionStatus{}, fmt.Errorf("unmarshal parameters: %w", err)
		}
	}
	return st, nil
}

func marshalParameters(p model.Parameters) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}
	return b, nil
}
