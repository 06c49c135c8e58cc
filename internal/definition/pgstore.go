package definition

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pitabwire/stepflow/internal/txn"
	"github.com/pitabwire/stepflow/model"
)

// PgStore is a PostgreSQL-backed Store keeping each definition as a JSONB
// document.
type PgStore struct {
	db        txn.DBTX
	validator *Validator
}

// NewPgStore creates a Postgres definition store.
func NewPgStore(db txn.DBTX, validator *Validator) *PgStore {
	if validator == nil {
		validator = NewValidator(nil)
	}
	return &PgStore{db: db, validator: validator}
}

// Get prefers the tenant's row over the shared one.
func (s *PgStore) Get(ctx context.Context, tenantID, id string) (*model.ProcessDefinition, error) {
	var body []byte
	var checksum string
	var updatedAt time.Time

	err := txn.Querier(ctx, s.db).QueryRow(ctx, `
		SELECT body, checksum, updated_at
		FROM process_definitions
		WHERE id = $1 AND tenant_id IN ($2, '')
		ORDER BY tenant_id DESC
		LIMIT 1`,
		id, tenantID,
	).Scan(&body, &checksum, &updatedAt)
	if err == pgx.ErrNoRows {
		return nil, model.NewNotFoundError(fmt.Sprintf("definition %q not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("query definition: %w", err)
	}
	return decodeDefinition(body, checksum, updatedAt)
}

// Save validates def and upserts it.
func (s *PgStore) Save(ctx context.Context, def *model.ProcessDefinition) error {
	if err := AsError(s.validator.ValidateOne("definition", def)); err != nil {
		return err
	}
	if def.Checksum == "" {
		def.Checksum = Fingerprint(def)
	}
	def.UpdatedAt = time.Now().UTC()

	body, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	_, err = txn.Querier(ctx, s.db).Exec(ctx, `
		INSERT INTO process_definitions (tenant_id, id, body, checksum, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, id) DO UPDATE
			SET body = EXCLUDED.body, checksum = EXCLUDED.checksum, updated_at = EXCLUDED.updated_at`,
		def.TenantID, def.ID, body, def.Checksum, def.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert definition: %w", err)
	}
	return nil
}

// List returns the tenant's effective definitions ordered by id.
func (s *PgStore) List(ctx context.Context, tenantID string) ([]*model.ProcessDefinition, error) {
	rows, err := txn.Querier(ctx, s.db).Query(ctx, `
		SELECT DISTINCT ON (id) body, checksum, updated_at
		FROM process_definitions
		WHERE tenant_id IN ($1, '')
		ORDER BY id, tenant_id DESC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("query definitions: %w", err)
	}
	defer rows.Close()

	var out []*model.ProcessDefinition
	for rows.Next() {
		var body []byte
		var checksum string
		var updatedAt time.Time
		if err := rows.Scan(&body, &checksum, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		def, err := decodeDefinition(body, checksum, updatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

// Ping checks the connection.
func (s *PgStore) Ping(ctx context.Context) error {
	var one int
	return s.db.QueryRow(ctx, `SELECT 1`).Scan(&one)
}

func decodeDefinition(body []byte, checksum string, updatedAt time.Time) (*model.ProcessDefinition, error) {
	var def model.ProcessDefinition
	if err := json.Unmarshal(body, &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	def.Checksum = checksum
	def.UpdatedAt = updatedAt
	return &def, nil
}
