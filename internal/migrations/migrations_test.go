package migrations

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

type recordingExecer struct {
	sql []string
	err error
}

func (r *recordingExecer) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	r.sql = append(r.sql, sql)
	return pgconn.CommandTag{}, r.err
}

func TestSchema_declaresTables(t *testing.T) {
	for _, table := range []string{"execution_status", "process_definitions", "step_locks"} {
		if !strings.Contains(Schema(), "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("schema does not create %s", table)
		}
	}
	if !strings.Contains(Schema(), "UNIQUE (tenant_id, definition_id, target_ref)") {
		t.Error("execution_status is missing its identity constraint")
	}
}

func TestApply(t *testing.T) {
	db := &recordingExecer{}
	if err := Apply(context.Background(), db); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(db.sql) != 1 || db.sql[0] != Schema() {
		t.Errorf("Apply() executed %d statements", len(db.sql))
	}

	db.err = errors.New("permission denied")
	if err := Apply(context.Background(), db); err == nil {
		t.Fatal("Apply() error = nil, want error")
	}
}
