package authz

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pitabwire/stepflow/model"
)

func testRctx(roles ...string) *model.RequestContext {
	return &model.RequestContext{
		SubjectID: "user-1",
		TenantID:  "tenant-1",
		Roles:     roles,
	}
}

// --- StaticPolicy tests ---

func TestStaticPolicy_Permissions(t *testing.T) {
	p, err := NewStaticPolicy("testdata/policy.yaml")
	if err != nil {
		t.Fatalf("NewStaticPolicy() error = %v", err)
	}

	perms := p.Permissions(testRctx("stepflow_viewer"))
	if !perms.Has(model.PermExecutionsRead) {
		t.Error("viewer should read executions")
	}
	if perms.Has(model.PermExecutionsAdmin) {
		t.Error("viewer should not administer executions")
	}
}

func TestStaticPolicy_MultipleRoles(t *testing.T) {
	p, _ := NewStaticPolicy("testdata/policy.yaml")
	perms := p.Permissions(testRctx("stepflow_viewer", "stepflow_runner"))

	if !perms.HasAll(model.PermExecutionsRead, model.PermExecutionsRun) {
		t.Errorf("combined roles = %v, want read and run", perms)
	}
}

func TestStaticPolicy_Wildcards(t *testing.T) {
	p, _ := NewStaticPolicy("testdata/policy.yaml")

	op := p.Permissions(testRctx("stepflow_operator"))
	if !op.HasAll(model.PermExecutionsAdmin, model.PermDefinitionsWrite, model.PermStepsDryRun) {
		t.Errorf("operator = %v, want executions, definitions, and dry run", op)
	}

	admin := p.Permissions(testRctx("stepflow_admin"))
	if !admin.Has("anything:at:all") {
		t.Error("admin with * should match everything")
	}
}

func TestStaticPolicy_UnknownRole(t *testing.T) {
	p, _ := NewStaticPolicy("testdata/policy.yaml")
	if perms := p.Permissions(testRctx("nonexistent")); len(perms) != 0 {
		t.Errorf("unknown role = %v, want empty", perms)
	}
}

func TestStaticPolicy_BadFile(t *testing.T) {
	if _, err := NewStaticPolicy("testdata/nonexistent.yaml"); err == nil {
		t.Fatal("expected error for missing policy file")
	}
}

func TestStaticPolicy_SyncKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("roles:\n  r: [executions:read]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err := NewStaticPolicy(path)
	if err != nil {
		t.Fatalf("NewStaticPolicy() error = %v", err)
	}

	if err := os.WriteFile(path, []byte("roles: [not a map"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := p.Sync(); err == nil {
		t.Fatal("Sync() should fail on invalid YAML")
	}
	if !p.Permissions(testRctx("r")).Has(model.PermExecutionsRead) {
		t.Error("previous policy should stay in force")
	}
	if p.Roles() != 1 {
		t.Errorf("Roles() = %d, want 1", p.Roles())
	}
}

// --- Resolver tests ---

type countingSource struct {
	calls int
	perms model.PermissionSet
}

func (s *countingSource) Permissions(*model.RequestContext) model.PermissionSet {
	s.calls++
	return s.perms
}

func TestResolver_Cache(t *testing.T) {
	src := &countingSource{perms: model.PermissionSet{model.PermExecutionsRead: true}}
	r := NewResolver(src, 5*time.Minute)
	rctx := testRctx("stepflow_viewer")

	for range 3 {
		perms, err := r.Resolve(rctx)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if !perms.Has(model.PermExecutionsRead) {
			t.Fatal("should have executions:read")
		}
	}
	if src.calls != 1 {
		t.Errorf("source calls = %d, want 1", src.calls)
	}

	// A different role set is a different entry.
	r.Resolve(testRctx("stepflow_admin"))
	if src.calls != 2 {
		t.Errorf("source calls = %d after new roles, want 2", src.calls)
	}
}

func TestResolver_Invalidate(t *testing.T) {
	src := &countingSource{perms: model.PermissionSet{}}
	r := NewResolver(src, 5*time.Minute)
	rctx := testRctx("stepflow_viewer")

	r.Resolve(rctx)
	r.Invalidate("user-1", "tenant-1")
	r.Resolve(rctx)

	if src.calls != 2 {
		t.Errorf("source calls = %d, want 2 after invalidate", src.calls)
	}
}

func TestResolver_TTLExpiry(t *testing.T) {
	src := &countingSource{perms: model.PermissionSet{}}
	r := NewResolver(src, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	rctx := testRctx()

	r.Resolve(rctx)
	now = now.Add(2 * time.Minute)
	r.Resolve(rctx)

	if src.calls != 2 {
		t.Errorf("source calls = %d, want 2 after expiry", src.calls)
	}
}

func TestResolver_NoCache(t *testing.T) {
	src := &countingSource{perms: model.PermissionSet{}}
	r := NewResolver(src, 0)

	r.Resolve(testRctx())
	r.Resolve(testRctx())

	if src.calls != 2 {
		t.Errorf("source calls = %d, want 2 without caching", src.calls)
	}
}
