package steps

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/stepflow/model"
)

func TestRegistry_builtins(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{StepNoop, StepLog, StepDone, StepHold} {
		if _, ok := r.LookupStep(name); !ok {
			t.Errorf("LookupStep(%q) not found", name)
		}
	}
}

func TestRegistry_RegisterStep(t *testing.T) {
	r := NewRegistry()
	s := Func{Factory: "invoice", Fn: func(context.Context, any, model.Parameters) (model.ReturnCode, error) {
		return model.ReturnDone, nil
	}}

	if err := r.RegisterStep("archive", s); err != nil {
		t.Fatalf("RegisterStep() error = %v", err)
	}
	if err := r.RegisterStep("archive", s); err == nil {
		t.Error("RegisterStep(duplicate) error = nil")
	}
	if err := r.RegisterStep("", s); err == nil {
		t.Error("RegisterStep(empty) error = nil")
	}

	got, ok := r.LookupStep("archive")
	if !ok {
		t.Fatal("LookupStep(archive) not found")
	}
	if name, typed := got.FactoryName(); !typed || name != "invoice" {
		t.Errorf("FactoryName() = %q, %v", name, typed)
	}
	if names := r.StepNames(); len(names) != 4 || names[0] != "archive" {
		t.Errorf("StepNames() = %v", names)
	}
}

func TestRegistry_factories(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterFactory("invoice", &MapFactory{}); err != nil {
		t.Fatalf("RegisterFactory() error = %v", err)
	}
	if err := r.RegisterFactory("invoice", &MapFactory{}); err == nil {
		t.Error("RegisterFactory(duplicate) error = nil")
	}
	if err := r.RegisterFactory("", &MapFactory{}); err == nil {
		t.Error("RegisterFactory(empty) error = nil")
	}

	if f, ok := r.LookupFactory(""); !ok || f != Unspecified {
		t.Error("LookupFactory(\"\") should return the unspecified factory")
	}
	if !r.HasFactory("invoice") || r.HasFactory("payroll") {
		t.Error("HasFactory() mismatch")
	}
	if got := r.FactoryNames(); len(got) != 1 || got[0] != "invoice" {
		t.Errorf("FactoryNames() = %v", got)
	}
}

func TestUnspecified(t *testing.T) {
	ctx := context.Background()
	ref, ok, err := Unspecified.LockRef(ctx, "target-1")
	if err != nil || ok || ref != "" {
		t.Errorf("LockRef() = %q, %v, %v", ref, ok, err)
	}
	data, err := Unspecified.Read(ctx, "target-1", "", false)
	if err != nil || data != nil {
		t.Errorf("Read() = %v, %v", data, err)
	}
	if _, err := Unspecified.Variable("status", nil); !model.IsCode(err, model.ErrInvalidVariable) {
		t.Errorf("Variable() error = %v, want INVALID_VARIABLE", err)
	}
}

func TestMapFactory(t *testing.T) {
	f := &MapFactory{
		Lock: true,
		Load: func(_ context.Context, ref string) (map[string]any, error) {
			return map[string]any{"id": ref, "customer": map[string]any{"tier": "gold"}}, nil
		},
	}
	ctx := context.Background()

	ref, ok, _ := f.LockRef(ctx, "inv-1")
	if !ok || ref != "inv-1" {
		t.Errorf("LockRef() = %q, %v", ref, ok)
	}
	data, err := f.Read(ctx, "inv-1", ref, true)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	v, err := f.Variable("customer.tier", data)
	if err != nil || v != "gold" {
		t.Errorf("Variable(customer.tier) = %v, %v", v, err)
	}
	v, err = f.Variable("customer.missing.deeper", data)
	if err != nil || v != nil {
		t.Errorf("Variable(missing) = %v, %v; want nil, nil", v, err)
	}
	if _, err := f.Variable("id.length", data); !model.IsCode(err, model.ErrInvalidVariable) {
		t.Errorf("Variable(id.length) error = %v, want INVALID_VARIABLE", err)
	}
}

func TestLogStep(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ctx := WithLogger(context.Background(), zap.New(core))

	step, _ := NewRegistry().LookupStep(StepLog)
	rc, err := step.Execute(ctx, nil, model.Parameters{"message": "reminder sent", "count": 2})
	if err != nil || rc != model.ReturnContinue {
		t.Fatalf("Execute() = %v, %v", rc, err)
	}

	entries := logs.All()
	if len(entries) != 1 || entries[0].Message != "reminder sent" {
		t.Fatalf("logs = %+v", entries)
	}
	if entries[0].ContextMap()["count"] != int64(2) {
		t.Errorf("fields = %v", entries[0].ContextMap())
	}
}

func TestFunc_defaultGuard(t *testing.T) {
	f := Func{Fn: func(context.Context, any, model.Parameters) (model.ReturnCode, error) {
		return model.ReturnContinue, nil
	}}
	if f.MayRun(context.Background(), nil, nil) != model.Runnable {
		t.Error("MayRun() without guard should be Runnable")
	}
	if _, typed := f.FactoryName(); typed {
		t.Error("FactoryName() typed = true for generic func")
	}
}
