package workflow

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pitabwire/stepflow/internal/definition"
	"github.com/pitabwire/stepflow/internal/lock"
	"github.com/pitabwire/stepflow/internal/steps"
	"github.com/pitabwire/stepflow/internal/txn"
	"github.com/pitabwire/stepflow/model"
)

// --- Test helpers ---

type fixture struct {
	t       *testing.T
	engine  *Engine
	store   *MemoryStatusStore
	catalog *steps.Registry
	defs    *definition.Registry
	now     time.Time
}

func newFixture(t *testing.T, opts Options, defs ...*model.ProcessDefinition) *fixture {
	t.Helper()
	f := &fixture{
		t:       t,
		store:   NewMemoryStatusStore(),
		catalog: steps.NewRegistry(),
		defs:    definition.NewRegistry(defs, nil),
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	err := f.catalog.RegisterFactory("thing", &steps.MapFactory{
		Load: func(_ context.Context, ref string) (map[string]any, error) {
			return map[string]any{"id": ref, "status": "open"}, nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterFactory error: %v", err)
	}
	opts.Now = func() time.Time { return f.now }
	locks := lock.NewCoordinator(lock.NewMemoryBackend(), lock.Options{TTL: time.Minute})
	f.engine = NewEngine(f.defs, f.store, f.catalog, locks, txn.NewMemoryUnitOfWork(), opts)
	return f
}

func (f *fixture) step(name string, fn func(ctx context.Context, data any, params model.Parameters) (model.ReturnCode, error)) {
	f.t.Helper()
	if err := f.catalog.RegisterStep(name, steps.Func{Fn: fn}); err != nil {
		f.t.Fatalf("RegisterStep(%s) error: %v", name, err)
	}
}

func (f *fixture) guarded(name string, guard func(context.Context, any, model.Parameters) model.RunnableCode) {
	f.t.Helper()
	err := f.catalog.RegisterStep(name, steps.Func{
		Guard: guard,
		Fn: func(context.Context, any, model.Parameters) (model.ReturnCode, error) {
			return model.ReturnDone, nil
		},
	})
	if err != nil {
		f.t.Fatalf("RegisterStep(%s) error: %v", name, err)
	}
}

func (f *fixture) row(ref model.ExecutionRef) model.ExecutionStatus {
	f.t.Helper()
	st, err := f.store.Get(context.Background(), ref)
	if err != nil {
		f.t.Fatalf("Get(%s) error: %v", ref, err)
	}
	return st
}

func testDef(id string, cfgs ...model.StepConfig) *model.ProcessDefinition {
	return &model.ProcessDefinition{ID: id, FactoryName: "thing", Active: true, Steps: cfgs}
}

func task(label, step string) model.StepConfig {
	return model.StepConfig{Label: label, Step: step}
}

func testRef(def, target string) model.ExecutionRef {
	return model.ExecutionRef{TenantID: "tenant-1", DefinitionID: def, TargetRef: target}
}

func asFailure(t *testing.T, err error) *model.StepFailure {
	t.Helper()
	var sf *model.StepFailure
	if !errors.As(err, &sf) {
		t.Fatalf("error = %v (%T), want *model.StepFailure", err, err)
	}
	return sf
}

func continueStep(context.Context, any, model.Parameters) (model.ReturnCode, error) {
	return model.ReturnContinue, nil
}

// --- Run: outcomes ---

func TestEngine_Run_continueThenDone(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow", task("A", "cont"), task("B", steps.StepDone)))
	f.step("cont", continueStep)
	ref := testRef("flow", "obj-1")

	res, err := f.engine.Run(context.Background(), ref)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Outcome != model.OutcomeCompleted {
		t.Errorf("Outcome = %s, want completed", res.Outcome)
	}
	if res.Steps != 2 {
		t.Errorf("Steps = %d, want 2", res.Steps)
	}

	st := f.row(ref)
	if st.State != model.StateComplete {
		t.Errorf("State = %s, want complete", st.State)
	}
	if st.ReturnCode == nil || *st.ReturnCode != 0 {
		t.Errorf("ReturnCode = %v, want 0", st.ReturnCode)
	}
	if st.CurrentStep != "B" {
		t.Errorf("CurrentStep = %q, want B", st.CurrentStep)
	}
}

func TestEngine_Run_continuePastLastStepCompletes(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow", task("A", steps.StepNoop)))
	ref := testRef("flow", "obj-1")

	res, err := f.engine.Run(context.Background(), ref)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Outcome != model.OutcomeCompleted {
		t.Errorf("Outcome = %s, want completed", res.Outcome)
	}
	if st := f.row(ref); st.CurrentStep != "A" {
		t.Errorf("CurrentStep = %q, want A", st.CurrentStep)
	}
}

func TestEngine_Run_doneWithReturnCode(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow", task("A", "finish")))
	f.step("finish", func(_ context.Context, _ any, p model.Parameters) (model.ReturnCode, error) {
		p[model.ParamReturnCode] = 7
		return model.ReturnDone, nil
	})
	ref := testRef("flow", "obj-1")

	if _, err := f.engine.Run(context.Background(), ref); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	st := f.row(ref)
	if st.ReturnCode == nil || *st.ReturnCode != 7 {
		t.Errorf("ReturnCode = %v, want 7", st.ReturnCode)
	}
	if _, ok := st.Parameters[model.ParamReturnCode]; ok {
		t.Error("returnCode parameter should be consumed")
	}
}

func TestEngine_Run_errorOutcome(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow", task("A", "cont"), task("B", "reject")))
	f.step("cont", continueStep)
	f.step("reject", func(_ context.Context, _ any, p model.Parameters) (model.ReturnCode, error) {
		p.SetError(42, "bad input")
		return model.ReturnError, nil
	})
	ref := testRef("flow", "obj-1")

	res, err := f.engine.Run(context.Background(), ref)
	sf := asFailure(t, err)
	if sf.ReturnCode != 42 {
		t.Errorf("failure ReturnCode = %d, want 42", sf.ReturnCode)
	}
	if sf.Code != model.ErrStepFailed {
		t.Errorf("failure Code = %s, want %s", sf.Code, model.ErrStepFailed)
	}
	if res.Outcome != model.OutcomeFailed {
		t.Errorf("Outcome = %s, want failed", res.Outcome)
	}

	st := f.row(ref)
	if st.State != model.StateFailed {
		t.Errorf("State = %s, want failed", st.State)
	}
	if st.ReturnCode == nil || *st.ReturnCode != 42 {
		t.Errorf("ReturnCode = %v, want 42", st.ReturnCode)
	}
	if st.ErrorDetails != "bad input" {
		t.Errorf("ErrorDetails = %q, want %q", st.ErrorDetails, "bad input")
	}
	if st.CurrentStep != "B" {
		t.Errorf("CurrentStep = %q, want B", st.CurrentStep)
	}
}

func TestEngine_Run_errorWithoutReturnCode(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow", task("A", "reject")))
	f.step("reject", func(context.Context, any, model.Parameters) (model.ReturnCode, error) {
		return model.ReturnError, nil
	})
	ref := testRef("flow", "obj-1")

	_, err := f.engine.Run(context.Background(), ref)
	sf := asFailure(t, err)
	if sf.Code != model.ErrNoErrorCode {
		t.Errorf("Code = %s, want %s", sf.Code, model.ErrNoErrorCode)
	}
	if st := f.row(ref); st.ReturnCode == nil || *st.ReturnCode != model.ReturnCodeNoErrorCode {
		t.Errorf("ReturnCode = %v, want %d", st.ReturnCode, model.ReturnCodeNoErrorCode)
	}
}

func TestEngine_Run_unsetReturnCode(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow", task("A", "silent")))
	f.step("silent", func(context.Context, any, model.Parameters) (model.ReturnCode, error) {
		return model.ReturnUnset, nil
	})

	_, err := f.engine.Run(context.Background(), testRef("flow", "obj-1"))
	if sf := asFailure(t, err); sf.Code != model.ErrNoStatus {
		t.Errorf("Code = %s, want %s", sf.Code, model.ErrNoStatus)
	}
}

func TestEngine_Run_failedRowRetriesAndClearsError(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow", task("A", "flaky")))
	var calls atomic.Int32
	f.step("flaky", func(_ context.Context, _ any, p model.Parameters) (model.ReturnCode, error) {
		if calls.Add(1) == 1 {
			p.SetError(9, "first attempt")
			return model.ReturnError, nil
		}
		return model.ReturnDone, nil
	})
	ref := testRef("flow", "obj-1")

	if _, err := f.engine.Run(context.Background(), ref); err == nil {
		t.Fatal("expected failure on first run")
	}
	res, err := f.engine.Run(context.Background(), ref)
	if err != nil {
		t.Fatalf("second Run error: %v", err)
	}
	if res.Outcome != model.OutcomeCompleted {
		t.Errorf("Outcome = %s, want completed", res.Outcome)
	}
	st := f.row(ref)
	if st.ErrorDetails != "" {
		t.Errorf("ErrorDetails = %q, want empty", st.ErrorDetails)
	}
	if st.ReturnCode == nil || *st.ReturnCode != 0 {
		t.Errorf("ReturnCode = %v, want 0", st.ReturnCode)
	}
}

func TestEngine_Run_errorDetailsTruncated(t *testing.T) {
	f := newFixture(t, Options{ErrorDetailsMax: 8}, testDef("flow", task("A", "reject")))
	f.step("reject", func(_ context.Context, _ any, p model.Parameters) (model.ReturnCode, error) {
		p.SetError(1, strings.Repeat("x", 100))
		return model.ReturnError, nil
	})
	ref := testRef("flow", "obj-1")

	_, _ = f.engine.Run(context.Background(), ref)
	if st := f.row(ref); len(st.ErrorDetails) != 8 {
		t.Errorf("len(ErrorDetails) = %d, want 8", len(st.ErrorDetails))
	}
}

// --- Run: yields ---

func TestEngine_Run_yieldKeepsLabel(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow", task("A", "wait"), task("B", steps.StepDone)))
	var calls atomic.Int32
	f.step("wait", func(_ context.Context, _ any, p model.Parameters) (model.ReturnCode, error) {
		if calls.Add(1) == 1 {
			p.SetYieldUntil(f.now.Add(time.Hour))
			return model.ReturnYield, nil
		}
		return model.ReturnContinue, nil
	})
	ref := testRef("flow", "obj-1")
	ctx := context.Background()

	res, err := f.engine.Run(ctx, ref)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Outcome != model.OutcomeParked {
		t.Errorf("Outcome = %s, want parked", res.Outcome)
	}
	st := f.row(ref)
	if st.State != model.StateParked || st.CurrentStep != "A" {
		t.Errorf("row = %s at %q, want parked at A", st.State, st.CurrentStep)
	}
	if st.YieldUntil == nil || !st.YieldUntil.Equal(f.now.Add(time.Hour)) {
		t.Errorf("YieldUntil = %v, want %v", st.YieldUntil, f.now.Add(time.Hour))
	}
	if _, ok := st.Parameters[model.ParamYieldUntil]; ok {
		t.Error("yieldUntil parameter should be consumed")
	}

	res, err = f.engine.Run(ctx, ref)
	if err != nil {
		t.Fatalf("early Run error: %v", err)
	}
	if res.Outcome != model.OutcomeNotDue {
		t.Errorf("early Outcome = %s, want not_due", res.Outcome)
	}
	if calls.Load() != 1 {
		t.Errorf("step ran %d times before yield elapsed", calls.Load())
	}

	f.now = f.now.Add(2 * time.Hour)
	res, err = f.engine.Run(ctx, ref)
	if err != nil {
		t.Fatalf("resumed Run error: %v", err)
	}
	if res.Outcome != model.OutcomeCompleted {
		t.Errorf("resumed Outcome = %s, want completed", res.Outcome)
	}
}

func TestEngine_Run_yieldWithoutInstantFails(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow", task("A", "wait")))
	f.step("wait", func(context.Context, any, model.Parameters) (model.ReturnCode, error) {
		return model.ReturnYield, nil
	})

	_, err := f.engine.Run(context.Background(), testRef("flow", "obj-1"))
	if sf := asFailure(t, err); sf.Code != model.ErrNoErrorCode {
		t.Errorf("Code = %s, want %s", sf.Code, model.ErrNoErrorCode)
	}
}

func TestEngine_Run_yieldNextAdvances(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow",
		model.StepConfig{Label: "pause", Kind: model.KindYield, Wait: 10 * time.Minute},
		task("B", steps.StepDone),
	))
	ref := testRef("flow", "obj-1")

	res, err := f.engine.Run(context.Background(), ref)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Outcome != model.OutcomeParked {
		t.Errorf("Outcome = %s, want parked", res.Outcome)
	}
	st := f.row(ref)
	if st.CurrentStep != "B" {
		t.Errorf("CurrentStep = %q, want B", st.CurrentStep)
	}
	if st.YieldUntil == nil || !st.YieldUntil.Equal(f.now.Add(10*time.Minute)) {
		t.Errorf("YieldUntil = %v", st.YieldUntil)
	}
}

func TestEngine_Run_yieldNextOnLastStepCompletes(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow", task("A", "later")))
	f.step("later", func(_ context.Context, _ any, p model.Parameters) (model.ReturnCode, error) {
		p.SetYieldUntil(f.now.Add(time.Minute))
		return model.ReturnYieldNext, nil
	})

	res, err := f.engine.Run(context.Background(), testRef("flow", "obj-1"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Outcome != model.OutcomeCompleted {
		t.Errorf("Outcome = %s, want completed", res.Outcome)
	}
}

// --- Run: raised errors ---

func TestEngine_Run_raisedErrorSurvivesRollback(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow", task("A", "cont"), task("B", "explode")))
	f.step("cont", continueStep)
	f.step("explode", func(_ context.Context, _ any, p model.Parameters) (model.ReturnCode, error) {
		p["touched"] = true
		return model.ReturnUnset, errors.New("downstream unavailable")
	})
	ref := testRef("flow", "obj-1")

	_, err := f.engine.Run(context.Background(), ref)
	sf := asFailure(t, err)
	if sf.ReturnCode != model.ReturnCodeStepRaised {
		t.Errorf("ReturnCode = %d, want %d", sf.ReturnCode, model.ReturnCodeStepRaised)
	}
	if !strings.Contains(sf.Error(), "downstream unavailable") {
		t.Errorf("error = %q, want cause in message", sf.Error())
	}

	// The run's transaction created the row and rolled back; the failure
	// must still be visible.
	st := f.row(ref)
	if st.State != model.StateFailed {
		t.Errorf("State = %s, want failed", st.State)
	}
	if st.CurrentStep != "B" {
		t.Errorf("CurrentStep = %q, want B", st.CurrentStep)
	}
	if _, ok := st.Parameters["touched"]; ok {
		t.Error("parameters written by the failed step should be rolled back")
	}
}

func TestEngine_Run_panicIsRecorded(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow", task("A", "boom")))
	f.step("boom", func(context.Context, any, model.Parameters) (model.ReturnCode, error) {
		panic("nil map")
	})
	ref := testRef("flow", "obj-1")

	_, err := f.engine.Run(context.Background(), ref)
	sf := asFailure(t, err)
	if sf.ReturnCode != model.ReturnCodeStepRaised {
		t.Errorf("ReturnCode = %d, want %d", sf.ReturnCode, model.ReturnCodeStepRaised)
	}
	st := f.row(ref)
	if !strings.Contains(st.ErrorDetails, "panic") {
		t.Errorf("ErrorDetails = %q, want panic text", st.ErrorDetails)
	}
}

// --- Run: no-ops and engine faults ---

func TestEngine_Run_completeIsNoop(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow", task("A", "count")))
	var calls atomic.Int32
	f.step("count", func(context.Context, any, model.Parameters) (model.ReturnCode, error) {
		calls.Add(1)
		return model.ReturnDone, nil
	})
	ref := testRef("flow", "obj-1")
	ctx := context.Background()

	if _, err := f.engine.Run(ctx, ref); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	before := f.row(ref)

	res, err := f.engine.Run(ctx, ref)
	if err != nil {
		t.Fatalf("second Run error: %v", err)
	}
	if res.Outcome != model.OutcomeNoop {
		t.Errorf("Outcome = %s, want noop", res.Outcome)
	}
	if calls.Load() != 1 {
		t.Errorf("step ran %d times, want 1", calls.Load())
	}
	if after := f.row(ref); after.Version != before.Version {
		t.Errorf("Version changed from %d to %d", before.Version, after.Version)
	}
}

func TestEngine_Run_inactiveDefinition(t *testing.T) {
	def := testDef("flow", task("A", steps.StepDone))
	def.Active = false
	f := newFixture(t, Options{}, def)
	ref := testRef("flow", "obj-1")

	_, err := f.engine.Run(context.Background(), ref)
	if !model.IsCode(err, model.ErrDefinitionInactive) {
		t.Fatalf("error = %v, want %s", err, model.ErrDefinitionInactive)
	}
	if f.store.Len() != 0 {
		t.Errorf("store.Len() = %d, want 0", f.store.Len())
	}
}

func TestEngine_Run_unknownDefinition(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.engine.Run(context.Background(), testRef("missing", "obj-1"))
	if !model.IsNotFound(err) {
		t.Fatalf("error = %v, want NOT_FOUND", err)
	}
}

func TestEngine_Run_factoryNotFound(t *testing.T) {
	def := testDef("flow", task("A", steps.StepDone))
	def.FactoryName = "ghost"
	f := newFixture(t, Options{}, def)
	ref := testRef("flow", "obj-1")

	_, err := f.engine.Run(context.Background(), ref)
	if sf := asFailure(t, err); sf.Code != model.ErrFactoryNotFound {
		t.Errorf("Code = %s, want %s", sf.Code, model.ErrFactoryNotFound)
	}
	if st := f.row(ref); st.State != model.StateFailed {
		t.Errorf("State = %s, want failed", st.State)
	}
}

func TestEngine_Run_unregisteredStep(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow", task("A", "nope")))

	_, err := f.engine.Run(context.Background(), testRef("flow", "obj-1"))
	if sf := asFailure(t, err); sf.ReturnCode != model.ReturnCodeStepNotFound {
		t.Errorf("ReturnCode = %d, want %d", sf.ReturnCode, model.ReturnCodeStepNotFound)
	}
}

func TestEngine_Run_unknownStoredLabel(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow", task("A", steps.StepDone)))
	ref := testRef("flow", "obj-1")
	err := f.store.Create(context.Background(), model.ExecutionStatus{
		ID: "row-1", TenantID: ref.TenantID, DefinitionID: ref.DefinitionID, TargetRef: ref.TargetRef,
		CurrentStep: "gone", State: model.StatePending, Parameters: model.Parameters{}, Version: 1,
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	_, err = f.engine.Run(context.Background(), ref)
	if sf := asFailure(t, err); sf.Code != model.ErrStepNotFound {
		t.Errorf("Code = %s, want %s", sf.Code, model.ErrStepNotFound)
	}
	if st := f.row(ref); st.CurrentStep != "gone" {
		t.Errorf("CurrentStep = %q, want gone", st.CurrentStep)
	}
}

func TestEngine_Run_factoryMismatch(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow", task("A", "typed")))
	err := f.catalog.RegisterStep("typed", steps.Func{
		Factory: "invoice",
		Fn: func(context.Context, any, model.Parameters) (model.ReturnCode, error) {
			return model.ReturnDone, nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterStep error: %v", err)
	}

	_, err = f.engine.Run(context.Background(), testRef("flow", "obj-1"))
	if sf := asFailure(t, err); sf.Code != model.ErrFactoryMismatch {
		t.Errorf("Code = %s, want %s", sf.Code, model.ErrFactoryMismatch)
	}
}

// --- Run: MayRun ---

func TestEngine_Run_notYetKeepsProgress(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow", task("A", steps.StepNoop), task("B", "gate")))
	f.guarded("gate", func(context.Context, any, model.Parameters) model.RunnableCode { return model.NotYet })
	ref := testRef("flow", "obj-1")

	res, err := f.engine.Run(context.Background(), ref)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Outcome != model.OutcomeNotRunnable {
		t.Errorf("Outcome = %s, want not_runnable", res.Outcome)
	}
	st := f.row(ref)
	if st.State != model.StatePending {
		t.Errorf("State = %s, want pending", st.State)
	}
	if st.CurrentStep != "B" {
		t.Errorf("CurrentStep = %q, want B", st.CurrentStep)
	}
}

func TestEngine_Run_skipAdvances(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow", task("A", "gate"), task("B", steps.StepDone)))
	f.guarded("gate", func(context.Context, any, model.Parameters) model.RunnableCode { return model.Skip })

	res, err := f.engine.Run(context.Background(), testRef("flow", "obj-1"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Outcome != model.OutcomeCompleted || res.Status.CurrentStep != "B" {
		t.Errorf("result = %s at %q, want completed at B", res.Outcome, res.Status.CurrentStep)
	}
}

func TestEngine_Run_blockedFails(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow", task("A", "gate")))
	f.guarded("gate", func(context.Context, any, model.Parameters) model.RunnableCode { return model.Blocked })
	ref := testRef("flow", "obj-1")

	_, err := f.engine.Run(context.Background(), ref)
	if sf := asFailure(t, err); sf.Code != model.ErrNoErrorCode {
		t.Errorf("Code = %s, want %s", sf.Code, model.ErrNoErrorCode)
	}
	if st := f.row(ref); st.State != model.StateFailed {
		t.Errorf("State = %s, want failed", st.State)
	}
}

// --- Run: control flow ---

func TestEngine_Run_continuationLimitParks(t *testing.T) {
	f := newFixture(t, Options{MaxContinuations: 3}, testDef("flow",
		task("n1", steps.StepNoop),
		task("n2", steps.StepNoop),
		task("n3", steps.StepNoop),
		task("n4", steps.StepNoop),
		task("n5", steps.StepDone),
	))
	ref := testRef("flow", "obj-1")

	res, err := f.engine.Run(context.Background(), ref)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Outcome != model.OutcomeParked {
		t.Errorf("Outcome = %s, want parked", res.Outcome)
	}
	if res.Steps != 3 {
		t.Errorf("Steps = %d, want 3", res.Steps)
	}
	st := f.row(ref)
	if st.CurrentStep != "n4" {
		t.Errorf("CurrentStep = %q, want n4", st.CurrentStep)
	}
	if want := f.now.Add(DefaultChainBackoff); st.YieldUntil == nil || !st.YieldUntil.Equal(want) {
		t.Errorf("YieldUntil = %v, want %v", st.YieldUntil, want)
	}
}

func TestEngine_Run_gotoCommitsAndParks(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow",
		model.StepConfig{Label: "A", Kind: model.KindGoto, Target: "C"},
		task("B", "never"),
		task("C", steps.StepDone),
	))
	f.step("never", func(context.Context, any, model.Parameters) (model.ReturnCode, error) {
		t.Error("step B should be jumped over")
		return model.ReturnContinue, nil
	})
	ref := testRef("flow", "obj-1")
	ctx := context.Background()

	res, err := f.engine.Run(ctx, ref)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Outcome != model.OutcomeParked {
		t.Errorf("Outcome = %s, want parked", res.Outcome)
	}
	st := f.row(ref)
	if st.CurrentStep != "C" || st.YieldUntil == nil || !st.YieldUntil.Equal(f.now) {
		t.Errorf("row at %q until %v, want C until now", st.CurrentStep, st.YieldUntil)
	}

	res, err = f.engine.Run(ctx, ref)
	if err != nil {
		t.Fatalf("second Run error: %v", err)
	}
	if res.Outcome != model.OutcomeCompleted {
		t.Errorf("second Outcome = %s, want completed", res.Outcome)
	}
}

func TestEngine_Run_restartGoesToFirstStep(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow",
		task("A", steps.StepNoop),
		model.StepConfig{Label: "again", Kind: model.KindRestart},
	))
	ref := testRef("flow", "obj-1")

	if _, err := f.engine.Run(context.Background(), ref); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	st := f.row(ref)
	if st.State != model.StateParked || st.CurrentStep != "A" {
		t.Errorf("row = %s at %q, want parked at A", st.State, st.CurrentStep)
	}
}

func TestEngine_Run_terminateParksAfterContinue(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow", task("A", "stop"), task("B", steps.StepDone)))
	f.step("stop", func(_ context.Context, _ any, p model.Parameters) (model.ReturnCode, error) {
		p[model.ParamTerminate] = true
		return model.ReturnContinue, nil
	})
	ref := testRef("flow", "obj-1")

	res, err := f.engine.Run(context.Background(), ref)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Outcome != model.OutcomeParked {
		t.Errorf("Outcome = %s, want parked", res.Outcome)
	}
	st := f.row(ref)
	if st.CurrentStep != "B" {
		t.Errorf("CurrentStep = %q, want B", st.CurrentStep)
	}
	if _, ok := st.Parameters[model.ParamTerminate]; ok {
		t.Error("terminate parameter should be consumed")
	}
}

func TestEngine_Run_conditionBranches(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow",
		model.StepConfig{
			Label:     "route",
			Kind:      model.KindCondition,
			Condition: &model.Condition{Type: model.CondEquals, Variable: "status", Value: "open"},
			Then: []model.StepConfig{
				{Kind: model.KindSetParameters, Parameters: map[string]any{"routed": "open"}},
				{Kind: model.KindGoto, Target: "finish"},
			},
			Else: []model.StepConfig{{Kind: model.KindGoto, Target: "other"}},
		},
		task("other", steps.StepDone),
		task("finish", steps.StepDone),
	))
	ref := testRef("flow", "obj-1")

	if _, err := f.engine.Run(context.Background(), ref); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	st := f.row(ref)
	if st.CurrentStep != "finish" {
		t.Errorf("CurrentStep = %q, want finish", st.CurrentStep)
	}
	if st.Parameters["routed"] != "open" {
		t.Errorf("Parameters[routed] = %v, want open", st.Parameters["routed"])
	}
}

func TestEngine_Run_conditionInvalidVariable(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow",
		model.StepConfig{
			Label:     "route",
			Kind:      model.KindCondition,
			Condition: &model.Condition{Type: model.CondNull, Variable: "status.inner"},
		},
	))

	_, err := f.engine.Run(context.Background(), testRef("flow", "obj-1"))
	if sf := asFailure(t, err); sf.ReturnCode != model.ReturnCodeInvalidVariable {
		t.Errorf("ReturnCode = %d, want %d", sf.ReturnCode, model.ReturnCodeInvalidVariable)
	}
}

func TestEngine_Run_initialAndStaticParameters(t *testing.T) {
	def := testDef("flow", model.StepConfig{Label: "A", Step: "check", Parameters: map[string]any{"limit": 5}})
	def.InitialParameters = map[string]any{"region": "eu"}
	f := newFixture(t, Options{}, def)
	var seen model.Parameters
	f.step("check", func(_ context.Context, _ any, p model.Parameters) (model.ReturnCode, error) {
		seen = p.Clone()
		return model.ReturnDone, nil
	})

	if _, err := f.engine.Run(context.Background(), testRef("flow", "obj-1")); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if seen["region"] != "eu" || seen["limit"] != 5 {
		t.Errorf("params = %v, want region and limit", seen)
	}
}

func TestEngine_Run_alwaysRestartAtFirstStep(t *testing.T) {
	def := testDef("flow",
		task("A", steps.StepNoop),
		model.StepConfig{Label: "pause", Kind: model.KindYield, Wait: time.Minute},
		task("C", steps.StepDone),
	)
	def.AlwaysRestartAtFirstStep = true
	f := newFixture(t, Options{}, def)
	ref := testRef("flow", "obj-1")

	if _, err := f.engine.Run(context.Background(), ref); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if st := f.row(ref); st.CurrentStep != "A" {
		t.Errorf("CurrentStep = %q, want A", st.CurrentStep)
	}
}

// --- Serialization ---

func TestEngine_Run_serializationModes(t *testing.T) {
	tests := []struct {
		name     string
		mode     model.SerializationMode
		wantBusy bool
	}{
		{name: "per object runs in parallel", mode: model.ModePerObject, wantBusy: false},
		{name: "exclusive blocks other targets", mode: model.ModeExclusive, wantBusy: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := testDef("flow", task("A", "hold"))
			def.Mode = tt.mode
			f := newFixture(t, Options{}, def)

			entered := make(chan struct{})
			release := make(chan struct{})
			f.step("hold", func(_ context.Context, data any, _ model.Parameters) (model.ReturnCode, error) {
				if data.(map[string]any)["id"] == "t1" {
					close(entered)
					<-release
				}
				return model.ReturnDone, nil
			})

			ctx := context.Background()
			done := make(chan error, 1)
			go func() {
				_, err := f.engine.Run(ctx, testRef("flow", "t1"))
				done <- err
			}()
			<-entered

			_, err := f.engine.Run(ctx, testRef("flow", "t2"))
			close(release)
			if busy := model.IsCode(err, model.ErrLockBusy); busy != tt.wantBusy {
				t.Errorf("second run error = %v, want busy = %v", err, tt.wantBusy)
			}
			if err := <-done; err != nil {
				t.Errorf("first run error: %v", err)
			}
		})
	}
}

func TestEngine_Run_sameTargetIsBusy(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow", task("A", "hold")))
	entered := make(chan struct{})
	release := make(chan struct{})
	f.step("hold", func(context.Context, any, model.Parameters) (model.ReturnCode, error) {
		select {
		case <-entered:
		default:
			close(entered)
			<-release
		}
		return model.ReturnDone, nil
	})
	ref := testRef("flow", "t1")
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Run(ctx, ref)
		done <- err
	}()
	<-entered

	_, err := f.engine.Run(ctx, ref)
	close(release)
	if !model.IsCode(err, model.ErrLockBusy) {
		t.Errorf("error = %v, want %s", err, model.ErrLockBusy)
	}
	if err := <-done; err != nil {
		t.Errorf("first run error: %v", err)
	}
}

// --- Start ---

func TestEngine_Start_createsAndRuns(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow", task("A", "check")))
	var seen any
	f.step("check", func(_ context.Context, _ any, p model.Parameters) (model.ReturnCode, error) {
		seen = p["order"]
		return model.ReturnDone, nil
	})
	ref := testRef("flow", "obj-1")

	res, err := f.engine.Start(context.Background(), StartRequest{
		Ref:        ref,
		Parameters: map[string]any{"order": "ord-1"},
	})
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if res.Outcome != model.OutcomeCompleted {
		t.Errorf("Outcome = %s, want completed", res.Outcome)
	}
	if seen != "ord-1" {
		t.Errorf("params[order] = %v, want ord-1", seen)
	}
}

func TestEngine_Start_missingError(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow", task("A", steps.StepDone)))

	_, err := f.engine.Start(context.Background(), StartRequest{Ref: testRef("flow", "obj-1"), IfMissing: MissingError})
	if !model.IsCode(err, model.ErrNoExecution) {
		t.Fatalf("error = %v, want %s", err, model.ErrNoExecution)
	}
	if f.store.Len() != 0 {
		t.Errorf("store.Len() = %d, want 0", f.store.Len())
	}
}

func TestEngine_Start_delayParks(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow", task("A", steps.StepDone)))
	ref := testRef("flow", "obj-1")

	res, err := f.engine.Start(context.Background(), StartRequest{Ref: ref, Delay: 10 * time.Minute})
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if res.Outcome != model.OutcomeParked {
		t.Errorf("Outcome = %s, want parked", res.Outcome)
	}
	st := f.row(ref)
	if st.State != model.StateParked {
		t.Errorf("State = %s, want parked", st.State)
	}
	if st.YieldUntil == nil || !st.YieldUntil.Equal(f.now.Add(10*time.Minute)) {
		t.Errorf("YieldUntil = %v", st.YieldUntil)
	}
}

func TestEngine_Start_existingPolicies(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow", task("A", "count")))
	var calls atomic.Int32
	f.step("count", func(context.Context, any, model.Parameters) (model.ReturnCode, error) {
		calls.Add(1)
		return model.ReturnDone, nil
	})
	ref := testRef("flow", "obj-1")
	ctx := context.Background()

	if _, err := f.engine.Start(ctx, StartRequest{Ref: ref}); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	_, err := f.engine.Start(ctx, StartRequest{Ref: ref, IfExists: ExistsError})
	if !model.IsCode(err, model.ErrExecutionExists) {
		t.Errorf("error = %v, want %s", err, model.ErrExecutionExists)
	}

	res, err := f.engine.Start(ctx, StartRequest{Ref: ref, IfExists: ExistsNoActivity})
	if err != nil || res.Outcome != model.OutcomeNoop {
		t.Errorf("no_activity = (%s, %v), want noop", res.Outcome, err)
	}

	res, err = f.engine.Start(ctx, StartRequest{Ref: ref, RestartAtBeginning: true})
	if err != nil {
		t.Fatalf("restart error: %v", err)
	}
	if res.Outcome != model.OutcomeCompleted {
		t.Errorf("restart Outcome = %s, want completed", res.Outcome)
	}
	if calls.Load() != 2 {
		t.Errorf("step ran %d times, want 2", calls.Load())
	}
}

func TestEngine_Start_unknownAtStep(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow", task("A", steps.StepDone)))

	_, err := f.engine.Start(context.Background(), StartRequest{Ref: testRef("flow", "obj-1"), AtStep: "Z"})
	if !model.IsCode(err, model.ErrLabelNotFound) {
		t.Fatalf("error = %v, want %s", err, model.ErrLabelNotFound)
	}
}

type crashingStore struct {
	*MemoryStatusStore
	armed atomic.Bool
}

func (s *crashingStore) Create(ctx context.Context, st model.ExecutionStatus) error {
	if s.armed.Swap(false) {
		panic("store crashed")
	}
	return s.MemoryStatusStore.Create(ctx, st)
}

func TestEngine_Start_releasesLockWhenPrepareFails(t *testing.T) {
	defs := definition.NewRegistry([]*model.ProcessDefinition{testDef("flow", task("A", steps.StepDone))}, nil)
	catalog := steps.NewRegistry()
	if err := catalog.RegisterFactory("thing", &steps.MapFactory{}); err != nil {
		t.Fatalf("RegisterFactory error: %v", err)
	}
	store := &crashingStore{MemoryStatusStore: NewMemoryStatusStore()}
	store.armed.Store(true)
	locks := lock.NewCoordinator(lock.NewMemoryBackend(), lock.Options{TTL: time.Hour})
	engine := NewEngine(defs, store, catalog, locks, txn.NewMemoryUnitOfWork(), Options{})
	ref := testRef("flow", "obj-1")
	ctx := context.Background()

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("Start did not panic")
			}
		}()
		_, _ = engine.Start(ctx, StartRequest{Ref: ref})
	}()

	res, err := engine.Start(ctx, StartRequest{Ref: ref})
	if err != nil {
		t.Fatalf("Start after panic error: %v", err)
	}
	if res.Outcome != model.OutcomeCompleted {
		t.Errorf("Outcome = %s, want completed", res.Outcome)
	}
}

// --- Run: caller transactions ---

func TestEngine_Run_insideCallerTransaction(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow", task("A", "cont"), task("B", "explode")))
	f.step("cont", continueStep)
	f.step("explode", func(context.Context, any, model.Parameters) (model.ReturnCode, error) {
		return model.ReturnUnset, errors.New("downstream unavailable")
	})
	ref := testRef("flow", "obj-1")
	giveUp := errors.New("caller gives up")

	err := txn.NewMemoryUnitOfWork().Within(context.Background(), func(ctx context.Context) error {
		_, err := f.engine.Run(ctx, ref)
		asFailure(t, err)
		return giveUp
	})
	if !errors.Is(err, giveUp) {
		t.Fatalf("error = %v, want caller error", err)
	}

	// The run committed on its own; the caller's rollback must not erase
	// the row the failure was recorded on.
	st := f.row(ref)
	if st.State != model.StateFailed {
		t.Errorf("State = %s, want failed", st.State)
	}
	if st.CurrentStep != "B" {
		t.Errorf("CurrentStep = %q, want B", st.CurrentStep)
	}
}

func TestEngine_Run_raisedReturnsStoredStatus(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow", task("A", "cont"), task("B", "explode")))
	f.step("cont", continueStep)
	f.step("explode", func(context.Context, any, model.Parameters) (model.ReturnCode, error) {
		return model.ReturnUnset, errors.New("downstream unavailable")
	})
	ref := testRef("flow", "obj-1")

	res, err := f.engine.Run(context.Background(), ref)
	sf := asFailure(t, err)
	if n := strings.Count(sf.Error(), "downstream unavailable"); n != 1 {
		t.Errorf("error = %q, cause appears %d times, want 1", sf.Error(), n)
	}

	st := f.row(ref)
	if res.Status.ID == "" || res.Status.ID != st.ID {
		t.Errorf("Status.ID = %q, want stored %q", res.Status.ID, st.ID)
	}
	if res.Status.TenantID != ref.TenantID || res.Status.DefinitionID != ref.DefinitionID || res.Status.TargetRef != ref.TargetRef {
		t.Errorf("Status identity = %s, want %s", res.Status.Ref(), ref)
	}
	if res.Status.State != model.StateFailed || res.Status.CurrentStep != "B" {
		t.Errorf("Status = %s at %q, want failed at B", res.Status.State, res.Status.CurrentStep)
	}
	if res.Status.Version != st.Version {
		t.Errorf("Status.Version = %d, want stored %d", res.Status.Version, st.Version)
	}
	if res.Status.ReturnCode == nil || *res.Status.ReturnCode != model.ReturnCodeStepRaised {
		t.Errorf("Status.ReturnCode = %v, want %d", res.Status.ReturnCode, model.ReturnCodeStepRaised)
	}
}

// --- RunSingleStep ---

func TestEngine_RunSingleStep_persistsNothing(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow", task("A", "mark"), task("B", steps.StepDone)))
	f.step("mark", func(_ context.Context, _ any, p model.Parameters) (model.ReturnCode, error) {
		p["marked"] = true
		return model.ReturnContinue, nil
	})

	res, err := f.engine.RunSingleStep(context.Background(), SingleStepRequest{
		TenantID: "tenant-1", DefinitionID: "flow", TargetRef: "obj-1", Label: "A",
	})
	if err != nil {
		t.Fatalf("RunSingleStep error: %v", err)
	}
	if res.Result != "continue" {
		t.Errorf("Result = %q, want continue", res.Result)
	}
	if res.Parameters["marked"] != true {
		t.Errorf("Parameters = %v, want marked", res.Parameters)
	}
	if f.store.Len() != 0 {
		t.Errorf("store.Len() = %d, want 0", f.store.Len())
	}
}

// --- Get / List ---

func TestEngine_GetAndList_tenantIsolation(t *testing.T) {
	f := newFixture(t, Options{}, testDef("flow", task("A", steps.StepDone)))
	ctx := context.Background()
	for _, target := range []string{"a", "b"} {
		if _, err := f.engine.Run(ctx, testRef("flow", target)); err != nil {
			t.Fatalf("Run error: %v", err)
		}
	}

	rows, err := f.engine.List(ctx, "tenant-1", model.ExecutionFilters{})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("len(rows) = %d, want 2", len(rows))
	}
	rows, _ = f.engine.List(ctx, "tenant-2", model.ExecutionFilters{})
	if len(rows) != 0 {
		t.Errorf("tenant-2 rows = %d, want 0", len(rows))
	}

	other := model.ExecutionRef{TenantID: "tenant-2", DefinitionID: "flow", TargetRef: "a"}
	if _, err := f.engine.Get(ctx, other); !model.IsNotFound(err) {
		t.Errorf("Get error = %v, want NOT_FOUND", err)
	}
}
