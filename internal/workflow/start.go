package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/stepflow/model"
)

// IfExists says what Start does when the row already exists.
type IfExists string

// IfMissing says what Start does when no row exists.
type IfMissing string

// Start policies.
const (
	ExistsRun        IfExists = "run"
	ExistsNoActivity IfExists = "no_activity"
	ExistsError      IfExists = "error"

	MissingRun        IfMissing = "run"
	MissingNoActivity IfMissing = "no_activity"
	MissingError      IfMissing = "error"
)

// StartRequest creates or re-targets a row and optionally runs it.
type StartRequest struct {
	Ref       model.ExecutionRef
	IfExists  IfExists
	IfMissing IfMissing
	// RestartAtBeginning moves an existing row back to the first step.
	RestartAtBeginning bool
	// AtStep positions the row at a label. It wins over RestartAtBeginning.
	AtStep     string
	Parameters map[string]any
	// Delay parks the row instead of running it now.
	Delay time.Duration
}

// Start prepares the row for req.Ref under the run lock, then runs it
// unless a delay was requested or a policy said to do nothing.
func (e *Engine) Start(ctx context.Context, req StartRequest) (model.RunResult, error) {
	if req.IfExists == "" {
		req.IfExists = ExistsRun
	}
	if req.IfMissing == "" {
		req.IfMissing = MissingRun
	}

	ref := req.Ref
	def, err := e.definition(ctx, ref)
	if err != nil {
		return model.RunResult{}, err
	}
	if req.AtStep != "" && def.IndexOf(req.AtStep) < 0 {
		return model.RunResult{}, model.NewEngineError(model.ErrLabelNotFound,
			fmt.Sprintf("definition %q has no step labeled %q", def.ID, req.AtStep))
	}
	factory, _ := e.catalog.LookupFactory(def.FactoryName)
	res, runNow, err := e.prepare(ctx, def, factory, req)
	if err != nil {
		return model.RunResult{}, err
	}

	e.logger.Info("execution started",
		zap.Stringer("execution", ref),
		zap.String("step", res.Status.CurrentStep),
		zap.Bool("run_now", runNow),
	)
	if !runNow {
		return res, nil
	}
	return e.Run(ctx, ref)
}

// prepare creates or re-targets the row under the run lock. It commits in its
// own unit of work so the run that follows sees the row.
func (e *Engine) prepare(ctx context.Context, def *model.ProcessDefinition, factory model.ObjectFactory, req StartRequest) (model.RunResult, bool, error) {
	ref := req.Ref
	h, _, err := e.lock(ctx, def, factory, ref)
	if err != nil {
		return model.RunResult{}, false, err
	}
	defer h.Release(context.WithoutCancel(ctx))

	var (
		res    model.RunResult
		runNow bool
	)
	err = e.uow.Autonomous(ctx, func(ctx context.Context) error {
		now := e.opts.Now()
		st, err := e.store.Get(ctx, ref)
		switch {
		case model.IsNotFound(err):
			switch req.IfMissing {
			case MissingError:
				return model.NewEngineError(model.ErrNoExecution, fmt.Sprintf("execution %s does not exist", ref))
			case MissingNoActivity:
				res.Outcome = model.OutcomeNoop
				return nil
			}
			st = model.ExecutionStatus{
				ID:           uuid.NewString(),
				TenantID:     ref.TenantID,
				DefinitionID: ref.DefinitionID,
				TargetRef:    ref.TargetRef,
				CurrentStep:  def.FirstLabel(),
				State:        model.StatePending,
				Parameters:   model.Parameters(def.InitialParameters).Clone(),
				CreatedAt:    now,
				UpdatedAt:    now,
				Version:      1,
			}
			if req.AtStep != "" {
				st.CurrentStep = req.AtStep
			}
			st.Parameters.Merge(req.Parameters)
			e.applyDelay(&st, req.Delay, now)
			if err := e.store.Create(ctx, st); err != nil {
				return err
			}

		case err != nil:
			return err

		default:
			switch req.IfExists {
			case ExistsError:
				return model.NewEngineError(model.ErrExecutionExists, fmt.Sprintf("execution %s already exists", ref))
			case ExistsNoActivity:
				res.Outcome = model.OutcomeNoop
				res.Status = st
				return nil
			}
			if st.Parameters == nil {
				st.Parameters = model.Parameters{}
			}
			st.Parameters.Merge(req.Parameters)
			if req.RestartAtBeginning || req.AtStep != "" {
				// An operator restart reopens even a completed row.
				st.CurrentStep = def.FirstLabel()
				if req.AtStep != "" {
					st.CurrentStep = req.AtStep
				}
				st.State = model.StatePending
				st.ReturnCode = nil
				st.ErrorDetails = ""
				st.YieldUntil = nil
			}
			e.applyDelay(&st, req.Delay, now)
			st.UpdatedAt = now
			if err := e.store.Update(ctx, st); err != nil {
				return err
			}
			st.Version++
		}

		res.Status = st
		res.Outcome = model.OutcomeParked
		runNow = req.Delay <= 0
		return nil
	})
	if err != nil {
		return model.RunResult{}, false, err
	}
	return res, runNow, nil
}

func (e *Engine) applyDelay(st *model.ExecutionStatus, delay time.Duration, now time.Time) {
	if delay <= 0 {
		return
	}
	until := now.Add(delay)
	st.YieldUntil = &until
	if st.State == model.StatePending {
		st.State = model.StateParked
	}
}

// SingleStepRequest runs one labeled step without touching the status row.
type SingleStepRequest struct {
	TenantID     string
	DefinitionID string
	TargetRef    string
	Label        string
	Parameters   map[string]any
}

// SingleStepResult is what a dry-run step did.
type SingleStepResult struct {
	Label      string           `json:"label"`
	Result     string           `json:"result"`
	Jump       string           `json:"jump,omitempty"`
	Parameters model.Parameters `json:"parameters"`
}

// RunSingleStep executes one step against the object for inspection. No
// lock is taken and nothing is persisted or recorded. A structured failure
// is returned as *model.StepFailure.
func (e *Engine) RunSingleStep(ctx context.Context, req SingleStepRequest) (SingleStepResult, error) {
	ref := model.ExecutionRef{TenantID: req.TenantID, DefinitionID: req.DefinitionID, TargetRef: req.TargetRef}
	def, err := e.defs.Get(ctx, ref.TenantID, ref.DefinitionID)
	if err != nil {
		return SingleStepResult{}, err
	}
	label := req.Label
	if label == "" {
		label = def.FirstLabel()
	}
	idx := def.IndexOf(label)
	if idx < 0 {
		return SingleStepResult{}, model.NewEngineError(model.ErrLabelNotFound,
			fmt.Sprintf("definition %q has no step labeled %q", def.ID, label))
	}
	factory, ok := e.catalog.LookupFactory(def.FactoryName)
	if !ok {
		return SingleStepResult{}, model.NewEngineError(model.ErrFactoryNotFound,
			fmt.Sprintf("object factory %q is not registered", def.FactoryName))
	}
	data, err := factory.Read(ctx, ref.TargetRef, "", false)
	if err != nil {
		return SingleStepResult{}, fmt.Errorf("reading %s: %w", ref.TargetRef, err)
	}

	env := &runEnv{
		def:     def,
		factory: factory,
		data:    data,
		params:  model.Parameters(def.InitialParameters).Clone(),
		logger:  e.logger.With(zap.Stringer("execution", ref), zap.Bool("dry_run", true)),
	}
	env.params.Merge(req.Parameters)

	r, err := e.execStep(ctx, env, &def.Steps[idx], label)
	if err != nil {
		var raised *stepRaised
		if errors.As(err, &raised) {
			return SingleStepResult{}, raisedFailure(raised)
		}
		return SingleStepResult{}, err
	}
	if r.res == resFailed {
		return SingleStepResult{}, r.failure
	}
	return SingleStepResult{Label: label, Result: r.res.String(), Jump: r.jump, Parameters: env.params}, nil
}
