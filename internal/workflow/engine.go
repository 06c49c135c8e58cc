package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/stepflow/internal/definition"
	"github.com/pitabwire/stepflow/internal/lock"
	"github.com/pitabwire/stepflow/internal/observability"
	"github.com/pitabwire/stepflow/internal/steps"
	"github.com/pitabwire/stepflow/internal/txn"
	"github.com/pitabwire/stepflow/model"
)

// Engine defaults.
const (
	DefaultMaxContinuations     = 100
	DefaultChainBackoff         = 5 * time.Second
	DefaultErrorDetailsMax      = 512
	DefaultForceWakeDelay       = 60 * time.Second
	DefaultFailureRetries       = 5
	DefaultFailureRetryInterval = 50 * time.Millisecond
	DefaultFailureTimeout       = 10 * time.Second
)

// Catalog resolves step and object factory implementations by name.
type Catalog interface {
	LookupStep(name string) (model.Step, bool)
	LookupFactory(name string) (model.ObjectFactory, bool)
}

// Options tunes an Engine. Zero values take the defaults above.
type Options struct {
	// MaxContinuations bounds CONTINUE outcomes per invocation. Past it the
	// row parks for ChainBackoff.
	MaxContinuations int
	ChainBackoff     time.Duration
	ErrorDetailsMax  int
	ForceWakeDefault time.Duration

	FailureRetries       int
	FailureRetryInterval time.Duration
	FailureTimeout       time.Duration

	Logger  *zap.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxContinuations <= 0 {
		o.MaxContinuations = DefaultMaxContinuations
	}
	if o.ChainBackoff <= 0 {
		o.ChainBackoff = DefaultChainBackoff
	}
	if o.ErrorDetailsMax <= 0 {
		o.ErrorDetailsMax = DefaultErrorDetailsMax
	}
	if o.ForceWakeDefault <= 0 {
		o.ForceWakeDefault = DefaultForceWakeDelay
	}
	if o.FailureRetries <= 0 {
		o.FailureRetries = DefaultFailureRetries
	}
	if o.FailureRetryInterval <= 0 {
		o.FailureRetryInterval = DefaultFailureRetryInterval
	}
	if o.FailureTimeout <= 0 {
		o.FailureTimeout = DefaultFailureTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	now := o.Now
	o.Now = func() time.Time { return now().UTC() }
	return o
}

// Engine drives process definitions against target objects. It is safe for
// concurrent use; runs on the same lock key are serialized by the lock
// coordinator.
type Engine struct {
	defs     definition.Store
	store    StatusStore
	catalog  Catalog
	locks    *lock.Coordinator
	uow      txn.UnitOfWork
	recorder *FailureRecorder
	opts     Options
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewEngine creates a new engine.
func NewEngine(
	defs definition.Store,
	store StatusStore,
	catalog Catalog,
	locks *lock.Coordinator,
	uow txn.UnitOfWork,
	opts Options,
) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		defs:     defs,
		store:    store,
		catalog:  catalog,
		locks:    locks,
		uow:      uow,
		recorder: newFailureRecorder(store, uow, opts),
		opts:     opts,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
}

// Recorder returns the failure side-channel.
func (e *Engine) Recorder() *FailureRecorder { return e.recorder }

// stepRaised carries an error or panic out of a step so the unit of work
// rolls back before the failure is recorded.
type stepRaised struct {
	label string
	err   error
}

func (r *stepRaised) Error() string { return fmt.Sprintf("step %q raised: %v", r.label, r.err) }
func (r *stepRaised) Unwrap() error { return r.err }

// Per-step results.
type result int

const (
	resContinue result = iota
	resDone
	resYield
	resYieldNext
	resNotRunnable
	resFailed
)

var resultNames = [...]string{"continue", "done", "yield", "yield_next", "not_runnable", "failed"}

func (r result) String() string { return resultNames[r] }

type stepResult struct {
	res     result
	jump    string
	commit  bool
	failure *model.StepFailure
}

func failed(rc int, code, details string) stepResult {
	return stepResult{res: resFailed, failure: &model.StepFailure{ReturnCode: rc, Code: code, Details: details}}
}

// runEnv is what one invocation's steps share.
type runEnv struct {
	def     *model.ProcessDefinition
	factory model.ObjectFactory
	data    any
	params  model.Parameters
	logger  *zap.Logger
}

// Run performs one invocation for ref. It returns a *model.StepFailure
// after recording FAILED status, a LOCK_BUSY envelope when another runner
// holds the lock, and other errors for infrastructure faults.
func (e *Engine) Run(ctx context.Context, ref model.ExecutionRef) (res model.RunResult, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "workflow.run",
		observability.AttrTenantID.String(ref.TenantID),
		observability.AttrDefinitionID.String(ref.DefinitionID),
		observability.AttrTargetRef.String(ref.TargetRef),
	)
	defer func() {
		outcome := string(res.Outcome)
		if err != nil && outcome == "" {
			outcome = "error"
		}
		span.SetAttributes(observability.AttrOutcome.String(outcome))
		observability.EndSpanWithError(span, err)
		e.metrics.RecordRun(ref.DefinitionID, outcome, time.Since(start))
	}()

	def, err := e.definition(ctx, ref)
	if err != nil {
		return model.RunResult{}, err
	}
	factory, _ := e.catalog.LookupFactory(def.FactoryName)

	h, lockRef, err := e.lock(ctx, def, factory, ref)
	if err != nil {
		return model.RunResult{}, err
	}
	defer h.Release(context.WithoutCancel(ctx))

	return e.runLocked(ctx, def, factory, lockRef, ref)
}

func (e *Engine) definition(ctx context.Context, ref model.ExecutionRef) (*model.ProcessDefinition, error) {
	def, err := e.defs.Get(ctx, ref.TenantID, ref.DefinitionID)
	if err != nil {
		return nil, err
	}
	if !def.Active {
		return nil, model.NewEngineError(model.ErrDefinitionInactive,
			fmt.Sprintf("definition %q is not active", def.ID))
	}
	return def, nil
}

// lock acquires the key the definition's mode and factory call for. It
// returns the factory's lock reference, if any.
func (e *Engine) lock(ctx context.Context, def *model.ProcessDefinition, factory model.ObjectFactory, ref model.ExecutionRef) (*lock.Handle, string, error) {
	key := "status:" + ref.TenantID + ":" + def.ID + ":" + ref.TargetRef
	var lockRef string
	if factory != nil {
		r, ok, err := factory.LockRef(ctx, ref.TargetRef)
		if err != nil {
			return nil, "", fmt.Errorf("resolving lock reference for %s: %w", ref, err)
		}
		if ok {
			lockRef = r
			key = "obj:" + ref.TenantID + ":" + r
		}
	}
	if def.EffectiveMode() == model.ModeExclusive {
		key = "def:" + ref.TenantID + ":" + def.ID
	}

	ctx, span := observability.StartSpan(ctx, "lock.acquire")
	var (
		h   *lock.Handle
		err error
	)
	if def.LockTimeout > 0 {
		h, err = e.locks.AcquireWithin(ctx, key, def.LockTimeout)
	} else {
		h, err = e.locks.Acquire(ctx, key)
	}
	observability.EndSpanWithError(span, err)
	if err != nil {
		return nil, "", err
	}
	return h, lockRef, nil
}

func (e *Engine) runLocked(ctx context.Context, def *model.ProcessDefinition, factory model.ObjectFactory, lockRef string, ref model.ExecutionRef) (model.RunResult, error) {
	logger := e.logger.With(
		zap.String("tenant_id", ref.TenantID),
		zap.String("definition_id", ref.DefinitionID),
		zap.String("target_ref", ref.TargetRef),
	)

	var (
		res     model.RunResult
		loaded  model.ExecutionStatus
		failure *model.StepFailure
	)
	// The run owns its unit of work. Joining a transaction carried by ctx
	// would leave the failure side-channel waiting on rows that unit holds.
	err := e.uow.Autonomous(ctx, func(ctx context.Context) error {
		st, err := e.loadOrCreate(ctx, def, ref)
		if err != nil {
			return err
		}
		loaded = st
		res.Status = st

		if st.State == model.StateComplete {
			res.Outcome = model.OutcomeNoop
			return nil
		}
		now := e.opts.Now()
		if !st.DueAt(now) {
			res.Outcome = model.OutcomeNotDue
			return nil
		}

		if factory == nil {
			failure = &model.StepFailure{
				ReturnCode: model.ReturnCodeFactoryNotFound,
				Code:       model.ErrFactoryNotFound,
				Details:    fmt.Sprintf("object factory %q is not registered", def.FactoryName),
			}
			res.Outcome = model.OutcomeFailed
			return nil
		}

		var loopErr error
		res, failure, loopErr = e.loop(ctx, def, factory, lockRef, st, logger)
		return loopErr
	})

	var raised *stepRaised
	switch {
	case errors.As(err, &raised):
		failure = raisedFailure(raised)
		logger.Error("step raised, recording failure",
			zap.String("step", raised.label),
			zap.Error(raised.err),
		)
		// loop hands back nothing on a raise; start from the row as loaded.
		res.Status = loaded
		return e.recordFailure(ctx, ref, res, failure, raised.label)
	case err != nil:
		return model.RunResult{}, err
	case failure != nil:
		return e.recordFailure(ctx, ref, res, failure, res.Status.CurrentStep)
	}

	logger.Info("run finished",
		zap.String("step", res.Status.CurrentStep),
		zap.String("outcome", string(res.Outcome)),
		zap.Int("steps", res.Steps),
	)
	return res, nil
}

func raisedFailure(r *stepRaised) *model.StepFailure {
	var sf *model.StepFailure
	if errors.As(r.err, &sf) {
		return &model.StepFailure{ReturnCode: sf.ReturnCode, Code: sf.Code, Details: sf.Details, Cause: r.err}
	}
	return &model.StepFailure{
		ReturnCode: model.ReturnCodeStepRaised,
		Code:       model.ErrStepFailed,
		Details:    r.err.Error(),
		Cause:      r.err,
	}
}

// recordFailure writes FAILED through the side-channel and returns the
// failure to the caller.
func (e *Engine) recordFailure(ctx context.Context, ref model.ExecutionRef, res model.RunResult, failure *model.StepFailure, label string) (model.RunResult, error) {
	failure.Details = truncate(failure.Details, e.opts.ErrorDetailsMax)
	e.metrics.RecordFailure(ref.DefinitionID, failure.Code)

	_, err := e.recorder.Record(ctx, Failure{
		Ref:             ref,
		ReturnCode:      failure.ReturnCode,
		Details:         failure.Details,
		Step:            label,
		CreateIfMissing: true,
	})
	if err != nil {
		e.logger.Error("recording failure status",
			zap.Stringer("execution", ref),
			zap.String("code", failure.Code),
			zap.Error(err),
		)
		return res, errors.Join(failure, fmt.Errorf("recording failure: %w", err))
	}

	rc := failure.ReturnCode
	res.Outcome = model.OutcomeFailed
	if st, err := e.store.Get(context.WithoutCancel(ctx), ref); err == nil {
		res.Status = st
	} else {
		res.Status.State = model.StateFailed
		res.Status.ReturnCode = &rc
		res.Status.ErrorDetails = failure.Details
		res.Status.YieldUntil = nil
		if label != "" {
			res.Status.CurrentStep = label
		}
	}
	e.logger.Warn("run failed",
		zap.Stringer("execution", ref),
		zap.String("step", label),
		zap.String("code", failure.Code),
		zap.Int("return_code", rc),
	)
	return res, failure
}

// loadOrCreate returns the row for ref, creating a PENDING row at the first
// step when none exists.
func (e *Engine) loadOrCreate(ctx context.Context, def *model.ProcessDefinition, ref model.ExecutionRef) (model.ExecutionStatus, error) {
	st, err := e.store.Get(ctx, ref)
	if err == nil || !model.IsNotFound(err) {
		return st, err
	}

	now := e.opts.Now()
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
	err = e.store.Create(ctx, st)
	if model.IsConflict(err) {
		return e.store.Get(ctx, ref)
	}
	return st, err
}

// loop runs steps until one ends the invocation and persists the row. A
// returned StepFailure has not been recorded yet; the row was saved with
// its original state.
func (e *Engine) loop(ctx context.Context, def *model.ProcessDefinition, factory model.ObjectFactory, lockRef string, st model.ExecutionStatus, logger *zap.Logger) (model.RunResult, *model.StepFailure, error) {
	orig := st
	if st.State == model.StateFailed {
		st.ReturnCode = nil
		st.ErrorDetails = ""
	}
	running, err := transition(st.State, triggerRun)
	if err != nil {
		return model.RunResult{}, nil, err
	}
	st.State = running

	data, err := factory.Read(ctx, st.TargetRef, lockRef, true)
	if err != nil {
		return model.RunResult{}, nil, fmt.Errorf("reading %s: %w", st.TargetRef, err)
	}

	env := &runEnv{
		def:     def,
		factory: factory,
		data:    data,
		params:  st.Parameters.Clone(),
		logger:  logger,
	}
	env.params.ClearOutcome()

	label := st.CurrentStep
	if label == "" || def.AlwaysRestartAtFirstStep {
		label = def.FirstLabel()
	}

	var (
		res           model.RunResult
		continuations int
	)
	for {
		idx := def.IndexOf(label)
		if idx < 0 {
			return e.keepProgress(ctx, orig, label, env, res,
				&model.StepFailure{
					ReturnCode: model.ReturnCodeStepNotFound,
					Code:       model.ErrStepNotFound,
					Details:    fmt.Sprintf("definition %q has no step labeled %q", def.ID, label),
				})
		}

		r, err := e.execTimed(ctx, env, &def.Steps[idx], label)
		if err != nil {
			return model.RunResult{}, nil, err
		}
		res.Steps++

		switch r.res {
		case resFailed:
			return e.keepProgress(ctx, orig, label, env, res, r.failure)

		case resNotRunnable:
			if err := e.persistProgress(ctx, &orig, label, env); err != nil {
				return model.RunResult{}, nil, err
			}
			res.Outcome = model.OutcomeNotRunnable
			res.Status = orig
			return res, nil, nil

		case resDone:
			return e.complete(ctx, st, label, env, res)

		case resYield, resYieldNext:
			until, ok := env.params.YieldUntil()
			if !ok {
				return e.keepProgress(ctx, orig, label, env, res,
					&model.StepFailure{
						ReturnCode: model.ReturnCodeNoErrorCode,
						Code:       model.ErrNoErrorCode,
						Details:    fmt.Sprintf("step %q yielded without a yield-until instant", label),
					})
			}
			if r.res == resYieldNext {
				next, ok := nextLabel(def, idx, "")
				if !ok {
					return e.complete(ctx, st, label, env, res)
				}
				label = next
			}
			return e.park(ctx, st, label, until, env, res)

		case resContinue:
			terminate := env.params.Terminate()
			env.params.ClearOutcome()
			next, ok := nextLabel(def, idx, r.jump)
			if !ok {
				return e.complete(ctx, st, label, env, res)
			}
			label = next
			if r.commit || terminate {
				return e.park(ctx, st, label, e.opts.Now(), env, res)
			}
			continuations++
			if continuations >= e.opts.MaxContinuations {
				logger.Warn("continuation limit reached, parking",
					zap.Int("limit", e.opts.MaxContinuations),
					zap.String("step", label),
				)
				return e.park(ctx, st, label, e.opts.Now().Add(e.opts.ChainBackoff), env, res)
			}
		}
	}
}

// nextLabel returns the explicit jump target, or the label after idx. ok
// is false past the last step.
func nextLabel(def *model.ProcessDefinition, idx int, jump string) (string, bool) {
	if jump != "" {
		return jump, true
	}
	if idx+1 >= len(def.Steps) {
		return "", false
	}
	return def.Steps[idx+1].Label, true
}

func (e *Engine) complete(ctx context.Context, st model.ExecutionStatus, label string, env *runEnv, res model.RunResult) (model.RunResult, *model.StepFailure, error) {
	rc, ok := env.params.ReturnCode()
	if !ok {
		rc = model.ReturnCodeOK
	}
	next, err := transition(st.State, triggerComplete)
	if err != nil {
		return model.RunResult{}, nil, err
	}
	st.State = next
	st.ReturnCode = &rc
	st.ErrorDetails = ""
	st.YieldUntil = nil
	if err := e.save(ctx, &st, label, env); err != nil {
		return model.RunResult{}, nil, err
	}
	res.Outcome = model.OutcomeCompleted
	res.Status = st
	return res, nil, nil
}

func (e *Engine) park(ctx context.Context, st model.ExecutionStatus, label string, until time.Time, env *runEnv, res model.RunResult) (model.RunResult, *model.StepFailure, error) {
	next, err := transition(st.State, triggerYield)
	if err != nil {
		return model.RunResult{}, nil, err
	}
	until = until.UTC()
	st.State = next
	st.YieldUntil = &until
	if err := e.save(ctx, &st, label, env); err != nil {
		return model.RunResult{}, nil, err
	}
	res.Outcome = model.OutcomeParked
	res.Status = st
	return res, nil, nil
}

// keepProgress saves label and parameters under the row's original state
// and hands the failure back for the side-channel.
func (e *Engine) keepProgress(ctx context.Context, orig model.ExecutionStatus, label string, env *runEnv, res model.RunResult, failure *model.StepFailure) (model.RunResult, *model.StepFailure, error) {
	if err := e.persistProgress(ctx, &orig, label, env); err != nil {
		return model.RunResult{}, nil, err
	}
	res.Outcome = model.OutcomeFailed
	res.Status = orig
	return res, failure, nil
}

func (e *Engine) persistProgress(ctx context.Context, st *model.ExecutionStatus, label string, env *runEnv) error {
	return e.save(ctx, st, label, env)
}

func (e *Engine) save(ctx context.Context, st *model.ExecutionStatus, label string, env *runEnv) error {
	if env.def.AlwaysRestartAtFirstStep {
		label = env.def.FirstLabel()
	}
	env.params.ClearOutcome()
	st.CurrentStep = label
	st.Parameters = env.params
	st.UpdatedAt = e.opts.Now()
	if err := e.store.Update(ctx, *st); err != nil {
		return err
	}
	st.Version++
	return nil
}

// execTimed runs one step inside a span and records its metrics.
func (e *Engine) execTimed(ctx context.Context, env *runEnv, cfg *model.StepConfig, label string) (stepResult, error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "workflow.step",
		observability.AttrStep.String(label),
		attribute.String("stepflow.kind", string(cfg.EffectiveKind())),
	)
	r, err := e.execStep(ctx, env, cfg, label)
	outcome := r.res.String()
	if err != nil {
		outcome = "raised"
	}
	span.SetAttributes(observability.AttrOutcome.String(outcome))
	observability.EndSpanWithError(span, err)
	e.metrics.RecordStep(env.def.ID, label, outcome, time.Since(start))
	env.logger.Debug("step finished",
		zap.String("step", label),
		zap.String("outcome", outcome),
	)
	return r, err
}

// execStep interprets one step config. Nested condition branches run
// through it too; they carry the label of the enclosing step.
func (e *Engine) execStep(ctx context.Context, env *runEnv, cfg *model.StepConfig, label string) (stepResult, error) {
	switch cfg.EffectiveKind() {
	case model.KindTask:
		return e.execTask(ctx, env, cfg, label)

	case model.KindCondition:
		ok, err := evaluate(cfg.Condition, env.factory, env.data, env.params)
		if err != nil {
			return failed(model.ReturnCodeInvalidVariable, model.ErrInvalidVariable,
				fmt.Sprintf("step %q: %v", label, err)), nil
		}
		branch := cfg.Else
		if ok {
			branch = cfg.Then
		}
		for i := range branch {
			r, err := e.execStep(ctx, env, &branch[i], label)
			if err != nil || r.res != resContinue || r.jump != "" || r.commit {
				return r, err
			}
		}
		return stepResult{res: resContinue}, nil

	case model.KindGoto:
		if env.def.IndexOf(cfg.Target) < 0 {
			return failed(model.ReturnCodeLabelNotFound, model.ErrLabelNotFound,
				fmt.Sprintf("step %q jumps to unknown label %q", label, cfg.Target)), nil
		}
		return stepResult{res: resContinue, jump: cfg.Target, commit: true}, nil

	case model.KindRestart:
		return stepResult{res: resContinue, jump: env.def.FirstLabel(), commit: true}, nil

	case model.KindYield:
		env.params.SetYieldUntil(e.opts.Now().Add(cfg.Wait))
		return stepResult{res: resYieldNext}, nil

	case model.KindSetParameters:
		env.params.Merge(cfg.Parameters)
		return stepResult{res: resContinue}, nil

	default:
		return failed(model.ReturnCodeStepNotFound, model.ErrStepNotFound,
			fmt.Sprintf("step %q has unknown kind %q", label, cfg.Kind)), nil
	}
}

func (e *Engine) execTask(ctx context.Context, env *runEnv, cfg *model.StepConfig, label string) (stepResult, error) {
	step, ok := e.catalog.LookupStep(cfg.Step)
	if !ok {
		return failed(model.ReturnCodeStepNotFound, model.ErrStepNotFound,
			fmt.Sprintf("step %q is not registered", cfg.Step)), nil
	}
	if cfg.FactoryName != "" && env.def.FactoryName != "" && cfg.FactoryName != env.def.FactoryName {
		return failed(model.ReturnCodeFactoryMismatch, model.ErrFactoryMismatch,
			fmt.Sprintf("step %q declares factory %q but definition uses %q", label, cfg.FactoryName, env.def.FactoryName)), nil
	}
	if name, typed := step.FactoryName(); typed && name != env.def.FactoryName {
		return failed(model.ReturnCodeFactoryMismatch, model.ErrFactoryMismatch,
			fmt.Sprintf("step %q expects factory %q, definition uses %q", cfg.Step, name, env.def.FactoryName)), nil
	}

	env.params.Merge(cfg.Parameters)
	ctx = steps.WithLogger(ctx, env.logger.With(zap.String("step", label)))

	var runnable model.RunnableCode
	if err := guard(label, func() { runnable = step.MayRun(ctx, env.data, env.params) }); err != nil {
		return stepResult{}, err
	}
	switch runnable {
	case model.Runnable:
	case model.Skip:
		return stepResult{res: resContinue}, nil
	case model.NotYet:
		return stepResult{res: resNotRunnable}, nil
	case model.Blocked:
		return errorOutcome(label, "blocked", env.params), nil
	default:
		return failed(model.ReturnCodeNoStatus, model.ErrNoStatus,
			fmt.Sprintf("step %q returned no runnable status", label)), nil
	}

	var (
		rc      model.ReturnCode
		execErr error
	)
	if err := guard(label, func() { rc, execErr = step.Execute(ctx, env.data, env.params) }); err != nil {
		return stepResult{}, err
	}
	if execErr != nil {
		return stepResult{}, &stepRaised{label: label, err: execErr}
	}

	switch rc {
	case model.ReturnContinue:
		return stepResult{res: resContinue}, nil
	case model.ReturnDone:
		return stepResult{res: resDone}, nil
	case model.ReturnYield:
		return stepResult{res: resYield}, nil
	case model.ReturnYieldNext:
		return stepResult{res: resYieldNext}, nil
	case model.ReturnError:
		return errorOutcome(label, "returned ERROR", env.params), nil
	default:
		return failed(model.ReturnCodeNoStatus, model.ErrNoStatus,
			fmt.Sprintf("step %q returned no status", label)), nil
	}
}

// errorOutcome builds the failure for ERROR and BLOCKED from the
// well-known parameters. A missing return code is an engine fault.
func errorOutcome(label, what string, params model.Parameters) stepResult {
	details := params.ErrorDetails()
	rc, ok := params.ReturnCode()
	if !ok {
		if details == "" {
			details = fmt.Sprintf("step %q %s without a return code", label, what)
		}
		return failed(model.ReturnCodeNoErrorCode, model.ErrNoErrorCode, details)
	}
	return failed(rc, model.ErrStepFailed, details)
}

// guard converts a panic in fn into a stepRaised error.
func guard(label string, fn func()) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &stepRaised{label: label, err: fmt.Errorf("panic: %v", p)}
		}
	}()
	fn()
	return nil
}

// Get returns the row for ref.
func (e *Engine) Get(ctx context.Context, ref model.ExecutionRef) (model.ExecutionStatus, error) {
	return e.store.Get(ctx, ref)
}

// List returns a tenant's rows.
func (e *Engine) List(ctx context.Context, tenantID string, filters model.ExecutionFilters) ([]model.ExecutionStatus, error) {
	return e.store.List(ctx, tenantID, filters)
}
