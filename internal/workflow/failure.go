package workflow

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/pitabwire/stepflow/internal/txn"
	"github.com/pitabwire/stepflow/model"
)

// FailureRecorder writes FAILED status through an autonomous unit of work,
// so the write survives rollback of the caller's transaction.
type FailureRecorder struct {
	store   StatusStore
	uow     txn.UnitOfWork
	retries uint64
	backoff time.Duration
	timeout time.Duration
	maxLen  int
	now     func() time.Time
	logger  *zap.Logger
}

// Failure is one failure to record.
type Failure struct {
	Ref        model.ExecutionRef
	ReturnCode int
	Details    string
	// Step is the label the row should point at. Empty keeps the stored
	// label.
	Step string
	// CreateIfMissing inserts the row when it does not exist, which happens
	// when the rolled-back transaction was the one that created it.
	CreateIfMissing bool
}

func newFailureRecorder(store StatusStore, uow txn.UnitOfWork, opts Options) *FailureRecorder {
	return &FailureRecorder{
		store:   store,
		uow:     uow,
		retries: uint64(opts.FailureRetries),
		backoff: opts.FailureRetryInterval,
		timeout: opts.FailureTimeout,
		maxLen:  opts.ErrorDetailsMax,
		now:     opts.Now,
		logger:  opts.Logger,
	}
}

// Record applies f idempotently. It re-reads the row before every attempt
// and retries version conflicts. A row that has since completed is left
// alone and AdminDiscarded is returned.
func (r *FailureRecorder) Record(ctx context.Context, f Failure) (model.AdminResult, error) {
	// The caller's context may already be cancelled by the failure that
	// brought us here; the write must still happen.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	details := truncate(f.Details, r.maxLen)
	var result model.AdminResult

	b := retry.WithMaxRetries(r.retries, retry.NewConstant(r.backoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		err := r.uow.Autonomous(ctx, func(ctx context.Context) error {
			var err error
			result, err = r.apply(ctx, f, details)
			return err
		})
		if model.IsConflict(err) {
			r.logger.Debug("failure record conflict, retrying",
				zap.Stringer("execution", f.Ref),
				zap.Error(err),
			)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func (r *FailureRecorder) apply(ctx context.Context, f Failure, details string) (model.AdminResult, error) {
	now := r.now()
	rc := f.ReturnCode

	st, err := r.store.Get(ctx, f.Ref)
	if model.IsNotFound(err) {
		if !f.CreateIfMissing {
			return model.AdminNotFound, nil
		}
		st = model.ExecutionStatus{
			ID:           uuid.NewString(),
			TenantID:     f.Ref.TenantID,
			DefinitionID: f.Ref.DefinitionID,
			TargetRef:    f.Ref.TargetRef,
			CurrentStep:  f.Step,
			State:        model.StateFailed,
			ReturnCode:   &rc,
			ErrorDetails: details,
			Parameters:   model.Parameters{},
			CreatedAt:    now,
			UpdatedAt:    now,
			Version:      1,
		}
		// A concurrent creator surfaces as CONFLICT and is retried as an
		// update.
		if err := r.store.Create(ctx, st); err != nil {
			return "", err
		}
		return model.AdminApplied, nil
	}
	if err != nil {
		return "", err
	}

	if st.State == model.StateComplete {
		return model.AdminDiscarded, nil
	}

	next, err := transition(st.State, triggerFail)
	if err != nil {
		// Running is never committed; treat a stray value as a failed run.
		next = model.StateFailed
	}
	st.State = next
	st.ReturnCode = &rc
	st.ErrorDetails = details
	st.YieldUntil = nil
	if f.Step != "" {
		st.CurrentStep = f.Step
	}
	if err := r.store.Update(ctx, st); err != nil {
		return "", err
	}
	return model.AdminApplied, nil
}

// truncate bounds s to max bytes without splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
