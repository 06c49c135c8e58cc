package workflow

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/pitabwire/stepflow/internal/definition"
	"github.com/pitabwire/stepflow/model"
)

// ForceWake moves the yield of a pending or parked row to until, or to now
// plus the configured default when until is nil. It never creates rows.
func (e *Engine) ForceWake(ctx context.Context, ref model.ExecutionRef, until *time.Time) (model.AdminResult, error) {
	target := e.opts.Now().Add(e.opts.ForceWakeDefault)
	if until != nil {
		target = until.UTC()
	}

	var result model.AdminResult
	b := retry.WithMaxRetries(uint64(e.opts.FailureRetries), retry.NewConstant(e.opts.FailureRetryInterval))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		err := e.uow.Within(ctx, func(ctx context.Context) error {
			st, err := e.store.Get(ctx, ref)
			if model.IsNotFound(err) {
				result = model.AdminNotFound
				return nil
			}
			if err != nil {
				return err
			}
			if !canFire(st.State, triggerWake) {
				result = model.AdminNotParked
				return nil
			}
			st.YieldUntil = &target
			st.UpdatedAt = e.opts.Now()
			if err := e.store.Update(ctx, st); err != nil {
				return err
			}
			result = model.AdminApplied
			return nil
		})
		if model.IsConflict(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return "", err
	}

	e.metrics.RecordAdminOperation("force_wake", string(result))
	e.logger.Info("force wake",
		zap.Stringer("execution", ref),
		zap.Time("yield_until", target),
		zap.String("result", string(result)),
	)
	return result, nil
}

// ForceError marks a row FAILED with the given code. It goes through the
// same side-channel as step failures and never creates rows.
func (e *Engine) ForceError(ctx context.Context, ref model.ExecutionRef, returnCode int, details string) (model.AdminResult, error) {
	result, err := e.recorder.Record(ctx, Failure{
		Ref:        ref,
		ReturnCode: returnCode,
		Details:    details,
	})
	if err != nil {
		return "", err
	}

	e.metrics.RecordAdminOperation("force_error", string(result))
	e.logger.Info("force error",
		zap.Stringer("execution", ref),
		zap.Int("return_code", returnCode),
		zap.String("result", string(result)),
	)
	return result, nil
}

// SetSerializationMode changes how runs of a definition may overlap for the
// tenant. Runs already holding a lock finish under the old key.
func (e *Engine) SetSerializationMode(ctx context.Context, tenantID, definitionID string, mode model.SerializationMode) (*model.ProcessDefinition, error) {
	def, err := definition.SetMode(ctx, e.defs, tenantID, definitionID, mode)
	result := "applied"
	if err != nil {
		result = "error"
	}
	e.metrics.RecordAdminOperation("set_mode", result)
	if err != nil {
		return nil, err
	}
	e.logger.Info("serialization mode changed",
		zap.String("tenant_id", tenantID),
		zap.String("definition_id", definitionID),
		zap.String("mode", string(mode)),
	)
	return def, nil
}
