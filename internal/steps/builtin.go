package steps

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/pitabwire/stepflow/internal/observability"
	"github.com/pitabwire/stepflow/model"
)

// Built-in step names.
const (
	StepNoop = "noop"
	StepLog  = "log"
	StepDone = "done"
	// StepHold parks the row at the next step until an operator wakes it.
	StepHold = "hold"
)

func builtins() map[string]model.Step {
	return map[string]model.Step{
		StepNoop: Func{Fn: func(context.Context, any, model.Parameters) (model.ReturnCode, error) {
			return model.ReturnContinue, nil
		}},
		StepDone: Func{Fn: func(context.Context, any, model.Parameters) (model.ReturnCode, error) {
			return model.ReturnDone, nil
		}},
		StepHold: Func{Fn: func(_ context.Context, _ any, p model.Parameters) (model.ReturnCode, error) {
			p.SetYieldUntil(model.ParkedIndefinitely)
			return model.ReturnYieldNext, nil
		}},
		StepLog: LogStep{},
	}
}

// Func adapts plain functions to model.Step. A nil Guard always allows
// the step to run.
type Func struct {
	Factory string
	Guard   func(ctx context.Context, data any, params model.Parameters) model.RunnableCode
	Fn      func(ctx context.Context, data any, params model.Parameters) (model.ReturnCode, error)
}

// FactoryName returns the configured factory.
func (f Func) FactoryName() (string, bool) { return f.Factory, f.Factory != "" }

// MayRun calls Guard.
func (f Func) MayRun(ctx context.Context, data any, params model.Parameters) model.RunnableCode {
	if f.Guard == nil {
		return model.Runnable
	}
	return f.Guard(ctx, data, params)
}

// Execute calls Fn.
func (f Func) Execute(ctx context.Context, data any, params model.Parameters) (model.ReturnCode, error) {
	return f.Fn(ctx, data, params)
}

type loggerKey struct{}

// WithLogger attaches the run logger so built-in steps can write to it.
func WithLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// Logger returns the run logger, or a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return l
	}
	return zap.NewNop()
}

// LogStep writes the run parameters at info, with sensitive keys redacted,
// and continues. The "message" parameter, when present, becomes the log
// message.
type LogStep struct{}

// FactoryName reports that the step is generic.
func (LogStep) FactoryName() (string, bool) { return "", false }

// MayRun always allows the step.
func (LogStep) MayRun(context.Context, any, model.Parameters) model.RunnableCode {
	return model.Runnable
}

// Execute logs and continues.
func (LogStep) Execute(ctx context.Context, _ any, params model.Parameters) (model.ReturnCode, error) {
	msg, _ := params["message"].(string)
	if msg == "" {
		msg = "step log"
	}
	redacted := observability.RedactBody(params, nil)
	keys := make([]string, 0, len(redacted))
	for k := range redacted {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		if k == "message" {
			continue
		}
		fields = append(fields, zap.Any(k, redacted[k]))
	}
	Logger(ctx).Info(msg, fields...)
	return model.ReturnContinue, nil
}
