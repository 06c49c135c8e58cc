package workflow

import (
	"context"
	"fmt"

	"github.com/qmuntal/stateless"

	"github.com/pitabwire/stepflow/model"
)

// Lifecycle triggers.
const (
	triggerRun      = "run"
	triggerYield    = "yield"
	triggerComplete = "complete"
	triggerFail     = "fail"
	triggerWake     = "wake"
)

// newLifecycle returns a state machine whose state lives in *state. The
// engine keeps the state on the status row and only uses the machine to
// reject illegal moves.
func newLifecycle(state *model.ExecutionState) *stateless.StateMachine {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) { return *state, nil },
		func(_ context.Context, s stateless.State) error {
			*state = s.(model.ExecutionState)
			return nil
		},
		stateless.FiringImmediate,
	)

	sm.Configure(model.StatePending).
		Permit(triggerRun, model.StateRunning).
		Permit(triggerFail, model.StateFailed).
		PermitReentry(triggerWake)

	sm.Configure(model.StateParked).
		Permit(triggerRun, model.StateRunning).
		Permit(triggerFail, model.StateFailed).
		PermitReentry(triggerWake)

	sm.Configure(model.StateFailed).
		Permit(triggerRun, model.StateRunning).
		PermitReentry(triggerFail)

	sm.Configure(model.StateRunning).
		Permit(triggerYield, model.StateParked).
		Permit(triggerComplete, model.StateComplete).
		Permit(triggerFail, model.StateFailed)

	// Complete is terminal.
	sm.Configure(model.StateComplete)

	return sm
}

// transition returns the state reached by firing trigger in from.
func transition(from model.ExecutionState, trigger string) (model.ExecutionState, error) {
	state := from
	if err := newLifecycle(&state).Fire(trigger); err != nil {
		return from, fmt.Errorf("execution in state %s cannot %s: %w", from, trigger, err)
	}
	return state, nil
}

// canFire reports whether trigger is legal in from.
func canFire(from model.ExecutionState, trigger string) bool {
	_, err := transition(from, trigger)
	return err == nil
}
