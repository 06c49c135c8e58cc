package model

import (
	"strconv"
	"time"
)

// ExecutionState is the lifecycle state of one execution row.
type ExecutionState string

// Execution state constants. StateRunning only exists while a runner holds
// the lock; it is never committed.
const (
	StatePending  ExecutionState = "pending"
	StateRunning  ExecutionState = "running"
	StateParked   ExecutionState = "parked"
	StateComplete ExecutionState = "complete"
	StateFailed   ExecutionState = "failed"
)

// Terminal reports whether no further runs are expected without operator
// intervention.
func (s ExecutionState) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// ParkedIndefinitely is the yield-until sentinel for rows that only an
// operator can wake.
var ParkedIndefinitely = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

// ExecutionStatus is the durable, resumable state of one (target, definition)
// pair.
type ExecutionStatus struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	TargetRef    string         `json:"target_ref"`
	DefinitionID string         `json:"definition_id"`
	CurrentStep  string         `json:"current_step"`
	State        ExecutionState `json:"state"`
	ReturnCode   *int           `json:"return_code,omitempty"`
	ErrorDetails string         `json:"error_details,omitempty"`
	YieldUntil   *time.Time     `json:"yield_until,omitempty"`
	Parameters   Parameters     `json:"parameters,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Version      int            `json:"version"`
}

// Ref returns the identity of the row.
func (s ExecutionStatus) Ref() ExecutionRef {
	return ExecutionRef{TenantID: s.TenantID, DefinitionID: s.DefinitionID, TargetRef: s.TargetRef}
}

// DueAt reports whether the row may run at the given instant.
func (s ExecutionStatus) DueAt(now time.Time) bool {
	return s.YieldUntil == nil || !s.YieldUntil.After(now)
}

// ExecutionRef identifies one execution row.
type ExecutionRef struct {
	TenantID     string `json:"tenant_id"`
	DefinitionID string `json:"definition_id"`
	TargetRef    string `json:"target_ref"`
}

func (r ExecutionRef) String() string {
	return r.TenantID + "/" + r.DefinitionID + "/" + r.TargetRef
}

// ReturnCode is the outcome of Step.Execute. The zero value means the step
// returned no status, which the runner treats as an engine fault.
type ReturnCode int

// Return code variants.
const (
	ReturnUnset ReturnCode = iota
	ReturnContinue
	ReturnDone
	ReturnYield
	ReturnYieldNext
	ReturnError
)

func (c ReturnCode) String() string {
	switch c {
	case ReturnContinue:
		return "continue"
	case ReturnDone:
		return "done"
	case ReturnYield:
		return "yield"
	case ReturnYieldNext:
		return "yield_next"
	case ReturnError:
		return "error"
	default:
		return "unset(" + strconv.Itoa(int(c)) + ")"
	}
}

// RunnableCode is the answer of Step.MayRun. The zero value is an engine
// fault, like ReturnUnset.
type RunnableCode int

// Runnable code variants.
const (
	RunnableUnset RunnableCode = iota
	Runnable
	NotYet
	Blocked
	Skip
)

func (c RunnableCode) String() string {
	switch c {
	case Runnable:
		return "runnable"
	case NotYet:
		return "not_yet"
	case Blocked:
		return "blocked"
	case Skip:
		return "skip"
	default:
		return "unset(" + strconv.Itoa(int(c)) + ")"
	}
}

// Outcome is what a single run invocation did.
type Outcome string

// Outcome constants returned by the runner.
const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeParked      Outcome = "parked"
	OutcomeFailed      Outcome = "failed"
	OutcomeNotRunnable Outcome = "not_runnable"
	OutcomeNotDue      Outcome = "not_due"
	OutcomeNoop        Outcome = "noop"
)

// RunResult summarises one run invocation.
type RunResult struct {
	Outcome Outcome         `json:"outcome"`
	Status  ExecutionStatus `json:"status"`
	Steps   int             `json:"steps"`
}

// AdminResult is the result of an administrative operation on one row.
type AdminResult string

// Admin result constants.
const (
	AdminApplied   AdminResult = "applied"
	AdminNotFound  AdminResult = "not_found"
	AdminNotParked AdminResult = "not_parked"
	AdminDiscarded AdminResult = "discarded"
)

// ExecutionFilters are optional filters for listing execution rows.
type ExecutionFilters struct {
	DefinitionID string
	State        ExecutionState
	Limit        int
	Offset       int
}

// DueFilters narrow the scheduler's scan for rows whose yield has elapsed.
type DueFilters struct {
	DefinitionID  string
	IncludeFailed bool
	Limit         int
}
