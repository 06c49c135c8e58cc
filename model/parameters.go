package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Well-known parameter keys. The runner consumes and removes them after
// each step.
const (
	ParamYieldUntil   = "yieldUntil"
	ParamReturnCode   = "returnCode"
	ParamErrorDetails = "errorDetails"
	ParamTerminate    = "terminate"
)

// Parameters is the free-form map a step reads and writes during a run. It
// is persisted on the execution row between invocations.
type Parameters map[string]any

// Clone returns a shallow copy. A nil receiver yields an empty map.
func (p Parameters) Clone() Parameters {
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge copies every entry of src into p, overwriting existing keys.
func (p Parameters) Merge(src map[string]any) {
	for k, v := range src {
		p[k] = v
	}
}

// SetYieldUntil stores the instant the next run may start.
func (p Parameters) SetYieldUntil(t time.Time) {
	p[ParamYieldUntil] = t.UTC()
}

// SetError stores a business return code and details for an ERROR outcome.
func (p Parameters) SetError(code int, details string) {
	p[ParamReturnCode] = code
	if details != "" {
		p[ParamErrorDetails] = details
	}
}

// YieldUntil returns the yield instant. Besides time.Time it accepts an
// RFC3339 string and epoch milliseconds, which is how older callers and
// JSON round trips deliver it.
func (p Parameters) YieldUntil() (time.Time, bool) {
	v, ok := p[ParamYieldUntil]
	if !ok || v == nil {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			if ms, perr := strconv.ParseInt(t, 10, 64); perr == nil {
				return time.UnixMilli(ms).UTC(), true
			}
			return time.Time{}, false
		}
		return parsed.UTC(), true
	}
	if ms, ok := integral(v); ok {
		return time.UnixMilli(ms).UTC(), true
	}
	return time.Time{}, false
}

// ReturnCode returns the integral return code, if one is present.
func (p Parameters) ReturnCode() (int, bool) {
	v, ok := p[ParamReturnCode]
	if !ok || v == nil {
		return 0, false
	}
	n, ok := integral(v)
	return int(n), ok
}

// ErrorDetails returns the error details as text.
func (p Parameters) ErrorDetails() string {
	v, ok := p[ParamErrorDetails]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Terminate reports whether the step asked the runner to stop after a
// CONTINUE.
func (p Parameters) Terminate() bool {
	b, _ := p[ParamTerminate].(bool)
	return b
}

// ClearOutcome removes the keys the runner consumes.
func (p Parameters) ClearOutcome() {
	delete(p, ParamYieldUntil)
	delete(p, ParamReturnCode)
	delete(p, ParamErrorDetails)
	delete(p, ParamTerminate)
}

func integral(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
