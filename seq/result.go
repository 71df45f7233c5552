package seq

import (
	"fmt"

	"github.com/factorykit/cell-sequencer/types"
)

// Result is the tagged outcome a phase body reports back to the runner.
// A phase signals an expected test failure with Failf (an assertion on a
// measured value did not meet its limit) and a framework or code defect
// with Error; the two are kept distinct for downstream triage.
type Result struct {
	status types.Status
	reason string
	err    error
}

// Pass reports that the phase completed successfully.
func Pass() Result {
	return Result{status: types.StatusPass}
}

// Failf reports an expected test failure with a formatted reason.
func Failf(format string, args ...any) Result {
	return Result{status: types.StatusFail, reason: fmt.Sprintf(format, args...)}
}

// Error reports an unexpected defect inside the phase body.
func Error(err error) Result {
	return Result{status: types.StatusError, err: err}
}

// Status returns the tagged status of the result.
func (r Result) Status() types.Status { return r.status }

// FailureReason returns the reason attached by Failf.
func (r Result) FailureReason() string { return r.reason }

// Err returns the defect attached by Error.
func (r Result) Err() error { return r.err }

// Detail renders the failure reason or error for outcome reporting.
func (r Result) Detail() string {
	switch {
	case r.err != nil:
		return r.err.Error()
	default:
		return r.reason
	}
}
