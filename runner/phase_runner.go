// Package runner contains the test execution engine: the phase runner
// state machine, the per-cell concurrent executor and the starter that
// owns and coordinates all cells.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/factorykit/cell-sequencer/metrics"
	"github.com/factorykit/cell-sequencer/seq"
	"github.com/factorykit/cell-sequencer/types"
)

// PhaseRunner executes one phase descriptor against one cell's live state,
// enforcing the phase's timeout and run condition.
//
// Each phase execution moves through
//
//	pending -> skipped                       run condition evaluated false
//	pending -> running -> pass/fail/error    body returned a tagged result
//	pending -> running -> timeout            body abandoned past its deadline
//
// A timed-out body is not forcibly terminated: it keeps running on its own
// goroutine until it eventually returns, and any resources it holds may
// leak until then. Its late result is discarded.
type PhaseRunner struct {
	stationID string
	log       log.Logger
	tracer    trace.Tracer
}

// NewPhaseRunner creates a phase runner for one station.
func NewPhaseRunner(stationID string, logger log.Logger) *PhaseRunner {
	return &PhaseRunner{
		stationID: stationID,
		log:       logger,
		tracer:    otel.Tracer("phase runner"),
	}
}

// Run executes a single phase and returns its outcome. It never returns an
// error: defects inside the phase body are captured into the outcome so
// the cell keeps making forward progress.
func (r *PhaseRunner) Run(ctx context.Context, d seq.PhaseDescriptor, st *seq.State) types.PhaseOutcome {
	outcome := types.PhaseOutcome{
		Name:      d.Name(),
		Status:    types.StatusPending,
		StartTime: time.Now(),
	}

	if cond := d.RunCondition(); cond != nil && !cond(st) {
		outcome.Status = types.StatusSkipped
		outcome.EndTime = outcome.StartTime
		r.log.Debug("Phase skipped by run condition", "phase", d.Name(), "cell", st.CellID())
		metrics.RecordPhase(r.stationID, st.CellID(), d.Name(), outcome.Status)
		return outcome
	}

	ctx, span := r.tracer.Start(ctx, fmt.Sprintf("phase %s", d.Name()))
	defer span.End()

	outcome.Status = types.StatusRunning
	st.BeginPhase(d)

	phaseCtx := ctx
	var cancel context.CancelFunc
	if d.Timeout() > 0 {
		phaseCtx, cancel = context.WithTimeout(ctx, d.Timeout())
		defer cancel()
	}

	r.log.Info("Running phase", "phase", d.Name(), "cell", st.CellID(), "timeout", d.Timeout())

	// Buffered so an abandoned body can deliver its late result without
	// blocking forever; nothing will be reading it.
	done := make(chan seq.Result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- seq.Error(fmt.Errorf("phase panicked: %v\n%s", rec, debug.Stack()))
			}
		}()
		done <- d.Call(phaseCtx, st)
	}()

	var result seq.Result
	timedOut := false
	if d.Timeout() > 0 {
		select {
		case result = <-done:
		case <-phaseCtx.Done():
			if errors.Is(phaseCtx.Err(), context.DeadlineExceeded) {
				timedOut = true
			} else {
				// The parent context was canceled before the deadline.
				// The body sees the same canceled context and keeps the
				// remainder of its timeout window to return its real
				// result; a stop lands at the phase boundary.
				remaining := d.Timeout() - time.Since(outcome.StartTime)
				graceTimer := time.NewTimer(remaining)
				select {
				case result = <-done:
					graceTimer.Stop()
				case <-graceTimer.C:
					timedOut = true
				}
			}
		}
	} else {
		// No timeout configured: a stop request waits for the phase
		// boundary, so block until the body returns.
		result = <-done
	}

	measurements, attachments, limitFailed := st.EndPhase()
	outcome.EndTime = time.Now()
	outcome.Duration = outcome.EndTime.Sub(outcome.StartTime)
	outcome.Measurements = measurements
	outcome.Attachments = attachments

	switch {
	case timedOut:
		outcome.Status = types.StatusTimeout
		outcome.Error = fmt.Sprintf("phase did not return within %v", d.Timeout())
		r.log.Warn("Phase timed out, abandoning body", "phase", d.Name(), "cell", st.CellID(), "timeout", d.Timeout())
	case result.Status() == types.StatusError:
		outcome.Status = types.StatusError
		outcome.Error = result.Detail()
		r.log.Error("Phase errored", "phase", d.Name(), "cell", st.CellID(), "error", result.Detail())
	case result.Status() == types.StatusFail:
		outcome.Status = types.StatusFail
		outcome.Error = result.Detail()
		r.log.Warn("Phase failed", "phase", d.Name(), "cell", st.CellID(), "reason", result.Detail())
	case limitFailed:
		outcome.Status = types.StatusFail
		outcome.Error = "one or more measurements out of limits"
		r.log.Warn("Phase failed on measurement limits", "phase", d.Name(), "cell", st.CellID())
	default:
		outcome.Status = types.StatusPass
		r.log.Debug("Phase passed", "phase", d.Name(), "cell", st.CellID(), "duration", outcome.Duration)
	}

	metrics.RecordPhase(r.stationID, st.CellID(), d.Name(), outcome.Status)
	return outcome
}
