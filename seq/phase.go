// Package seq defines the static shape of a hardware test: phase
// descriptors, the immutable test definition shared by all cells, and the
// per-run state handle a phase body executes against.
package seq

import (
	"context"
	"fmt"
	"time"

	"github.com/factorykit/cell-sequencer/plug"
)

// PhaseFunc is the body of a test phase. It receives the per-run state
// handle for the cell it executes on and reports a tagged Result. The
// context carries the phase deadline when a timeout is configured; a
// well-behaved body returns promptly once the context is done.
type PhaseFunc func(ctx context.Context, st *State) Result

// InvalidTestPhaseError reports a phase that cannot be constructed.
type InvalidTestPhaseError struct {
	PhaseName string
	Reason    string
}

func (e *InvalidTestPhaseError) Error() string {
	return fmt.Sprintf("invalid test phase %q: %s", e.PhaseName, e.Reason)
}

// PhaseDescriptor is an executable unit of test logic plus its execution
// policy. Descriptors are immutable once constructed; timeout, run
// condition, plug requirements and measurement declarations are attached
// as metadata without altering the body itself.
type PhaseDescriptor struct {
	name         string
	fn           PhaseFunc
	timeout      time.Duration
	runIf        func(st *State) bool
	plugs        []plug.Factory
	measurements []Measurement
}

// PhaseOption configures a phase descriptor at construction time.
type PhaseOption func(*PhaseDescriptor)

// WithTimeout bounds the phase body's execution. A body that has not
// returned within the timeout is abandoned and the phase outcome is
// recorded as a timeout.
func WithTimeout(d time.Duration) PhaseOption {
	return func(p *PhaseDescriptor) { p.timeout = d }
}

// RunIf attaches a run-condition predicate. When it evaluates false
// against the current cell state the phase is skipped without executing.
func RunIf(cond func(st *State) bool) PhaseOption {
	return func(p *PhaseDescriptor) { p.runIf = cond }
}

// Requires declares the plug instances the phase needs.
func Requires(factories ...plug.Factory) PhaseOption {
	return func(p *PhaseDescriptor) { p.plugs = append(p.plugs, factories...) }
}

// WithMeasurement declares a measurement the phase records.
func WithMeasurement(m Measurement) PhaseOption {
	return func(p *PhaseDescriptor) { p.measurements = append(p.measurements, m) }
}

// Phase wraps a phase body with its execution policy. Every phase must
// receive the per-run state handle, so a nil body fails with
// InvalidTestPhaseError at construction time, never at run time.
func Phase(name string, fn PhaseFunc, opts ...PhaseOption) (PhaseDescriptor, error) {
	if name == "" {
		return PhaseDescriptor{}, &InvalidTestPhaseError{PhaseName: name, Reason: "phase name is required"}
	}
	if fn == nil {
		return PhaseDescriptor{}, &InvalidTestPhaseError{PhaseName: name, Reason: "phase body is required"}
	}
	p := PhaseDescriptor{name: name, fn: fn}
	for _, opt := range opts {
		opt(&p)
	}
	if p.timeout < 0 {
		return PhaseDescriptor{}, &InvalidTestPhaseError{PhaseName: name, Reason: "timeout must not be negative"}
	}
	seen := make(map[string]bool, len(p.measurements))
	for _, m := range p.measurements {
		if m.Name() == "" {
			return PhaseDescriptor{}, &InvalidTestPhaseError{PhaseName: name, Reason: "measurement name is required"}
		}
		if seen[m.Name()] {
			return PhaseDescriptor{}, &InvalidTestPhaseError{
				PhaseName: name,
				Reason:    fmt.Sprintf("duplicate measurement %q", m.Name()),
			}
		}
		seen[m.Name()] = true
	}
	return p, nil
}

// MustPhase is like Phase but panics on construction errors. Intended for
// package-level phase declarations.
func MustPhase(name string, fn PhaseFunc, opts ...PhaseOption) PhaseDescriptor {
	p, err := Phase(name, fn, opts...)
	if err != nil {
		panic(err)
	}
	return p
}

// Name returns the phase name.
func (p PhaseDescriptor) Name() string { return p.name }

// Timeout returns the configured timeout, zero when unbounded.
func (p PhaseDescriptor) Timeout() time.Duration { return p.timeout }

// RunCondition returns the run-condition predicate, nil when always-run.
func (p PhaseDescriptor) RunCondition() func(st *State) bool { return p.runIf }

// Plugs returns the phase's plug requirements.
func (p PhaseDescriptor) Plugs() []plug.Factory {
	out := make([]plug.Factory, len(p.plugs))
	copy(out, p.plugs)
	return out
}

// Measurements returns the phase's measurement declarations.
func (p PhaseDescriptor) Measurements() []Measurement {
	out := make([]Measurement, len(p.measurements))
	copy(out, p.measurements)
	return out
}

// Call invokes the phase body.
func (p PhaseDescriptor) Call(ctx context.Context, st *State) Result {
	return p.fn(ctx, st)
}
