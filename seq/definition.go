package seq

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/factorykit/cell-sequencer/plug"
	"github.com/factorykit/cell-sequencer/types"
)

// ErrSealed is returned when an output callback is registered after
// execution has started. The callback list is read concurrently by every
// cell once the orchestrator is running, so late registration is rejected
// rather than racing.
var ErrSealed = errors.New("test definition is sealed: output callbacks cannot be registered after execution has started")

// OutputCallback receives one finalized test record per finished run per
// cell. Callbacks run in registration order; ownership of the record
// passes to the callback.
type OutputCallback func(rec types.TestRecord) error

// Definition is the static, immutable specification of a test: an ordered
// sequence of phase descriptors, the unified plug type map, registered
// output callbacks and identifying metadata. It is created once at process
// start and shared read-only by all cells.
type Definition struct {
	name        string
	description string
	phases      []PhaseDescriptor
	plugs       plug.TypeMap

	mu        sync.Mutex
	callbacks []OutputCallback
	sealed    atomic.Bool
}

// New builds a test definition from an ordered list of phases. The plug
// type map is computed here by unioning every phase's requirements; a plug
// name required with two distinct types anywhere in the list fails with
// plug.DuplicatePlugError.
func New(name string, phases ...PhaseDescriptor) (*Definition, error) {
	if name == "" {
		return nil, errors.New("test name is required")
	}
	if len(phases) == 0 {
		return nil, fmt.Errorf("test %q requires at least one phase", name)
	}
	requirements := make([][]plug.Factory, 0, len(phases))
	for _, p := range phases {
		requirements = append(requirements, p.Plugs())
	}
	typeMap, err := plug.BuildTypeMap(requirements)
	if err != nil {
		return nil, err
	}
	d := &Definition{
		name:   name,
		phases: make([]PhaseDescriptor, len(phases)),
		plugs:  typeMap,
	}
	copy(d.phases, phases)
	return d, nil
}

// WithDescription attaches a human-readable source description.
func (d *Definition) WithDescription(desc string) *Definition {
	d.description = desc
	return d
}

// Name returns the test name.
func (d *Definition) Name() string { return d.name }

// Description returns the source description.
func (d *Definition) Description() string { return d.description }

// Phases returns the ordered phase descriptors.
func (d *Definition) Phases() []PhaseDescriptor {
	out := make([]PhaseDescriptor, len(d.phases))
	copy(out, d.phases)
	return out
}

// PlugTypeMap returns the unified plug type map.
func (d *Definition) PlugTypeMap() plug.TypeMap { return d.plugs }

// AddOutputCallback registers an output callback. Registration is only
// valid during setup; once the orchestrator has started the definition is
// sealed and ErrSealed is returned.
func (d *Definition) AddOutputCallback(cb OutputCallback) error {
	if cb == nil {
		return errors.New("output callback is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sealed.Load() {
		return ErrSealed
	}
	d.callbacks = append(d.callbacks, cb)
	return nil
}

// Seal freezes the callback list. Called by the orchestrator before any
// cell starts; idempotent.
func (d *Definition) Seal() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sealed.Store(true)
}

// Sealed returns true once execution has started.
func (d *Definition) Sealed() bool { return d.sealed.Load() }

// OutputCallbacks returns the registered callbacks in registration order.
func (d *Definition) OutputCallbacks() []OutputCallback {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]OutputCallback, len(d.callbacks))
	copy(out, d.callbacks)
	return out
}
