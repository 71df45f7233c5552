package seq

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/factorykit/cell-sequencer/plug"
	"github.com/factorykit/cell-sequencer/types"
)

// State is the per-cell, per-run mutable handle passed to every phase
// body. It is owned exclusively by one cell executor and replaced at the
// start of every new run on that cell; it is never shared across cells.
//
// All methods are safe for concurrent use: a phase body abandoned after a
// timeout may still be running when the executor moves on, and its late
// calls into the state must not corrupt the outcomes recorded since.
type State struct {
	cellID int
	runID  string
	log    log.Logger

	mu           sync.Mutex
	dutID        string
	plugs        map[string]plug.Plug
	phase        string
	declarations map[string]Measurement
	measurements map[string]types.Measurement
	attachments  []types.Attachment
	limitFailed  bool
}

// NewState creates the state handle for one run on one cell. The plug map
// holds the cell's live plug instances, one per type-map entry.
func NewState(cellID int, runID string, logger log.Logger, plugs map[string]plug.Plug) *State {
	return &State{
		cellID: cellID,
		runID:  runID,
		log:    logger,
		plugs:  plugs,
		dutID:  fmt.Sprintf("cell-%d-%.8s", cellID, runID),
	}
}

// CellID returns the owning cell's identifier.
func (s *State) CellID() int { return s.cellID }

// RunID returns the current run's identifier.
func (s *State) RunID() string { return s.runID }

// Logger returns the cell-scoped logger.
func (s *State) Logger() log.Logger { return s.log }

// SetDUTID records the identifier of the device under test. The default
// is derived from the cell and run identifiers.
func (s *State) SetDUTID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dutID = id
}

// DUTID returns the identifier of the device under test.
func (s *State) DUTID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dutID
}

// Plug returns the cell's live instance of the named plug, or nil when the
// name is not in the test's plug type map.
func (s *State) Plug(name string) plug.Plug {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plugs[name]
}

// Measure records a measured value for the current phase. Values for
// declared measurements are validated against their limits; an
// out-of-limit value marks the phase as failed. Undeclared names are
// stored unvalidated.
func (s *State) Measure(name string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.measurements == nil {
		return
	}
	decl, declared := s.declarations[name]
	if !declared {
		decl = NewMeasurement(name)
	}
	m := decl.validate(value)
	s.measurements[name] = m
	if m.Outcome == types.MeasurementFail {
		s.limitFailed = true
		s.log.Warn("Measurement out of limits",
			"phase", s.phase, "measurement", name, "value", value,
			"min", *m.Minimum, "max", *m.Maximum)
	}
}

// Attach captures an arbitrary blob for the current phase's outcome.
func (s *State) Attach(name, mimeType string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.measurements == nil {
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.attachments = append(s.attachments, types.Attachment{Name: name, MimeType: mimeType, Data: buf})
}

// BeginPhase resets the capture buffers for a new phase execution. Called
// by the phase runner; not intended for phase bodies.
func (s *State) BeginPhase(d PhaseDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = d.Name()
	s.declarations = make(map[string]Measurement)
	for _, m := range d.Measurements() {
		s.declarations[m.Name()] = m
	}
	s.measurements = make(map[string]types.Measurement)
	s.attachments = nil
	s.limitFailed = false
}

// EndPhase snapshots the captured data for the finished phase and reports
// whether any declared measurement failed its limits. Called by the phase
// runner; capture is disabled until the next BeginPhase.
func (s *State) EndPhase() (map[string]types.Measurement, []types.Attachment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	measurements := s.measurements
	attachments := s.attachments
	failed := s.limitFailed
	s.phase = ""
	s.declarations = nil
	s.measurements = nil
	s.attachments = nil
	s.limitFailed = false
	if len(measurements) == 0 {
		measurements = nil
	}
	return measurements, attachments, failed
}
