package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorykit/cell-sequencer/plug"
	"github.com/factorykit/cell-sequencer/seq"
	"github.com/factorykit/cell-sequencer/types"
)

// recordSink collects delivered test records across cell goroutines.
type recordSink struct {
	mu      sync.Mutex
	records []types.TestRecord
}

func (s *recordSink) callback(rec types.TestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *recordSink) all() []types.TestRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.TestRecord, len(s.records))
	copy(out, s.records)
	return out
}

func runOnce(t *testing.T, def *seq.Definition, cells int) []types.TestRecord {
	t.Helper()
	sink := &recordSink{}
	require.NoError(t, def.AddOutputCallback(sink.callback))

	s, err := NewStarter(Config{
		Definition: def,
		StationID:  "station-1",
		Cells:      cells,
		RunOnce:    true,
		Log:        log.New(),
	})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(waitCtx))
	return sink.all()
}

// TestStarter_MixedPhaseOutcomes verifies one run through a pass, a
// skipped phase and a panicking phase produces the expected per-phase
// statuses and the worst-of overall status.
func TestStarter_MixedPhaseOutcomes(t *testing.T) {
	def, err := seq.New("board_bringup",
		seq.MustPhase("power_on", func(ctx context.Context, st *seq.State) seq.Result {
			st.SetDUTID("SN-001234")
			return seq.Pass()
		}),
		seq.MustPhase("flash_firmware",
			func(ctx context.Context, st *seq.State) seq.Result { return seq.Pass() },
			seq.RunIf(func(st *seq.State) bool { return false }),
		),
		seq.MustPhase("read_adc", func(ctx context.Context, st *seq.State) seq.Result {
			panic("fixture unplugged")
		}),
	)
	require.NoError(t, err)

	records := runOnce(t, def, 1)
	require.Len(t, records, 1)

	rec := records[0]
	require.Len(t, rec.Phases, 3)
	assert.Equal(t, types.StatusPass, rec.Phases[0].Status)
	assert.Equal(t, types.StatusSkipped, rec.Phases[1].Status)
	assert.Equal(t, types.StatusError, rec.Phases[2].Status)
	assert.Equal(t, types.StatusError, rec.Status)
	assert.Equal(t, "SN-001234", rec.DUTID)
	assert.False(t, rec.Aborted)
	assert.Equal(t, "station-1", rec.StationID)
}

type countingPlug struct {
	cellID int
	onTear func()
}

func (p *countingPlug) TearDown() {
	if p.onTear != nil {
		p.onTear()
	}
}

// TestStarter_CellsGetIsolatedPlugs verifies every cell instantiates and
// tears down its own plug set.
func TestStarter_CellsGetIsolatedPlugs(t *testing.T) {
	var mu sync.Mutex
	created := map[int]int{}
	tornDown := 0

	fixture := plug.NewFactory("fixture", func(ctx context.Context, cellID int) (*countingPlug, error) {
		mu.Lock()
		created[cellID]++
		mu.Unlock()
		return &countingPlug{cellID: cellID, onTear: func() {
			mu.Lock()
			tornDown++
			mu.Unlock()
		}}, nil
	})

	def, err := seq.New("board_bringup",
		seq.MustPhase("power_on",
			func(ctx context.Context, st *seq.State) seq.Result {
				p, ok := st.Plug("fixture").(*countingPlug)
				if !ok {
					return seq.Error(errors.New("fixture plug missing"))
				}
				if p.cellID != st.CellID() {
					return seq.Error(errors.New("got another cell's plug instance"))
				}
				return seq.Pass()
			},
			seq.Requires(fixture),
		),
	)
	require.NoError(t, err)

	records := runOnce(t, def, 2)
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, types.StatusPass, rec.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[int]int{1: 1, 2: 1}, created)
	assert.Equal(t, 2, tornDown)
}

// TestStarter_PlugInstantiationFailure verifies a failing plug factory
// yields an error record without running any phase.
func TestStarter_PlugInstantiationFailure(t *testing.T) {
	broken := plug.NewFactory("fixture", func(ctx context.Context, cellID int) (*countingPlug, error) {
		return nil, errors.New("fixture power supply offline")
	})

	def, err := seq.New("board_bringup",
		seq.MustPhase("power_on",
			func(ctx context.Context, st *seq.State) seq.Result { return seq.Pass() },
			seq.Requires(broken),
		),
	)
	require.NoError(t, err)

	records := runOnce(t, def, 1)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, types.StatusError, rec.Status)
	assert.Empty(t, rec.Phases)
	assert.Equal(t, "unknown", rec.DUTID)
	assert.Contains(t, rec.Metadata["error"], "fixture power supply offline")
}

// TestStarter_CallbackFailureIsIsolated verifies a failing output callback
// does not keep later callbacks from receiving the record.
func TestStarter_CallbackFailureIsIsolated(t *testing.T) {
	def, err := seq.New("board_bringup",
		seq.MustPhase("power_on", func(ctx context.Context, st *seq.State) seq.Result {
			return seq.Pass()
		}),
	)
	require.NoError(t, err)

	require.NoError(t, def.AddOutputCallback(func(rec types.TestRecord) error {
		return errors.New("disk full")
	}))
	require.NoError(t, def.AddOutputCallback(func(rec types.TestRecord) error {
		panic("callback bug")
	}))
	sink := &recordSink{}
	require.NoError(t, def.AddOutputCallback(sink.callback))

	s, err := NewStarter(Config{
		Definition: def,
		StationID:  "station-1",
		Cells:      1,
		RunOnce:    true,
		Log:        log.New(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(waitCtx))

	require.Len(t, sink.all(), 1)
}

// TestStarter_StopAtPhaseBoundary verifies a stop request lands at the
// next phase boundary and the partial record is still delivered.
func TestStarter_StopAtPhaseBoundary(t *testing.T) {
	firstPhaseRunning := make(chan struct{})
	release := make(chan struct{})
	secondPhaseRan := false

	def, err := seq.New("board_bringup",
		seq.MustPhase("power_on", func(ctx context.Context, st *seq.State) seq.Result {
			close(firstPhaseRunning)
			<-release
			return seq.Pass()
		}),
		seq.MustPhase("measure_rail", func(ctx context.Context, st *seq.State) seq.Result {
			secondPhaseRan = true
			return seq.Pass()
		}),
	)
	require.NoError(t, err)

	sink := &recordSink{}
	require.NoError(t, def.AddOutputCallback(sink.callback))

	s, err := NewStarter(Config{
		Definition: def,
		StationID:  "station-1",
		Cells:      1,
		Log:        log.New(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	// Stop while the first phase body is blocked
	<-firstPhaseRunning
	s.Stop()
	s.Stop() // idempotent
	assert.True(t, s.Stopped())

	// The first phase is still in flight; release it so the cell can
	// observe the stop at the phase boundary
	close(release)

	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(waitCtx))

	records := sink.all()
	require.Len(t, records, 1)
	rec := records[0]
	assert.True(t, rec.Aborted)
	require.Len(t, rec.Phases, 1)
	assert.Equal(t, types.StatusPass, rec.Phases[0].Status)
	assert.False(t, secondPhaseRan, "expected no phase to start after stop")
}

// TestStarter_ReusePlugsAcrossRuns verifies plug instances survive between
// runs on a cell when reuse is enabled and are torn down once at stop.
func TestStarter_ReusePlugsAcrossRuns(t *testing.T) {
	var mu sync.Mutex
	created, tornDown := 0, 0

	fixture := plug.NewFactory("fixture", func(ctx context.Context, cellID int) (*countingPlug, error) {
		mu.Lock()
		created++
		mu.Unlock()
		return &countingPlug{cellID: cellID, onTear: func() {
			mu.Lock()
			tornDown++
			mu.Unlock()
		}}, nil
	})

	runs := make(chan struct{}, 16)
	def, err := seq.New("board_bringup",
		seq.MustPhase("power_on",
			func(ctx context.Context, st *seq.State) seq.Result {
				select {
				case runs <- struct{}{}:
				default:
				}
				return seq.Pass()
			},
			seq.Requires(fixture),
		),
	)
	require.NoError(t, err)

	s, err := NewStarter(Config{
		Definition: def,
		StationID:  "station-1",
		Cells:      1,
		ReusePlugs: true,
		Log:        log.New(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	// Let at least two runs complete before stopping
	for i := 0; i < 2; i++ {
		select {
		case <-runs:
		case <-time.After(10 * time.Second):
			t.Fatal("cell never completed a run")
		}
	}
	s.Stop()

	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(waitCtx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, created, "expected the plug instance to be reused across runs")
	assert.Equal(t, 1, tornDown, "expected a single teardown at loop exit")
}

// TestStarter_RestartsAfterFatalLoopError verifies a continuous-mode cell
// retries after the restart delay once a fatal error heals.
func TestStarter_RestartsAfterFatalLoopError(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	fixture := plug.NewFactory("fixture", func(ctx context.Context, cellID int) (*countingPlug, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return nil, errors.New("fixture power supply offline")
		}
		return &countingPlug{cellID: cellID}, nil
	})

	def, err := seq.New("board_bringup",
		seq.MustPhase("power_on",
			func(ctx context.Context, st *seq.State) seq.Result { return seq.Pass() },
			seq.Requires(fixture),
		),
	)
	require.NoError(t, err)

	recCh := make(chan types.TestRecord, 16)
	require.NoError(t, def.AddOutputCallback(func(rec types.TestRecord) error {
		select {
		case recCh <- rec:
		default:
		}
		return nil
	}))

	s, err := NewStarter(Config{
		Definition:   def,
		StationID:    "station-1",
		Cells:        1,
		RestartDelay: 50 * time.Millisecond,
		Log:          log.New(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	var first, second types.TestRecord
	select {
	case first = <-recCh:
	case <-time.After(10 * time.Second):
		t.Fatal("never saw the failed run's record")
	}
	select {
	case second = <-recCh:
	case <-time.After(10 * time.Second):
		t.Fatal("cell never retried after the restart delay")
	}

	s.Stop()
	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(waitCtx))

	assert.Equal(t, types.StatusError, first.Status)
	assert.Contains(t, first.Metadata["error"], "fixture power supply offline")
	assert.Equal(t, types.StatusPass, second.Status)
}

// TestStarter_StopDuringRestartDelay verifies a stop request interrupts
// the restart wait instead of sleeping it out.
func TestStarter_StopDuringRestartDelay(t *testing.T) {
	broken := plug.NewFactory("fixture", func(ctx context.Context, cellID int) (*countingPlug, error) {
		return nil, errors.New("fixture power supply offline")
	})

	def, err := seq.New("board_bringup",
		seq.MustPhase("power_on",
			func(ctx context.Context, st *seq.State) seq.Result { return seq.Pass() },
			seq.Requires(broken),
		),
	)
	require.NoError(t, err)

	recCh := make(chan types.TestRecord, 16)
	require.NoError(t, def.AddOutputCallback(func(rec types.TestRecord) error {
		select {
		case recCh <- rec:
		default:
		}
		return nil
	}))

	s, err := NewStarter(Config{
		Definition:   def,
		StationID:    "station-1",
		Cells:        1,
		RestartDelay: time.Minute,
		Log:          log.New(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-recCh:
	case <-time.After(10 * time.Second):
		t.Fatal("never saw the failed run's record")
	}

	// The cell is now waiting out the restart delay
	stopped := time.Now()
	s.Stop()
	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(waitCtx))
	assert.Less(t, time.Since(stopped), 10*time.Second, "expected stop to interrupt the restart wait")
}

// TestStarter_StoppedLifecycle verifies Stopped tracks the start/stop
// transitions, including before the first Start.
func TestStarter_StoppedLifecycle(t *testing.T) {
	def, err := seq.New("board_bringup",
		seq.MustPhase("power_on", func(ctx context.Context, st *seq.State) seq.Result {
			return seq.Pass()
		}),
	)
	require.NoError(t, err)

	s, err := NewStarter(Config{
		Definition: def,
		StationID:  "station-1",
		Cells:      1,
		Log:        log.New(),
	})
	require.NoError(t, err)
	assert.False(t, s.Stopped(), "a never-started starter is not stopped")

	require.NoError(t, s.Start(context.Background()))
	assert.False(t, s.Stopped())

	s.Stop()
	assert.True(t, s.Stopped())

	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(waitCtx))
}

// TestStarter_SnapshotsReflectCells verifies monitoring snapshots report
// per-cell run counts and last status.
func TestStarter_SnapshotsReflectCells(t *testing.T) {
	def, err := seq.New("board_bringup",
		seq.MustPhase("power_on", func(ctx context.Context, st *seq.State) seq.Result {
			return seq.Pass()
		}),
	)
	require.NoError(t, err)

	s, err := NewStarter(Config{
		Definition: def,
		StationID:  "station-1",
		Cells:      2,
		RunOnce:    true,
		Log:        log.New(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(waitCtx))

	snaps := s.Snapshots()
	require.Len(t, snaps, 2)
	for _, snap := range snaps {
		assert.False(t, snap.Running)
		assert.Equal(t, 1, snap.RunsCompleted)
		assert.Equal(t, types.StatusPass, snap.LastStatus)
	}
}

// TestNewStarter_Validation verifies configuration errors are caught at
// construction.
func TestNewStarter_Validation(t *testing.T) {
	def, err := seq.New("board_bringup",
		seq.MustPhase("power_on", func(ctx context.Context, st *seq.State) seq.Result {
			return seq.Pass()
		}),
	)
	require.NoError(t, err)

	_, err = NewStarter(Config{Definition: nil, Cells: 1})
	require.Error(t, err)

	_, err = NewStarter(Config{Definition: def, Cells: 0})
	require.Error(t, err)
}

// TestStarter_StartTwice verifies a starter cannot be started twice.
func TestStarter_StartTwice(t *testing.T) {
	def, err := seq.New("board_bringup",
		seq.MustPhase("power_on", func(ctx context.Context, st *seq.State) seq.Result {
			return seq.Pass()
		}),
	)
	require.NoError(t, err)

	s, err := NewStarter(Config{
		Definition: def,
		StationID:  "station-1",
		Cells:      1,
		RunOnce:    true,
		Log:        log.New(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	require.Error(t, s.Start(context.Background()))

	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(waitCtx))
}
