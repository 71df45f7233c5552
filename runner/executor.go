package runner

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/factorykit/cell-sequencer/metrics"
	"github.com/factorykit/cell-sequencer/plug"
	"github.com/factorykit/cell-sequencer/seq"
	"github.com/factorykit/cell-sequencer/types"
)

// CellSnapshot is a point-in-time view of one cell executor, exposed to
// the monitoring endpoint.
type CellSnapshot struct {
	CellID        int          `json:"cell_id"`
	Running       bool         `json:"running"`
	CurrentPhase  string       `json:"current_phase,omitempty"`
	LastStatus    types.Status `json:"last_status,omitempty"`
	RunsCompleted int          `json:"runs_completed"`
}

// CellExecutor owns one cell's plug instances and live test state. It
// repeatedly drives the test definition through all its phases, producing
// one test record per run, until stopped. Nothing outside the executor's
// own loop ever mutates its live state: cells share only the read-only
// definition. The monitoring snapshot is the one mutex-guarded view
// published for outside readers.
type CellExecutor struct {
	cellID int
	def    *seq.Definition
	cfg    Config
	log    log.Logger
	phases *PhaseRunner
	tracer trace.Tracer

	// Plug instances owned by this cell, kept across runs when plug
	// reuse is enabled. Touched only from the loop goroutine.
	plugs map[string]plug.Plug

	mu   sync.RWMutex
	snap CellSnapshot
}

func newCellExecutor(cellID int, def *seq.Definition, cfg Config, phases *PhaseRunner) *CellExecutor {
	return &CellExecutor{
		cellID: cellID,
		def:    def,
		cfg:    cfg,
		log:    cfg.Log.New("cell", cellID),
		phases: phases,
		tracer: otel.Tracer("cell executor"),
		snap:   CellSnapshot{CellID: cellID},
	}
}

// CellID returns the cell identifier.
func (e *CellExecutor) CellID() int { return e.cellID }

// Snapshot returns the executor's current monitoring view.
func (e *CellExecutor) Snapshot() CellSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap
}

func (e *CellExecutor) publish(update func(*CellSnapshot)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	update(&e.snap)
}

// loop runs the cell until the done channel closes or the context is
// canceled. A stop request takes effect at the next phase boundary at the
// latest; the in-flight phase body is bounded only by its own timeout.
func (e *CellExecutor) loop(ctx context.Context, done <-chan struct{}) {
	e.log.Info("Cell executor starting")
	metrics.RecordCellStarted()
	defer func() {
		if e.plugs != nil {
			plug.TearDownAll(e.plugs, e.log)
			e.plugs = nil
		}
		e.publish(func(s *CellSnapshot) {
			s.Running = false
			s.CurrentPhase = ""
		})
		metrics.RecordCellStopped()
		e.log.Info("Cell executor stopped")
	}()

	e.publish(func(s *CellSnapshot) { s.Running = true })

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		default:
		}

		rec, fatal := e.executeRun(ctx, done)
		e.deliver(rec)
		metrics.RecordRun(e.cfg.StationID, e.cellID, rec.Status, rec.Duration())
		e.publish(func(s *CellSnapshot) {
			s.RunsCompleted++
			s.LastStatus = rec.Status
			s.CurrentPhase = ""
		})

		if e.cfg.RunOnce {
			return
		}
		if fatal != nil {
			// An error outside phase execution, e.g. plug instantiation.
			// The run was recorded as an error; retry after the restart
			// delay unless we are stopping.
			e.log.Error("Cell run failed outside phase execution, restarting loop",
				"error", fatal, "restart_delay", e.cfg.RestartDelay)
			metrics.RecordErrorDetails("cell loop error", fatal)
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-time.After(e.cfg.RestartDelay):
			}
		}
	}
}

// executeRun drives one full test run on this cell. Errors inside phases
// are captured into their outcomes; the returned error is non-nil only
// for failures outside phase execution, which are also reflected in the
// record's error status.
func (e *CellExecutor) executeRun(ctx context.Context, done <-chan struct{}) (types.TestRecord, error) {
	runID := uuid.New().String()
	rec := types.TestRecord{
		RunID:     runID,
		CellID:    e.cellID,
		StationID: e.cfg.StationID,
		TestName:  e.def.Name(),
		StartTime: time.Now(),
	}
	rec.StartTimeMillis = rec.StartTime.UnixMilli()

	ctx, span := e.tracer.Start(ctx, "test run")
	defer span.End()

	e.log.Info("Starting test run", "run_id", runID, "test", e.def.Name())

	plugs, err := e.acquirePlugs(ctx)
	if err != nil {
		rec.Status = types.StatusError
		rec.EndTime = time.Now()
		rec.DUTID = "unknown"
		rec.Metadata = map[string]string{"error": err.Error()}
		return rec, err
	}

	st := seq.NewState(e.cellID, runID, e.log, plugs)

	aborted := false
	for _, d := range e.def.Phases() {
		select {
		case <-done:
			aborted = true
		case <-ctx.Done():
			aborted = true
		default:
		}
		if aborted {
			break
		}

		e.publish(func(s *CellSnapshot) { s.CurrentPhase = d.Name() })
		outcome := e.phases.Run(ctx, d, st)
		rec.Phases = append(rec.Phases, outcome)
	}

	statuses := make([]types.Status, 0, len(rec.Phases))
	for _, p := range rec.Phases {
		statuses = append(statuses, p.Status)
	}
	rec.Status = types.WorstOf(statuses...)
	rec.Aborted = aborted
	rec.EndTime = time.Now()
	rec.DUTID = st.DUTID()

	if !e.cfg.ReusePlugs {
		plug.TearDownAll(plugs, e.log)
		e.plugs = nil
	}

	e.log.Info("Test run finished",
		"run_id", runID, "status", rec.Status, "aborted", aborted,
		"duration", rec.Duration(), "dut", rec.DUTID)
	return rec, nil
}

// acquirePlugs instantiates this cell's plug set, or reuses the previous
// run's instances when plug reuse is enabled.
func (e *CellExecutor) acquirePlugs(ctx context.Context) (map[string]plug.Plug, error) {
	if e.cfg.ReusePlugs && e.plugs != nil {
		return e.plugs, nil
	}
	plugs, err := e.def.PlugTypeMap().Instantiate(ctx, e.cellID, e.log)
	if err != nil {
		return nil, err
	}
	if e.cfg.ReusePlugs {
		e.plugs = plugs
	}
	return plugs, nil
}

// deliver hands a finished record to every registered output callback in
// registration order. A callback failure is reported but aborts neither
// the remaining callbacks nor the next run.
func (e *CellExecutor) deliver(rec types.TestRecord) {
	for i, cb := range e.def.OutputCallbacks() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("Output callback panicked", "callback", i, "run_id", rec.RunID, "error", r)
				}
			}()
			if err := cb(rec); err != nil {
				e.log.Error("Output callback failed", "callback", i, "run_id", rec.RunID, "error", err)
				metrics.RecordErrorDetails("output callback", err)
			}
		}()
	}
}
