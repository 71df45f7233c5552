package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/factorykit/cell-sequencer/seq"
)

// Config holds configuration for the starter and its cell executors.
type Config struct {
	Definition *seq.Definition
	StationID  string
	Cells      int  // Number of cell executors to run
	RunOnce    bool // Each cell runs a single test then exits its loop
	ReusePlugs bool // Keep plug instances alive across runs on a cell
	// Delay before a cell retries its loop after an error outside phase
	// execution.
	RestartDelay time.Duration
	Log          log.Logger
}

// Starter creates and owns all cell executors for one test definition,
// starts their execution loops, and coordinates graceful stop across all
// of them.
type Starter struct {
	cfg       Config
	log       log.Logger
	executors []*CellExecutor

	running  atomic.Bool
	started  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

const defaultRestartDelay = 5 * time.Second

// NewStarter creates a starter with one cell executor per configured cell.
func NewStarter(cfg Config) (*Starter, error) {
	if cfg.Definition == nil {
		return nil, errors.New("test definition is required")
	}
	if cfg.Cells < 1 {
		return nil, fmt.Errorf("at least one cell is required, got %d", cfg.Cells)
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = defaultRestartDelay
	}

	s := &Starter{
		cfg:  cfg,
		log:  cfg.Log.New("component", "starter"),
		done: make(chan struct{}),
	}
	phases := NewPhaseRunner(cfg.StationID, cfg.Log)
	for i := 1; i <= cfg.Cells; i++ {
		s.executors = append(s.executors, newCellExecutor(i, cfg.Definition, cfg, phases))
	}
	return s, nil
}

// Start seals the test definition and launches every cell's execution
// loop. It returns once all loops are running.
func (s *Starter) Start(ctx context.Context) error {
	if s.started.Swap(true) {
		return errors.New("starter already started")
	}
	s.cfg.Definition.Seal()
	s.running.Store(true)

	s.log.Info("Starting cell executors",
		"cells", len(s.executors), "test", s.cfg.Definition.Name(),
		"run_once", s.cfg.RunOnce, "reuse_plugs", s.cfg.ReusePlugs)

	for _, e := range s.executors {
		e := e
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			e.loop(ctx, s.done)
		}()
	}
	return nil
}

// Stop signals every cell executor to stop. A stop takes effect at each
// cell's next phase boundary at the latest; in-flight phase bodies are not
// forcibly killed beyond the per-phase timeout mechanism. Stop is
// idempotent and safe to call from an interrupt handler; it does not wait
// for the loops to exit, use Wait for that.
func (s *Starter) Stop() {
	if !s.running.Swap(false) {
		s.log.Debug("Starter already stopped, nothing to do")
		return
	}
	s.log.Info("Stopping cell executors")
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

// Stopped returns true once a started orchestrator has been asked to
// stop. A starter that was never started is not stopped.
func (s *Starter) Stopped() bool {
	return s.started.Load() && !s.running.Load()
}

// Wait blocks until every cell's execution loop has exited, or until the
// context expires.
func (s *Starter) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		s.log.Debug("All cell executors terminated")
		return nil
	case <-ctx.Done():
		s.log.Warn("Timed out waiting for cell executors to terminate", "error", ctx.Err())
		return ctx.Err()
	}
}

// Executors returns the starter's cell executors for monitoring.
func (s *Starter) Executors() []*CellExecutor {
	out := make([]*CellExecutor, len(s.executors))
	copy(out, s.executors)
	return out
}

// Snapshots returns a monitoring view of every cell.
func (s *Starter) Snapshots() []CellSnapshot {
	out := make([]CellSnapshot, 0, len(s.executors))
	for _, e := range s.executors {
		out = append(out, e.Snapshot())
	}
	return out
}
