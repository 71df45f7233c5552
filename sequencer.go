// Package sequencer wires the test execution engine into a long-running
// station service: it persists run metadata, starts one executor per
// cell, exposes the monitoring endpoint and reports finished records.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/ethereum-optimism/optimism/op-service/cliapp"

	"github.com/factorykit/cell-sequencer/exitcodes"
	"github.com/factorykit/cell-sequencer/output"
	"github.com/factorykit/cell-sequencer/runner"
	"github.com/factorykit/cell-sequencer/seq"
	"github.com/factorykit/cell-sequencer/service"
	"github.com/factorykit/cell-sequencer/types"
)

// sequencer implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &sequencer{}

// sequencer runs one test definition across the station's cells.
type sequencer struct {
	ctx      context.Context
	config   *Config
	version  string
	def      *seq.Definition
	starter  *runner.Starter
	svc      *service.Service
	reporter *reporter

	running atomic.Bool
	wg      sync.WaitGroup

	shutdownCallback func(error) // Callback to signal application shutdown
}

// statusView is the monitoring endpoint's /status document.
type statusView struct {
	StationID string                `json:"station_id"`
	TestName  string                `json:"test_name"`
	Version   string                `json:"version"`
	Cells     []runner.CellSnapshot `json:"cells"`
}

// New assembles the station service around a test definition. The
// reporter and the JSON record writer are registered as output callbacks
// here, before any cell starts, so user callbacks registered earlier keep
// their position in the invocation order.
func New(ctx context.Context, config *Config, def *seq.Definition, version string, shutdownCallback func(error)) (*sequencer, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if def == nil {
		return nil, errors.New("test definition is required")
	}

	config.Log.Debug("Creating sequencer with config",
		"station_id", config.StationID,
		"cells", config.Cells,
		"runDir", config.RunDir,
		"runOnce", config.RunOnce,
		"reusePlugs", config.ReusePlugs)

	rep := newReporter(config.Log)
	if err := def.AddOutputCallback(rep.Record); err != nil {
		return nil, fmt.Errorf("failed to register reporter callback: %w", err)
	}
	recordDir := filepath.Join(config.RunDir, "records")
	if err := def.AddOutputCallback(output.JSONFile(recordDir)); err != nil {
		return nil, fmt.Errorf("failed to register record writer callback: %w", err)
	}

	starter, err := runner.NewStarter(runner.Config{
		Definition:   def,
		StationID:    config.StationID,
		Cells:        config.Cells,
		RunOnce:      config.RunOnce,
		ReusePlugs:   config.ReusePlugs,
		RestartDelay: config.RestartDelay,
		Log:          config.Log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create starter: %w", err)
	}
	config.Log.Info("sequencer.New: created starter", "cells", config.Cells)

	s := &sequencer{
		ctx:              ctx,
		config:           config,
		version:          version,
		def:              def,
		starter:          starter,
		reporter:         rep,
		shutdownCallback: shutdownCallback,
	}
	s.svc = service.New(s.status, config.ListenPort, config.MetricsPort)
	return s, nil
}

// status feeds the monitoring endpoint's /status document.
func (s *sequencer) status() any {
	return statusView{
		StationID: s.config.StationID,
		TestName:  s.def.Name(),
		Version:   s.version,
		Cells:     s.starter.Snapshots(),
	}
}

// Start persists run metadata, starts the monitoring endpoint and
// launches every cell's execution loop.
// Start implements the cliapp.Lifecycle interface.
func (s *sequencer) Start(ctx context.Context) error {
	// Set up panic recovery to ensure we exit with code 2 for runtime errors
	defer func() {
		if r := recover(); r != nil {
			s.config.Log.Error("Runtime error occurred", "error", r)
			os.Exit(exitcodes.RuntimeErr)
		}
	}()

	s.ctx = ctx
	s.running.Store(true)

	if s.config.RunOnce {
		s.config.Log.Info("Starting cell-sequencer in run-once mode", "test", s.def.Name())
	} else {
		s.config.Log.Info("Starting cell-sequencer in continuous mode", "test", s.def.Name())
	}

	if _, err := writeRunMetadata(s.config, s.def.Name(), s.version); err != nil {
		return NewRuntimeError(fmt.Errorf("failed to persist run metadata: %w", err))
	}

	s.svc.Start(ctx)

	if err := s.starter.Start(ctx); err != nil {
		return NewRuntimeError(fmt.Errorf("failed to start cell executors: %w", err))
	}

	if s.config.RunOnce {
		// Watch for all cells to finish their single run, then trigger
		// application shutdown with the aggregated outcome.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.starter.Wait(ctx); err != nil {
				s.shutdownCallback(NewRuntimeError(err))
				return
			}
			overall := s.reporter.OverallStatus()
			s.config.Log.Info("Run-once complete", "status", overall)
			if overall == types.StatusPass || overall == types.StatusSkipped {
				s.shutdownCallback(nil)
				return
			}
			s.shutdownCallback(NewTestFailureError(
				fmt.Sprintf("overall status %s across %d cells", overall, s.config.Cells)))
		}()
	}

	s.config.Log.Debug("cell-sequencer started successfully")
	return nil
}

// Stop stops the cell executors and the monitoring endpoint. The
// orchestrator is stopped first so no new phase starts, then monitoring
// is shut down once all cell loops have exited. Safe to call from an
// interrupt handler and idempotent if called more than once.
// Stop implements the cliapp.Lifecycle interface.
func (s *sequencer) Stop(ctx context.Context) error {
	s.config.Log.Info("Stopping cell-sequencer")

	// Check if we're already stopped
	if !s.running.Swap(false) {
		s.config.Log.Debug("Service already stopped, nothing to do")
		return nil
	}

	s.starter.Stop()
	err := s.starter.Wait(ctx)
	s.svc.Shutdown()

	if err != nil {
		return fmt.Errorf("cell executors did not exit cleanly: %w", err)
	}
	s.config.Log.Info("cell-sequencer stopped successfully")
	return nil
}

// Stopped returns true if the sequencer service is stopped.
// Stopped implements the cliapp.Lifecycle interface.
func (s *sequencer) Stopped() bool {
	return !s.running.Load()
}

// WaitForShutdown blocks until all goroutines have terminated.
// This is useful in tests to ensure complete cleanup before moving to the
// next test.
func (s *sequencer) WaitForShutdown(ctx context.Context) error {
	s.config.Log.Debug("Waiting for all goroutines to terminate")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return s.starter.Wait(ctx)
	case <-ctx.Done():
		s.config.Log.Warn("Timed out waiting for goroutines to terminate", "error", ctx.Err())
		return ctx.Err()
	}
}

// Records returns the finished records collected so far.
func (s *sequencer) Records() []types.TestRecord {
	return s.reporter.Records()
}
