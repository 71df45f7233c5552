package sequencer

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/ethereum/go-ethereum/log"

	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"

	"github.com/factorykit/cell-sequencer/flags"
	"github.com/factorykit/cell-sequencer/service"
)

// Config holds the application configuration.
type Config struct {
	StationID    string        // Identifier of this test station
	Cells        int           // Number of concurrent test cells
	RunDir       string        // Directory for run metadata and test records
	ListenPort   int           // Monitoring endpoint port
	MetricsPort  int           // Prometheus metrics port
	RunOnce      bool          // Exit after one run per cell instead of looping
	ReusePlugs   bool          // Keep plug instances alive across runs on a cell
	RestartDelay time.Duration // Delay before a cell restarts after a fatal loop error
	Log          log.Logger
}

// stationFile is the YAML shape of the optional station config file.
type stationFile struct {
	StationID    string         `yaml:"station_id,omitempty"`
	Cells        int            `yaml:"cells,omitempty"`
	RunDir       string         `yaml:"run_dir,omitempty"`
	ListenPort   int            `yaml:"listen_port,omitempty"`
	ReusePlugs   *bool          `yaml:"reuse_plugs,omitempty"`
	RestartDelay *time.Duration `yaml:"restart_delay,omitempty"`
}

// NewConfig creates a new Config from the cli context, layered over the
// optional station config file. Explicitly set flags win over file values.
func NewConfig(ctx *cli.Context, logger log.Logger) (*Config, error) {
	cfg := &Config{
		StationID:    ctx.String(flags.StationID.Name),
		Cells:        ctx.Int(flags.Cells.Name),
		RunDir:       ctx.String(flags.RunDir.Name),
		ListenPort:   ctx.Int(flags.ListenPort.Name),
		MetricsPort:  opmetrics.ReadCLIConfig(ctx).ListenPort,
		RunOnce:      ctx.Bool(flags.RunOnce.Name),
		ReusePlugs:   ctx.Bool(flags.ReusePlugs.Name),
		RestartDelay: ctx.Duration(flags.RestartDelay.Name),
		Log:          logger,
	}

	if path := ctx.String(flags.StationConfig.Name); path != "" {
		file, err := loadStationFile(path)
		if err != nil {
			return nil, err
		}
		if cfg.StationID == "" {
			cfg.StationID = file.StationID
		}
		if !ctx.IsSet(flags.Cells.Name) && file.Cells != 0 {
			cfg.Cells = file.Cells
		}
		if !ctx.IsSet(flags.RunDir.Name) && file.RunDir != "" {
			cfg.RunDir = file.RunDir
		}
		if !ctx.IsSet(flags.ListenPort.Name) && file.ListenPort != 0 {
			cfg.ListenPort = file.ListenPort
		}
		if !ctx.IsSet(flags.ReusePlugs.Name) && file.ReusePlugs != nil {
			cfg.ReusePlugs = *file.ReusePlugs
		}
		if !ctx.IsSet(flags.RestartDelay.Name) && file.RestartDelay != nil {
			cfg.RestartDelay = *file.RestartDelay
		}
	}

	if cfg.StationID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("station id not configured and hostname unavailable: %w", err)
		}
		cfg.StationID = host
	}
	if cfg.Cells == 0 {
		cfg.Cells = 1
	}
	if cfg.ListenPort == 0 {
		cfg.ListenPort = service.HealthzPort
	}
	if cfg.Cells < 1 {
		return nil, fmt.Errorf("at least one cell is required, got %d", cfg.Cells)
	}
	if cfg.RestartDelay < 0 {
		return nil, fmt.Errorf("restart delay must not be negative, got %v", cfg.RestartDelay)
	}

	runDir, err := filepath.Abs(cfg.RunDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for run directory %q: %w", cfg.RunDir, err)
	}
	cfg.RunDir = runDir

	logger.Debug("Loaded station config",
		"station_id", cfg.StationID, "cells", cfg.Cells, "run_dir", cfg.RunDir,
		"listen_port", cfg.ListenPort, "metrics_port", cfg.MetricsPort, "run_once", cfg.RunOnce,
		"reuse_plugs", cfg.ReusePlugs, "restart_delay", cfg.RestartDelay)
	return cfg, nil
}

// loadStationFile loads a station config from a YAML file.
func loadStationFile(path string) (*stationFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading station config file: %w", err)
	}
	var file stationFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing station config file: %w", err)
	}
	return &file, nil
}
