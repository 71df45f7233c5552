package flags

import (
	"time"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

const EnvVarPrefix = "CELL_SEQUENCER"

var (
	StationConfig = &cli.StringFlag{
		Name:    "station-config",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "STATION_CONFIG"),
		Usage:   "Path to station config file (eg. 'station.yaml')",
	}
	StationID = &cli.StringFlag{
		Name:    "station-id",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "STATION_ID"),
		Usage:   "Station identifier; defaults to the hostname",
	}
	Cells = &cli.IntFlag{
		Name:    "cells",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CELLS"),
		Usage:   "Number of test cells to run concurrently",
	}
	RunDir = &cli.StringFlag{
		Name:    "run-dir",
		Value:   "runs",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUN_DIR"),
		Usage:   "Directory for run metadata and test records",
	}
	RunOnce = &cli.BoolFlag{
		Name:    "run-once",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUN_ONCE"),
		Usage:   "Run a single test per cell and exit instead of looping",
	}
	ReusePlugs = &cli.BoolFlag{
		Name:    "reuse-plugs",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "REUSE_PLUGS"),
		Usage:   "Keep plug instances alive across runs on a cell",
	}
	RestartDelay = &cli.DurationFlag{
		Name:    "restart-delay",
		Value:   5 * time.Second,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RESTART_DELAY"),
		Usage:   "Delay before a cell restarts its loop after a fatal error",
	}
	ListenPort = &cli.IntFlag{
		Name:    "listen-port",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LISTEN_PORT"),
		Usage:   "Port for the healthz/status monitoring endpoint",
	}
)

var Flags []cli.Flag

func init() {
	Flags = []cli.Flag{
		StationConfig,
		StationID,
		Cells,
		RunDir,
		RunOnce,
		ReusePlugs,
		RestartDelay,
		ListenPort,
	}
	Flags = append(Flags, oplog.CLIFlags(EnvVarPrefix)...)
	Flags = append(Flags, opmetrics.CLIFlags(EnvVarPrefix)...)
}
