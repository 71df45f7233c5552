package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum-optimism/optimism/op-service/ctxinterrupt"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"

	sequencer "github.com/factorykit/cell-sequencer"
	"github.com/factorykit/cell-sequencer/flags"
	"github.com/factorykit/cell-sequencer/plug"
	"github.com/factorykit/cell-sequencer/seq"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "cell-sequencer"
	app.Usage = "Hardware Test Sequencing Service"
	app.Description = "cell-sequencer runs an ordered set of test phases against the station's cells"
	app.Flags = cliapp.ProtectFlags(flags.Flags)
	app.Action = cliapp.LifecycleCmd(run)
	app.ExitErrHandler = func(c *cli.Context, err error) {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			// Use the exit code from the ExitCoder
			cli.HandleExitCoder(exitErr)
		} else if err != nil {
			if sequencer.IsRuntimeError(err) {
				// For runtime errors, use exit code 2
				cli.HandleExitCoder(cli.Exit(err.Error(), 2))
			} else if sequencer.IsTestFailureError(err) {
				// For test failures, use exit code 1
				cli.HandleExitCoder(cli.Exit(err.Error(), 1))
			} else {
				// For other unspecified errors, default to exit code 1
				cli.HandleExitCoder(cli.Exit(err.Error(), 1))
			}
		}
	}

	// Start telemetry
	shutdown, err := otelconfig.ConfigureOpenTelemetry(
		otelconfig.WithServiceName(app.Name),
		otelconfig.WithServiceVersion(app.Version),
	)
	if err != nil {
		log.Crit("Failed to setup open telemetry", "message", err)
	}
	defer shutdown()

	// Start CLI
	ctx := ctxinterrupt.WithSignalWaiterMain(context.Background())
	err = app.RunContext(ctx, os.Args)
	if err != nil {
		log.Crit("Application failed", "message", err)
	}
}

func run(ctx *cli.Context, closeApp context.CancelCauseFunc) (cliapp.Lifecycle, error) {
	logCfg := oplog.ReadCLIConfig(ctx)
	logger := oplog.NewLogger(oplog.AppOut(ctx), logCfg)
	oplog.SetGlobalLogHandler(logger.Handler())
	oplog.SetupDefaults()

	cfg, err := sequencer.NewConfig(ctx, logger)
	if err != nil {
		// Wrap in RuntimeError to signal this should exit with code 2
		return nil, sequencer.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
	}

	def, err := smokeTest()
	if err != nil {
		return nil, sequencer.NewRuntimeError(fmt.Errorf("failed to build test definition: %w", err))
	}

	app, err := sequencer.New(ctx.Context, cfg, def, Version, closeApp)
	if err != nil {
		return nil, sequencer.NewRuntimeError(fmt.Errorf("failed to create sequencer: %w", err))
	}
	return app, nil
}

// simDUT is a simulated device-under-test interface used by the built-in
// smoke test. Real stations import the library and build their own test
// definition instead of running this binary.
type simDUT struct {
	serial  string
	powered bool
}

func (d *simDUT) TearDown() {
	d.powered = false
}

var dutPlug = plug.NewFactory("dut", func(ctx context.Context, cellID int) (*simDUT, error) {
	return &simDUT{serial: fmt.Sprintf("SIM-%04d", cellID)}, nil
})

// smokeTest builds a small self-contained test definition that exercises
// plugs, measurements, run conditions and timeouts against simulated
// hardware.
func smokeTest() (*seq.Definition, error) {
	powerOn, err := seq.Phase("power_on", func(ctx context.Context, st *seq.State) seq.Result {
		dut, ok := st.Plug("dut").(*simDUT)
		if !ok {
			return seq.Error(errors.New("dut plug not available"))
		}
		dut.powered = true
		st.SetDUTID(dut.serial)
		return seq.Pass()
	}, seq.Requires(dutPlug), seq.WithTimeout(10*time.Second))
	if err != nil {
		return nil, err
	}

	measureRail, err := seq.Phase("measure_rail", func(ctx context.Context, st *seq.State) seq.Result {
		// Simulated 3.3V rail readout.
		st.Measure("rail_voltage", 3.3)
		return seq.Pass()
	},
		seq.Requires(dutPlug),
		seq.WithMeasurement(seq.NewMeasurement("rail_voltage").WithUnits("V").InRange(3.1, 3.5)),
		seq.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}

	powerOff, err := seq.Phase("power_off", func(ctx context.Context, st *seq.State) seq.Result {
		dut, ok := st.Plug("dut").(*simDUT)
		if !ok {
			return seq.Error(errors.New("dut plug not available"))
		}
		dut.powered = false
		return seq.Pass()
	},
		seq.Requires(dutPlug),
		seq.RunIf(func(st *seq.State) bool {
			dut, ok := st.Plug("dut").(*simDUT)
			return ok && dut.powered
		}),
		seq.WithTimeout(10*time.Second),
	)
	if err != nil {
		return nil, err
	}

	def, err := seq.New("station_smoke_test", powerOn, measureRail, powerOff)
	if err != nil {
		return nil, err
	}
	return def.WithDescription("built-in smoke test against simulated hardware"), nil
}
