package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/cjeanneret/moondial/internal/debug"
	"github.com/cjeanneret/moondial/internal/hw/gpio"
	"github.com/cjeanneret/moondial/internal/hw/illuminator"
	"github.com/cjeanneret/moondial/internal/hw/stepper"
	"github.com/cjeanneret/moondial/internal/logic/lunation"
	"github.com/cjeanneret/moondial/internal/logic/motion"
	"github.com/cjeanneret/moondial/internal/logic/runner"
	"github.com/cjeanneret/moondial/internal/store"
	"github.com/cjeanneret/moondial/internal/web"
)

type runOptions struct {
	configPath string
	webPort    int
	console    bool
}

func newRunCmd(cfgPath *string) *cobra.Command {
	webPort := &webPortFlag{defaultPort: 8080}
	var console bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the display, following the lunar clock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runDisplay(ctx, runOptions{
				configPath: *cfgPath,
				webPort:    webPort.port(),
				console:    console,
			})
		},
	}
	cmd.Flags().Var(webPort, "web", "start web server on port; --web for default 8080, --web=8980 for custom port")
	cmd.Flags().Lookup("web").NoOptDefVal = "8080"
	cmd.Flags().BoolVar(&console, "console", false, "start an interactive console")
	return cmd
}

// runDisplay brings the hardware up, runs until ctx is done or the console
// exits, then rests the motors, darkens the lamps and saves the state.
func runDisplay(ctx context.Context, opts runOptions) (err error) {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", opts.configPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	drv, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		return fmt.Errorf("init GPIO: %w", err)
	}
	defer func() { err = multierr.Append(err, drv.Close()) }()

	debug.Step(2, "Starting step scheduler")
	engine := stepper.NewEngine(drv, stepper.Config{
		MaxMotors:       cfg.Scheduler.MaxMotors,
		TickInterval:    cfg.TickInterval(),
		JitterTolerance: cfg.JitterTolerance(),
		LateTickMargin:  cfg.LateTickMargin(),
	})
	defer func() { err = multierr.Append(err, engine.Close()) }()
	debug.PrintStruct("Scheduler config", cfg.Scheduler)

	// Pivot first: motor indices are fixed by creation order.
	pivot, err := engine.CreateMotor(cfg.PivotStepper.Pins)
	if err != nil {
		return fmt.Errorf("create pivot motor: %w", err)
	}
	debug.PrintStruct("Pivot stepper config", cfg.PivotStepper)
	leadscrew, err := engine.CreateMotor(cfg.LeadscrewStepper.Pins)
	if err != nil {
		return fmt.Errorf("create leadscrew motor: %w", err)
	}
	debug.PrintStruct("Leadscrew stepper config", cfg.LeadscrewStepper)

	debug.Step(3, "Initializing illuminator")
	lamps, err := illuminator.New(drv, illuminator.Config{
		WaxingPin:  cfg.Illuminator.WaxingPin,
		WaningPin:  cfg.Illuminator.WaningPin,
		FreqHz:     cfg.Illuminator.PWMFreqHz,
		Range:      cfg.Illuminator.Range,
		MaxDuty:    cfg.Illuminator.MaxDuty,
		Brightness: *cfg.Illuminator.Brightness,
	})
	if err != nil {
		return fmt.Errorf("init illuminator: %w", err)
	}
	defer func() { err = multierr.Append(err, lamps.Close()) }()

	debug.Step(4, "Loading saved state")
	db, err := store.Open(cfg.Defaults.StateDB)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, db.Close()) }()
	state, err := db.Load()
	if err != nil {
		return err
	}
	if state.Timezone == "" {
		state.Timezone = cfg.Defaults.Timezone
	}
	debug.PrintStruct("Saved state", state)

	cal, err := cfg.BuildCalibration()
	if err != nil {
		return err
	}

	debug.Step(5, "Starting choreographer")
	display := motion.NewChoreographer(pivot, leadscrew, lamps, motion.Config{
		Calibration:    cal,
		PivotSpeed:     cfg.PivotStepper.Speed,
		LeadscrewSpeed: cfg.LeadscrewStepper.Speed,
	})
	if err := display.Begin(state.Phase); err != nil {
		return fmt.Errorf("begin at phase %d: %w", state.Phase, err)
	}

	broadcaster := web.NewStatusBroadcaster()
	rn := runner.New(display, engine, db, lamps, state, runner.Config{
		PollInterval: cfg.PollInterval(),
		OnChange:     broadcaster.BroadcastStatus,
	})
	// Last in, first out: the state is saved before the motors are released.
	defer func() { err = multierr.Append(err, rn.Save()) }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var bgErr error
	spawn := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := fn()
			// a loop ending because ctx is done is a clean stop, cancel or deadline alike
			if e == nil || (ctx.Err() != nil && errors.Is(e, ctx.Err())) {
				return
			}
			mu.Lock()
			bgErr = multierr.Append(bgErr, fmt.Errorf("%s: %w", name, e))
			mu.Unlock()
			cancel()
		}()
	}

	spawn("runner", func() error { return rn.Run(ctx) })

	if opts.webPort > 0 {
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
		srv := web.NewServer(fmt.Sprintf(":%d", opts.webPort), rn, broadcaster)
		spawn("web server", func() error { return srv.Run(ctx) })
	}

	debug.Summary("Display running")
	debug.Info("Phase %d (%s), lunar clock says %d, testing=%v",
		state.Phase, lunation.Name(state.Phase), lunation.PhaseAt(time.Now()), state.Testing)

	if opts.console {
		sh := newConsole(rn)
		go func() {
			<-ctx.Done()
			sh.Close()
		}()
		sh.Run()
		cancel()
	} else {
		<-ctx.Done()
	}

	wg.Wait()
	debug.Info("Shutting down")
	return bgErr
}
