// Package stepper is a step scheduler for ULN2003-driven 28BYJ-48 steppers.
//
// One periodic tick services every registered motor in a single pass. Each
// motor either runs at its assigned speed or is stopped, with no
// acceleration. A stopped motor has all four coils de-energized.
package stepper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/cjeanneret/moondial/internal/debug"
	"github.com/cjeanneret/moondial/internal/hw/gpio"
)

const (
	DefaultMaxMotors       = 4
	DefaultSpeed           = 600  // steps per second
	DefaultModulus         = 4096 // half-steps per output shaft turn
	DefaultTickInterval    = 512 * time.Microsecond
	DefaultJitterTolerance = 75 * time.Microsecond
	DefaultLateTickMargin  = 10 * time.Millisecond
)

// Coil outputs by cycle position: 1, 1+4, 4, 4+3, 3, 3+2, 2, 2+1.
// Bit j drives output j.
var halfStep = [8]uint8{0b0001, 0b1001, 0b1000, 0b1100, 0b0100, 0b0110, 0b0010, 0b0011}

// Config holds the scheduler settings shared by every motor.
type Config struct {
	MaxMotors       int
	TickInterval    time.Duration
	JitterTolerance time.Duration // how early a step may go, and the slack before a late one is flagged
	LateTickMargin  time.Duration // tick gaps beyond TickInterval+LateTickMargin are flagged
	DefaultSpeed    int
	DefaultModulus  int64
}

func (c Config) withDefaults() Config {
	if c.MaxMotors <= 0 {
		c.MaxMotors = DefaultMaxMotors
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.JitterTolerance <= 0 {
		c.JitterTolerance = DefaultJitterTolerance
	}
	if c.LateTickMargin <= 0 {
		c.LateTickMargin = DefaultLateTickMargin
	}
	if c.DefaultSpeed <= 0 {
		c.DefaultSpeed = DefaultSpeed
	}
	if c.DefaultModulus < 0 {
		c.DefaultModulus = 0
	} else if c.DefaultModulus == 0 {
		c.DefaultModulus = DefaultModulus
	}
	return c
}

// entry is one slot of the motor table.
type entry struct {
	pins          [4]int
	cycle         uint8 // position in halfStep
	stepsToGo     int64 // sign gives direction
	location      int64
	modulus       int64 // 0 means linear
	speed         int
	microsPerStep int64
	nextDue       int64 // only meaningful while stepsToGo != 0
}

// Engine owns the motor table and the periodic tick that steps the motors.
type Engine struct {
	mu    sync.Mutex
	gpio  gpio.Driver
	cfg   Config
	clock Clock

	interval   int64
	jitter     int64
	lateMargin int64

	motors []entry

	auto   bool
	cancel context.CancelFunc
	done   chan struct{}

	lastTick   int64
	ticked     bool
	dispatched uint64
	diag       diagnostics
}

// NewEngine creates an engine whose tick runs on its own goroutine. The
// tick is armed by the first CreateMotor.
func NewEngine(drv gpio.Driver, cfg Config) *Engine {
	e := newEngine(drv, cfg, newMonotonicClock())
	e.auto = true
	return e
}

// NewManualEngine creates an engine that never ticks by itself; the caller
// invokes Tick. Used for simulation and tests.
func NewManualEngine(drv gpio.Driver, cfg Config, clk Clock) *Engine {
	return newEngine(drv, cfg, clk)
}

func newEngine(drv gpio.Driver, cfg Config, clk Clock) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		gpio:       drv,
		cfg:        cfg,
		clock:      clk,
		interval:   cfg.TickInterval.Microseconds(),
		jitter:     cfg.JitterTolerance.Microseconds(),
		lateMargin: cfg.LateTickMargin.Microseconds(),
		motors:     make([]entry, 0, cfg.MaxMotors),
	}
}

// disableTick enters the critical section shared with the tick. Hold it
// briefly: every motor's timing stalls while it is held.
func (e *Engine) disableTick() {
	e.mu.Lock()
}

func (e *Engine) restoreTick() {
	e.mu.Unlock()
}

// Config returns the effective scheduler configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// CreateMotor registers a motor whose ULN2003 inputs IN1..IN4 are wired to
// pins. The motor starts at location 0 with the default speed and modulus.
func (e *Engine) CreateMotor(pins [4]int) (Motor, error) {
	e.disableTick()
	defer e.restoreTick()

	if len(e.motors) >= e.cfg.MaxMotors {
		return Motor{}, fmt.Errorf("%w (max %d)", ErrTooManyMotors, e.cfg.MaxMotors)
	}

	for _, p := range pins {
		if err := e.gpio.SetupPin(p, gpio.Output); err != nil {
			return Motor{}, fmt.Errorf("setup motor pin %d: %w", p, err)
		}
		if err := e.gpio.WritePin(p, gpio.Low); err != nil {
			return Motor{}, fmt.Errorf("rest motor pin %d: %w", p, err)
		}
	}

	e.motors = append(e.motors, entry{
		pins:          pins,
		modulus:       e.cfg.DefaultModulus,
		speed:         e.cfg.DefaultSpeed,
		microsPerStep: microsPerStep(e.cfg.DefaultSpeed),
	})
	ix := len(e.motors) - 1
	debug.Verbose("Stepper %d registered on pins %v", ix, pins)

	if ix == 0 && e.auto {
		e.arm()
	}
	return Motor{e: e, ix: ix}, nil
}

// arm starts the periodic tick. Called with the critical section held.
func (e *Engine) arm() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	debug.Verbose("Arming step tick every %v", e.cfg.TickInterval)
	go e.run(ctx)
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick()
		}
	}
}

// Tick services every motor once: each motor whose next step is due
// (within the jitter tolerance) takes exactly one step. A motor that has
// fallen behind catches up one step per tick, so delayed steps are never
// dropped.
func (e *Engine) Tick() {
	e.disableTick()
	defer e.restoreTick()

	now := e.clock.Micros()
	prev := e.lastTick
	if e.ticked && now-prev > e.interval+e.lateMargin {
		e.diag.record(Anomaly{Kind: AnomalyLateTick, Motor: -1, Now: now, PrevTick: prev})
	}

	for i := range e.motors {
		m := &e.motors[i]
		if m.stepsToGo == 0 || now < m.nextDue-e.jitter {
			continue
		}
		if now-m.nextDue > e.interval+e.jitter {
			e.diag.record(Anomaly{
				Kind:      AnomalyLateStep,
				Motor:     i,
				Due:       m.nextDue,
				StepsToGo: m.stepsToGo,
				Now:       now,
				PrevTick:  prev,
			})
		}
		e.step(m)
	}

	e.lastTick = now
	e.ticked = true
}

// step dispatches one step for m. Called with the critical section held.
func (e *Engine) step(m *entry) {
	forward := m.stepsToGo > 0
	if forward {
		m.cycle = (m.cycle + 7) & 7
	} else {
		m.cycle = (m.cycle + 1) & 7
	}
	e.energize(m)
	if m.stepsToGo == 1 || m.stepsToGo == -1 {
		e.diag.pinFault(e.rest(m))
	}

	if forward {
		m.location++
		m.stepsToGo--
	} else {
		m.location--
		m.stepsToGo++
	}
	m.location = wrap(m.location, m.modulus)

	if m.stepsToGo != 0 {
		m.nextDue += m.microsPerStep
	}
	e.dispatched++
}

func (e *Engine) energize(m *entry) {
	bits := halfStep[m.cycle]
	for j, p := range m.pins {
		level := gpio.Low
		if bits&(1<<uint(j)) != 0 {
			level = gpio.High
		}
		e.diag.pinFault(e.gpio.WritePin(p, level))
	}
}

// rest de-energizes all four coils of m.
func (e *Engine) rest(m *entry) error {
	var err error
	for _, p := range m.pins {
		err = multierr.Append(err, e.gpio.WritePin(p, gpio.Low))
	}
	return err
}

// setStepsToGo replaces m's outstanding steps, handling the transitions
// into and out of motion. Called with the critical section held.
func (e *Engine) setStepsToGo(m *entry, n int64) {
	if m.stepsToGo == 0 && n != 0 {
		m.nextDue = e.clock.Micros()
	} else if m.stepsToGo != 0 && n == 0 {
		e.diag.pinFault(e.rest(m))
	}
	m.stepsToGo = n
}

// StepsDispatched returns the total number of steps taken by all motors.
func (e *Engine) StepsDispatched() uint64 {
	e.disableTick()
	defer e.restoreTick()
	return e.dispatched
}

// MotorCount returns the number of registered motors.
func (e *Engine) MotorCount() int {
	e.disableTick()
	defer e.restoreTick()
	return len(e.motors)
}

// Close stops the tick and de-energizes every motor.
func (e *Engine) Close() error {
	if e.cancel != nil {
		e.cancel()
		<-e.done
		e.cancel = nil
	}

	e.disableTick()
	defer e.restoreTick()

	var err error
	for i := range e.motors {
		e.motors[i].stepsToGo = 0
		err = multierr.Append(err, e.rest(&e.motors[i]))
	}
	return err
}

func microsPerStep(speed int) int64 {
	return 1000000 / int64(speed)
}

// wrap folds loc into [0, mod) when mod is non-zero.
func wrap(loc, mod int64) int64 {
	if mod == 0 {
		return loc
	}
	loc %= mod
	if loc < 0 {
		loc += mod
	}
	return loc
}
