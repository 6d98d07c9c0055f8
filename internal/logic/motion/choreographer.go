package motion

import (
	"fmt"

	"github.com/cjeanneret/moondial/internal/debug"
	"github.com/cjeanneret/moondial/internal/hw/stepper"
	"github.com/cjeanneret/moondial/internal/logic/geometry"
)

const (
	DefaultPivotSpeed     = 300
	DefaultLeadscrewSpeed = 600
)

// Lighting is told where the display is going and where it has arrived, so
// it can light the half of the moon that matches the phase.
type Lighting interface {
	ApproachingPhase(phase int)
	AtPhase(phase int)
}

type noLighting struct{}

func (noLighting) ApproachingPhase(int) {}
func (noLighting) AtPhase(int)          {}

// Config holds the choreographer settings.
type Config struct {
	Calibration    geometry.Calibration
	PivotSpeed     int // steps per second
	LeadscrewSpeed int
}

// Choreographer moves the pivot and leadscrew motors together so the
// terminator follows the calibrated curve from phase to phase.
//
// The display only runs forward. The terminator shape at phase 0 is the
// same as at phase 30, so going from 29 to 30 or from 59 to 0 is done by
// running backward to the shape-equivalent end of the travel and relabelling
// it. While that detour is underway the display is "resetting": target
// holds the waypoint and resetTarget the phase that was asked for.
//
// Choreographer is not safe for concurrent use; callers serialize access.
type Choreographer struct {
	pivot     stepper.Motor
	leadscrew stepper.Motor
	light     Lighting
	cfg       Config

	current     int
	target      int
	resetTarget int
	resetting   bool
	underway    bool
}

// NewChoreographer creates a choreographer for the given motors. light may
// be nil.
func NewChoreographer(pivot, leadscrew stepper.Motor, light Lighting, cfg Config) *Choreographer {
	if light == nil {
		light = noLighting{}
	}
	if cfg.PivotSpeed <= 0 {
		cfg.PivotSpeed = DefaultPivotSpeed
	}
	if cfg.LeadscrewSpeed <= 0 {
		cfg.LeadscrewSpeed = DefaultLeadscrewSpeed
	}
	return &Choreographer{
		pivot:     pivot,
		leadscrew: leadscrew,
		light:     light,
		cfg:       cfg,
	}
}

// Begin prepares the motors and takes the display to already be showing
// phase. Neither axis wraps: both run on linear positions.
func (c *Choreographer) Begin(phase int) error {
	if err := c.cfg.Calibration.Validate(); err != nil {
		return err
	}
	if err := c.pivot.SetModulus(0); err != nil {
		return fmt.Errorf("pivot modulus: %w", err)
	}
	if err := c.leadscrew.SetModulus(0); err != nil {
		return fmt.Errorf("leadscrew modulus: %w", err)
	}
	c.pivot.SetSpeed(c.cfg.PivotSpeed)
	c.leadscrew.SetSpeed(c.cfg.LeadscrewSpeed)
	debug.Verbose("Choreographer: pivot %d steps/s, leadscrew %d steps/s", c.cfg.PivotSpeed, c.cfg.LeadscrewSpeed)
	return c.Assume(phase)
}

// Poll advances the choreography. Call it often from the foreground loop.
// It reports arrived exactly once each time the display comes to rest on
// the requested phase; the waypoints of a wraparound are not reported.
func (c *Choreographer) Poll() (phase int, arrived bool) {
	if c.pivot.IsMoving() || c.leadscrew.IsMoving() {
		return 0, false
	}

	if c.resetting && c.current == c.target {
		from := c.current
		if c.current == 0 {
			c.current = 30
		} else {
			c.current = 0
		}
		c.target = c.resetTarget
		c.resetting = false
		debug.Verbose("Wraparound done: phase %d relabelled %d, heading to %d", from, c.current, c.target)
		if c.current != c.target {
			// the relabelled waypoint stays visible until the next poll
			return 0, false
		}
	}

	if c.current != c.target {
		if !c.resetting {
			c.light.ApproachingPhase(c.target)
		}
		next := c.current + 1
		if c.resetting {
			next = c.current - 1
		} else if next == 60 {
			c.beginReset(30)
			next = 58
		} else if next == 30 {
			c.beginReset(0)
			next = 28
		}
		c.current = next
		c.moveTo(next)
		c.underway = true
		return 0, false
	}

	if c.underway {
		c.underway = false
		c.light.AtPhase(c.current)
		debug.Arrived(c.current)
		return c.current, true
	}
	return 0, false
}

// beginReset stashes the requested phase and heads for waypoint.
func (c *Choreographer) beginReset(waypoint int) {
	debug.Verbose("Wraparound: phase %d to %d via %d", c.current, c.target, waypoint)
	c.resetTarget = c.target
	c.target = waypoint
	c.resetting = true
}

func (c *Choreographer) moveTo(phase int) {
	pv, ls, err := c.cfg.Calibration.Positions(phase)
	if err != nil {
		// phase comes from the state machine and is always in range
		panic(err)
	}
	debug.Move("pivot", pv)
	debug.Move("leadscrew", ls)
	c.pivot.DriveTo(pv)
	c.leadscrew.DriveTo(ls)
}

// ShowPhase asks for phase to be displayed. The move happens in subsequent
// calls to Poll.
func (c *Choreographer) ShowPhase(phase int) error {
	if phase < 0 || phase >= geometry.PhaseCount {
		return fmt.Errorf("%w: %d", ErrInvalidPhase, phase)
	}
	if c.Busy() {
		return ErrBusy
	}
	c.target = phase
	return nil
}

// Busy reports whether the display is moving or has an arrival still to
// report.
func (c *Choreographer) Busy() bool {
	return c.resetting || c.underway || c.pivot.IsMoving() || c.leadscrew.IsMoving()
}

// Phase returns the phase being displayed, or the last one passed while
// moving.
func (c *Choreographer) Phase() int {
	return c.current
}

// Target returns the phase the display is heading for.
func (c *Choreographer) Target() int {
	if c.resetting {
		return c.resetTarget
	}
	return c.target
}

// Resetting reports whether a wraparound detour is in progress.
func (c *Choreographer) Resetting() bool {
	return c.resetting
}

// Assume declares that the display is physically showing phase. Motor
// locations are rebased to match; nothing moves.
func (c *Choreographer) Assume(phase int) error {
	pv, ls, err := c.cfg.Calibration.Positions(phase)
	if err != nil {
		return fmt.Errorf("%w: %d", ErrInvalidPhase, phase)
	}
	c.pivot.SetLocation(pv)
	c.leadscrew.SetLocation(ls)
	c.current = phase
	c.target = phase
	c.resetting = false
	c.underway = false
	c.light.AtPhase(phase)
	debug.Info("Assuming phase %d (pivot %d, leadscrew %d)", phase, pv, ls)
	return nil
}

// Stop halts both motors and abandons the current target, including a
// wraparound in progress.
func (c *Choreographer) Stop() {
	c.pivot.Stop()
	c.leadscrew.Stop()
	c.target = c.current
	c.resetting = false
	debug.Info("Stopped at phase %d", c.current)
}

// TurnPivot turns the pivot by steps without changing its reported
// position. Used to trim the mechanism during calibration.
func (c *Choreographer) TurnPivot(steps int64) {
	turnInPlace(c.pivot, steps)
}

// TurnLeadscrew is TurnPivot for the leadscrew.
func (c *Choreographer) TurnLeadscrew(steps int64) {
	turnInPlace(c.leadscrew, steps)
}

func turnInPlace(m stepper.Motor, steps int64) {
	m.SetLocation(m.Location() - steps)
	m.Drive(steps)
}

// PivotPosition returns the pivot location in steps.
func (c *Choreographer) PivotPosition() int64 {
	return c.pivot.Location()
}

// LeadscrewPosition returns the leadscrew location in steps.
func (c *Choreographer) LeadscrewPosition() int64 {
	return c.leadscrew.Location()
}
