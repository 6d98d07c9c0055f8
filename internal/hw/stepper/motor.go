package stepper

import "fmt"

// Motor is a handle to one slot of an Engine's motor table. It is cheap to
// copy; every method enters the engine's critical section for the duration
// of a few field reads or writes.
type Motor struct {
	e  *Engine
	ix int
}

// Index returns the motor's slot in the engine table.
func (m Motor) Index() int {
	return m.ix
}

func (m Motor) entry() *entry {
	return &m.e.motors[m.ix]
}

// Drive adds n steps to the motor's outstanding steps; positive is
// clockwise. Drive does not block. Calling it while moving extends or
// shortens the current move.
func (m Motor) Drive(n int64) {
	if n == 0 {
		return
	}
	m.e.disableTick()
	defer m.e.restoreTick()
	ent := m.entry()
	m.e.setStepsToGo(ent, ent.stepsToGo+n)
}

// DriveTo moves the motor to absolute location pos, replacing any steps
// still outstanding. With a non-zero modulus the motor turns whichever way
// needs fewer steps. A move of exactly half a turn is left as computed.
func (m Motor) DriveTo(pos int64) {
	m.e.disableTick()
	defer m.e.restoreTick()
	ent := m.entry()
	m.e.setStepsToGo(ent, shortestDelta(pos-ent.location, ent.modulus))
}

// shortestDelta reduces delta to the equivalent move of at most half a
// turn. delta values of exactly ±mod/2 are not adjusted.
func shortestDelta(delta, mod int64) int64 {
	if mod == 0 {
		return delta
	}
	delta %= mod
	if delta > mod/2 {
		delta -= mod
	} else if delta < -mod/2 {
		delta += mod
	}
	return delta
}

// Stop ends the current move. At most one more step is taken, so a
// half-issued step completes and the coils are then rested.
func (m Motor) Stop() {
	m.e.disableTick()
	defer m.e.restoreTick()
	ent := m.entry()
	switch {
	case ent.stepsToGo > 0:
		ent.stepsToGo = 1
	case ent.stepsToGo < 0:
		ent.stepsToGo = -1
	}
}

// SetLocation rebases the motor's location without moving it.
func (m Motor) SetLocation(pos int64) {
	m.e.disableTick()
	defer m.e.restoreTick()
	ent := m.entry()
	ent.location = wrap(pos, ent.modulus)
}

// Location returns the motor's current location in steps.
func (m Motor) Location() int64 {
	m.e.disableTick()
	defer m.e.restoreTick()
	return m.entry().location
}

// SetModulus sets the number of steps that bring the location back to 0.
// Zero makes the axis linear.
func (m Motor) SetModulus(steps int64) error {
	if steps < 0 {
		return fmt.Errorf("%w: modulus %d", ErrInvalidArgument, steps)
	}
	m.e.disableTick()
	defer m.e.restoreTick()
	ent := m.entry()
	ent.modulus = steps
	ent.location = wrap(ent.location, steps)
	return nil
}

// Modulus returns the location modulus; 0 means linear.
func (m Motor) Modulus() int64 {
	m.e.disableTick()
	defer m.e.restoreTick()
	return m.entry().modulus
}

// SetSpeed sets the stepping rate in steps per second. Values <= 0 select
// the engine default. Changing speed mid-move takes effect from the next
// scheduled step.
func (m Motor) SetSpeed(stepsPerSec int) {
	if stepsPerSec <= 0 {
		stepsPerSec = m.e.cfg.DefaultSpeed
	}
	m.e.disableTick()
	defer m.e.restoreTick()
	ent := m.entry()
	ent.speed = stepsPerSec
	ent.microsPerStep = microsPerStep(stepsPerSec)
}

// Speed returns the stepping rate in steps per second.
func (m Motor) Speed() int {
	m.e.disableTick()
	defer m.e.restoreTick()
	return m.entry().speed
}

// StepsToGo returns the steps still to be taken; the sign is the direction.
func (m Motor) StepsToGo() int64 {
	m.e.disableTick()
	defer m.e.restoreTick()
	return m.entry().stepsToGo
}

// IsMoving reports whether the motor has steps outstanding.
func (m Motor) IsMoving() bool {
	return m.StepsToGo() != 0
}
