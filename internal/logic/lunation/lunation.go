// Package lunation computes where the moon is in its cycle of phases.
package lunation

import (
	"time"

	"github.com/cjeanneret/moondial/internal/logic/geometry"
)

// Epoch is a known new moon, the origin of the phase arithmetic.
var Epoch = time.Date(2024, time.July, 5, 22, 57, 0, 0, time.UTC)

// Month is the mean length of a lunation: 29.53059 days.
const Month = 2551442976 * time.Millisecond

// PhaseDuration is how long the display stays on each phase.
const PhaseDuration = Month / geometry.PhaseCount

// AgeAt returns the time since the new moon preceding t.
func AgeAt(t time.Time) time.Duration {
	age := t.Sub(Epoch) % Month
	if age < 0 {
		age += Month
	}
	return age
}

// PhaseAt returns the display phase, 0..59, at t.
func PhaseAt(t time.Time) int {
	p := int(AgeAt(t) / PhaseDuration)
	if p >= geometry.PhaseCount {
		p = geometry.PhaseCount - 1
	}
	return p
}

// NextChange returns the first time after t at which the phase changes.
func NextChange(t time.Time) time.Time {
	into := AgeAt(t) - time.Duration(PhaseAt(t))*PhaseDuration
	return t.Add(PhaseDuration - into)
}

// Name returns a plain description of phase.
func Name(phase int) string {
	switch {
	case phase <= 0 || phase >= geometry.PhaseCount-1:
		return "new moon"
	case phase < 14:
		return "waxing crescent"
	case phase == 14 || phase == 15:
		return "first quarter"
	case phase < 29:
		return "waxing gibbous"
	case phase == 29 || phase == 30:
		return "full moon"
	case phase < 44:
		return "waning gibbous"
	case phase == 44 || phase == 45:
		return "last quarter"
	default:
		return "waning crescent"
	}
}
