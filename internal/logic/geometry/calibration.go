package geometry

import (
	"errors"
	"fmt"
	"math"
)

// PhaseCount is the number of displayable phases in one lunation.
const PhaseCount = 60

// MaxPivotAngle is the largest pivot angle, either side of vertical, that
// keeps the terminator on the face of the photo.
const MaxPivotAngle = 78.125

// ErrInvalidCalibration is returned when calibration data cannot drive the
// display.
var ErrInvalidCalibration = errors.New("geometry: invalid calibration")

// Curve is the fitted relation between pivot and leadscrew positions:
//
//	ls = Offset + Linear*|pv| - Quadratic*pv²
//
// It is symmetrical around pv = 0, where the terminator is a straight
// vertical line.
type Curve struct {
	Offset    float64 `yaml:"offset"`
	Linear    float64 `yaml:"linear"`
	Quadratic float64 `yaml:"quadratic"`
}

// Calibration maps phases to motor positions for one physical display.
type Calibration struct {
	// PhaseAngles holds the pivot angle, in degrees, for each phase.
	// Phases 30..59 repeat 0..29: the waning half uses the same terminator
	// shapes with the other lamp.
	PhaseAngles [PhaseCount]float64 `yaml:"phase_angles"`

	// PivotStepsPerDegree: 4096 steps/turn through a 20:32 belt reduction.
	PivotStepsPerDegree float64 `yaml:"pivot_steps_per_degree"`

	Curve Curve `yaml:"curve"`
}

var halfLunation = [PhaseCount / 2]float64{
	-78, -78, -75.5, -73.5, -71, -67, -63, -58, -53, -47,
	-40, -33, -25, -18, -10, 10, 18, 25, 33, 40,
	47, 53, 58, 63, 67, 71, 73.5, 75.5, 78, 78,
}

// DefaultCalibration returns the calibration measured on the as-built
// display.
func DefaultCalibration() Calibration {
	c := Calibration{
		PivotStepsPerDegree: 20.48,
		Curve: Curve{
			Offset:    497671,
			Linear:    30.5,
			Quadratic: 0.201,
		},
	}
	for i := range c.PhaseAngles {
		c.PhaseAngles[i] = halfLunation[i%len(halfLunation)]
	}
	return c
}

// PivotSteps converts a pivot angle in degrees to a pivot position in steps,
// truncating toward zero.
func (c Calibration) PivotSteps(angle float64) int64 {
	return int64(c.PivotStepsPerDegree * angle)
}

// LeadscrewSteps returns the leadscrew position that forms a good-looking
// terminator for pivot position pv, truncated toward zero.
func (c Calibration) LeadscrewSteps(pv int64) int64 {
	p := float64(pv)
	// Explicit conversions keep the result identical on FMA hardware.
	lin := float64(c.Curve.Linear * math.Abs(p))
	quad := float64(c.Curve.Quadratic * p * p)
	return int64(c.Curve.Offset + lin - quad)
}

// Positions returns the pivot and leadscrew positions for phase.
func (c Calibration) Positions(phase int) (pv, ls int64, err error) {
	if phase < 0 || phase >= PhaseCount {
		return 0, 0, fmt.Errorf("%w: phase %d out of range [0,%d]", ErrInvalidCalibration, phase, PhaseCount-1)
	}
	pv = c.PivotSteps(c.PhaseAngles[phase])
	return pv, c.LeadscrewSteps(pv), nil
}

// Validate checks that the calibration can be used by the choreographer.
func (c Calibration) Validate() error {
	if c.PivotStepsPerDegree <= 0 {
		return fmt.Errorf("%w: pivot_steps_per_degree must be > 0, got %v", ErrInvalidCalibration, c.PivotStepsPerDegree)
	}
	for i, a := range c.PhaseAngles {
		if math.IsNaN(a) || math.Abs(a) > MaxPivotAngle {
			return fmt.Errorf("%w: phase %d angle %v outside ±%v", ErrInvalidCalibration, i, a, MaxPivotAngle)
		}
	}
	// Each wraparound relabels one end of the travel as the other.
	if c.PhaseAngles[0] != c.PhaseAngles[30] {
		return fmt.Errorf("%w: phases 0 and 30 must share an angle (%v != %v)",
			ErrInvalidCalibration, c.PhaseAngles[0], c.PhaseAngles[30])
	}
	return nil
}
