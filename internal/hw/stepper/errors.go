package stepper

import "errors"

var (
	// ErrTooManyMotors is returned by CreateMotor when every slot in the
	// engine's motor table is taken. It is a configuration error: the
	// caller should abort startup rather than run with fewer motors.
	ErrTooManyMotors = errors.New("stepper: too many motors; increase scheduler.max_motors")

	// ErrInvalidArgument is returned when a setting is outside its valid range.
	ErrInvalidArgument = errors.New("stepper: invalid argument")
)
