package motion

import "errors"

var (
	// ErrInvalidPhase is returned for a phase outside [0,59].
	ErrInvalidPhase = errors.New("motion: invalid phase")

	// ErrBusy is returned when a phase change is requested while the display
	// is still moving or finishing a wraparound.
	ErrBusy = errors.New("motion: display busy")
)
