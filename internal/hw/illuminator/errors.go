package illuminator

import "errors"

// ErrOutOfRange is returned for a brightness or duty setting outside its
// valid range.
var ErrOutOfRange = errors.New("illuminator: value out of range")
