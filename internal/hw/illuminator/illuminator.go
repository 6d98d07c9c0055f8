package illuminator

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/cjeanneret/moondial/internal/debug"
	"github.com/cjeanneret/moondial/internal/hw/gpio"
)

const (
	DefaultFreqHz  = 2000
	DefaultRange   = 1000 // PWM counts per period; a duty of Range is always on
	DefaultMaxDuty = 255  // duty at 100% brightness
)

// Which lamp is lit, by phase: bit p set means lit for phase p.
//
// Heading to a phase, the waxing lamp is on for 1..30 and the waning lamp
// for 30..58, so both are on while running up to full. At a phase the
// waxing lamp covers 1..29 and the waning lamp 30..58. New moon (0 and 59)
// is dark.
const (
	toWaxing uint64 = 0x000000007ffffffe // bits 1..30
	toWaning uint64 = 0x07ffffffc0000000 // bits 30..58
	atWaxing uint64 = 0x000000003ffffffe // bits 1..29
	atWaning uint64 = 0x07ffffffc0000000 // bits 30..58
)

// Config describes the two low-angle lamps.
type Config struct {
	WaxingPin  int
	WaningPin  int
	FreqHz     int
	Range      uint32
	MaxDuty    uint32
	Brightness int // percent
}

// Illuminator lights the moon photo from the side matching the phase. It
// implements the choreographer's Lighting interface. Not safe for
// concurrent use.
type Illuminator struct {
	gpio gpio.Driver
	cfg  Config

	brightness    int
	waxingMaxDuty uint32
	waningMaxDuty uint32

	waxingMask, waningMask uint64 // masks of the last phase shown
	phase                  int
	shown                  bool
}

// New sets up both lamp pins for PWM and turns the lamps off.
func New(drv gpio.Driver, cfg Config) (*Illuminator, error) {
	if cfg.FreqHz <= 0 {
		cfg.FreqHz = DefaultFreqHz
	}
	if cfg.Range == 0 {
		cfg.Range = DefaultRange
	}
	if cfg.MaxDuty == 0 {
		cfg.MaxDuty = DefaultMaxDuty
	}
	if cfg.MaxDuty > cfg.Range {
		return nil, fmt.Errorf("%w: max duty %d exceeds range %d", ErrOutOfRange, cfg.MaxDuty, cfg.Range)
	}
	if cfg.Brightness < 0 || cfg.Brightness > 100 {
		return nil, fmt.Errorf("%w: brightness %d%%", ErrOutOfRange, cfg.Brightness)
	}

	for _, p := range []int{cfg.WaxingPin, cfg.WaningPin} {
		if err := drv.SetupPWM(p, cfg.FreqHz, cfg.Range); err != nil {
			return nil, fmt.Errorf("setup lamp pin %d: %w", p, err)
		}
		if err := drv.WriteDuty(p, 0, cfg.Range); err != nil {
			return nil, fmt.Errorf("lamp pin %d off: %w", p, err)
		}
	}
	debug.Verbose("Illuminator: waxing pin %d, waning pin %d, %d Hz", cfg.WaxingPin, cfg.WaningPin, cfg.FreqHz)

	return &Illuminator{
		gpio:          drv,
		cfg:           cfg,
		brightness:    cfg.Brightness,
		waxingMaxDuty: cfg.MaxDuty,
		waningMaxDuty: cfg.MaxDuty,
	}, nil
}

// ApproachingPhase lights the lamps for the move toward phase.
func (l *Illuminator) ApproachingPhase(phase int) {
	l.show(phase, toWaxing, toWaning)
}

// AtPhase lights the lamps for the display resting at phase.
func (l *Illuminator) AtPhase(phase int) {
	l.show(phase, atWaxing, atWaning)
}

func (l *Illuminator) show(phase int, wx, wn uint64) {
	if phase < 0 {
		phase = 0
	} else if phase > 59 {
		phase = 59
	}
	l.phase = phase
	l.waxingMask, l.waningMask = wx, wn
	l.shown = true
	if err := l.apply(); err != nil {
		debug.Error(err)
	}
}

func (l *Illuminator) apply() error {
	wx, wn := l.Duties()
	debug.Trace("Illuminator: phase %d waxing %d waning %d", l.phase, wx, wn)
	return multierr.Append(
		l.gpio.WriteDuty(l.cfg.WaxingPin, wx, l.cfg.Range),
		l.gpio.WriteDuty(l.cfg.WaningPin, wn, l.cfg.Range),
	)
}

// Duties returns the duty currently wanted for the waxing and waning lamps.
func (l *Illuminator) Duties() (waxing, waning uint32) {
	if !l.shown {
		return 0, 0
	}
	if (l.waxingMask>>uint(l.phase))&1 != 0 {
		waxing = l.duty(l.waxingMaxDuty)
	}
	if (l.waningMask>>uint(l.phase))&1 != 0 {
		waning = l.duty(l.waningMaxDuty)
	}
	return waxing, waning
}

func (l *Illuminator) duty(max uint32) uint32 {
	return uint32(l.brightness) * max / 100
}

// Brightness returns the brightness in percent.
func (l *Illuminator) Brightness() int {
	return l.brightness
}

// SetBrightness sets the brightness in percent, 0..100, and relights the
// lamps.
func (l *Illuminator) SetBrightness(pct int) error {
	if pct < 0 || pct > 100 {
		return fmt.Errorf("%w: brightness %d%%", ErrOutOfRange, pct)
	}
	l.brightness = pct
	return l.apply()
}

// MaxDuty returns the duty used at 100% brightness for one lamp.
func (l *Illuminator) MaxDuty(waxing bool) uint32 {
	if waxing {
		return l.waxingMaxDuty
	}
	return l.waningMaxDuty
}

// SetMaxDuty sets the duty used at 100% brightness for one lamp, 0..Range.
// It balances the two lamps against each other.
func (l *Illuminator) SetMaxDuty(waxing bool, duty uint32) error {
	if duty > l.cfg.Range {
		return fmt.Errorf("%w: duty %d exceeds range %d", ErrOutOfRange, duty, l.cfg.Range)
	}
	if waxing {
		l.waxingMaxDuty = duty
	} else {
		l.waningMaxDuty = duty
	}
	return l.apply()
}

// Close turns both lamps off.
func (l *Illuminator) Close() error {
	l.shown = false
	return l.apply()
}
