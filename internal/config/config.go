package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata" // timezone names resolve on minimal Pi images

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/moondial/internal/logic/geometry"
)

// MaxConfigFileBytes bounds the size of a config file.
const MaxConfigFileBytes = 1 << 20

// maxBCMPin is the highest GPIO on the Raspberry Pi header.
const maxBCMPin = 27

// StepperConfig holds the configuration for one 28BYJ-48 on a ULN2003 board.
type StepperConfig struct {
	Pins  [4]int `yaml:"pins"`  // BCM pins wired to IN1..IN4
	Speed int    `yaml:"speed"` // steps per second
}

// IlluminatorConfig describes the two low-angle lamps.
type IlluminatorConfig struct {
	WaxingPin  int    `yaml:"waxing_pin"`
	WaningPin  int    `yaml:"waning_pin"`
	PWMFreqHz  int    `yaml:"pwm_freq_hz"`
	Range      uint32 `yaml:"range"`    // PWM counts per period
	MaxDuty    uint32 `yaml:"max_duty"` // duty at 100% brightness
	Brightness *int   `yaml:"brightness,omitempty"`
}

// SchedulerConfig tunes the step scheduler tick.
type SchedulerConfig struct {
	MaxMotors         int `yaml:"max_motors"`
	TickIntervalUs    int `yaml:"tick_interval_us"`
	JitterToleranceUs int `yaml:"jitter_tolerance_us"`
	LateTickMarginMs  int `yaml:"late_tick_margin_ms"`
}

// CalibrationConfig overrides parts of the built-in calibration.
type CalibrationConfig struct {
	PivotStepsPerDegree float64         `yaml:"pivot_steps_per_degree"`
	Curve               *geometry.Curve `yaml:"curve,omitempty"`
	PhaseAngles         []float64       `yaml:"phase_angles,omitempty"`
}

// DefaultsConfig contains generic parameters. The env tags let the
// environment override the file.
type DefaultsConfig struct {
	DebugLevel     int    `yaml:"debug_level" env:"MOONDIAL_DEBUG_LEVEL"` // 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO       bool   `yaml:"mock_gpio" env:"MOONDIAL_MOCK_GPIO"`     // true=dev/test, false=real Raspberry Pi
	StateDB        string `yaml:"state_db" env:"MOONDIAL_STATE_DB"`
	PollIntervalMs int    `yaml:"poll_interval_ms"`
	Timezone       string `yaml:"timezone"`
}

// Config aggregates all application configuration.
type Config struct {
	PivotStepper     StepperConfig      `yaml:"pivot_stepper"`
	LeadscrewStepper StepperConfig      `yaml:"leadscrew_stepper"`
	Illuminator      IlluminatorConfig  `yaml:"illuminator"`
	Scheduler        SchedulerConfig    `yaml:"scheduler"`
	Calibration      *CalibrationConfig `yaml:"calibration,omitempty"` // optional
	Defaults         DefaultsConfig     `yaml:"defaults"`
}

// ValidateConfigPath checks that path names a .yaml file directly inside a
// configs/ directory.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config file must have .yaml extension: %s", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config file must be in a configs/ directory: %s", path)
	}
	return nil
}

// Load reads a YAML file, applies environment overrides and defaults, and
// returns the validated configuration.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := env.Parse(&cfg.Defaults); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.PivotStepper.Speed <= 0 {
		c.PivotStepper.Speed = 300
	}
	if c.LeadscrewStepper.Speed <= 0 {
		c.LeadscrewStepper.Speed = 600
	}
	if c.Illuminator.PWMFreqHz <= 0 {
		c.Illuminator.PWMFreqHz = 2000
	}
	if c.Illuminator.Range == 0 {
		c.Illuminator.Range = 1000
	}
	if c.Illuminator.MaxDuty == 0 {
		c.Illuminator.MaxDuty = 255
	}
	if c.Illuminator.Brightness == nil {
		full := 100
		c.Illuminator.Brightness = &full
	}
	if c.Scheduler.MaxMotors <= 0 {
		c.Scheduler.MaxMotors = 4
	}
	if c.Scheduler.TickIntervalUs <= 0 {
		c.Scheduler.TickIntervalUs = 512
	}
	if c.Scheduler.JitterToleranceUs <= 0 {
		c.Scheduler.JitterToleranceUs = 75
	}
	if c.Scheduler.LateTickMarginMs <= 0 {
		c.Scheduler.LateTickMarginMs = 10
	}
	if c.Defaults.StateDB == "" {
		c.Defaults.StateDB = "moondial.db"
	}
	if c.Defaults.PollIntervalMs <= 0 {
		c.Defaults.PollIntervalMs = 5
	}
	if c.Defaults.Timezone == "" {
		c.Defaults.Timezone = "UTC"
	}
}

func (c *Config) validate() error {
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	if b := *c.Illuminator.Brightness; b < 0 || b > 100 {
		return fmt.Errorf("illuminator.brightness must be between 0 and 100, got %d", b)
	}
	if c.Illuminator.MaxDuty > c.Illuminator.Range {
		return fmt.Errorf("illuminator.max_duty %d exceeds range %d", c.Illuminator.MaxDuty, c.Illuminator.Range)
	}
	if c.Scheduler.MaxMotors < 2 {
		return fmt.Errorf("scheduler.max_motors must be at least 2, got %d", c.Scheduler.MaxMotors)
	}
	if _, err := time.LoadLocation(c.Defaults.Timezone); err != nil {
		return fmt.Errorf("defaults.timezone: %w", err)
	}

	used := make(map[int]string)
	claim := func(pin int, owner string) error {
		if pin < 0 || pin > maxBCMPin {
			return fmt.Errorf("%s: pin %d out of range 0..%d", owner, pin, maxBCMPin)
		}
		if prev, ok := used[pin]; ok {
			return fmt.Errorf("%s: pin %d already used by %s", owner, pin, prev)
		}
		used[pin] = owner
		return nil
	}
	for i, p := range c.PivotStepper.Pins {
		if err := claim(p, fmt.Sprintf("pivot_stepper.pins[%d]", i)); err != nil {
			return err
		}
	}
	for i, p := range c.LeadscrewStepper.Pins {
		if err := claim(p, fmt.Sprintf("leadscrew_stepper.pins[%d]", i)); err != nil {
			return err
		}
	}
	if err := claim(c.Illuminator.WaxingPin, "illuminator.waxing_pin"); err != nil {
		return err
	}
	if err := claim(c.Illuminator.WaningPin, "illuminator.waning_pin"); err != nil {
		return err
	}

	if _, err := c.BuildCalibration(); err != nil {
		return err
	}
	return nil
}

// BuildCalibration returns the built-in calibration with any overrides from
// the calibration section applied.
func (c *Config) BuildCalibration() (geometry.Calibration, error) {
	cal := geometry.DefaultCalibration()
	if o := c.Calibration; o != nil {
		if o.PivotStepsPerDegree != 0 {
			cal.PivotStepsPerDegree = o.PivotStepsPerDegree
		}
		if o.Curve != nil {
			cal.Curve = *o.Curve
		}
		if len(o.PhaseAngles) != 0 {
			if len(o.PhaseAngles) != geometry.PhaseCount {
				return cal, fmt.Errorf("%w: calibration.phase_angles has %d entries, want %d",
					geometry.ErrInvalidCalibration, len(o.PhaseAngles), geometry.PhaseCount)
			}
			copy(cal.PhaseAngles[:], o.PhaseAngles)
		}
	}
	if err := cal.Validate(); err != nil {
		return cal, err
	}
	return cal, nil
}

// TickInterval returns the step scheduler tick period.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickIntervalUs) * time.Microsecond
}

// JitterTolerance returns how early a step may be dispatched.
func (c *Config) JitterTolerance() time.Duration {
	return time.Duration(c.Scheduler.JitterToleranceUs) * time.Microsecond
}

// LateTickMargin returns the tick lateness that counts as an anomaly.
func (c *Config) LateTickMargin() time.Duration {
	return time.Duration(c.Scheduler.LateTickMarginMs) * time.Millisecond
}

// PollInterval returns the foreground loop period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Defaults.PollIntervalMs) * time.Millisecond
}

// Location returns the configured display time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Defaults.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
