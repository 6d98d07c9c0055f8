// Package runner is the foreground loop of the display. It polls the
// choreographer, follows the lunar clock, persists arrivals and reports
// timing anomalies. Every command that touches the display goes through the
// Runner, which serializes them.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/moondial/internal/debug"
	"github.com/cjeanneret/moondial/internal/hw/stepper"
	"github.com/cjeanneret/moondial/internal/logic/lunation"
	"github.com/cjeanneret/moondial/internal/logic/motion"
	"github.com/cjeanneret/moondial/internal/store"
)

const DefaultPollInterval = 5 * time.Millisecond

// ErrNoLamps is returned by lamp commands when no illuminator is attached.
var ErrNoLamps = errors.New("runner: no lamps attached")

// Diagnostics is the step engine's timing anomaly record.
type Diagnostics interface {
	TakeAnomaly() (stepper.Anomaly, bool)
	Anomalies() []stepper.Anomaly
	AnomalyCount() uint64
	PinFaults() (uint64, error)
}

// StateStore persists the display state.
type StateStore interface {
	Save(store.State) error
}

// Lamps is the brightness control of the illuminator.
type Lamps interface {
	Brightness() int
	SetBrightness(pct int) error
}

// Config holds the runner settings. Zero values select defaults.
type Config struct {
	PollInterval time.Duration
	Now          func() time.Time
	// OnChange, if set, is called with the new status after every arrival
	// and every command. It is called with the runner locked and must not
	// call back into the runner.
	OnChange func(Status)
}

// Status is a snapshot of the display.
type Status struct {
	Phase             int       `json:"phase"`
	PhaseName         string    `json:"phase_name"`
	Target            int       `json:"target"`
	Resetting         bool      `json:"resetting"`
	Busy              bool      `json:"busy"`
	Testing           bool      `json:"testing"`
	PivotPosition     int64     `json:"pivot_position"`
	LeadscrewPosition int64     `json:"leadscrew_position"`
	NextChange        time.Time `json:"next_change,omitempty"`
	LunarPhase        int       `json:"lunar_phase"`
	Brightness        int       `json:"brightness"`
	AnomalyCount      uint64    `json:"anomaly_count"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Runner owns the choreographer once the display is running.
type Runner struct {
	mu      sync.Mutex
	display *motion.Choreographer
	diag    Diagnostics
	store   StateStore
	lamps   Lamps
	cfg     Config

	state         store.State
	nextChange    time.Time
	seenAnomalies uint64
	seenPinFaults uint64
}

// New creates a runner for a display that has already begun at
// state.Phase. lamps may be nil.
func New(display *motion.Choreographer, diag Diagnostics, st StateStore, lamps Lamps, state store.State, cfg Config) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Runner{
		display: display,
		diag:    diag,
		store:   st,
		lamps:   lamps,
		cfg:     cfg,
		state:   state,
	}
}

// Run polls the display every PollInterval until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	debug.Verbose("Runner: polling every %v", r.cfg.PollInterval)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Step(r.cfg.Now())
		}
	}
}

// Step runs one iteration of the foreground loop at time now.
func (r *Runner) Step(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if phase, ok := r.display.Poll(); ok {
		r.state.Phase = phase
		r.persist(now)
		r.changed()
	}

	r.drainAnomalies()
	r.drainPinFaults()

	if r.state.Testing || now.Before(r.nextChange) {
		return
	}
	want := lunation.PhaseAt(now)
	if err := r.display.ShowPhase(want); err != nil {
		debug.Info("Phase change to %d rejected: %v; stopping", want, err)
		r.display.Stop()
	} else {
		debug.Live("Lunar clock: showing phase %d (%s)", want, lunation.Name(want))
	}
	r.nextChange = lunation.NextChange(now)
	debug.Verbose("Next phase change at %s", r.nextChange.Format(time.RFC3339))
}

func (r *Runner) drainAnomalies() {
	count := r.diag.AnomalyCount()
	if count == r.seenAnomalies {
		return
	}
	latest, ok := r.diag.TakeAnomaly()
	if ok {
		debug.Info("Step timing: %d new anomalies, latest %s", count-r.seenAnomalies, latest)
	}
	r.seenAnomalies = count
}

func (r *Runner) drainPinFaults() {
	count, last := r.diag.PinFaults()
	if count == r.seenPinFaults {
		return
	}
	debug.Error(fmt.Errorf("coil writes: %d new failures, latest: %w", count-r.seenPinFaults, last))
	r.seenPinFaults = count
}

func (r *Runner) persist(now time.Time) {
	r.state.UpdatedAt = now
	if err := r.store.Save(r.state); err != nil {
		debug.Error(err)
	}
}

func (r *Runner) changed() {
	if r.cfg.OnChange != nil {
		r.cfg.OnChange(r.status())
	}
}

// ShowPhase asks the display to move to phase.
func (r *Runner) ShowPhase(phase int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.display.ShowPhase(phase); err != nil {
		return err
	}
	debug.Live("Showing phase %d", phase)
	r.changed()
	return nil
}

// Assume declares the phase the display is physically showing and saves it.
func (r *Runner) Assume(phase int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.display.Assume(phase); err != nil {
		return err
	}
	r.state.Phase = phase
	r.persist(r.cfg.Now())
	r.changed()
	return nil
}

// Stop halts the display where it is.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.display.Stop()
	r.changed()
}

// TurnPivot trims the pivot by steps.
func (r *Runner) TurnPivot(steps int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.display.TurnPivot(steps)
}

// TurnLeadscrew trims the leadscrew by steps.
func (r *Runner) TurnLeadscrew(steps int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.display.TurnLeadscrew(steps)
}

// SetTesting switches between following the lunar clock and manual
// control. Leaving testing mode resynchronizes with the moon at the next
// Step.
func (r *Runner) SetTesting(testing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Testing == testing {
		return
	}
	r.state.Testing = testing
	if !testing {
		r.nextChange = time.Time{}
	}
	debug.Info("Testing mode: %v", testing)
	r.persist(r.cfg.Now())
	r.changed()
}

// SetBrightness sets the lamp brightness in percent.
func (r *Runner) SetBrightness(pct int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lamps == nil {
		return ErrNoLamps
	}
	if err := r.lamps.SetBrightness(pct); err != nil {
		return err
	}
	r.changed()
	return nil
}

// Save persists the current state.
func (r *Runner) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.UpdatedAt = r.cfg.Now()
	if err := r.store.Save(r.state); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	return nil
}

// Status returns a snapshot of the display.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status()
}

func (r *Runner) status() Status {
	s := Status{
		Phase:             r.display.Phase(),
		PhaseName:         lunation.Name(r.display.Phase()),
		Target:            r.display.Target(),
		Resetting:         r.display.Resetting(),
		Busy:              r.display.Busy(),
		Testing:           r.state.Testing,
		PivotPosition:     r.display.PivotPosition(),
		LeadscrewPosition: r.display.LeadscrewPosition(),
		NextChange:        r.nextChange,
		LunarPhase:        lunation.PhaseAt(r.cfg.Now()),
		AnomalyCount:      r.diag.AnomalyCount(),
		UpdatedAt:         r.state.UpdatedAt,
	}
	if r.lamps != nil {
		s.Brightness = r.lamps.Brightness()
	}
	return s
}

// Anomalies returns the step engine's retained timing anomalies.
func (r *Runner) Anomalies() []stepper.Anomaly {
	return r.diag.Anomalies()
}
