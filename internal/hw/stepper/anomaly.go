package stepper

import "fmt"

// AnomalyKind classifies a timing anomaly seen by the tick.
type AnomalyKind uint8

const (
	// AnomalyLateTick: the tick ran much later than its nominal interval.
	AnomalyLateTick AnomalyKind = iota + 1
	// AnomalyLateStep: a motor's step was serviced later than the tick
	// grid and jitter tolerance allow.
	AnomalyLateStep
)

func (k AnomalyKind) String() string {
	switch k {
	case AnomalyLateTick:
		return "late_tick"
	case AnomalyLateStep:
		return "late_step"
	default:
		return fmt.Sprintf("anomaly(%d)", uint8(k))
	}
}

// MarshalText renders the kind by name in JSON status output.
func (k AnomalyKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Anomaly is a snapshot taken when an anomaly is detected. Times are on the
// engine clock, in microseconds. Motor is -1 for tick-level anomalies.
type Anomaly struct {
	Kind      AnomalyKind `json:"kind"`
	Motor     int         `json:"motor"`
	Due       int64       `json:"due_us,omitempty"`
	StepsToGo int64       `json:"steps_to_go,omitempty"`
	Now       int64       `json:"now_us"`
	PrevTick  int64       `json:"prev_tick_us"`
}

func (a Anomaly) String() string {
	if a.Kind == AnomalyLateTick {
		return fmt.Sprintf("%s: tick at %dus, previous at %dus (gap %dus)", a.Kind, a.Now, a.PrevTick, a.Now-a.PrevTick)
	}
	return fmt.Sprintf("%s: motor %d due %dus, serviced %dus (%dus late), %d steps to go",
		a.Kind, a.Motor, a.Due, a.Now, a.Now-a.Due, a.StepsToGo)
}

const anomalyRingSize = 8

// diagnostics keeps the last few anomalies. Recording is a couple of
// stores; it runs inside the tick and must stay that cheap.
type diagnostics struct {
	ring    [anomalyRingSize]Anomaly
	head    int // next write position
	filled  int
	count   uint64
	pending bool // ring[head-1] not yet taken

	pinFaults  uint64
	lastPinErr error
}

// pinFault counts a failed coil write. The tick cannot log, so the error
// is kept for the foreground to report.
func (d *diagnostics) pinFault(err error) {
	if err == nil {
		return
	}
	d.pinFaults++
	d.lastPinErr = err
}

func (d *diagnostics) record(a Anomaly) {
	d.ring[d.head] = a
	d.head = (d.head + 1) % anomalyRingSize
	if d.filled < anomalyRingSize {
		d.filled++
	}
	d.count++
	d.pending = true
}

// TakeAnomaly returns the most recent anomaly not yet taken and clears it.
func (e *Engine) TakeAnomaly() (Anomaly, bool) {
	e.disableTick()
	defer e.restoreTick()
	if !e.diag.pending {
		return Anomaly{}, false
	}
	e.diag.pending = false
	return e.diag.ring[(e.diag.head+anomalyRingSize-1)%anomalyRingSize], true
}

// Anomalies returns the retained anomalies, oldest first.
func (e *Engine) Anomalies() []Anomaly {
	e.disableTick()
	defer e.restoreTick()
	out := make([]Anomaly, 0, e.diag.filled)
	start := (e.diag.head + anomalyRingSize - e.diag.filled) % anomalyRingSize
	for i := 0; i < e.diag.filled; i++ {
		out = append(out, e.diag.ring[(start+i)%anomalyRingSize])
	}
	return out
}

// AnomalyCount returns the number of anomalies recorded since start.
func (e *Engine) AnomalyCount() uint64 {
	e.disableTick()
	defer e.restoreTick()
	return e.diag.count
}

// ClearAnomalies empties the retained anomalies. The counter keeps running.
func (e *Engine) ClearAnomalies() {
	e.disableTick()
	defer e.restoreTick()
	e.diag.head = 0
	e.diag.filled = 0
	e.diag.pending = false
}

// PinFaults returns the number of failed coil writes since start and the
// most recent error.
func (e *Engine) PinFaults() (uint64, error) {
	e.disableTick()
	defer e.restoreTick()
	return e.diag.pinFaults, e.diag.lastPinErr
}
