package web

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/moondial/internal/hw/illuminator"
	"github.com/cjeanneret/moondial/internal/hw/stepper"
	"github.com/cjeanneret/moondial/internal/logic/motion"
	"github.com/cjeanneret/moondial/internal/logic/runner"
)

// fakeDisplay records commands and answers with canned errors.
type fakeDisplay struct {
	mu            sync.Mutex
	status        runner.Status
	showErr       error
	assumeErr     error
	brightnessErr error
	shown         []int
	stops         int
	pivotTurns    []int64
	leadTurns     []int64
	anomalies     []stepper.Anomaly
}

func (d *fakeDisplay) Status() runner.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *fakeDisplay) ShowPhase(phase int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.showErr != nil {
		return d.showErr
	}
	d.shown = append(d.shown, phase)
	d.status.Target = phase
	d.status.Busy = true
	return nil
}

func (d *fakeDisplay) Assume(phase int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.assumeErr != nil {
		return d.assumeErr
	}
	d.status.Phase, d.status.Target = phase, phase
	return nil
}

func (d *fakeDisplay) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	d.status.Busy = false
}

func (d *fakeDisplay) SetTesting(testing bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status.Testing = testing
}

func (d *fakeDisplay) SetBrightness(pct int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.brightnessErr != nil {
		return d.brightnessErr
	}
	d.status.Brightness = pct
	return nil
}

func (d *fakeDisplay) TurnPivot(steps int64)     { d.pivotTurns = append(d.pivotTurns, steps) }
func (d *fakeDisplay) TurnLeadscrew(steps int64) { d.leadTurns = append(d.leadTurns, steps) }

func (d *fakeDisplay) Anomalies() []stepper.Anomaly { return d.anomalies }

func newTestServer(d *fakeDisplay) (http.Handler, *StatusBroadcaster) {
	b := NewStatusBroadcaster()
	return NewServer(":0", d, b).Router(), b
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeStatus(t *testing.T, w *httptest.ResponseRecorder) runner.Status {
	t.Helper()
	var s runner.Status
	if err := json.NewDecoder(w.Body).Decode(&s); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return s
}

// ---------- GET /status ----------

func TestHandleStatus(t *testing.T) {
	d := &fakeDisplay{status: runner.Status{Phase: 42, PhaseName: "Waning Gibbous", Target: 42, Brightness: 80}}
	h, _ := newTestServer(d)

	w := do(t, h, http.MethodGet, "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	s := decodeStatus(t, w)
	if s.Phase != 42 || s.PhaseName != "Waning Gibbous" || s.Brightness != 80 {
		t.Errorf("status = %+v", s)
	}
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	h, _ := newTestServer(&fakeDisplay{})
	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/status"},
		{http.MethodGet, "/show"},
		{http.MethodGet, "/stop"},
		{http.MethodDelete, "/assume"},
	} {
		if w := do(t, h, tc.method, tc.path, ""); w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: status = %d, want %d", tc.method, tc.path, w.Code, http.StatusMethodNotAllowed)
		}
	}
}

// ---------- POST /show ----------

func TestHandleShow_Accepted(t *testing.T) {
	d := &fakeDisplay{status: runner.Status{Phase: 3, Target: 3}}
	h, _ := newTestServer(d)

	w := do(t, h, http.MethodPost, "/show", `{"phase": 7}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusAccepted, w.Body)
	}
	if len(d.shown) != 1 || d.shown[0] != 7 {
		t.Errorf("shown = %v, want [7]", d.shown)
	}
	if s := decodeStatus(t, w); s.Target != 7 || !s.Busy {
		t.Errorf("status = %+v", s)
	}
}

func TestHandleShow_PhaseZero(t *testing.T) {
	d := &fakeDisplay{}
	h, _ := newTestServer(d)
	if w := do(t, h, http.MethodPost, "/show", `{"phase": 0}`); w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if len(d.shown) != 1 || d.shown[0] != 0 {
		t.Errorf("shown = %v, want [0]", d.shown)
	}
}

func TestHandleShow_Errors(t *testing.T) {
	cases := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"invalid json", "not json", nil, http.StatusBadRequest},
		{"missing phase", `{}`, nil, http.StatusBadRequest},
		{"wrong type", `{"phase": "full"}`, nil, http.StatusBadRequest},
		{"oversized body", `{"phase": 1, "pad": "` + strings.Repeat("x", MaxBodyBytes) + `"}`, nil, http.StatusBadRequest},
		{"invalid phase", `{"phase": 60}`, fmt.Errorf("%w: 60", motion.ErrInvalidPhase), http.StatusBadRequest},
		{"busy", `{"phase": 5}`, motion.ErrBusy, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := &fakeDisplay{showErr: tc.err}
			h, _ := newTestServer(d)
			if w := do(t, h, http.MethodPost, "/show", tc.body); w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

// ---------- POST /assume, /stop, /testing ----------

func TestHandleAssume(t *testing.T) {
	d := &fakeDisplay{status: runner.Status{Phase: 10, Target: 10}}
	h, _ := newTestServer(d)

	w := do(t, h, http.MethodPost, "/assume", `{"phase": 30}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if s := decodeStatus(t, w); s.Phase != 30 || s.Target != 30 {
		t.Errorf("status = %+v", s)
	}

	d.assumeErr = motion.ErrInvalidPhase
	if w := do(t, h, http.MethodPost, "/assume", `{"phase": -1}`); w.Code != http.StatusBadRequest {
		t.Errorf("invalid assume: status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleStop(t *testing.T) {
	d := &fakeDisplay{status: runner.Status{Busy: true}}
	h, _ := newTestServer(d)

	w := do(t, h, http.MethodPost, "/stop", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if d.stops != 1 {
		t.Errorf("stops = %d, want 1", d.stops)
	}
	if decodeStatus(t, w).Busy {
		t.Error("still busy after stop")
	}
}

func TestHandleTesting(t *testing.T) {
	d := &fakeDisplay{}
	h, _ := newTestServer(d)

	w := do(t, h, http.MethodPost, "/testing", `{"testing": true}`)
	if w.Code != http.StatusOK || !decodeStatus(t, w).Testing {
		t.Errorf("enable testing: status %d", w.Code)
	}
	w = do(t, h, http.MethodPost, "/testing", `{"testing": false}`)
	if w.Code != http.StatusOK || decodeStatus(t, w).Testing {
		t.Errorf("disable testing: status %d", w.Code)
	}
}

// ---------- POST /brightness ----------

func TestHandleBrightness(t *testing.T) {
	cases := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"ok", `{"brightness": 35}`, nil, http.StatusOK},
		{"missing", `{}`, nil, http.StatusBadRequest},
		{"out of range", `{"brightness": 140}`, illuminator.ErrOutOfRange, http.StatusBadRequest},
		{"no lamps", `{"brightness": 35}`, runner.ErrNoLamps, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := &fakeDisplay{brightnessErr: tc.err}
			h, _ := newTestServer(d)
			w := do(t, h, http.MethodPost, "/brightness", tc.body)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d", w.Code, tc.want)
			}
			if tc.want == http.StatusOK && decodeStatus(t, w).Brightness != 35 {
				t.Error("brightness not applied")
			}
		})
	}
}

// ---------- POST /motors/{motor}/turn ----------

func TestHandleTurn(t *testing.T) {
	d := &fakeDisplay{}
	h, _ := newTestServer(d)

	if w := do(t, h, http.MethodPost, "/motors/pivot/turn", `{"steps": -25}`); w.Code != http.StatusAccepted {
		t.Errorf("pivot: status = %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/motors/leadscrew/turn", `{"steps": 4096}`); w.Code != http.StatusAccepted {
		t.Errorf("leadscrew: status = %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/motors/shutter/turn", `{"steps": 1}`); w.Code != http.StatusNotFound {
		t.Errorf("unknown motor: status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if len(d.pivotTurns) != 1 || d.pivotTurns[0] != -25 {
		t.Errorf("pivot turns = %v", d.pivotTurns)
	}
	if len(d.leadTurns) != 1 || d.leadTurns[0] != 4096 {
		t.Errorf("leadscrew turns = %v", d.leadTurns)
	}
}

// ---------- GET /anomalies ----------

func TestHandleAnomalies(t *testing.T) {
	d := &fakeDisplay{}
	h, _ := newTestServer(d)

	w := do(t, h, http.MethodGet, "/anomalies", "")
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("empty anomalies body = %q, want []", w.Body.String())
	}

	d.anomalies = []stepper.Anomaly{
		{Kind: stepper.AnomalyLateTick, Motor: -1, Now: 50000, PrevTick: 10000},
		{Kind: stepper.AnomalyLateStep, Motor: 1, Due: 9000, StepsToGo: 12, Now: 50000, PrevTick: 10000},
	}
	w = do(t, h, http.MethodGet, "/anomalies", "")
	var got []map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d anomalies, want 2", len(got))
	}
	if got[0]["kind"] != "late_tick" || got[1]["kind"] != "late_step" {
		t.Errorf("kinds = %v, %v", got[0]["kind"], got[1]["kind"])
	}
	if got[1]["steps_to_go"] != float64(12) {
		t.Errorf("steps_to_go = %v", got[1]["steps_to_go"])
	}
}

// ---------- GET /status/stream ----------

func TestHandleStatusStream(t *testing.T) {
	d := &fakeDisplay{status: runner.Status{Phase: 12, Target: 12}}
	h, b := newTestServer(d)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/status/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	lines := bufio.NewScanner(resp.Body)
	next := func() StatusEvent {
		t.Helper()
		for lines.Scan() {
			if data, ok := strings.CutPrefix(lines.Text(), "data: "); ok {
				var evt StatusEvent
				if err := json.Unmarshal([]byte(data), &evt); err != nil {
					t.Fatalf("unmarshal %q: %v", data, err)
				}
				return evt
			}
		}
		t.Fatalf("stream ended: %v", lines.Err())
		return StatusEvent{}
	}

	if evt := next(); evt.Status == nil || evt.Status.Phase != 12 {
		t.Fatalf("first event = %+v, want current status", evt)
	}

	// The handler subscribed before sending the snapshot.
	b.BroadcastStatus(runner.Status{Phase: 13, Target: 13})
	if evt := next(); evt.Status == nil || evt.Status.Phase != 13 {
		t.Errorf("second event = %+v", evt)
	}
	b.BroadcastMsg("hello")
	if evt := next(); evt.Msg != "hello" {
		t.Errorf("third event = %+v", evt)
	}
}
