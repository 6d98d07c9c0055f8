package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cjeanneret/moondial/internal/hw/stepper"
	"github.com/cjeanneret/moondial/internal/logic/geometry"
	"github.com/cjeanneret/moondial/internal/logic/lunation"
	"github.com/cjeanneret/moondial/internal/logic/motion"
	"github.com/cjeanneret/moondial/internal/logic/runner"
	"github.com/cjeanneret/moondial/internal/store"
)

// ---------- webPortFlag ----------

func TestWebPortFlag_EmptyString(t *testing.T) {
	f := &webPortFlag{defaultPort: 8080}
	if err := f.Set(""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.port() != 8080 {
		t.Errorf("port = %d, want 8080", f.port())
	}
}

func TestWebPortFlag_Values(t *testing.T) {
	cases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"1", 1, false},
		{"8980", 8980, false},
		{"65535", 65535, false},
		{"0", 0, true},
		{"-1", 0, true},
		{"65536", 0, true},
		{"http", 0, true},
	}
	for _, tc := range cases {
		f := &webPortFlag{defaultPort: 8080}
		err := f.Set(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("Set(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if !tc.wantErr && f.port() != tc.want {
			t.Errorf("Set(%q) port = %d, want %d", tc.in, f.port(), tc.want)
		}
	}
}

func TestRunCmd_WebFlag(t *testing.T) {
	cases := []struct {
		args []string
		want string
	}{
		{nil, "0"},
		{[]string{"--web"}, "8080"},
		{[]string{"--web=8980"}, "8980"},
	}
	for _, tc := range cases {
		path := "configs/default.yaml"
		cmd := newRunCmd(&path)
		if err := cmd.ParseFlags(tc.args); err != nil {
			t.Fatalf("ParseFlags(%v): %v", tc.args, err)
		}
		if got := cmd.Flags().Lookup("web").Value.String(); got != tc.want {
			t.Errorf("%v: web = %s, want %s", tc.args, got, tc.want)
		}
	}
}

// ---------- root command ----------

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"run", "curve", "phase"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not found: %v", name, err)
		}
	}
	if f := root.PersistentFlags().Lookup("config"); f == nil || f.DefValue != filepath.Join("configs", "default.yaml") {
		t.Errorf("config flag = %+v", f)
	}
}

func execRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// ---------- phase ----------

func TestPhaseCmd_AtEpoch(t *testing.T) {
	out, err := execRoot(t, "phase", "--at", "2024-07-05T22:57:00Z")
	if err != nil {
		t.Fatalf("phase: %v", err)
	}
	for _, want := range []string{
		"phase        0 (new moon)",
		"moon age     0.00 days",
		"next change  2024-07-06T10:45:44Z (in 11h48m44s)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
}

func TestPhaseCmd_TimeZone(t *testing.T) {
	out, err := execRoot(t, "phase", "--at", "2024-07-20T12:00:00Z", "--tz", "Asia/Tokyo")
	if err != nil {
		t.Fatalf("phase: %v", err)
	}
	if !strings.Contains(out, "at           2024-07-20T21:00:00+09:00") {
		t.Errorf("time not shown in Tokyo:\n%s", out)
	}
	if !strings.Contains(out, "(full moon)") && !strings.Contains(out, "(waxing gibbous)") {
		t.Errorf("unexpected phase name:\n%s", out)
	}
}

func TestPhaseCmd_BadInput(t *testing.T) {
	if _, err := execRoot(t, "phase", "--at", "yesterday"); err == nil {
		t.Error("expected error for unparseable --at")
	}
	if _, err := execRoot(t, "phase", "--tz", "Nowhere/Special"); err == nil {
		t.Error("expected error for unknown --tz")
	}
}

// ---------- curve ----------

func TestWriteCurve(t *testing.T) {
	var out bytes.Buffer
	if err := writeCurve(&out, geometry.DefaultCalibration(), true); err != nil {
		t.Fatalf("writeCurve: %v", err)
	}
	s := out.String()
	for _, want := range []string{"pivot steps by phase", "leadscrew steps by phase", "phase  name"} {
		if !strings.Contains(s, want) {
			t.Errorf("output lacks %q", want)
		}
	}

	pv, ls, _ := geometry.DefaultCalibration().Positions(30)
	row := fmt.Sprintf("%5d  %-16s %8d %10d", 30, lunation.Name(30), pv, ls)
	if !strings.Contains(s, row) {
		t.Errorf("table lacks row %q", row)
	}
}

func TestCurveCmd_BadConfigPath(t *testing.T) {
	if _, err := execRoot(t, "curve", "--config", "/tmp/moondial.yaml"); err == nil {
		t.Error("expected error for config outside configs/")
	}
}

// ---------- console ----------

type consoleDisplay struct {
	status  runner.Status
	showErr error
	calls   []string
}

func (d *consoleDisplay) Status() runner.Status { return d.status }
func (d *consoleDisplay) ShowPhase(p int) error {
	d.calls = append(d.calls, "show")
	return d.showErr
}
func (d *consoleDisplay) Assume(p int) error          { d.calls = append(d.calls, "assume"); return nil }
func (d *consoleDisplay) Stop()                       { d.calls = append(d.calls, "stop") }
func (d *consoleDisplay) SetTesting(on bool)          { d.status.Testing = on }
func (d *consoleDisplay) SetBrightness(pct int) error { d.status.Brightness = pct; return nil }
func (d *consoleDisplay) TurnPivot(n int64)           { d.status.PivotPosition += n }
func (d *consoleDisplay) TurnLeadscrew(n int64)       { d.status.LeadscrewPosition += n }
func (d *consoleDisplay) Anomalies() []stepper.Anomaly {
	return []stepper.Anomaly{{Kind: stepper.AnomalyLateTick, Motor: -1, Now: 30000, PrevTick: 10000}}
}

func TestConsole_Commands(t *testing.T) {
	d := &consoleDisplay{status: runner.Status{Phase: 7, PhaseName: "waxing crescent", Target: 9, Busy: true}}

	cases := []struct {
		name string
		args []string
		want string
	}{
		{"show", []string{"9"}, "moving to phase 9"},
		{"assume", []string{"7"}, "assuming phase 7"},
		{"stop", nil, "stopped"},
		{"testing", []string{"on"}, "testing on"},
		{"brightness", []string{"40"}, "brightness 40%"},
		{"pivot", []string{"-12"}, "pivot -12"},
		{"leadscrew", []string{"300"}, "leadscrew +300"},
		{"anomalies", nil, "late_tick: tick at 30000us, previous at 10000us (gap 20000us)"},
	}
	for _, tc := range cases {
		out, err := execute(d, tc.name, tc.args)
		if err != nil {
			t.Errorf("%s %v: %v", tc.name, tc.args, err)
			continue
		}
		if out != tc.want {
			t.Errorf("%s %v = %q, want %q", tc.name, tc.args, out, tc.want)
		}
	}

	if strings.Join(d.calls, ",") != "show,assume,stop" {
		t.Errorf("calls = %v", d.calls)
	}
	if !d.status.Testing || d.status.Brightness != 40 || d.status.PivotPosition != -12 || d.status.LeadscrewPosition != 300 {
		t.Errorf("status = %+v", d.status)
	}

	out, _ := execute(d, "status", nil)
	for _, want := range []string{"phase      7 (waxing crescent)", "target     9, moving", "testing, phases driven by hand", "lamps      40%"} {
		if !strings.Contains(out, want) {
			t.Errorf("status lacks %q:\n%s", want, out)
		}
	}
}

func TestConsole_Errors(t *testing.T) {
	d := &consoleDisplay{showErr: motion.ErrBusy}

	if _, err := execute(d, "show", []string{"4"}); !errors.Is(err, motion.ErrBusy) {
		t.Errorf("show while busy err = %v", err)
	}
	for _, tc := range []struct {
		name string
		args []string
	}{
		{"show", nil},
		{"show", []string{"four"}},
		{"testing", []string{"maybe"}},
		{"pivot", []string{"1", "2"}},
	} {
		_, err := execute(d, tc.name, tc.args)
		if err == nil || !strings.HasPrefix(err.Error(), "usage: "+tc.name) {
			t.Errorf("%s %v err = %v, want usage", tc.name, tc.args, err)
		}
	}
	if _, err := execute(d, "launch", nil); err == nil {
		t.Error("expected error for unknown command")
	}
}

// ---------- run ----------

// writeRunConfig writes a mock-hardware config under a configs/ dir and
// returns its path and the state DB path.
func writeRunConfig(t *testing.T) (cfgPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	dbPath = filepath.Join(dir, "state.db")
	yaml := `
pivot_stepper:
  pins: [4, 17, 27, 22]
leadscrew_stepper:
  pins: [5, 6, 16, 26]
illuminator:
  waxing_pin: 12
  waning_pin: 13
defaults:
  debug_level: 0
  mock_gpio: true
  state_db: ` + dbPath + `
`
	cfgPath = filepath.Join(cfgDir, "test.yaml")
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return cfgPath, dbPath
}

func TestRunDisplay_MockHardware(t *testing.T) {
	cfgPath, dbPath := writeRunConfig(t)

	// a deadline ends the run as cleanly as a signal does
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if err := runDisplay(ctx, runOptions{configPath: cfgPath}); err != nil {
		t.Fatalf("runDisplay: %v", err)
	}

	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen state db: %v", err)
	}
	defer db.Close()
	st, err := db.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.UpdatedAt.IsZero() {
		t.Error("state was not saved on shutdown")
	}
	if st.Phase < 0 || st.Phase >= geometry.PhaseCount {
		t.Errorf("saved phase %d out of range", st.Phase)
	}
}

func TestRunDisplay_Cancelled(t *testing.T) {
	cfgPath, _ := writeRunConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	if err := runDisplay(ctx, runOptions{configPath: cfgPath}); err != nil {
		t.Fatalf("runDisplay: %v", err)
	}
}

func TestRunDisplay_BadConfig(t *testing.T) {
	err := runDisplay(context.Background(), runOptions{configPath: "elsewhere/default.yaml"})
	if err == nil {
		t.Error("expected error for config outside configs/")
	}
}
