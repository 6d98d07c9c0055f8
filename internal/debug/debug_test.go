package debug

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
)

func capture(t *testing.T, lvl int) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	Init(lvl)
	t.Cleanup(func() {
		Init(LevelOff)
		SetOutput(os.Stdout)
	})
	return &buf
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t, LevelLive)

	Info("startup")
	Live("phase %d", 12)
	Move("pivot", -640)
	Verbose("hidden")
	GPIO("write", 17, 1)

	out := buf.String()
	for _, want := range []string{"[INFO] startup", "[LIVE] phase 12", "Motor pivot: driving to -640"} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
	for _, unwanted := range []string{"hidden", "[GPIO]"} {
		if strings.Contains(out, unwanted) {
			t.Errorf("output contains %q above level", unwanted)
		}
	}
	if !IsEnabled(LevelLive) || IsEnabled(LevelVerbose) {
		t.Errorf("IsEnabled wrong at level %d", Level())
	}
}

func TestOff(t *testing.T) {
	buf := capture(t, LevelOff)
	Info("nothing")
	Error(errors.New("nothing either"))
	if buf.Len() != 0 {
		t.Errorf("level 0 wrote %q", buf.String())
	}
}

func TestPrefixAndError(t *testing.T) {
	buf := capture(t, LevelTrace)
	Error(errors.New("coil stuck"))
	Arrived(30)
	out := buf.String()
	if !strings.Contains(out, "[Moondial] ") {
		t.Errorf("missing logger prefix: %q", out)
	}
	if !strings.Contains(out, "[ERROR] coil stuck") || !strings.Contains(out, "showing phase 30") {
		t.Errorf("output = %q", out)
	}
}
