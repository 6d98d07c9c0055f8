package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/abiosoft/ishell"

	"github.com/cjeanneret/moondial/internal/logic/runner"
	"github.com/cjeanneret/moondial/internal/web"
)

var errUsage = errors.New("usage")

// consoleCmd is one console command. run returns the text to print.
type consoleCmd struct {
	name  string
	usage string
	help  string
	run   func(d web.Display, args []string) (string, error)
}

var consoleCmds = []consoleCmd{
	{"status", "status", "show the display status", func(d web.Display, _ []string) (string, error) {
		return formatStatus(d.Status()), nil
	}},
	{"show", "show <phase>", "move the display to a phase", func(d web.Display, args []string) (string, error) {
		n, err := intArg(args)
		if err != nil {
			return "", err
		}
		if err := d.ShowPhase(n); err != nil {
			return "", err
		}
		return fmt.Sprintf("moving to phase %d", n), nil
	}},
	{"assume", "assume <phase>", "declare the phase the display shows now", func(d web.Display, args []string) (string, error) {
		n, err := intArg(args)
		if err != nil {
			return "", err
		}
		if err := d.Assume(n); err != nil {
			return "", err
		}
		return fmt.Sprintf("assuming phase %d", n), nil
	}},
	{"stop", "stop", "stop both motors", func(d web.Display, _ []string) (string, error) {
		d.Stop()
		return "stopped", nil
	}},
	{"testing", "testing on|off", "drive phases by hand instead of the lunar clock", func(d web.Display, args []string) (string, error) {
		if len(args) != 1 {
			return "", errUsage
		}
		switch args[0] {
		case "on":
			d.SetTesting(true)
		case "off":
			d.SetTesting(false)
		default:
			return "", errUsage
		}
		return "testing " + args[0], nil
	}},
	{"brightness", "brightness <percent>", "set the lamp brightness", func(d web.Display, args []string) (string, error) {
		n, err := intArg(args)
		if err != nil {
			return "", err
		}
		if err := d.SetBrightness(n); err != nil {
			return "", err
		}
		return fmt.Sprintf("brightness %d%%", n), nil
	}},
	{"pivot", "pivot <steps>", "turn the pivot in place", func(d web.Display, args []string) (string, error) {
		n, err := intArg(args)
		if err != nil {
			return "", err
		}
		d.TurnPivot(int64(n))
		return fmt.Sprintf("pivot %+d", n), nil
	}},
	{"leadscrew", "leadscrew <steps>", "turn the leadscrew in place", func(d web.Display, args []string) (string, error) {
		n, err := intArg(args)
		if err != nil {
			return "", err
		}
		d.TurnLeadscrew(int64(n))
		return fmt.Sprintf("leadscrew %+d", n), nil
	}},
	{"anomalies", "anomalies", "list recent step timing anomalies", func(d web.Display, _ []string) (string, error) {
		list := d.Anomalies()
		if len(list) == 0 {
			return "no anomalies", nil
		}
		lines := make([]string, len(list))
		for i, a := range list {
			lines[i] = a.String()
		}
		return strings.Join(lines, "\n"), nil
	}},
}

// execute runs the named console command against d.
func execute(d web.Display, name string, args []string) (string, error) {
	for _, c := range consoleCmds {
		if c.name != name {
			continue
		}
		out, err := c.run(d, args)
		if errors.Is(err, errUsage) {
			return "", fmt.Errorf("usage: %s", c.usage)
		}
		return out, err
	}
	return "", fmt.Errorf("unknown command %q", name)
}

func intArg(args []string) (int, error) {
	if len(args) != 1 {
		return 0, errUsage
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, errUsage
	}
	return n, nil
}

func formatStatus(s runner.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "phase      %d (%s)\n", s.Phase, s.PhaseName)
	fmt.Fprintf(&b, "target     %d", s.Target)
	if s.Resetting {
		b.WriteString(" (wrapping around)")
	}
	if s.Busy {
		b.WriteString(", moving")
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "motors     pivot %d, leadscrew %d\n", s.PivotPosition, s.LeadscrewPosition)
	fmt.Fprintf(&b, "moon       phase %d\n", s.LunarPhase)
	if s.Testing {
		b.WriteString("clock      testing, phases driven by hand\n")
	} else if !s.NextChange.IsZero() {
		fmt.Fprintf(&b, "clock      next change %s\n", s.NextChange.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "lamps      %d%%\n", s.Brightness)
	fmt.Fprintf(&b, "anomalies  %d", s.AnomalyCount)
	return b.String()
}

// newConsole builds the interactive shell. Ctrl-C leaves it.
func newConsole(d web.Display) *ishell.Shell {
	sh := ishell.New()
	sh.SetPrompt("moondial> ")
	sh.Println("Moondial console. Type help for commands, exit to quit.")
	sh.Interrupt(func(c *ishell.Context, count int, input string) {
		c.Stop()
	})

	for _, cc := range consoleCmds {
		cc := cc
		sh.AddCmd(&ishell.Cmd{
			Name: cc.name,
			Help: cc.help,
			Func: func(c *ishell.Context) {
				out, err := execute(d, cc.name, c.Args)
				if err != nil {
					c.Println("error:", err)
					return
				}
				c.Println(out)
			},
		})
	}
	return sh
}
