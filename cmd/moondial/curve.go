package main

import (
	"fmt"
	"io"

	"github.com/guptarohit/asciigraph"
	"github.com/spf13/cobra"

	"github.com/cjeanneret/moondial/internal/logic/geometry"
	"github.com/cjeanneret/moondial/internal/logic/lunation"
)

func newCurveCmd(cfgPath *string) *cobra.Command {
	var table bool

	cmd := &cobra.Command{
		Use:   "curve",
		Short: "Plot the motor positions of every phase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			cal, err := cfg.BuildCalibration()
			if err != nil {
				return err
			}
			return writeCurve(cmd.OutOrStdout(), cal, table)
		},
	}
	cmd.Flags().BoolVar(&table, "table", false, "also print the positions as a table")
	return cmd
}

// writeCurve plots pivot and leadscrew targets across the lunation.
func writeCurve(w io.Writer, cal geometry.Calibration, table bool) error {
	pivot := make([]float64, geometry.PhaseCount)
	leadscrew := make([]float64, geometry.PhaseCount)
	for phase := 0; phase < geometry.PhaseCount; phase++ {
		pv, ls, err := cal.Positions(phase)
		if err != nil {
			return err
		}
		pivot[phase] = float64(pv)
		leadscrew[phase] = float64(ls)
	}

	fmt.Fprintln(w, asciigraph.Plot(pivot,
		asciigraph.Height(12),
		asciigraph.Width(geometry.PhaseCount*2),
		asciigraph.Caption("pivot steps by phase"),
	))
	fmt.Fprintln(w)
	fmt.Fprintln(w, asciigraph.Plot(leadscrew,
		asciigraph.Height(12),
		asciigraph.Width(geometry.PhaseCount*2),
		asciigraph.Caption("leadscrew steps by phase"),
	))

	if !table {
		return nil
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%5s  %-16s %8s %10s\n", "phase", "name", "pivot", "leadscrew")
	for phase := 0; phase < geometry.PhaseCount; phase++ {
		fmt.Fprintf(w, "%5d  %-16s %8.0f %10.0f\n", phase, lunation.Name(phase), pivot[phase], leadscrew[phase])
	}
	return nil
}
