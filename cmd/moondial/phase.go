package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/cjeanneret/moondial/internal/logic/lunation"
)

func newPhaseCmd() *cobra.Command {
	var at, tz string

	cmd := &cobra.Command{
		Use:   "phase",
		Short: "Print the lunar phase and when it next changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return fmt.Errorf("--tz: %w", err)
			}
			t := time.Now()
			if at != "" {
				if t, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("--at: %w", err)
				}
			}
			writePhase(cmd.OutOrStdout(), t, loc)
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "time to evaluate, RFC3339 (default now)")
	cmd.Flags().StringVar(&tz, "tz", "UTC", "time zone for printed times")
	return cmd
}

func writePhase(w io.Writer, t time.Time, loc *time.Location) {
	phase := lunation.PhaseAt(t)
	next := lunation.NextChange(t)
	age := lunation.AgeAt(t)

	fmt.Fprintf(w, "at           %s\n", t.In(loc).Format(time.RFC3339))
	fmt.Fprintf(w, "phase        %d (%s)\n", phase, lunation.Name(phase))
	fmt.Fprintf(w, "moon age     %.2f days\n", age.Hours()/24)
	fmt.Fprintf(w, "next change  %s (in %s)\n", next.In(loc).Format(time.RFC3339), next.Sub(t).Round(time.Second))
}
