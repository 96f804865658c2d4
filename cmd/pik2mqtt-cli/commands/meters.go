package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func metersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "meters",
		Short: "Show utility meter readings",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()

			meters, err := client.Meters(ctx)
			if err != nil {
				return err
			}
			for _, meter := range meters {
				kind := string(meter.Kind)
				if !meter.Kind.Known() {
					kind += " (unknown)"
				}
				fmt.Printf("%d\t%s\t%s\ttotal=%s\tmonth=%s\n", meter.ID, kind, meter.Serial, meter.CurrentValue, meter.MonthValue)
			}
			return nil
		},
	}
}
