package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func callsCmd() *cobra.Command {
	var pages int

	cmd := &cobra.Command{
		Use:   "calls",
		Short: "Show recent call sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()

			sessions, err := client.CallSessions(ctx, pages)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("no call history")
				return nil
			}
			for _, session := range sessions {
				status := "finished"
				if session.Active() {
					status = "active"
				}
				fmt.Printf("%d\t%s\t%s\t%s\t%s\n",
					session.ID,
					session.CreatedAt.Local().Format(time.RFC3339),
					session.IntercomName,
					session.PropertyName,
					status,
				)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&pages, "pages", 1, "number of history pages to fetch")
	return cmd
}
