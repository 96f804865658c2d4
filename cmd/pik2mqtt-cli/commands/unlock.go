package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func unlockCmd() *cobra.Command {
	var relay bool
	var mode string

	cmd := &cobra.Command{
		Use:   "unlock <id>",
		Short: "Open an intercom door or a relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}

			ctx, cancel := commandContext()
			defer cancel()

			if relay {
				if err := client.UnlockRelay(ctx, id); err != nil {
					return err
				}
				fmt.Printf("relay %d unlocked\n", id)
				return nil
			}

			if mode == "" {
				mode = intercomMode(ctx, id)
			}
			if err := client.UnlockIntercom(ctx, id, mode); err != nil {
				return err
			}
			fmt.Printf("intercom %d unlocked\n", id)
			return nil
		},
	}

	cmd.Flags().BoolVar(&relay, "relay", false, "treat the id as an IoT relay id")
	cmd.Flags().StringVar(&mode, "mode", "", "door mode override (defaults to the intercom's own mode)")
	return cmd
}

func intercomMode(ctx context.Context, intercomID int64) string {
	intercoms, err := client.Intercoms(ctx)
	if err != nil {
		return "1"
	}
	for _, intercom := range intercoms {
		if intercom.ID == intercomID {
			return intercom.Mode
		}
	}
	return "1"
}
