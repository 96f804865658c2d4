package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func relaysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relays",
		Short: "List individually unlockable relays",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()

			intercoms, err := client.IotIntercoms(ctx)
			if err != nil {
				return err
			}
			for _, intercom := range intercoms {
				for _, relay := range intercom.Relays {
					extra := ""
					if relay.Favorite {
						extra += " [favorite]"
					}
					if relay.Hidden {
						extra += " [hidden]"
					}
					fmt.Printf("%d\t%s\t(intercom %d)%s\n", relay.ID, relay.FriendlyName(), intercom.ID, extra)
				}
			}
			return nil
		},
	}
}
