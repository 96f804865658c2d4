package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func intercomsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "intercoms",
		Short: "List door stations on the account",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()

			intercoms, err := client.Intercoms(ctx)
			if err != nil {
				return err
			}
			for _, intercom := range intercoms {
				camera := ""
				if intercom.HasCamera() {
					camera = " [camera]"
				}
				fmt.Printf("%d\t%s\tmode=%s%s\n", intercom.ID, intercom.DisplayName(), intercom.Mode, camera)
			}

			iot, err := client.IotIntercoms(ctx)
			if err != nil {
				return err
			}
			for _, intercom := range iot {
				status := "offline"
				if intercom.Online() {
					status = "online"
				}
				fmt.Printf("%d\t%s\tiot %s\n", intercom.ID, intercom.Name, status)
			}
			return nil
		},
	}
}
