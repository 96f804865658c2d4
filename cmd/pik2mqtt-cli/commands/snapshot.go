package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

func snapshotCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "snapshot <intercom-id>",
		Short: "Fetch a camera snapshot to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid intercom id %q", args[0])
			}

			ctx, cancel := commandContext()
			defer cancel()

			intercoms, err := client.Intercoms(ctx)
			if err != nil {
				return err
			}

			var photoURL string
			for _, intercom := range intercoms {
				if intercom.ID == id {
					photoURL = intercom.PhotoURL
					break
				}
			}
			if photoURL == "" {
				return fmt.Errorf("intercom %d has no snapshot source", id)
			}

			image, err := client.Snapshot(ctx, photoURL)
			if err != nil {
				return err
			}

			if output == "" {
				output = fmt.Sprintf("intercom-%d.jpg", id)
			}
			if err := os.WriteFile(output, image, 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s (%d bytes)\n", output, len(image))
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default intercom-<id>.jpg)")
	return cmd
}
