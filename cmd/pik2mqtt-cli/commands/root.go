package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pik2mqtt/pik2mqtt/internal/auth"
	"github.com/pik2mqtt/pik2mqtt/internal/config"
	"github.com/pik2mqtt/pik2mqtt/internal/pik"
)

const commandTimeout = 30 * time.Second

var (
	configPath string
	client     *pik.Client
)

func Execute() error {
	root := &cobra.Command{
		Use:           "pik2mqtt-cli",
		Short:         "Operator CLI for the PIK Intercom cloud API",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = os.Getenv("PIK2MQTT_CONFIG")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			pikCfg := pik.Config{
				ICMBaseURL: cfg.PIK.ICMBaseURL,
				IotBaseURL: cfg.PIK.IotBaseURL,
				DeviceID:   cfg.PIK.DeviceID,
				VerifySSL:  cfg.PIK.ShouldVerifySSL(),
			}

			manager, err := auth.NewManager(pikCfg, cfg.PIK.Username, cfg.PIK.Password, nil)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			if err := manager.SignIn(ctx); err != nil {
				return fmt.Errorf("sign in: %w", err)
			}

			client, err = pik.NewClient(pikCfg, manager)
			return err
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")

	root.AddCommand(intercomsCmd(), relaysCmd(), callsCmd(), metersCmd(), unlockCmd(), snapshotCmd())
	return root.Execute()
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), commandTimeout)
}
