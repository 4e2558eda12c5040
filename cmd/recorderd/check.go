package main

import (
	"encoding/json"
	"os"

	"codeberg.org/mutker/recorderd/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newCheckMountCmd(v *viper.Viper, flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-mount",
		Short: "Check the storage mount once, exit non-zero when unhealthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, v, flags)
			if cfg == nil {
				return err
			}

			opts := loggerOptions(cfg)
			opts.File = ""
			opts.Output = os.Stderr
			if initErr := logger.Init(opts); initErr != nil {
				return initErr
			}
			if err != nil {
				// Camera settings do not matter for a mount check.
				logger.Debug().Err(err).Msg("Configuration incomplete")
			}

			guard, err := newGuard(cfg, logger.WithComponent("storage"))
			if err != nil {
				return err
			}

			health := guard.Check(cmd.Context())

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(health); err != nil {
				return err
			}

			return health.Err()
		},
	}

	cmd.Flags().String("storage-root", "", "remote mount root")

	return cmd
}
