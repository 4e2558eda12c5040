package main

import (
	"context"
	"fmt"
	"os"

	"codeberg.org/mutker/recorderd/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootFlags struct {
	configFile   string
	settingsFile string
}

func newRootCmd() *cobra.Command {
	var flags rootFlags
	v := viper.New()

	root := &cobra.Command{
		Use:           "recorderd",
		Short:         "Record an RTSP camera around the clock onto a remote mount",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configFile, "config", "", "path to recorderd.toml (default: /etc/recorderd or the working directory)")
	pf.StringVar(&flags.settingsFile, "settings", "", "path to a settings.env with CAMERA_IP, CAMERA_USER, ...")
	pf.String("log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(v, &flags),
		newCheckMountCmd(v, &flags),
		newVersionCmd(),
	)

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "recorderd %s\n", version)
		},
	}
}

// loadConfig binds the command's flags and loads the configuration. On a
// validation error the partially valid config is returned with the error.
func loadConfig(cmd *cobra.Command, v *viper.Viper, flags *rootFlags) (*config.Config, error) {
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return nil, err
	}

	var opts []config.Option
	if flags.configFile != "" {
		opts = append(opts, config.WithConfigFile(flags.configFile))
	}
	if flags.settingsFile != "" {
		opts = append(opts, config.WithSettingsFile(flags.settingsFile))
	}

	return config.Load(v, opts...)
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "recorderd: %v\n", err)
		os.Exit(1)
	}
}
