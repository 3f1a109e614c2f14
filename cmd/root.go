// Package cmd wires the beaconwatch command line.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/beaconwatch/beaconwatch/cmd/inspect"
	"github.com/beaconwatch/beaconwatch/cmd/serve"
	"github.com/beaconwatch/beaconwatch/internal/buildinfo"
	"github.com/beaconwatch/beaconwatch/internal/conf"
	"github.com/beaconwatch/beaconwatch/internal/logger"
)

// RootCommand creates and returns the root command
func RootCommand() *cobra.Command {
	settings := &conf.Settings{}
	var (
		configPath string
		debug      bool
		central    *logger.CentralLogger
	)

	rootCmd := &cobra.Command{
		Use:          "beaconwatch",
		Short:        "Field entity tracking from a telemetry link",
		SilenceUsage: true,
		Version:      buildinfo.Current().GetVersion(),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to beaconwatch.yaml (default: search ., ~/.config/beaconwatch, /etc/beaconwatch)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug output")

	versionCmd := versionCommand()
	rootCmd.AddCommand(
		serve.Command(settings),
		inspect.Command(settings),
		versionCmd,
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// version needs no configuration
		if cmd.Name() == versionCmd.Name() {
			return nil
		}

		loaded, err := conf.Load(configPath)
		if err != nil {
			return err
		}
		*settings = *loaded
		settings.Debug = settings.Debug || debug

		cl, err := logger.NewCentralLogger(settings.LoggerConfig())
		if err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		logger.SetGlobal(cl)
		central = cl

		if settings.ConfigFile != "" {
			cl.Module("main").Debug("configuration loaded", logger.String("file", settings.ConfigFile))
		}
		return nil
	}

	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		if central == nil {
			return nil
		}
		return central.Close()
	}

	return rootCmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.Current().String())
		},
	}
}
