package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/stockvision/cmd/realtime"
	"github.com/tphakala/stockvision/cmd/version"
	"github.com/tphakala/stockvision/internal/conf"
	"github.com/tphakala/stockvision/internal/logger"
)

// RootCommand creates and returns the root command. Settings are loaded
// before any subcommand that needs them runs and stored in settings.
func RootCommand() *cobra.Command {
	settings := &conf.Settings{}
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "stockvision",
		Short:         "StockVision inventory tracking",
		Long:          "Track stock from camera feeds and route stock changes through operator validation.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	if err := setupFlags(rootCmd, &configFile); err != nil {
		panic(err)
	}

	versionCmd := version.Command()
	rootCmd.AddCommand(realtime.Command(settings), versionCmd)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// Skip setup for commands that do not touch the configuration
		if cmd.Name() == versionCmd.Name() {
			return nil
		}
		return initialize(settings, configFile)
	}

	return rootCmd
}

// initialize loads the configuration, letting bound flags override file
// values, and installs the global logger.
func initialize(settings *conf.Settings, configFile string) error {
	loaded, err := conf.Load(configFile)
	if err != nil {
		return err
	}
	*settings = *loaded

	if settings.Debug {
		settings.Logging.DefaultLevel = "debug"
		if settings.Logging.Console != nil {
			settings.Logging.Console.Level = "debug"
		}
	}
	central, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(central)

	if settings.ConfigFile != "" {
		central.Module("main").Info("configuration loaded", logger.String("file", settings.ConfigFile))
	}
	return nil
}

// setupFlags defines flags that are global to the command line interface.
func setupFlags(rootCmd *cobra.Command, configFile *string) error {
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug output")
	rootCmd.PersistentFlags().StringVarP(configFile, "config", "c", "", "Path to config.yaml (default: search standard locations)")

	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}
