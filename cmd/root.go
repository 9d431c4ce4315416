// Package cmd is the dinocache command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dinoproject/dinocache/cmd/cache"
	"github.com/dinoproject/dinocache/cmd/serve"
	"github.com/dinoproject/dinocache/internal/app"
	"github.com/dinoproject/dinocache/internal/conf"
	"github.com/dinoproject/dinocache/internal/logger"
)

// RootCommand builds the command tree.
func RootCommand(build app.BuildInfo) *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	rootCmd := &cobra.Command{
		Use:           "dinocache",
		Short:         "Offline cache front end for the DinoProject web app",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./config.yaml or ~/.config/dinocache/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")

	// Settings and logger are resolved lazily so "version" works without a
	// valid config.
	env := func() (*conf.Settings, logger.Logger, error) {
		settings, err := conf.Load(configPath)
		if err != nil {
			return nil, nil, err
		}
		if logLevel != "" {
			settings.Log.Level = logLevel
		}
		log := logger.NewSlogLoggerWithOptions(os.Stderr, logger.Options{
			Level:  logger.ParseLevel(settings.Log.Level),
			Format: logger.Format(settings.Log.Format),
		})
		return settings, log, nil
	}

	rootCmd.AddCommand(
		serve.Command(build, env),
		cache.Command(env),
		versionCommand(build),
	)
	return rootCmd
}

func versionCommand(build app.BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dinocache %s (built %s)\n", build.Version, build.BuildDate)
		},
	}
}
