// Package serve runs the caching front end.
package serve

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dinoproject/dinocache/internal/app"
	"github.com/dinoproject/dinocache/internal/conf"
	"github.com/dinoproject/dinocache/internal/logger"
)

// EnvFunc loads settings and builds the logger.
type EnvFunc func() (*conf.Settings, logger.Logger, error)

// Command returns the serve command.
func Command(build app.BuildInfo, env EnvFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the site through the offline cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, log, err := env()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, settings, build, log)
		},
	}
}

func run(ctx context.Context, settings *conf.Settings, build app.BuildInfo, log logger.Logger) error {
	a, err := app.New(settings, build, log)
	if err != nil {
		return err
	}
	runErr := a.Run(ctx)
	if err := a.Close(); err != nil {
		log.Error("shutdown incomplete", logger.Error(err))
	}
	log.Info("dinocache stopped")
	return runErr
}
