/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"civicsync/internal/bootstrap/logging"
	"civicsync/internal/errs"
)

var (
	cfgFile  string
	logLevel string
	// logLevelVar lets withApp apply app.log_level after the config is loaded.
	logLevelVar = new(slog.LevelVar)
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:          "civicsync",
	Short:        "Offline-first sync layer for civic engagement clients",
	Long:         "Caches reads, queues writes while offline and replays them when connectivity returns.",
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}

	logger := slog.New(slog.NewTextHandler(rootCmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: logLevelVar,
	}))
	ctx = logging.WithLogger(ctx, logger)
	ctx = logging.WithAttrs(ctx, slog.String("app", "civicsync"))

	rootCmd.SetContext(ctx)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logging.Error(ctx, "command execution failed", slog.Any("err", errs.Loggable(err)))
		return errs.Wrap(err, "execute root command")
	}

	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "configs/config.yaml", "Config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override app.log_level (debug, info, warn, error)")
}
