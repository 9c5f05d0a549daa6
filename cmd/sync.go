package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"civicsync/internal/bootstrap"
	"civicsync/internal/bootstrap/logging"
	domain "civicsync/internal/domain/offline"
	"civicsync/internal/errs"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued actions and report sync state",
}

var syncNowCmd = &cobra.Command{
	Use:   "now",
	Short: "Drain the action queue once",
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App) error {
		ctx := cmd.Context()
		if assume, _ := cmd.Flags().GetBool("assume-online"); assume {
			if app.Manual == nil {
				return errors.New("--assume-online needs connectivity.mode=manual")
			}
			app.Manual.Set(true)
		}

		result, err := app.Runtime.Coordinator.ForceSync(ctx)
		if errors.Is(err, domain.ErrNotConnected) {
			logging.Warn(ctx, "sync skipped while offline")
		}
		if err != nil {
			return errs.Wrap(err, "force sync")
		}

		logging.Info(ctx, "sync finished",
			slog.Int("succeeded", result.Succeeded), slog.Int("failed", result.Failed))
		format, _ := cmd.Flags().GetString("output")
		return writeView(cmd.OutOrStdout(), format, func() string {
			return renderSyncResult(result)
		}, result)
	}),
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity, queue depth and dead letters",
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App) error {
		status, err := app.Runtime.Coordinator.Status(cmd.Context())
		if err != nil {
			return errs.Wrap(err, "read sync status")
		}
		format, _ := cmd.Flags().GetString("output")
		return writeView(cmd.OutOrStdout(), format, func() string {
			return renderStatus(status)
		}, status)
	}),
}

var syncReviveCmd = &cobra.Command{
	Use:   "revive <id>",
	Short: "Reset the retry count of a dead letter so it is replayed again",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App) error {
		action, err := app.Runtime.Coordinator.Revive(cmd.Context(), args0(cmd))
		if err != nil {
			return errs.Wrapf(err, "revive action %s", args0(cmd))
		}
		if _, err := fmt.Fprintf(cmd.OutOrStdout(), "revived %s kind=%s\n", action.ID, action.Kind); err != nil {
			return errs.Wrap(err, "write sync output")
		}
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.AddCommand(syncNowCmd, syncStatusCmd, syncReviveCmd)

	syncNowCmd.Flags().Bool("assume-online", false, "Mark the manual connectivity provider online before draining")
	syncNowCmd.Flags().StringP("output", "o", formatText, "Output format: text, json or yaml")
	syncStatusCmd.Flags().StringP("output", "o", formatText, "Output format: text, json or yaml")
}
