package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"civicsync/internal/bootstrap"
	"civicsync/internal/bootstrap/logging"
	domain "civicsync/internal/domain/offline"
	"civicsync/internal/errs"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and edit the durable action queue",
}

var queueEnqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Append a mutation to the queue for later replay",
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App) error {
		kind, _ := cmd.Flags().GetString("kind")
		endpoint, _ := cmd.Flags().GetString("endpoint")
		method, _ := cmd.Flags().GetString("method")
		payload, _ := cmd.Flags().GetString("payload")

		in := domain.ActionInput{Kind: kind, Endpoint: endpoint, Method: method}
		if payload != "" {
			in.Payload = json.RawMessage(payload)
		}
		action, err := app.Runtime.Gateway.Enqueue(cmd.Context(), in)
		if err != nil {
			return errs.Wrap(err, "enqueue action")
		}

		logging.Info(cmd.Context(), "action queued", slog.String("id", action.ID), slog.String("kind", action.Kind))
		if _, err := fmt.Fprintf(cmd.OutOrStdout(), "queued %s kind=%s %s %s\n", action.ID, action.Kind, action.Method, action.Endpoint); err != nil {
			return errs.Wrap(err, "write queue output")
		}
		return nil
	}),
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued actions in replay order",
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App) error {
		actions, err := app.Runtime.Queue.All(cmd.Context())
		if err != nil {
			return errs.Wrap(err, "list queued actions")
		}
		format, _ := cmd.Flags().GetString("output")
		return writeView(cmd.OutOrStdout(), format, func() string {
			return renderActions(actions)
		}, toActionViews(actions))
	}),
}

var queueRemoveCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Discard one queued action without replaying it",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App) error {
		id := args0(cmd)
		if err := app.Runtime.Coordinator.Discard(cmd.Context(), id); err != nil {
			return errs.Wrapf(err, "discard action %s", id)
		}
		if _, err := fmt.Fprintf(cmd.OutOrStdout(), "discarded %s\n", id); err != nil {
			return errs.Wrap(err, "write queue output")
		}
		return nil
	}),
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard every queued action, dead letters included",
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("refusing to clear the queue without --yes")
		}
		if err := app.Runtime.Coordinator.DiscardAll(cmd.Context()); err != nil {
			return errs.Wrap(err, "clear queue")
		}
		if _, err := fmt.Fprintln(cmd.OutOrStdout(), "queue cleared"); err != nil {
			return errs.Wrap(err, "write queue output")
		}
		return nil
	}),
}

var queueCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Fold the queue log into a single snapshot",
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App) error {
		if err := app.Runtime.Queue.Compact(cmd.Context()); err != nil {
			return errs.Wrap(err, "compact queue")
		}
		n, err := app.Runtime.Queue.Len(cmd.Context())
		if err != nil {
			return errs.Wrap(err, "count queued actions")
		}
		if _, err := fmt.Fprintf(cmd.OutOrStdout(), "queue compacted, %d actions kept\n", n); err != nil {
			return errs.Wrap(err, "write queue output")
		}
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueEnqueueCmd, queueListCmd, queueRemoveCmd, queueClearCmd, queueCompactCmd)

	queueEnqueueCmd.Flags().String("kind", "", "Action kind, e.g. poll.vote")
	queueEnqueueCmd.Flags().String("endpoint", "", "API endpoint the action is replayed against")
	queueEnqueueCmd.Flags().String("method", "POST", "HTTP method: POST, PUT, PATCH or DELETE")
	queueEnqueueCmd.Flags().String("payload", "", "JSON request body")
	_ = queueEnqueueCmd.MarkFlagRequired("kind")
	_ = queueEnqueueCmd.MarkFlagRequired("endpoint")

	queueListCmd.Flags().StringP("output", "o", formatText, "Output format: text, json or yaml")
	queueClearCmd.Flags().Bool("yes", false, "Confirm discarding every queued action")
}
