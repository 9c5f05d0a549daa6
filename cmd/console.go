package cmd

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"civicsync/internal/bootstrap"
	"civicsync/internal/errs"
	"civicsync/internal/usecase/syncconsole"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive sync console: watch the queue, drain it and manage dead letters",
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App) error {
		ctx := cmd.Context()
		if err := app.Runtime.StartBackground(ctx); err != nil {
			return errs.Wrap(err, "start background sync")
		}

		refreshInterval, _ := cmd.Flags().GetDuration("refresh-interval")
		options := syncconsole.Options{RefreshInterval: refreshInterval}
		if app.Manual != nil {
			options.SetOnline = app.Manual.Set
		}

		model := syncconsole.NewModel(ctx, syncconsole.RuntimeBackend(app.Runtime), options)
		program := tea.NewProgram(model, tea.WithAltScreen())
		if _, err := program.Run(); err != nil {
			return errs.Wrap(err, "run sync console")
		}
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(consoleCmd)
	consoleCmd.Flags().Duration("refresh-interval", 2*time.Second, "Auto refresh interval")
}
