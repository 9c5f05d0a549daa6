package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"civicsync/internal/bootstrap"
	"civicsync/internal/bootstrap/logging"
	"civicsync/internal/errs"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon with automatic replay and the status API",
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := app.Runtime.StartBackground(ctx); err != nil {
			return errs.Wrap(err, "start background sync")
		}

		addr, _ := cmd.Flags().GetString("listen")
		addr = strings.TrimSpace(addr)
		if addr == "" {
			addr = app.Config.Status.Listen
		}

		var setOnline func(bool)
		if app.Manual != nil {
			setOnline = app.Manual.Set
		}
		server := &http.Server{
			Addr:              addr,
			Handler:           newStatusAPIHandler(app.Runtime.Coordinator, setOnline, app.Registry),
			ReadHeaderTimeout: 5 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logging.Info(ctx, "status api started", slog.String("addr", addr))
			errCh <- server.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error(ctx, "status api failed", slog.Any("err", errs.Loggable(err)))
				return errs.Wrap(err, "serve status api")
			}
			return nil
		case <-ctx.Done():
		}

		logging.Info(ctx, "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errs.Wrap(err, "shutdown status api")
		}
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("listen", "", "Status API listen address (default status.listen)")
}
