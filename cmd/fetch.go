package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"civicsync/internal/bootstrap"
	"civicsync/internal/bootstrap/logging"
	"civicsync/internal/errs"
	"civicsync/internal/usecase/offline"
)

var errNoBaseURL = errors.New("dispatch.base_url is not configured")

var fetchCmd = &cobra.Command{
	Use:   "fetch <endpoint>",
	Short: "GET an endpoint with offline support, serving the cache when the API is unreachable",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App) error {
		ctx := cmd.Context()
		endpoint := args0(cmd)

		key, _ := cmd.Flags().GetString("key")
		if key == "" {
			key = "GET " + endpoint
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")
		noCache, _ := cmd.Flags().GetBool("no-cache")

		opts := []offline.ExecOption{offline.WithTTL(ttl), offline.WithCache(!noCache)}
		body, err := offline.Execute(ctx, app.Runtime.Gateway, key, func(ctx context.Context) (json.RawMessage, error) {
			if app.Dispatcher == nil {
				return nil, errNoBaseURL
			}
			return app.Dispatcher.Fetch(ctx, endpoint)
		}, opts...)
		if err != nil {
			return errs.Wrapf(err, "fetch %s", endpoint)
		}

		logging.Debug(ctx, "fetch served", slog.String("key", key), slog.Bool("online", app.Runtime.Gateway.Online()))
		if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\n", body); err != nil {
			return errs.Wrap(err, "write fetch output")
		}
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().String("key", "", "Cache key (default \"GET <endpoint>\")")
	fetchCmd.Flags().Duration("ttl", 0, "Lifetime of the cached response; 0 uses offline.cache_ttl")
	fetchCmd.Flags().Bool("no-cache", false, "Do not fall back to a cached response")
}
