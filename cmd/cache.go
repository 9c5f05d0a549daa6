package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"civicsync/internal/bootstrap"
	"civicsync/internal/bootstrap/logging"
	"civicsync/internal/errs"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the offline read cache",
}

var cacheGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the cached value for a key when it is still valid",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App) error {
		entry, ok := app.Runtime.Cache.Entry(cmd.Context(), args0(cmd))
		if !ok {
			return fmt.Errorf("no valid cache entry for %q", args0(cmd))
		}

		view := cacheEntryView{Key: entry.Key, WrittenAt: entry.WrittenAt, ExpiresAt: entry.ExpiresAt()}
		if err := json.Unmarshal(entry.Value, &view.Value); err != nil {
			return errs.Wrap(err, "decode cached value")
		}

		format, _ := cmd.Flags().GetString("output")
		return writeView(cmd.OutOrStdout(), format, func() string {
			header := fmt.Sprintf("key=%s expires=%s", entry.Key, view.ExpiresAt.Local().Format(time.RFC3339))
			return fmt.Sprintf("%s\n%s\n", dimStyle.Render(header), entry.Value)
		}, view)
	}),
}

var cacheSetCmd = &cobra.Command{
	Use:   "set <key> <json>",
	Short: "Store a JSON value in the cache",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App) error {
		key, raw := cmd.Flags().Arg(0), cmd.Flags().Arg(1)
		if !json.Valid([]byte(raw)) {
			return fmt.Errorf("value for %q is not valid json", key)
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")

		if err := app.Runtime.Cache.Set(cmd.Context(), key, json.RawMessage(raw), ttl); err != nil {
			return errs.Wrap(err, "set cache entry")
		}
		if ttl <= 0 {
			ttl = app.Runtime.Cache.DefaultTTL()
		}
		logging.Info(cmd.Context(), "cache entry stored", slog.String("key", key), slog.Duration("ttl", ttl))
		if _, err := fmt.Fprintf(cmd.OutOrStdout(), "cached %s ttl=%s\n", key, ttl); err != nil {
			return errs.Wrap(err, "write cache output")
		}
		return nil
	}),
}

var cacheRemoveCmd = &cobra.Command{
	Use:   "rm <key>",
	Short: "Remove a cache entry",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App) error {
		app.Runtime.Cache.Remove(cmd.Context(), args0(cmd))
		if _, err := fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args0(cmd)); err != nil {
			return errs.Wrap(err, "write cache output")
		}
		return nil
	}),
}

var cacheKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List cached keys with their validity",
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App) error {
		ctx := cmd.Context()
		keys := app.Runtime.Cache.Keys(ctx)
		slices.Sort(keys)

		out := cmd.OutOrStdout()
		if len(keys) == 0 {
			_, err := fmt.Fprintln(out, dimStyle.Render("- cache is empty"))
			return errs.Wrap(err, "write cache output")
		}
		for _, key := range keys {
			state := "valid"
			if !app.Runtime.Cache.IsValid(ctx, key) {
				state = "expired"
			}
			if _, err := fmt.Fprintf(out, "%s %s\n", key, dimStyle.Render(state)); err != nil {
				return errs.Wrap(err, "write cache output")
			}
		}
		return nil
	}),
}

var cacheCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Evict expired cache entries",
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App) error {
		removed := app.Runtime.Cache.Cleanup(cmd.Context())
		if _, err := fmt.Fprintf(cmd.OutOrStdout(), "evicted %d expired entries\n", removed); err != nil {
			return errs.Wrap(err, "write cache output")
		}
		return nil
	}),
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cache entry",
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App) error {
		app.Runtime.Cache.Clear(cmd.Context())
		if _, err := fmt.Fprintln(cmd.OutOrStdout(), "cache cleared"); err != nil {
			return errs.Wrap(err, "write cache output")
		}
		return nil
	}),
}

type cacheEntryView struct {
	Key       string    `json:"key" yaml:"key"`
	WrittenAt time.Time `json:"writtenAt" yaml:"written_at"`
	ExpiresAt time.Time `json:"expiresAt" yaml:"expires_at"`
	Value     any       `json:"value" yaml:"value"`
}

func args0(cmd *cobra.Command) string {
	return cmd.Flags().Arg(0)
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheGetCmd, cacheSetCmd, cacheRemoveCmd, cacheKeysCmd, cacheCleanupCmd, cacheClearCmd)

	cacheGetCmd.Flags().StringP("output", "o", formatText, "Output format: text, json or yaml")
	cacheSetCmd.Flags().Duration("ttl", 0, "Entry lifetime; 0 uses offline.cache_ttl")
}
