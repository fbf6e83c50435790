package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/echomind-ai/echomind/pkg/config"
	"github.com/echomind-ai/echomind/pkg/mcp"
	"github.com/echomind-ai/echomind/pkg/metrics"
	"github.com/echomind-ai/echomind/pkg/models"
)

// withBackend loads the config, opens storage and runs fn.
func withBackend(ctx context.Context, configPath string, fn func(*backend) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	b, err := openBackend(ctx, cfg, zap.NewNop(), metrics.NewNop())
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()
	return fn(b)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newCacheCmd() *cobra.Command {
	var (
		configPath string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the response cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), configPath, func(b *backend) error {
				stats, err := b.surface().Stats(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), stats)
				}
				_, err = fmt.Fprint(cmd.OutOrStdout(), mcp.FormatCacheStats(stats))
				return err
			})
		},
	}

	var opts models.ListOptions
	entriesCmd := &cobra.Command{
		Use:   "entries",
		Short: "List cached questions without their answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), configPath, func(b *backend) error {
				page, err := b.surface().List(cmd.Context(), opts)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), page)
				}
				_, err = fmt.Fprint(cmd.OutOrStdout(), mcp.FormatEntries(page))
				return err
			})
		},
	}
	entriesCmd.Flags().IntVar(&opts.Page, "page", 1, "page number")
	entriesCmd.Flags().IntVar(&opts.Limit, "limit", 20, "entries per page (max 100)")
	entriesCmd.Flags().StringVar(&opts.SortBy, "sort-by", models.SortLastUsed, "sort field: hit_count, created_at, expires_at, last_used, cache_type")
	entriesCmd.Flags().StringVar(&opts.Order, "order", "desc", "sort order: asc or desc")

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), configPath, func(b *backend) error {
				n, err := b.surface().Cleanup(cmd.Context())
				if err != nil {
					return fmt.Errorf("cleanup after %d deletions: %w", n, err)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d expired entries.\n", n)
				return err
			})
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <cache-key>",
		Short: "Delete one cache entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), configPath, func(b *backend) error {
				ok, err := b.surface().Delete(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("cache entry %s not found", args[0])
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s.\n", args[0])
				return err
			})
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every cache entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), configPath, func(b *backend) error {
				n, err := b.surface().Clear(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d cache entries.\n", n)
				return err
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	cmd.AddCommand(statsCmd, entriesCmd, cleanupCmd, deleteCmd, clearCmd)
	return cmd
}
