package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/echomind-ai/echomind/pkg/config"
	"github.com/echomind-ai/echomind/pkg/logging"
	"github.com/echomind-ai/echomind/pkg/mcp"
	"github.com/echomind-ai/echomind/pkg/metrics"
)

func newMCPCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve cache and session tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			// stdout carries the protocol; logs go to stderr.
			logger, err := logging.New(cfg.Log, version)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			b, err := openBackend(ctx, cfg, logger, metrics.NewNop())
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()

			return mcp.New(b.surface(), logger, version).Run(ctx, os.Stdin, os.Stdout)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
