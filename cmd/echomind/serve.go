package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/echomind-ai/echomind/pkg/admin"
	"github.com/echomind-ai/echomind/pkg/chat"
	"github.com/echomind-ai/echomind/pkg/config"
	"github.com/echomind-ai/echomind/pkg/llm"
	"github.com/echomind-ai/echomind/pkg/logging"
	"github.com/echomind-ai/echomind/pkg/metrics"
	"github.com/echomind-ai/echomind/pkg/persona"
	"github.com/echomind-ai/echomind/pkg/ratelimit"
	"github.com/echomind-ai/echomind/pkg/server"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Log, version)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	b, err := openBackend(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	p, err := persona.Load(cfg.Persona.File, cfg.Persona.Name)
	if err != nil {
		return fmt.Errorf("load persona: %w", err)
	}

	srv, limits := newServer(cfg, b, p, reg, m, logger)
	janitor := admin.StartJanitor(b.cache, limits, cfg.Cache.CleanupInterval, logger)
	defer janitor.Stop()

	logger.Info("starting echomind",
		zap.String("listen", cfg.Listen),
		zap.String("persona", p.Name),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.Bool("cache_enabled", cfg.Cache.Enabled),
		zap.Int("providers", len(cfg.Providers)),
	)
	return srv.ListenAndServe(ctx)
}

// newServer wires the chat and admin handlers. The limiter always exists
// so that rate limiting can be switched on at runtime even when the
// config starts with it disabled.
func newServer(cfg *config.Config, b *backend, p *persona.Persona, reg *prometheus.Registry, m *metrics.Metrics, logger *zap.Logger) (*server.Server, *ratelimit.Limits) {
	llmOpts := llm.OptionsFromConfig(cfg.LLM)
	llmOpts.Logger = logger
	llmOpts.Metrics = m
	client := llm.New(llm.NewRouter(cfg.Providers, cfg.Router.Routes), llmOpts)

	chatOpts := chat.Options{
		Persona:    p,
		LLM:        client,
		Log:        b.log,
		GapTimeout: cfg.Session.GapTimeout,
		Logger:     logger,
	}
	if cfg.Cache.Enabled {
		chatOpts.Cache = b.cache
	}

	limits := ratelimit.New(ratelimit.SettingsFromConfig(cfg.RateLimit))

	srv := server.New(server.Options{
		Listen:         cfg.Listen,
		APIKey:         cfg.Auth.APIKey,
		AdminAPIKey:    cfg.Auth.AdminAPIKey,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Responder:      chat.New(chatOpts),
		Admin:          admin.New(b.cache, limits, b.log),
		Limits:         limits,
		Metrics:        m,
		Gatherer:       reg,
		Logger:         logger,
	})
	return srv, limits
}
