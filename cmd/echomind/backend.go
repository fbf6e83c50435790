package main

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/echomind-ai/echomind/pkg/admin"
	"github.com/echomind-ai/echomind/pkg/cache"
	cacheredis "github.com/echomind-ai/echomind/pkg/cache/redis"
	"github.com/echomind-ai/echomind/pkg/cache/sqlite"
	"github.com/echomind-ai/echomind/pkg/config"
	"github.com/echomind-ai/echomind/pkg/conversation"
	"github.com/echomind-ai/echomind/pkg/metrics"
)

// openStore opens the cache backend named in the config.
func openStore(ctx context.Context, cfg *config.Config) (cache.Store, error) {
	switch cfg.Cache.Backend {
	case config.BackendRedis:
		rc := cfg.Cache.Redis
		store, err := cacheredis.New(ctx, &goredis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		}, rc.KeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("open redis cache: %w", err)
		}
		return store, nil
	case config.BackendSQLite, "":
		store, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite cache: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

// backend holds the storage shared by every command.
type backend struct {
	store cache.Store
	cache *cache.Service
	log   *conversation.SQLiteLog
}

func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (*backend, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log, err := conversation.New(cfg.DBPath)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open conversation log: %w", err)
	}

	opts := cache.OptionsFromConfig(cfg.Cache)
	opts.Logger = logger
	opts.Metrics = m
	return &backend{
		store: store,
		cache: cache.NewService(store, opts),
		log:   log,
	}, nil
}

// surface returns admin operations without runtime rate limits, for
// commands that run outside the server.
func (b *backend) surface() *admin.Surface {
	return admin.New(b.cache, nil, b.log)
}

func (b *backend) Close() error {
	return errors.Join(b.log.Close(), b.store.Close())
}
