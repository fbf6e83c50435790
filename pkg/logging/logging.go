// Package logging builds the zap logger shared by every EchoMind component.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/echomind-ai/echomind/pkg/config"
)

// New builds a logger from the log section of the config. Development
// mode writes human-readable console output; otherwise JSON.
func New(cfg config.LogConfig, version string) (*zap.Logger, error) {
	var zapConfig zap.Config
	if cfg.Development {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
	}
	zapConfig.Level.SetLevel(level)
	zapConfig.OutputPaths = []string{"stderr"}
	zapConfig.InitialFields = map[string]interface{}{
		"service": "echomind",
		"version": version,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
