package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all EchoMind configuration.
type Config struct {
	Listen    string           `yaml:"listen"`
	DBPath    string           `yaml:"db_path"`
	Log       LogConfig        `yaml:"log"`
	Providers []ProviderConfig `yaml:"providers"`
	Router    RouterConfig     `yaml:"router"`
	LLM       LLMConfig        `yaml:"llm"`
	Persona   PersonaConfig    `yaml:"persona"`
	Cache     CacheConfig      `yaml:"cache"`
	Session   SessionConfig    `yaml:"session"`
	Auth      AuthConfig       `yaml:"auth"`
	CORS      CORSConfig       `yaml:"cors"`
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// RouterConfig defines model routing and fallback chains.
type RouterConfig struct {
	Routes []RouteConfig `yaml:"routes"`
}

// RouteConfig maps a model alias to an ordered list of targets.
type RouteConfig struct {
	Model   string        `yaml:"model"`
	Targets []RouteTarget `yaml:"targets"`
}

// RouteTarget identifies a specific provider and model in a fallback chain.
type RouteTarget struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// ProviderConfig defines an upstream LLM provider.
// Type is "openai" (default, any OpenAI-compatible endpoint) or "anthropic".
type ProviderConfig struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	Type   string `yaml:"type"`
}

// LLMConfig controls how the chat layer calls providers.
type LLMConfig struct {
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  uint64        `yaml:"max_retries"`
	BreakerTrip uint32        `yaml:"breaker_trip"`
}

// PersonaConfig points at the persona profile.
type PersonaConfig struct {
	Name string `yaml:"name"`
	File string `yaml:"file"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Backend             string        `yaml:"backend"`
	Redis               RedisConfig   `yaml:"redis"`
	KnowledgeTTL        time.Duration `yaml:"knowledge_ttl"`
	ConversationalTTL   time.Duration `yaml:"conversational_ttl"`
	SimilarityThreshold float64       `yaml:"similarity_threshold"`
	MaxVariations       int           `yaml:"max_variations"`
	ContextPreviewChars int           `yaml:"context_preview_chars"`
	Denylist            []string      `yaml:"denylist"`
	RefreshInterval     time.Duration `yaml:"refresh_interval"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
}

// RedisConfig selects the Redis server for the redis cache backend.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// SessionConfig controls session detection.
type SessionConfig struct {
	GapTimeout time.Duration `yaml:"gap_timeout"`
}

// AuthConfig holds API keys. Empty keys disable the check.
type AuthConfig struct {
	APIKey      string `yaml:"api_key"`
	AdminAPIKey string `yaml:"admin_api_key"`
}

// CORSConfig lists origins allowed to call the chat API from a browser.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RateLimitConfig holds the initial rate limit settings.
type RateLimitConfig struct {
	Enabled     bool `yaml:"enabled"`
	RatePerHour int  `yaml:"rate_per_hour"`
	Burst       int  `yaml:"burst"`
}

// Cache backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "echomind.db",
		Log: LogConfig{
			Level: "info",
		},
		LLM: LLMConfig{
			Model:       "gpt-4o-mini",
			MaxTokens:   1024,
			Timeout:     60 * time.Second,
			MaxRetries:  2,
			BreakerTrip: 5,
		},
		Persona: PersonaConfig{
			Name: "EchoMind",
			File: "persona.yaml",
		},
		Cache: CacheConfig{
			Enabled:             true,
			Backend:             BackendSQLite,
			KnowledgeTTL:        30 * 24 * time.Hour,
			ConversationalTTL:   24 * time.Hour,
			SimilarityThreshold: 0.90,
			MaxVariations:       3,
			ContextPreviewChars: 200,
			RefreshInterval:     30 * time.Second,
			CleanupInterval:     time.Hour,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "echomind:",
			},
		},
		Session: SessionConfig{
			GapTimeout: 30 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			RatePerHour: 10,
			Burst:       3,
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	cc := c.Cache
	switch cc.Backend {
	case BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("cache.backend: unknown backend %q", cc.Backend)
	}
	if cc.KnowledgeTTL <= 0 || cc.ConversationalTTL <= 0 {
		return errors.New("cache: ttl values must be positive")
	}
	if cc.SimilarityThreshold <= 0 || cc.SimilarityThreshold > 1 {
		return fmt.Errorf("cache.similarity_threshold: %v not in (0, 1]", cc.SimilarityThreshold)
	}
	if cc.MaxVariations < 1 {
		return errors.New("cache.max_variations: must be at least 1")
	}
	if c.RateLimit.RatePerHour < 1 {
		return errors.New("rate_limit.rate_per_hour: must be at least 1")
	}
	for _, p := range c.Providers {
		if p.Name == "" || p.URL == "" {
			return errors.New("providers: name and url are required")
		}
	}
	return nil
}
