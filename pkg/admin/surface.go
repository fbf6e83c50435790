// Package admin exposes cache maintenance, runtime rate limits and
// conversation history to operators.
package admin

import (
	"context"
	"errors"

	"github.com/echomind-ai/echomind/pkg/cache"
	"github.com/echomind-ai/echomind/pkg/conversation"
	"github.com/echomind-ai/echomind/pkg/models"
	"github.com/echomind-ai/echomind/pkg/ratelimit"
)

// ErrUnavailable is returned when the component behind an operation is
// not configured.
var ErrUnavailable = errors.New("not configured")

// Surface is the set of administrative operations shared by the HTTP
// handlers, the CLI and the MCP server. Limits and Log may be nil.
type Surface struct {
	cache  *cache.Service
	limits *ratelimit.Limits
	log    conversation.Log
}

// New creates a Surface.
func New(svc *cache.Service, limits *ratelimit.Limits, log conversation.Log) *Surface {
	return &Surface{cache: svc, limits: limits, log: log}
}

// Stats returns cache statistics.
func (s *Surface) Stats(ctx context.Context) (models.CacheStats, error) {
	return s.cache.Stats(ctx)
}

// List returns one page of entry summaries.
func (s *Surface) List(ctx context.Context, opts models.ListOptions) (models.EntryPage, error) {
	return s.cache.List(ctx, opts.Normalize())
}

// Cleanup deletes expired entries.
func (s *Surface) Cleanup(ctx context.Context) (int64, error) {
	return s.cache.Cleanup(ctx)
}

// Clear deletes every entry.
func (s *Surface) Clear(ctx context.Context) (int64, error) {
	return s.cache.Clear(ctx)
}

// Delete removes one entry.
func (s *Surface) Delete(ctx context.Context, key string) (bool, error) {
	return s.cache.Delete(ctx, key)
}

// RateLimit returns the current rate limit settings.
func (s *Surface) RateLimit() (ratelimit.Settings, error) {
	if s.limits == nil {
		return ratelimit.Settings{}, ErrUnavailable
	}
	return s.limits.Settings(), nil
}

// UpdateRateLimit replaces the rate limit settings.
func (s *Surface) UpdateRateLimit(settings ratelimit.Settings) error {
	if s.limits == nil {
		return ErrUnavailable
	}
	return s.limits.Update(settings)
}

// Sessions lists recent sessions, optionally for one client.
func (s *Surface) Sessions(ctx context.Context, clientKey string, limit int) ([]models.Session, error) {
	if s.log == nil {
		return nil, ErrUnavailable
	}
	return s.log.ListSessions(ctx, clientKey, limit)
}

// Session returns one session with its exchanges.
func (s *Surface) Session(ctx context.Context, id string) (*models.SessionHistory, error) {
	if s.log == nil {
		return nil, ErrUnavailable
	}
	return s.log.History(ctx, id)
}

// Health reports database reachability.
type Health struct {
	Status   string            `json:"status"`
	Database string            `json:"database"`
	Checks   map[string]string `json:"checks"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Health pings the cache store and the conversation log.
func (s *Surface) Health(ctx context.Context) Health {
	h := Health{Status: "healthy", Database: "connected", Checks: map[string]string{}}
	check := func(name string, p pinger) {
		if err := p.Ping(ctx); err != nil {
			h.Checks[name] = err.Error()
			h.Status = "degraded"
			h.Database = "disconnected"
			return
		}
		h.Checks[name] = "ok"
	}
	if p, ok := s.cache.EntryStore().(pinger); ok {
		check("cache", p)
	}
	if s.log != nil {
		check("conversations", s.log)
	}
	return h
}
