// Package ratelimit limits chat requests per client. The limits can be
// changed at runtime; every request reads the current settings.
package ratelimit

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/echomind-ai/echomind/pkg/config"
)

// Settings are the adjustable limits.
type Settings struct {
	Enabled     bool `json:"enabled"`
	RatePerHour int  `json:"rate_per_hour"`
	Burst       int  `json:"burst"`
}

// SettingsFromConfig maps the rate_limit config section.
func SettingsFromConfig(cfg config.RateLimitConfig) Settings {
	return Settings{Enabled: cfg.Enabled, RatePerHour: cfg.RatePerHour, Burst: cfg.Burst}
}

// Validate rejects settings that would block every request.
func (s Settings) Validate() error {
	if s.RatePerHour < 1 {
		return errors.New("rate_per_hour must be at least 1")
	}
	if s.Burst < 0 {
		return errors.New("burst must not be negative")
	}
	return nil
}

func (s Settings) limit() rate.Limit {
	return rate.Limit(float64(s.RatePerHour) / 3600)
}

func (s Settings) burst() int {
	if s.Burst < 1 {
		return 1
	}
	return s.Burst
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limits holds per-client token buckets and the shared settings.
type Limits struct {
	settings atomic.Pointer[Settings]

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

// New returns Limits using s. Invalid settings are replaced by the
// config defaults.
func New(s Settings) *Limits {
	if s.Validate() != nil {
		s = SettingsFromConfig(config.Default().RateLimit)
	}
	l := &Limits{clients: make(map[string]*clientLimiter)}
	l.settings.Store(&s)
	return l
}

// Settings returns the current settings.
func (l *Limits) Settings() Settings {
	return *l.settings.Load()
}

// Update swaps the settings and resets every client's bucket so the new
// rate applies from the next request.
func (l *Limits) Update(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	l.settings.Store(&s)
	l.clients = make(map[string]*clientLimiter)
	l.mu.Unlock()
	return nil
}

// Allow reports whether client may make a request now.
func (l *Limits) Allow(client string) bool {
	ok, _ := l.AllowAt(client, time.Now())
	return ok
}

// AllowAt reports whether client may make a request at now and, if not,
// how long until the next token.
func (l *Limits) AllowAt(client string, now time.Time) (bool, time.Duration) {
	if !l.settings.Load().Enabled {
		return true, 0
	}

	l.mu.Lock()
	s := l.settings.Load()
	c, ok := l.clients[client]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(s.limit(), s.burst())}
		l.clients[client] = c
	}
	c.lastSeen = now
	r := c.limiter.ReserveN(now, 1)
	l.mu.Unlock()

	if !r.OK() {
		return false, 0
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Sweep forgets clients idle since before cutoff and returns how many
// were dropped.
func (l *Limits) Sweep(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, id)
			n++
		}
	}
	return n
}

// Middleware rejects requests over the limit with 429. key derives the
// client identity; rejected is called before the response is written,
// typically to count the rejection.
func (l *Limits) Middleware(key func(*http.Request) string, rejected func(*http.Request)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, retry := l.AllowAt(key(r), time.Now())
			if !ok {
				if rejected != nil {
					rejected(r)
				}
				if retry > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":{"message":"rate limit exceeded, please try again later","type":"rate_limit_error","code":429}}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
