package admin

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/echomind-ai/echomind/pkg/cache"
	"github.com/echomind-ai/echomind/pkg/ratelimit"
)

// limiterIdle is how long a client may be silent before its bucket is
// forgotten. A fresh bucket is full, so this must exceed the refill time.
const limiterIdle = 2 * time.Hour

// Janitor periodically removes expired cache entries and idle rate
// limiter buckets.
type Janitor struct {
	cache    *cache.Service
	limits   *ratelimit.Limits
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// StartJanitor starts the cleanup loop. Stop must be called to end it.
// limits may be nil.
func StartJanitor(svc *cache.Service, limits *ratelimit.Limits, interval time.Duration, logger *zap.Logger) *Janitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	j := &Janitor{
		cache:    svc,
		limits:   limits,
		interval: interval,
		logger:   logger.Named("janitor"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
	j.wg.Add(1)
	go j.loop()
	return j
}

// Stop ends the loop, cancelling a running pass, and waits for it to
// return. It is safe to call more than once.
func (j *Janitor) Stop() {
	j.cancel()
	j.wg.Wait()
}

// RunOnce performs a single maintenance pass.
func (j *Janitor) RunOnce(ctx context.Context) {
	n, err := j.cache.Cleanup(ctx)
	if err != nil {
		j.logger.Warn("cleanup pass failed", zap.Int64("deleted", n), zap.Error(err))
	}
	if j.limits != nil {
		if dropped := j.limits.Sweep(j.now().Add(-limiterIdle)); dropped > 0 {
			j.logger.Debug("idle rate limit buckets dropped", zap.Int("count", dropped))
		}
	}
}

func (j *Janitor) loop() {
	defer j.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.ctx.Done():
			return
		case <-ticker.C:
			j.RunOnce(j.ctx)
		}
	}
}
