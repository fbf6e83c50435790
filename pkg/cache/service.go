package cache

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/echomind-ai/echomind/pkg/cache/similarity"
	"github.com/echomind-ai/echomind/pkg/config"
	"github.com/echomind-ai/echomind/pkg/metrics"
	"github.com/echomind-ai/echomind/pkg/models"
)

// Source tells where a cached answer came from.
type Source string

const (
	SourceExact Source = "exact"
	SourceFuzzy Source = "fuzzy"
)

// LookupResult is the outcome of Lookup.
type LookupResult struct {
	Hit        bool
	Answer     string
	Cacheable  bool
	Source     Source
	Score      float64
	MatchedKey string
}

// StoreOutcome reports what Store did with an answer.
type StoreOutcome string

const (
	StoreInserted StoreOutcome = "inserted"
	StoreAppended StoreOutcome = "appended"
	StoreFull     StoreOutcome = "full"
	StoreSkipped  StoreOutcome = "skipped"
	StoreFailed   StoreOutcome = "failed"
)

// Options configures a Service. Zero values take the defaults from
// config.Default.
type Options struct {
	KnowledgeTTL        time.Duration
	ConversationalTTL   time.Duration
	SimilarityThreshold float64
	MaxVariations       int
	ContextPreviewChars int
	// RefreshInterval is how often the similarity index is rebuilt from
	// the store. Zero loads it once.
	RefreshInterval time.Duration
	Denylist        []string

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Now overrides the clock in tests.
	Now func() time.Time
}

// OptionsFromConfig maps the cache section of the config file.
func OptionsFromConfig(cfg config.CacheConfig) Options {
	return Options{
		KnowledgeTTL:        cfg.KnowledgeTTL,
		ConversationalTTL:   cfg.ConversationalTTL,
		SimilarityThreshold: cfg.SimilarityThreshold,
		MaxVariations:       cfg.MaxVariations,
		ContextPreviewChars: cfg.ContextPreviewChars,
		RefreshInterval:     cfg.RefreshInterval,
		Denylist:            cfg.Denylist,
	}
}

func (o Options) withDefaults() Options {
	def := config.Default().Cache
	if o.KnowledgeTTL <= 0 {
		o.KnowledgeTTL = def.KnowledgeTTL
	}
	if o.ConversationalTTL <= 0 {
		o.ConversationalTTL = def.ConversationalTTL
	}
	if o.SimilarityThreshold <= 0 {
		o.SimilarityThreshold = def.SimilarityThreshold
	}
	if o.MaxVariations <= 0 {
		o.MaxVariations = def.MaxVariations
	}
	if o.ContextPreviewChars <= 0 {
		o.ContextPreviewChars = def.ContextPreviewChars
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Service decides whether a turn can be answered from the cache and
// records new answers. It never returns storage errors to the caller:
// failures are logged and degrade to a miss or a no-op.
type Service struct {
	store   Store
	keys    *KeyBuilder
	matcher *similarity.Matcher
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	refresh     singleflight.Group
	refreshedAt atomic.Int64 // unix nanos of the last index load, 0 if never

	hits   atomic.Int64
	misses atomic.Int64
}

// NewService creates a Service on top of store.
func NewService(store Store, opts Options) *Service {
	opts = opts.withDefaults()
	return &Service{
		store:   store,
		keys:    NewKeyBuilder(opts.Denylist...),
		matcher: similarity.New(opts.SimilarityThreshold),
		opts:    opts,
		logger:  opts.Logger.Named("cache"),
		metrics: opts.Metrics,
	}
}

// EntryStore returns the underlying entry store.
func (s *Service) EntryStore() Store {
	return s.store
}

// Lookup returns a cached answer for question following the assistant
// turn prior (empty when the question opens a conversation), trying
// the exact key first and then, for standalone questions only, the most
// similar cached question.
func (s *Service) Lookup(ctx context.Context, question, prior string) LookupResult {
	key := s.keys.Build(question, prior)
	if !key.Cacheable {
		s.metrics.CacheLookups.WithLabelValues(metrics.LookupUncacheable).Inc()
		return LookupResult{}
	}

	now := s.opts.Now()
	res := LookupResult{Cacheable: true}

	answer, err := s.store.Hit(ctx, key.Hash, now)
	switch {
	case err == nil:
		s.hits.Add(1)
		s.metrics.CacheLookups.WithLabelValues(metrics.LookupExact).Inc()
		res.Hit = true
		res.Answer = answer
		res.Source = SourceExact
		res.Score = 1
		res.MatchedKey = key.Hash
		return res
	case !errors.Is(err, ErrNotFound):
		s.lookupFailed(err, key.Hash)
		return res
	}

	if key.Type == models.CacheKnowledge {
		if fuzzy, ok := s.fuzzy(ctx, key.Question, now); ok {
			s.hits.Add(1)
			s.metrics.CacheLookups.WithLabelValues(metrics.LookupFuzzy).Inc()
			return fuzzy
		}
	}

	s.misses.Add(1)
	s.metrics.CacheLookups.WithLabelValues(metrics.LookupMiss).Inc()
	return res
}

func (s *Service) fuzzy(ctx context.Context, question string, now time.Time) (LookupResult, bool) {
	s.refreshIfStale(ctx, now)

	best, ok := s.matcher.Best(question, now)
	if !ok {
		return LookupResult{}, false
	}
	s.metrics.SimilarityScore.Observe(best.Score)
	if !s.matcher.Accepts(best.Score) {
		return LookupResult{}, false
	}

	answer, err := s.store.Hit(ctx, best.Key, now)
	if errors.Is(err, ErrNotFound) {
		s.matcher.Remove(best.Key)
		s.metrics.MatcherDocs.Set(float64(s.matcher.Len()))
		return LookupResult{}, false
	}
	if err != nil {
		s.logger.Warn("fuzzy hit failed", zap.String("key", best.Key), zap.Error(err))
		return LookupResult{}, false
	}

	s.logger.Debug("fuzzy match",
		zap.String("key", best.Key),
		zap.Float64("score", best.Score),
	)
	return LookupResult{
		Hit:        true,
		Answer:     answer,
		Cacheable:  true,
		Source:     SourceFuzzy,
		Score:      best.Score,
		MatchedKey: best.Key,
	}, true
}

func (s *Service) lookupFailed(err error, key string) {
	s.misses.Add(1)
	s.metrics.CacheLookups.WithLabelValues(metrics.LookupError).Inc()
	s.logger.Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
}

// refreshIfStale reloads the similarity index from the store when it has
// never been loaded or is older than RefreshInterval. Concurrent callers
// share one reload. On failure the current index is kept.
func (s *Service) refreshIfStale(ctx context.Context, now time.Time) {
	last := s.refreshedAt.Load()
	if last != 0 && (s.opts.RefreshInterval <= 0 || now.Sub(time.Unix(0, last)) < s.opts.RefreshInterval) {
		return
	}
	_, _, _ = s.refresh.Do("knowledge", func() (any, error) {
		return nil, s.Refresh(ctx, now)
	})
}

// Refresh rebuilds the similarity index from the live knowledge entries
// in the store.
func (s *Service) Refresh(ctx context.Context, now time.Time) error {
	mark := s.matcher.Mark()
	entries, err := s.store.ScanCandidates(ctx, models.CacheKnowledge, now)
	if err != nil {
		s.logger.Warn("similarity index refresh failed", zap.Error(err))
		return err
	}

	docs := make([]similarity.Doc, 0, len(entries))
	for _, e := range entries {
		docs = append(docs, docFor(e))
	}
	s.matcher.Resync(docs, mark)
	s.refreshedAt.Store(now.UnixNano())
	s.metrics.MatcherDocs.Set(float64(s.matcher.Len()))
	s.logger.Debug("similarity index refreshed", zap.Int("docs", len(docs)))
	return nil
}

func docFor(e models.CacheEntry) similarity.Doc {
	return similarity.Doc{
		Key:       e.CacheKey,
		Text:      e.QuestionText,
		CreatedAt: e.CreatedAt,
		ExpiresAt: e.ExpiresAt,
	}
}

// Store records answer for question following prior. A new key gets a
// fresh entry; an existing key gains a variation until the pool is full.
func (s *Service) Store(ctx context.Context, question, prior, answer string) StoreOutcome {
	outcome := s.record(ctx, question, prior, answer)
	s.metrics.CacheStores.WithLabelValues(string(outcome)).Inc()
	return outcome
}

func (s *Service) record(ctx context.Context, question, prior, answer string) StoreOutcome {
	key := s.keys.Build(question, prior)
	if !key.Cacheable || strings.TrimSpace(answer) == "" {
		return StoreSkipped
	}

	now := s.opts.Now()
	entry := models.CacheEntry{
		CacheKey:       key.Hash,
		QuestionText:   key.Question,
		ContextPreview: Preview(prior, s.opts.ContextPreviewChars),
		CacheType:      key.Type,
		Answers:        []string{answer},
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.ttl(key.Type)),
	}

	// The second attempt covers an entry that expired between the failed
	// insert and the append.
	for range 2 {
		err := s.store.Insert(ctx, entry)
		if err == nil {
			if entry.CacheType == models.CacheKnowledge {
				s.matcher.Add(docFor(entry))
				s.metrics.MatcherDocs.Set(float64(s.matcher.Len()))
			}
			return StoreInserted
		}
		if !errors.Is(err, ErrDuplicateKey) {
			s.logger.Warn("cache insert failed", zap.String("key", key.Hash), zap.Error(err))
			return StoreFailed
		}

		appended, err := s.store.AppendAnswer(ctx, key.Hash, answer, s.opts.MaxVariations, now)
		switch {
		case errors.Is(err, ErrNotFound):
			continue
		case err != nil:
			s.logger.Warn("cache append failed", zap.String("key", key.Hash), zap.Error(err))
			return StoreFailed
		case appended:
			return StoreAppended
		default:
			return StoreFull
		}
	}
	return StoreFailed
}

func (s *Service) ttl(t models.CacheType) time.Duration {
	if t == models.CacheKnowledge {
		return s.opts.KnowledgeTTL
	}
	return s.opts.ConversationalTTL
}

// Cleanup deletes expired entries and drops them from the similarity
// index. On partial failure the count deleted so far is returned with
// the error.
func (s *Service) Cleanup(ctx context.Context) (int64, error) {
	now := s.opts.Now()
	n, err := s.store.DeleteExpired(ctx, now)
	s.metrics.CacheCleanupDeleted.Add(float64(n))
	pruned := s.matcher.Prune(now)
	s.metrics.MatcherDocs.Set(float64(s.matcher.Len()))
	if err != nil {
		s.logger.Warn("cache cleanup failed", zap.Int64("deleted", n), zap.Error(err))
		return n, err
	}
	s.logger.Info("cache cleanup", zap.Int64("deleted", n), zap.Int("pruned", pruned))
	return n, nil
}

// Clear deletes every entry.
func (s *Service) Clear(ctx context.Context) (int64, error) {
	n, err := s.store.Clear(ctx)
	if err != nil {
		return 0, err
	}
	s.matcher.Replace(nil)
	s.metrics.MatcherDocs.Set(0)
	s.logger.Info("cache cleared", zap.Int64("deleted", n))
	return n, nil
}

// Delete removes one entry by key.
func (s *Service) Delete(ctx context.Context, key string) (bool, error) {
	ok, err := s.store.Delete(ctx, key)
	if err != nil {
		return false, err
	}
	s.matcher.Remove(key)
	s.metrics.MatcherDocs.Set(float64(s.matcher.Len()))
	return ok, nil
}

// Stats returns store statistics plus this process's hit counters.
func (s *Service) Stats(ctx context.Context) (models.CacheStats, error) {
	st, err := s.store.Stats(ctx, s.opts.Now())
	if err != nil {
		return models.CacheStats{}, err
	}
	st.Hits = s.hits.Load()
	st.Misses = s.misses.Load()
	return st, nil
}

// List returns one page of entry summaries.
func (s *Service) List(ctx context.Context, opts models.ListOptions) (models.EntryPage, error) {
	return s.store.List(ctx, opts, s.opts.Now())
}
