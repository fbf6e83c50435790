package cache_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/echomind-ai/echomind/pkg/cache"
	"github.com/echomind-ai/echomind/pkg/cache/sqlite"
	"github.com/echomind-ai/echomind/pkg/metrics"
	"github.com/echomind-ai/echomind/pkg/models"
)

var t0 = time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) cache.Store {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestService(t *testing.T, store cache.Store) (*cache.Service, *fakeClock, *metrics.Metrics) {
	t.Helper()
	clock := &fakeClock{t: t0}
	m := metrics.NewNop()
	svc := cache.NewService(store, cache.Options{
		Logger:  zaptest.NewLogger(t),
		Metrics: m,
		Now:     clock.Now,
	})
	return svc, clock, m
}

func TestStoreThenLookup(t *testing.T) {
	ctx := context.Background()
	svc, _, m := newTestService(t, newTestStore(t))

	res := svc.Lookup(ctx, "What is your tech stack?", "")
	assert.False(t, res.Hit)
	assert.True(t, res.Cacheable)

	assert.Equal(t, cache.StoreInserted, svc.Store(ctx, "What is your tech stack?", "", "Go and Postgres."))

	res = svc.Lookup(ctx, "what is   your tech stack?", "")
	require.True(t, res.Hit)
	assert.Equal(t, "Go and Postgres.", res.Answer)
	assert.Equal(t, cache.SourceExact, res.Source)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues(metrics.LookupExact)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheStores.WithLabelValues(string(cache.StoreInserted))))
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	svc, clock, _ := newTestService(t, newTestStore(t))

	svc.Store(ctx, "Where are you based?", "", "Berlin.")
	svc.Store(ctx, "And before that?", "I live in Berlin.", "Munich.")

	clock.Advance(24*time.Hour - time.Millisecond)
	assert.True(t, svc.Lookup(ctx, "And before that?", "I live in Berlin.").Hit)

	clock.Advance(time.Millisecond)
	assert.False(t, svc.Lookup(ctx, "And before that?", "I live in Berlin.").Hit, "conversational entries live 24h")
	assert.True(t, svc.Lookup(ctx, "Where are you based?", "").Hit)

	clock.Advance(29 * 24 * time.Hour)
	res := svc.Lookup(ctx, "Where are you based?", "")
	assert.False(t, res.Hit, "knowledge entries live 30 days")
	assert.True(t, res.Cacheable)
}

func TestHitsDoNotExtendTTL(t *testing.T) {
	ctx := context.Background()
	svc, clock, _ := newTestService(t, newTestStore(t))
	svc.Store(ctx, "Why did you leave?", "I left my last job in May.", "To build my own product.")

	for range 5 {
		clock.Advance(4 * time.Hour)
		require.True(t, svc.Lookup(ctx, "Why did you leave?", "I left my last job in May.").Hit)
	}
	clock.Advance(4 * time.Hour)
	assert.False(t, svc.Lookup(ctx, "Why did you leave?", "I left my last job in May.").Hit)
}

func TestContextSeparatesAnswers(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, newTestStore(t))

	svc.Store(ctx, "What's next?", "I shipped the payments platform in 2023.", "A fraud detection service.")

	res := svc.Lookup(ctx, "What's next?", "I graduated in 2019.")
	assert.False(t, res.Hit)
	assert.True(t, res.Cacheable)

	res = svc.Lookup(ctx, "What's next?", "I shipped the payments platform in 2023.")
	require.True(t, res.Hit)
	assert.Equal(t, "A fraud detection service.", res.Answer)

	assert.Equal(t, cache.StoreInserted, svc.Store(ctx, "What's next?", "I graduated in 2019.", "I joined a startup as a backend engineer."))

	for range 2 {
		res = svc.Lookup(ctx, "What's next?", "I graduated in 2019.")
		require.True(t, res.Hit)
		assert.Equal(t, "I joined a startup as a backend engineer.", res.Answer)

		res = svc.Lookup(ctx, "What's next?", "I shipped the payments platform in 2023.")
		require.True(t, res.Hit)
		assert.Equal(t, "A fraud detection service.", res.Answer)
	}

	st, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Total)
	assert.Equal(t, int64(2), st.ConversationalEntries)
	assert.Equal(t, int64(2), st.TotalVariations, "neither entry gained the other's answer")
}

func TestDenylistNeverCached(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, newTestStore(t))

	for _, q := range []string{"ok", "Thanks!!", "okkk"} {
		res := svc.Lookup(ctx, q, "I have five years of Go experience.")
		assert.False(t, res.Hit, q)
		assert.False(t, res.Cacheable, q)
		assert.Equal(t, cache.StoreSkipped, svc.Store(ctx, q, "I have five years of Go experience.", "Glad to help!"), q)
	}

	st, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Total)
}

func TestStoreSkipsEmpty(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, newTestStore(t))
	assert.Equal(t, cache.StoreSkipped, svc.Store(ctx, "   ", "", "answer"))
	assert.Equal(t, cache.StoreSkipped, svc.Store(ctx, "question", "", "  "))
	assert.False(t, svc.Lookup(ctx, "", "").Cacheable)
}

func TestVariationRotation(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, newTestStore(t))
	q := "Tell me about yourself"

	assert.Equal(t, cache.StoreInserted, svc.Store(ctx, q, "", "a1"))
	assert.Equal(t, cache.StoreAppended, svc.Store(ctx, q, "", "a2"))
	assert.Equal(t, cache.StoreAppended, svc.Store(ctx, q, "", "a3"))
	assert.Equal(t, cache.StoreFull, svc.Store(ctx, q, "", "a4"))

	var served []string
	for range 4 {
		res := svc.Lookup(ctx, q, "")
		require.True(t, res.Hit)
		served = append(served, res.Answer)
	}
	assert.Equal(t, []string{"a1", "a2", "a3", "a1"}, served)
}

func TestConcurrentStoreSameKey(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, newTestStore(t))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[cache.StoreOutcome]int{}
	)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o := svc.Store(ctx, "What are your hobbies?", "", fmt.Sprintf("answer %d", i))
			mu.Lock()
			outcomes[o]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, map[cache.StoreOutcome]int{
		cache.StoreInserted: 1,
		cache.StoreAppended: 2,
		cache.StoreFull:     17,
	}, outcomes)

	st, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Total)
	assert.Equal(t, int64(3), st.TotalVariations)
}

func TestFuzzyMatch(t *testing.T) {
	ctx := context.Background()
	svc, _, m := newTestService(t, newTestStore(t))
	svc.Store(ctx, "What programming languages do you know?", "", "Go, Python and Rust.")

	res := svc.Lookup(ctx, "Which programming languages do you know?", "")
	require.True(t, res.Hit)
	assert.Equal(t, cache.SourceFuzzy, res.Source)
	assert.Equal(t, "Go, Python and Rust.", res.Answer)
	assert.InDelta(t, 1.0, res.Score, 1e-9)
	assert.NotEmpty(t, res.MatchedKey)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues(metrics.LookupFuzzy)))

	res = svc.Lookup(ctx, "Which programming languages do you know?", "I worked at a bank.")
	assert.False(t, res.Hit, "continuations only match exactly")

	res = svc.Lookup(ctx, "Which programming languages do you like?", "")
	assert.False(t, res.Hit, "below threshold")
}

func TestSingleWordQuestions(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, newTestStore(t))

	require.Equal(t, cache.StoreInserted, svc.Store(ctx, "Kubernetes?", "", "I run it in production."))

	res := svc.Lookup(ctx, "kubernetes!", "")
	require.True(t, res.Hit, "one-word questions are cacheable and fuzzy matched")
	assert.Equal(t, cache.SourceFuzzy, res.Source)
	assert.InDelta(t, 1.0, res.Score, 1e-9)

	res = svc.Lookup(ctx, "Docker?", "")
	assert.False(t, res.Hit)
	assert.True(t, res.Cacheable)

	// Terms the corpus has never seen weigh zero, so a longer question
	// that shares its only known word still scores 1.0. There is no
	// minimum token count.
	res = svc.Lookup(ctx, "Kubernetes operators?", "")
	require.True(t, res.Hit)
	assert.Equal(t, cache.SourceFuzzy, res.Source)

	// Stop words carry no terms: only the exact key can match.
	require.Equal(t, cache.StoreInserted, svc.Store(ctx, "Why?", "", "Curiosity."))
	assert.False(t, svc.Lookup(ctx, "What?", "").Hit)
	res = svc.Lookup(ctx, "why?", "")
	require.True(t, res.Hit)
	assert.Equal(t, cache.SourceExact, res.Source)
}

func TestFuzzyIndexLoadsFromStore(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	first, _, _ := newTestService(t, store)
	first.Store(ctx, "What programming languages do you know?", "", "Go, Python and Rust.")

	second, _, _ := newTestService(t, store)
	res := second.Lookup(ctx, "Which programming languages do you know?", "")
	require.True(t, res.Hit)
	assert.Equal(t, cache.SourceFuzzy, res.Source)
}

func TestFuzzyIndexRefreshesOnInterval(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	clock := &fakeClock{t: t0}
	svc := cache.NewService(store, cache.Options{Now: clock.Now, RefreshInterval: time.Minute})
	other := cache.NewService(store, cache.Options{Now: clock.Now})

	assert.False(t, svc.Lookup(ctx, "Which databases have you used?", "").Hit)
	other.Store(ctx, "What databases have you used?", "", "Postgres and Redis.")

	assert.False(t, svc.Lookup(ctx, "Which databases have you used?", "").Hit, "index is not stale yet")

	clock.Advance(time.Minute)
	res := svc.Lookup(ctx, "Which databases have you used?", "")
	require.True(t, res.Hit)
	assert.Equal(t, "Postgres and Redis.", res.Answer)
}

func TestFuzzyVanishedEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, newTestStore(t))
	// Load the index first so the next lookup scores from memory.
	svc.Lookup(ctx, "Where did you study?", "")
	svc.Store(ctx, "What programming languages do you know?", "", "Go.")

	st, err := svc.EntryStore().Clear(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), st)

	res := svc.Lookup(ctx, "Which programming languages do you know?", "")
	assert.False(t, res.Hit)
	assert.True(t, res.Cacheable)
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	svc, clock, m := newTestService(t, newTestStore(t))
	svc.Store(ctx, "Are you open to relocation?", "", "Yes, within Europe.")
	svc.Store(ctx, "Which one?", "I have two offers.", "The startup.")
	svc.Store(ctx, "Why?", "I prefer small teams.", "Faster feedback.")

	clock.Advance(25 * time.Hour)
	st, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.ExpiredEntries)

	n, err := svc.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheCleanupDeleted))

	st, err = svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Total)
	assert.Zero(t, st.ExpiredEntries)

	n, err = svc.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClearAndDelete(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, newTestStore(t))
	svc.Store(ctx, "What programming languages do you know?", "", "Go.")
	svc.Store(ctx, "Where did you study?", "", "TU Munich.")

	page, err := svc.List(ctx, models.ListOptions{})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)

	ok, err := svc.Delete(ctx, page.Entries[0].CacheKey)
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := svc.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.False(t, svc.Lookup(ctx, "Which programming languages do you know?", "").Hit)
}

func TestStatsCountsHitsAndMisses(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, newTestStore(t))
	svc.Store(ctx, "Do you work remotely?", "", "Mostly.")

	svc.Lookup(ctx, "Do you work remotely?", "")
	svc.Lookup(ctx, "Do you work remotely?", "")
	svc.Lookup(ctx, "Do you speak German?", "")

	st, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
}

// brokenStore fails every call the service makes.
type brokenStore struct {
	cache.Store
	deleted int64
}

var errDisk = errors.New("disk I/O error")

func (brokenStore) Hit(context.Context, string, time.Time) (string, error) { return "", errDisk }
func (brokenStore) Insert(context.Context, models.CacheEntry) error        { return errDisk }
func (brokenStore) ScanCandidates(context.Context, models.CacheType, time.Time) ([]models.CacheEntry, error) {
	return nil, errDisk
}
func (b brokenStore) DeleteExpired(context.Context, time.Time) (int64, error) {
	return b.deleted, errDisk
}

// notFoundStore misses on every key so that lookups reach the matcher.
type notFoundStore struct{ brokenStore }

func (notFoundStore) Hit(context.Context, string, time.Time) (string, error) {
	return "", cache.ErrNotFound
}

func TestStorageFailuresFailOpen(t *testing.T) {
	ctx := context.Background()
	svc, _, m := newTestService(t, brokenStore{deleted: 4})

	res := svc.Lookup(ctx, "What is your tech stack?", "")
	assert.False(t, res.Hit)
	assert.True(t, res.Cacheable)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues(metrics.LookupError)))

	assert.Equal(t, cache.StoreFailed, svc.Store(ctx, "What is your tech stack?", "", "Go."))

	n, err := svc.Cleanup(ctx)
	assert.ErrorIs(t, err, errDisk)
	assert.Equal(t, int64(4), n, "partial progress is reported")
}

func TestRefreshFailureIsMiss(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, notFoundStore{})

	res := svc.Lookup(ctx, "What is your tech stack?", "")
	assert.False(t, res.Hit)
	assert.True(t, res.Cacheable)
}
