// Package cachetest holds behaviour tests shared by every cache.Store
// implementation.
package cachetest

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echomind-ai/echomind/pkg/cache"
	"github.com/echomind-ai/echomind/pkg/models"
)

// T0 is the reference time used by the suite.
var T0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// Entry builds a knowledge entry created at T0 that lives for ttl.
func Entry(key string, ttl time.Duration, answers ...string) models.CacheEntry {
	return models.CacheEntry{
		CacheKey:     key,
		QuestionText: "question " + key,
		CacheType:    models.CacheKnowledge,
		Answers:      answers,
		CreatedAt:    T0,
		ExpiresAt:    T0.Add(ttl),
	}
}

// Run exercises the cache.Store contract against stores built by newStore.
// Each subtest gets a fresh, empty store.
func Run(t *testing.T, newStore func(t *testing.T) cache.Store) {
	ctx := context.Background()

	t.Run("InsertAndGet", func(t *testing.T) {
		s := newStore(t)
		e := Entry("k1", time.Hour, "a1")
		e.ContextPreview = "I build distributed systems"
		e.CacheType = models.CacheConversational
		require.NoError(t, s.Insert(ctx, e))

		got, err := s.Get(ctx, "k1", T0)
		require.NoError(t, err)
		assert.Equal(t, "question k1", got.QuestionText)
		assert.Equal(t, "I build distributed systems", got.ContextPreview)
		assert.Equal(t, models.CacheConversational, got.CacheType)
		assert.Equal(t, []string{"a1"}, got.Answers)
		assert.True(t, got.CreatedAt.Equal(T0))
		assert.True(t, got.ExpiresAt.Equal(T0.Add(time.Hour)))
		assert.True(t, got.LastUsedAt.IsZero())

		_, err = s.Get(ctx, "missing", T0)
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("InsertDuplicate", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, Entry("k1", time.Hour, "a1")))
		err := s.Insert(ctx, Entry("k1", time.Hour, "other"))
		assert.ErrorIs(t, err, cache.ErrDuplicateKey)

		got, err := s.Get(ctx, "k1", T0)
		require.NoError(t, err)
		assert.Equal(t, []string{"a1"}, got.Answers, "a live entry is never overwritten")
	})

	t.Run("InsertReplacesExpired", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, Entry("k1", time.Minute, "old")))

		fresh := Entry("k1", time.Hour, "new")
		fresh.CreatedAt = T0.Add(2 * time.Minute)
		fresh.ExpiresAt = fresh.CreatedAt.Add(time.Hour)
		require.NoError(t, s.Insert(ctx, fresh))

		answer, err := s.Hit(ctx, "k1", fresh.CreatedAt)
		require.NoError(t, err)
		assert.Equal(t, "new", answer)
	})

	t.Run("ExpiryIsInclusive", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, Entry("k1", time.Hour, "a1")))

		_, err := s.Hit(ctx, "k1", T0.Add(time.Hour-time.Millisecond))
		require.NoError(t, err)

		_, err = s.Hit(ctx, "k1", T0.Add(time.Hour))
		assert.ErrorIs(t, err, cache.ErrNotFound)
		_, err = s.Get(ctx, "k1", T0.Add(time.Hour))
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("Rotation", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, Entry("k1", time.Hour, "a1")))
		for _, a := range []string{"a2", "a3"} {
			ok, err := s.AppendAnswer(ctx, "k1", a, 3, T0)
			require.NoError(t, err)
			require.True(t, ok)
		}
		ok, err := s.AppendAnswer(ctx, "k1", "a4", 3, T0)
		require.NoError(t, err)
		assert.False(t, ok, "pool is full")

		var served []string
		for i := range 4 {
			answer, err := s.Hit(ctx, "k1", T0.Add(time.Duration(i+1)*time.Second))
			require.NoError(t, err)
			served = append(served, answer)
		}
		assert.Equal(t, []string{"a1", "a2", "a3", "a1"}, served)

		got, err := s.Get(ctx, "k1", T0)
		require.NoError(t, err)
		assert.Equal(t, int64(4), got.HitCount)
		assert.Len(t, got.Answers, 3)
		assert.True(t, got.LastUsedAt.Equal(T0.Add(4*time.Second)))
	})

	t.Run("AppendMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.AppendAnswer(ctx, "missing", "a", 3, T0)
		assert.ErrorIs(t, err, cache.ErrNotFound)

		require.NoError(t, s.Insert(ctx, Entry("k1", time.Minute, "a1")))
		_, err = s.AppendAnswer(ctx, "k1", "a2", 3, T0.Add(time.Minute))
		assert.ErrorIs(t, err, cache.ErrNotFound, "expired entries take no appends")
	})

	t.Run("ScanCandidates", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, Entry("live", time.Hour, "a")))
		require.NoError(t, s.Insert(ctx, Entry("stale", time.Minute, "a")))
		conv := Entry("conv", time.Hour, "a")
		conv.CacheType = models.CacheConversational
		require.NoError(t, s.Insert(ctx, conv))

		entries, err := s.ScanCandidates(ctx, models.CacheKnowledge, T0.Add(2*time.Minute))
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "live", entries[0].CacheKey)
		assert.Equal(t, "question live", entries[0].QuestionText)
	})

	t.Run("DeleteExpired", func(t *testing.T) {
		s := newStore(t)
		for i := range 5 {
			require.NoError(t, s.Insert(ctx, Entry(fmt.Sprintf("old%d", i), time.Minute, "a")))
		}
		require.NoError(t, s.Insert(ctx, Entry("live", time.Hour, "a")))

		now := T0.Add(time.Minute)
		st, err := s.Stats(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, int64(6), st.Total)
		assert.Equal(t, int64(5), st.ExpiredEntries)

		n, err := s.DeleteExpired(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, int64(5), n)

		st, err = s.Stats(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), st.Total)
		assert.Zero(t, st.ExpiredEntries)

		n, err = s.DeleteExpired(ctx, now)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("Stats", func(t *testing.T) {
		s := newStore(t)
		st, err := s.Stats(ctx, T0)
		require.NoError(t, err)
		assert.Zero(t, st.Total)
		assert.Zero(t, st.AvgVariationsPerQuestion)

		require.NoError(t, s.Insert(ctx, Entry("k1", time.Hour, "a1")))
		_, err = s.AppendAnswer(ctx, "k1", "a2", 3, T0)
		require.NoError(t, err)
		conv := Entry("k2", time.Hour, "b1")
		conv.CacheType = models.CacheConversational
		require.NoError(t, s.Insert(ctx, conv))

		st, err = s.Stats(ctx, T0)
		require.NoError(t, err)
		assert.Equal(t, int64(2), st.Total)
		assert.Equal(t, int64(1), st.KnowledgeEntries)
		assert.Equal(t, int64(1), st.ConversationalEntries)
		assert.Equal(t, int64(3), st.TotalVariations)
		assert.InDelta(t, 1.5, st.AvgVariationsPerQuestion, 1e-9)
	})

	t.Run("List", func(t *testing.T) {
		s := newStore(t)
		for i := range 5 {
			key := fmt.Sprintf("k%d", i)
			require.NoError(t, s.Insert(ctx, Entry(key, time.Hour, "a")))
			for range i {
				_, err := s.Hit(ctx, key, T0)
				require.NoError(t, err)
			}
		}

		page, err := s.List(ctx, models.ListOptions{Page: 1, Limit: 2, SortBy: models.SortHitCount}, T0)
		require.NoError(t, err)
		assert.Equal(t, int64(5), page.Total)
		assert.Equal(t, int64(3), page.TotalPages)
		require.Len(t, page.Entries, 2)
		assert.Equal(t, "k4", page.Entries[0].CacheKey)
		assert.Equal(t, "k3", page.Entries[1].CacheKey)
		assert.Equal(t, 1, page.Entries[0].Variations)

		page, err = s.List(ctx, models.ListOptions{Page: 3, Limit: 2, SortBy: models.SortHitCount, Order: "desc"}, T0)
		require.NoError(t, err)
		require.Len(t, page.Entries, 1)
		assert.Equal(t, "k0", page.Entries[0].CacheKey)

		page, err = s.List(ctx, models.ListOptions{Page: 9, Limit: 2}, T0)
		require.NoError(t, err)
		assert.Empty(t, page.Entries)
		assert.NotNil(t, page.Entries)
	})

	t.Run("ListPagePastOverflow", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, Entry("k1", time.Hour, "a")))

		for _, opts := range []models.ListOptions{
			{Page: math.MaxInt/20 + 2, Limit: 20},
			models.ListOptions{Page: math.MaxInt, Limit: 100}.Normalize(),
		} {
			page, err := s.List(ctx, opts, T0)
			require.NoError(t, err)
			assert.Empty(t, page.Entries, "page %d", opts.Page)
			assert.Equal(t, int64(1), page.Total)
		}
	})

	t.Run("DeleteAndClear", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, Entry("k1", time.Hour, "a")))
		require.NoError(t, s.Insert(ctx, Entry("k2", time.Hour, "a")))
		require.NoError(t, s.Insert(ctx, Entry("k3", time.Hour, "a")))

		ok, err := s.Delete(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.Delete(ctx, "k1")
		require.NoError(t, err)
		assert.False(t, ok)

		n, err := s.Clear(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		entries, err := s.ScanCandidates(ctx, models.CacheKnowledge, T0)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("ConcurrentAppend", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, Entry("k1", time.Hour, "a0")))

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			appended int
		)
		for i := range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.AppendAnswer(ctx, "k1", fmt.Sprintf("a%d", i+1), 3, T0)
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					appended++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 2, appended)
		got, err := s.Get(ctx, "k1", T0)
		require.NoError(t, err)
		assert.Len(t, got.Answers, 3)
	})

	t.Run("ConcurrentHit", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, Entry("k1", time.Hour, "a1")))
		for _, a := range []string{"a2", "a3"} {
			_, err := s.AppendAnswer(ctx, "k1", a, 3, T0)
			require.NoError(t, err)
		}

		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			counts = map[string]int{}
		)
		for range 30 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				answer, err := s.Hit(ctx, "k1", T0)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				counts[answer]++
				mu.Unlock()
			}()
		}
		wg.Wait()

		assert.Equal(t, map[string]int{"a1": 10, "a2": 10, "a3": 10}, counts)
		got, err := s.Get(ctx, "k1", T0)
		require.NoError(t, err)
		assert.Equal(t, int64(30), got.HitCount)
	})
}
