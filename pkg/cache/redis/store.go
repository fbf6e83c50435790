// Package redis implements cache.Store on Redis so that several EchoMind
// processes can share one cache.
//
// Each entry is a hash. A sorted set scored by expiry indexes every key
// and a set per cache type supports candidate scans. All per-key
// mutations run as Lua scripts and are therefore atomic. Expiry is
// logical: reads compare against the caller's clock and DeleteExpired
// reclaims rows.
package redis

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/echomind-ai/echomind/pkg/cache"
	"github.com/echomind-ai/echomind/pkg/models"
)

// deleteBatch bounds how many keys one cleanup script inspects.
const deleteBatch = 500

// Store is a cache.Store backed by Redis.
type Store struct {
	client *redis.Client
	prefix string
	owned  bool
}

var _ cache.Store = (*Store)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts *redis.Options, prefix string) (*Store, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	s := NewWithClient(client, prefix)
	s.owned = true
	return s, nil
}

// NewWithClient wraps an existing client. Close leaves the client open.
func NewWithClient(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) entryKey(key string) string { return s.prefix + "entry:" + key }
func (s *Store) expiryKey() string          { return s.prefix + "expiry" }
func (s *Store) typeKey(t models.CacheType) string {
	return s.prefix + "type:" + string(t)
}

func otherType(t models.CacheType) models.CacheType {
	if t == models.CacheKnowledge {
		return models.CacheConversational
	}
	return models.CacheKnowledge
}

// KEYS: entry, expiry index, type set, other type set.
// ARGV: key, question, preview, type, answers, created, expires.
var insertScript = redis.NewScript(`
local exp = redis.call('HGET', KEYS[1], 'expires')
if exp and tonumber(exp) > tonumber(ARGV[6]) then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1],
	'question', ARGV[2], 'preview', ARGV[3], 'type', ARGV[4], 'answers', ARGV[5],
	'cursor', '0', 'hits', '0', 'created', ARGV[6], 'expires', ARGV[7])
redis.call('ZADD', KEYS[2], ARGV[7], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[1])
redis.call('SREM', KEYS[4], ARGV[1])
return 1
`)

// KEYS: entry. ARGV: now.
var hitScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'expires', 'answers', 'cursor')
if not v[1] or tonumber(v[1]) <= tonumber(ARGV[1]) then
	return false
end
local answers = cjson.decode(v[2])
local n = #answers
if n == 0 then
	return false
end
local cursor = tonumber(v[3]) % n
redis.call('HSET', KEYS[1], 'cursor', tostring((cursor + 1) % n), 'last_used', ARGV[1])
redis.call('HINCRBY', KEYS[1], 'hits', 1)
return answers[cursor + 1]
`)

// KEYS: entry. ARGV: answer, max, now.
var appendScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'expires', 'answers')
if not v[1] or tonumber(v[1]) <= tonumber(ARGV[3]) then
	return -1
end
local answers = cjson.decode(v[2])
if #answers >= tonumber(ARGV[2]) then
	return 0
end
table.insert(answers, ARGV[1])
redis.call('HSET', KEYS[1], 'answers', cjson.encode(answers))
return 1
`)

// KEYS: expiry index, knowledge set, conversational set.
// ARGV: now, limit, entry key prefix.
var deleteExpiredScript = redis.NewScript(`
local keys = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', ARGV[2])
local removed = 0
for _, k in ipairs(keys) do
	local h = ARGV[3] .. k
	local exp = redis.call('HGET', h, 'expires')
	if not exp or tonumber(exp) <= tonumber(ARGV[1]) then
		removed = removed + redis.call('DEL', h)
		redis.call('ZREM', KEYS[1], k)
		redis.call('SREM', KEYS[2], k)
		redis.call('SREM', KEYS[3], k)
	end
end
return {removed, #keys}
`)

// KEYS: entry, expiry index, knowledge set, conversational set. ARGV: key.
var deleteScript = redis.NewScript(`
local n = redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('SREM', KEYS[3], ARGV[1])
redis.call('SREM', KEYS[4], ARGV[1])
return n
`)

// KEYS: expiry index, knowledge set, conversational set. ARGV: entry key prefix.
var clearScript = redis.NewScript(`
local keys = redis.call('ZRANGE', KEYS[1], 0, -1)
local removed = 0
for _, k in ipairs(keys) do
	removed = removed + redis.call('DEL', ARGV[1] .. k)
end
redis.call('DEL', KEYS[1], KEYS[2], KEYS[3])
return removed
`)

// Insert stores a new entry. An expired entry under the same key is
// replaced; a live one makes Insert fail with cache.ErrDuplicateKey.
func (s *Store) Insert(ctx context.Context, e models.CacheEntry) error {
	if len(e.Answers) == 0 {
		return errors.New("cache insert: entry has no answers")
	}
	answers, err := json.Marshal(e.Answers)
	if err != nil {
		return fmt.Errorf("cache insert: %w", err)
	}

	n, err := insertScript.Run(ctx, s.client,
		[]string{s.entryKey(e.CacheKey), s.expiryKey(), s.typeKey(e.CacheType), s.typeKey(otherType(e.CacheType))},
		e.CacheKey, e.QuestionText, e.ContextPreview, string(e.CacheType), string(answers),
		e.CreatedAt.UnixMilli(), e.ExpiresAt.UnixMilli(),
	).Int64()
	if err != nil {
		return fmt.Errorf("cache insert: %w", err)
	}
	if n == 0 {
		return cache.ErrDuplicateKey
	}
	return nil
}

// Get returns the live entry for key.
func (s *Store) Get(ctx context.Context, key string, now time.Time) (*models.CacheEntry, error) {
	fields, err := s.client.HGetAll(ctx, s.entryKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	if len(fields) == 0 {
		return nil, cache.ErrNotFound
	}
	e, err := decodeEntry(key, fields)
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	if e.Expired(now) {
		return nil, cache.ErrNotFound
	}
	return e, nil
}

// Hit serves the next variation for key and advances the rotation.
func (s *Store) Hit(ctx context.Context, key string, now time.Time) (string, error) {
	answer, err := hitScript.Run(ctx, s.client, []string{s.entryKey(key)}, now.UnixMilli()).Text()
	if errors.Is(err, redis.Nil) {
		return "", cache.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("cache hit: %w", err)
	}
	return answer, nil
}

// AppendAnswer adds a variation unless the pool already holds max.
func (s *Store) AppendAnswer(ctx context.Context, key, answer string, max int, now time.Time) (bool, error) {
	n, err := appendScript.Run(ctx, s.client, []string{s.entryKey(key)}, answer, max, now.UnixMilli()).Int64()
	if err != nil {
		return false, fmt.Errorf("cache append: %w", err)
	}
	switch n {
	case -1:
		return false, cache.ErrNotFound
	case 0:
		return false, nil
	default:
		return true, nil
	}
}

// ScanCandidates returns all live entries of one type.
func (s *Store) ScanCandidates(ctx context.Context, cacheType models.CacheType, now time.Time) ([]models.CacheEntry, error) {
	keys, err := s.client.SMembers(ctx, s.typeKey(cacheType)).Result()
	if err != nil {
		return nil, fmt.Errorf("cache scan: %w", err)
	}
	entries, err := s.load(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("cache scan: %w", err)
	}

	live := entries[:0]
	for _, e := range entries {
		if e.CacheType == cacheType && !e.Expired(now) {
			live = append(live, e)
		}
	}
	return live, nil
}

// DeleteExpired removes expired entries in batches.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for {
		res, err := deleteExpiredScript.Run(ctx, s.client,
			[]string{s.expiryKey(), s.typeKey(models.CacheKnowledge), s.typeKey(models.CacheConversational)},
			now.UnixMilli(), deleteBatch, s.prefix+"entry:",
		).Int64Slice()
		if err != nil {
			return total, fmt.Errorf("cache delete expired: %w", err)
		}
		if len(res) != 2 {
			return total, fmt.Errorf("cache delete expired: unexpected reply %v", res)
		}
		total += res[0]
		if res[1] < deleteBatch {
			return total, nil
		}
	}
}

// List returns one page of entry summaries, sorted in memory.
func (s *Store) List(ctx context.Context, opts models.ListOptions, _ time.Time) (models.EntryPage, error) {
	opts = opts.Normalize()
	entries, err := s.all(ctx)
	if err != nil {
		return models.EntryPage{}, fmt.Errorf("cache list: %w", err)
	}

	compare := compareFunc(opts.SortBy)
	slices.SortFunc(entries, func(a, b models.CacheEntry) int {
		if opts.SortBy == models.SortLastUsed && a.LastUsedAt.IsZero() != b.LastUsedAt.IsZero() {
			if a.LastUsedAt.IsZero() {
				return 1
			}
			return -1
		}
		c := compare(&a, &b)
		if opts.Order != "asc" {
			c = -c
		}
		if c != 0 {
			return c
		}
		return cmp.Compare(a.CacheKey, b.CacheKey)
	})

	total := int64(len(entries))
	var page []models.EntrySummary
	if off := opts.Offset(); off < len(entries) {
		end := min(off+opts.Limit, len(entries))
		for _, e := range entries[off:end] {
			page = append(page, e.Summary())
		}
	}
	return models.NewEntryPage(page, total, opts), nil
}

// compareFunc orders entries by one sort field. Entries never used sort
// last in either direction.
func compareFunc(field string) func(a, b *models.CacheEntry) int {
	switch field {
	case models.SortHitCount:
		return func(a, b *models.CacheEntry) int { return cmp.Compare(a.HitCount, b.HitCount) }
	case models.SortCreatedAt:
		return func(a, b *models.CacheEntry) int { return a.CreatedAt.Compare(b.CreatedAt) }
	case models.SortExpiresAt:
		return func(a, b *models.CacheEntry) int { return a.ExpiresAt.Compare(b.ExpiresAt) }
	case models.SortCacheType:
		return func(a, b *models.CacheEntry) int { return cmp.Compare(a.CacheType, b.CacheType) }
	default:
		return func(a, b *models.CacheEntry) int { return a.LastUsedAt.Compare(b.LastUsedAt) }
	}
}

// Stats counts entries by type and expiry.
func (s *Store) Stats(ctx context.Context, now time.Time) (models.CacheStats, error) {
	entries, err := s.all(ctx)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	var st models.CacheStats
	for _, e := range entries {
		st.Total++
		switch e.CacheType {
		case models.CacheKnowledge:
			st.KnowledgeEntries++
		case models.CacheConversational:
			st.ConversationalEntries++
		}
		if e.Expired(now) {
			st.ExpiredEntries++
		}
		st.TotalVariations += int64(len(e.Answers))
	}
	if st.Total > 0 {
		st.AvgVariationsPerQuestion = float64(st.TotalVariations) / float64(st.Total)
	}
	return st, nil
}

// Delete removes one entry.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	n, err := deleteScript.Run(ctx, s.client,
		[]string{s.entryKey(key), s.expiryKey(), s.typeKey(models.CacheKnowledge), s.typeKey(models.CacheConversational)},
		key,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("cache delete: %w", err)
	}
	return n > 0, nil
}

// Clear removes every entry.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	n, err := clearScript.Run(ctx, s.client,
		[]string{s.expiryKey(), s.typeKey(models.CacheKnowledge), s.typeKey(models.CacheConversational)},
		s.prefix+"entry:",
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	return n, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client if the store created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func (s *Store) all(ctx context.Context) ([]models.CacheEntry, error) {
	keys, err := s.client.ZRange(ctx, s.expiryKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return s.load(ctx, keys)
}

// load fetches entries in one pipeline. Keys deleted since they were
// listed are skipped.
func (s *Store) load(ctx context.Context, keys []string) ([]models.CacheEntry, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, s.entryKey(k))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	entries := make([]models.CacheEntry, 0, len(keys))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		e, err := decodeEntry(keys[i], fields)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, nil
}

func decodeEntry(key string, f map[string]string) (*models.CacheEntry, error) {
	e := &models.CacheEntry{
		CacheKey:       key,
		QuestionText:   f["question"],
		ContextPreview: f["preview"],
		CacheType:      models.CacheType(f["type"]),
	}
	if err := json.Unmarshal([]byte(f["answers"]), &e.Answers); err != nil {
		return nil, fmt.Errorf("decode answers for %s: %w", key, err)
	}

	var err error
	if e.RotationCursor, err = strconv.Atoi(f["cursor"]); err != nil {
		return nil, fmt.Errorf("decode cursor for %s: %w", key, err)
	}
	if e.HitCount, err = strconv.ParseInt(f["hits"], 10, 64); err != nil {
		return nil, fmt.Errorf("decode hits for %s: %w", key, err)
	}
	if e.CreatedAt, err = parseMillis(f["created"]); err != nil {
		return nil, fmt.Errorf("decode created for %s: %w", key, err)
	}
	if e.ExpiresAt, err = parseMillis(f["expires"]); err != nil {
		return nil, fmt.Errorf("decode expires for %s: %w", key, err)
	}
	if v, ok := f["last_used"]; ok {
		if e.LastUsedAt, err = parseMillis(v); err != nil {
			return nil, fmt.Errorf("decode last_used for %s: %w", key, err)
		}
	}
	return e, nil
}

func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
