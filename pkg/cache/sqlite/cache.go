package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/echomind-ai/echomind/pkg/cache"
	"github.com/echomind-ai/echomind/pkg/models"
)

// Store is a cache.Store backed by SQLite. Every mutation is a single
// statement, so concurrent writers for one key never observe a partial
// entry and cleanup cannot interleave with a hit.
type Store struct {
	db *sql.DB
}

var _ cache.Store = (*Store)(nil)

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	cache_key TEXT PRIMARY KEY,
	question_text TEXT NOT NULL,
	context_preview TEXT NOT NULL DEFAULT '',
	cache_type TEXT NOT NULL,
	answers TEXT NOT NULL CHECK (json_array_length(answers) > 0),
	rotation_cursor INTEGER NOT NULL DEFAULT 0,
	hit_count INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL CHECK (expires_at > created_at),
	last_used_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);
CREATE INDEX IF NOT EXISTS idx_cache_type_expires ON cache_entries(cache_type, expires_at);
`

// deleteBatch bounds how many rows one cleanup statement removes.
const deleteBatch = 500

const entryColumns = `cache_key, question_text, context_preview, cache_type, answers,
	rotation_cursor, hit_count, created_at, expires_at, last_used_at`

// New opens the SQLite database at dbPath and creates the schema.
func New(dbPath string) (*Store, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	s, err := NewWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an open database and creates the schema.
func NewWithDB(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(createCacheTable); err != nil {
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}
	return &Store{db: db}, nil
}

// Insert stores a new entry. An expired row holding the same key is
// replaced; a live one makes Insert fail with cache.ErrDuplicateKey.
func (s *Store) Insert(ctx context.Context, e models.CacheEntry) error {
	if len(e.Answers) == 0 {
		return errors.New("cache insert: entry has no answers")
	}
	answers, err := json.Marshal(e.Answers)
	if err != nil {
		return fmt.Errorf("cache insert: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries
		(cache_key, question_text, context_preview, cache_type, answers, rotation_cursor, hit_count, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			question_text = excluded.question_text,
			context_preview = excluded.context_preview,
			cache_type = excluded.cache_type,
			answers = excluded.answers,
			rotation_cursor = 0,
			hit_count = 0,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			last_used_at = NULL
		WHERE cache_entries.expires_at <= excluded.created_at`,
		e.CacheKey, e.QuestionText, e.ContextPreview, string(e.CacheType), string(answers),
		e.CreatedAt.UnixMilli(), e.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("cache insert: %w", err)
	}
	n, err := res.RowsAffected()
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
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM cache_entries WHERE cache_key = ? AND expires_at > ?`,
		key, now.UnixMilli(),
	)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	return e, nil
}

// Hit serves the next variation for key and advances the rotation.
func (s *Store) Hit(ctx context.Context, key string, now time.Time) (string, error) {
	var (
		raw    string
		cursor int
	)
	err := s.db.QueryRowContext(ctx,
		`UPDATE cache_entries
		SET rotation_cursor = (rotation_cursor + 1) % json_array_length(answers),
			hit_count = hit_count + 1,
			last_used_at = ?
		WHERE cache_key = ? AND expires_at > ?
		RETURNING answers, rotation_cursor`,
		now.UnixMilli(), key, now.UnixMilli(),
	).Scan(&raw, &cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", cache.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("cache hit: %w", err)
	}

	var answers []string
	if err := json.Unmarshal([]byte(raw), &answers); err != nil {
		return "", fmt.Errorf("cache hit: decode answers: %w", err)
	}
	if len(answers) == 0 {
		return "", cache.ErrNotFound
	}
	// RETURNING yields the advanced cursor; the served slot is the one before it.
	served := (cursor + len(answers) - 1) % len(answers)
	return answers[served], nil
}

// AppendAnswer adds a variation unless the pool already holds max.
func (s *Store) AppendAnswer(ctx context.Context, key, answer string, max int, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cache_entries SET answers = json_insert(answers, '$[#]', ?)
		WHERE cache_key = ? AND expires_at > ? AND json_array_length(answers) < ?`,
		answer, key, now.UnixMilli(), max,
	)
	if err != nil {
		return false, fmt.Errorf("cache append: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cache append: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM cache_entries WHERE cache_key = ? AND expires_at > ?`,
		key, now.UnixMilli(),
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, cache.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("cache append: %w", err)
	}
	return false, nil
}

// ScanCandidates returns all live entries of one type.
func (s *Store) ScanCandidates(ctx context.Context, cacheType models.CacheType, now time.Time) ([]models.CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM cache_entries WHERE cache_type = ? AND expires_at > ?`,
		string(cacheType), now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("cache scan: %w", err)
	}
	defer rows.Close()

	var entries []models.CacheEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("cache scan: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// DeleteExpired removes expired entries in batches so that writers are
// never blocked for long.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE cache_key IN (
				SELECT cache_key FROM cache_entries WHERE expires_at <= ? LIMIT ?
			) AND expires_at <= ?`,
			now.UnixMilli(), deleteBatch, now.UnixMilli(),
		)
		if err != nil {
			return total, fmt.Errorf("cache delete expired: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("cache delete expired: %w", err)
		}
		total += n
		if n < deleteBatch {
			return total, nil
		}
	}
}

var sortColumns = map[string]string{
	models.SortHitCount:  "hit_count",
	models.SortCreatedAt: "created_at",
	models.SortExpiresAt: "expires_at",
	models.SortLastUsed:  "last_used_at",
	models.SortCacheType: "cache_type",
}

// List returns one page of entry summaries.
func (s *Store) List(ctx context.Context, opts models.ListOptions, _ time.Time) (models.EntryPage, error) {
	opts = opts.Normalize()

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&total); err != nil {
		return models.EntryPage{}, fmt.Errorf("cache list: %w", err)
	}

	order := "DESC"
	if opts.Order == "asc" {
		order = "ASC"
	}
	query := fmt.Sprintf(`SELECT %s FROM cache_entries ORDER BY %s %s NULLS LAST, cache_key LIMIT ? OFFSET ?`,
		entryColumns, sortColumns[opts.SortBy], order)

	rows, err := s.db.QueryContext(ctx, query, opts.Limit, opts.Offset())
	if err != nil {
		return models.EntryPage{}, fmt.Errorf("cache list: %w", err)
	}
	defer rows.Close()

	var summaries []models.EntrySummary
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return models.EntryPage{}, fmt.Errorf("cache list: %w", err)
		}
		summaries = append(summaries, e.Summary())
	}
	if err := rows.Err(); err != nil {
		return models.EntryPage{}, fmt.Errorf("cache list: %w", err)
	}
	return models.NewEntryPage(summaries, total, opts), nil
}

// Stats counts entries by type and expiry.
func (s *Store) Stats(ctx context.Context, now time.Time) (models.CacheStats, error) {
	var st models.CacheStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(cache_type = ?), 0),
			COALESCE(SUM(cache_type = ?), 0),
			COALESCE(SUM(expires_at <= ?), 0),
			COALESCE(SUM(json_array_length(answers)), 0)
		FROM cache_entries`,
		string(models.CacheKnowledge), string(models.CacheConversational), now.UnixMilli(),
	).Scan(&st.Total, &st.KnowledgeEntries, &st.ConversationalEntries, &st.ExpiredEntries, &st.TotalVariations)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	if st.Total > 0 {
		st.AvgVariationsPerQuestion = float64(st.TotalVariations) / float64(st.Total)
	}
	return st, nil
}

// Delete removes one entry.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("cache delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cache delete: %w", err)
	}
	return n > 0, nil
}

// Clear removes every entry.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	return n, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*models.CacheEntry, error) {
	var (
		e         models.CacheEntry
		cacheType string
		answers   string
		created   int64
		expires   int64
		lastUsed  sql.NullInt64
	)
	err := sc.Scan(&e.CacheKey, &e.QuestionText, &e.ContextPreview, &cacheType, &answers,
		&e.RotationCursor, &e.HitCount, &created, &expires, &lastUsed)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(answers), &e.Answers); err != nil {
		return nil, fmt.Errorf("decode answers: %w", err)
	}
	e.CacheType = models.CacheType(cacheType)
	e.CreatedAt = time.UnixMilli(created).UTC()
	e.ExpiresAt = time.UnixMilli(expires).UTC()
	if lastUsed.Valid {
		e.LastUsedAt = time.UnixMilli(lastUsed.Int64).UTC()
	}
	return &e, nil
}
