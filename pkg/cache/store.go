// Package cache implements the context-aware response cache: key
// derivation, the storage contract, and the lookup/store orchestration
// that sits between the chat layer and the LLM.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/echomind-ai/echomind/pkg/models"
)

var (
	// ErrNotFound is returned when a key is absent or its entry has expired.
	ErrNotFound = errors.New("cache entry not found")

	// ErrDuplicateKey is returned by Insert when the key already exists.
	ErrDuplicateKey = errors.New("cache key already exists")
)

// Store persists cache entries. Implementations must make every method
// safe for concurrent use and apply each mutation atomically per key.
// Reads treat entries with ExpiresAt <= now as absent even if the row
// still exists.
type Store interface {
	// Insert creates a new entry. It returns ErrDuplicateKey if the key exists.
	Insert(ctx context.Context, entry models.CacheEntry) error
	// Get returns the live entry for key, or ErrNotFound.
	Get(ctx context.Context, key string, now time.Time) (*models.CacheEntry, error)
	// Hit serves the variation under the rotation cursor, advances the
	// cursor and increments the hit count in one atomic step.
	Hit(ctx context.Context, key string, now time.Time) (string, error)
	// AppendAnswer adds a variation if the entry holds fewer than max.
	// It reports whether the answer was appended.
	AppendAnswer(ctx context.Context, key, answer string, max int, now time.Time) (bool, error)
	// ScanCandidates returns all live entries of the given type.
	ScanCandidates(ctx context.Context, cacheType models.CacheType, now time.Time) ([]models.CacheEntry, error)
	// DeleteExpired removes entries expired at now. On failure it returns
	// the number removed before the error.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	// List returns one page of entry summaries.
	List(ctx context.Context, opts models.ListOptions, now time.Time) (models.EntryPage, error)
	// Stats counts entries by type and expiry.
	Stats(ctx context.Context, now time.Time) (models.CacheStats, error)
	// Delete removes one entry. It reports whether the key existed.
	Delete(ctx context.Context, key string) (bool, error)
	// Clear removes every entry and returns the count removed.
	Clear(ctx context.Context) (int64, error)
	// Close releases resources.
	Close() error
}
