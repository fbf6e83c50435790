package models

import (
	"math"
	"time"
)

// CacheType classifies an entry for TTL purposes.
type CacheType string

const (
	// CacheKnowledge marks a standalone question asked without prior context.
	CacheKnowledge CacheType = "knowledge"
	// CacheConversational marks a continuation of an earlier assistant turn.
	CacheConversational CacheType = "conversational"
)

// Valid reports whether t is a known cache type.
func (t CacheType) Valid() bool {
	return t == CacheKnowledge || t == CacheConversational
}

// CacheEntry is a cached answer pool for one question in one context.
type CacheEntry struct {
	CacheKey       string    `json:"cache_key"`
	QuestionText   string    `json:"question_text"`
	ContextPreview string    `json:"context_preview,omitempty"`
	CacheType      CacheType `json:"cache_type"`
	Answers        []string  `json:"answers"`
	RotationCursor int       `json:"rotation_cursor"`
	HitCount       int64     `json:"hit_count"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastUsedAt     time.Time `json:"last_used_at,omitzero"`
}

// Expired reports whether the entry is past its expiry at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Summary drops the answer text for listings.
func (e *CacheEntry) Summary() EntrySummary {
	return EntrySummary{
		CacheKey:       e.CacheKey,
		CacheType:      e.CacheType,
		ContextPreview: e.ContextPreview,
		Variations:     len(e.Answers),
		HitCount:       e.HitCount,
		CreatedAt:      e.CreatedAt,
		ExpiresAt:      e.ExpiresAt,
		LastUsedAt:     e.LastUsedAt,
	}
}

// EntrySummary is a listing row. It never carries answer text.
type EntrySummary struct {
	CacheKey       string    `json:"cache_key"`
	CacheType      CacheType `json:"cache_type"`
	ContextPreview string    `json:"context_preview"`
	Variations     int       `json:"variations"`
	HitCount       int64     `json:"hit_count"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastUsedAt     time.Time `json:"last_used_at,omitzero"`
}

// CacheStats reports cache contents and in-process hit counters.
type CacheStats struct {
	Total                    int64   `json:"total"`
	KnowledgeEntries         int64   `json:"knowledge_entries"`
	ConversationalEntries    int64   `json:"conversational_entries"`
	ExpiredEntries           int64   `json:"expired_entries"`
	TotalVariations          int64   `json:"total_variations"`
	AvgVariationsPerQuestion float64 `json:"avg_variations_per_question"`
	Hits                     int64   `json:"hits"`
	Misses                   int64   `json:"misses"`
}

// Sort fields accepted by ListOptions.SortBy.
const (
	SortHitCount  = "hit_count"
	SortCreatedAt = "created_at"
	SortExpiresAt = "expires_at"
	SortLastUsed  = "last_used"
	SortCacheType = "cache_type"
)

// ListOptions selects one page of entries.
type ListOptions struct {
	Page   int    `json:"page"`
	Limit  int    `json:"limit"`
	SortBy string `json:"sort_by"`
	Order  string `json:"order"`
}

// Normalize fills defaults and clamps out-of-range values.
func (o ListOptions) Normalize() ListOptions {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.Limit < 1 {
		o.Limit = 20
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
	if maxPage := math.MaxInt / o.Limit; o.Page > maxPage {
		o.Page = maxPage
	}
	switch o.SortBy {
	case SortHitCount, SortCreatedAt, SortExpiresAt, SortLastUsed, SortCacheType:
	default:
		o.SortBy = SortLastUsed
	}
	if o.Order != "asc" {
		o.Order = "desc"
	}
	return o
}

// Offset returns the number of rows to skip. It saturates at
// math.MaxInt instead of overflowing, which selects an empty page.
func (o ListOptions) Offset() int {
	if o.Page < 2 || o.Limit < 1 {
		return 0
	}
	if o.Page-1 > math.MaxInt/o.Limit {
		return math.MaxInt
	}
	return (o.Page - 1) * o.Limit
}

// EntryPage is one page of a listing.
type EntryPage struct {
	Entries    []EntrySummary `json:"entries"`
	Total      int64          `json:"total"`
	Page       int            `json:"page"`
	Limit      int            `json:"limit"`
	TotalPages int64          `json:"total_pages"`
}

// NewEntryPage computes pagination fields for a page of entries.
func NewEntryPage(entries []EntrySummary, total int64, opts ListOptions) EntryPage {
	if entries == nil {
		entries = []EntrySummary{}
	}
	var pages int64
	if total > 0 {
		pages = (total + int64(opts.Limit) - 1) / int64(opts.Limit)
	}
	return EntryPage{
		Entries:    entries,
		Total:      total,
		Page:       opts.Page,
		Limit:      opts.Limit,
		TotalPages: pages,
	}
}
