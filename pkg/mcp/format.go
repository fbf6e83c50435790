package mcp

import (
	"fmt"
	"strings"

	"github.com/echomind-ai/echomind/pkg/models"
)

const timeLayout = "2006-01-02 15:04:05"

// FormatCacheStats formats cache stats as text.
func FormatCacheStats(stats models.CacheStats) string {
	lookups := stats.Hits + stats.Misses
	hitRate := float64(0)
	if lookups > 0 {
		hitRate = float64(stats.Hits) / float64(lookups) * 100
	}
	return fmt.Sprintf("Cache Statistics\n"+
		"  Entries:        %d\n"+
		"  Knowledge:      %d\n"+
		"  Conversational: %d\n"+
		"  Expired:        %d\n"+
		"  Variations:     %d (%.2f per question)\n"+
		"  Hits:           %d\n"+
		"  Misses:         %d\n"+
		"  Hit Rate:       %.1f%%\n",
		stats.Total, stats.KnowledgeEntries, stats.ConversationalEntries, stats.ExpiredEntries,
		stats.TotalVariations, stats.AvgVariationsPerQuestion,
		stats.Hits, stats.Misses, hitRate)
}

// FormatEntries formats a page of entry summaries as a text table.
func FormatEntries(page models.EntryPage) string {
	if len(page.Entries) == 0 {
		return "No cache entries found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-16s %-14s %5s %6s %-19s %-19s  %s\n",
		"Key", "Type", "Vars", "Hits", "Expires", "Last Used", "Context")
	b.WriteString(strings.Repeat("-", 110) + "\n")
	for _, e := range page.Entries {
		lastUsed := "never"
		if !e.LastUsedAt.IsZero() {
			lastUsed = e.LastUsedAt.Format(timeLayout)
		}
		fmt.Fprintf(&b, "%-16s %-14s %5d %6d %-19s %-19s  %s\n",
			shorten(e.CacheKey, 16), e.CacheType, e.Variations, e.HitCount,
			e.ExpiresAt.Format(timeLayout), lastUsed, shorten(e.ContextPreview, 40))
	}
	fmt.Fprintf(&b, "\nPage %d of %d (%d entries)\n", page.Page, page.TotalPages, page.Total)
	return b.String()
}

// FormatSessions formats sessions as a text table.
func FormatSessions(sessions []models.Session) string {
	if len(sessions) == 0 {
		return "No sessions found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-38s %-20s %-20s %-20s %9s %7s\n",
		"Session ID", "Client", "Started", "Last Activity", "Exchanges", "Cached")
	b.WriteString(strings.Repeat("-", 119) + "\n")
	for _, s := range sessions {
		fmt.Fprintf(&b, "%-38s %-20s %-20s %-20s %9d %7d\n",
			s.ID, shorten(s.ClientKey, 20),
			s.StartedAt.Format(timeLayout),
			s.LastActivity.Format(timeLayout),
			s.ExchangeCount, s.CachedCount)
	}
	return b.String()
}

// FormatSessionHistory formats a session and its exchanges.
func FormatSessionHistory(h *models.SessionHistory) string {
	if h == nil || len(h.Exchanges) == 0 {
		return "No exchanges found for this session."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s (%d exchanges, %d cached)\n\n", h.Session.ID, h.Session.ExchangeCount, h.Session.CachedCount)
	for _, ex := range h.Exchanges {
		source := "llm"
		if ex.Cached {
			source = "cache:" + ex.CacheSource
		}
		fmt.Fprintf(&b, "#%d  %s  [%s]\n", ex.Seq, ex.CreatedAt.Format(timeLayout), source)
		fmt.Fprintf(&b, "  user: %s\n", ex.UserMessage)
		fmt.Fprintf(&b, "  bot:  %s\n", ex.BotResponse)
	}
	return b.String()
}

// shorten trims s to n runes, marking the cut with "...".
func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
