package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/echomind-ai/echomind/pkg/conversation"
	"github.com/echomind-ai/echomind/pkg/models"
)

type entriesArgs struct {
	Page   int    `json:"page"`
	Limit  int    `json:"limit"`
	SortBy string `json:"sort_by"`
	Order  string `json:"order"`
}

type sessionsArgs struct {
	Client string `json:"client"`
	Limit  int    `json:"limit"`
}

type sessionDetailArgs struct {
	SessionID string `json:"session_id"`
}

// toolHandler is a function that handles a tool call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

var toolHandlers = map[string]toolHandler{
	"echomind_cache_stats":    handleCacheStats,
	"echomind_cache_entries":  handleCacheEntries,
	"echomind_cache_cleanup":  handleCacheCleanup,
	"echomind_sessions":       handleSessions,
	"echomind_session_detail": handleSessionDetail,
}

var allTools = []ToolDefinition{
	{
		Name:        "echomind_cache_stats",
		Description: "Show response cache statistics: entries by type, expired entries, variations, hits and misses.",
		InputSchema: InputSchema{Type: "object", Properties: map[string]Property{}},
	},
	{
		Name:        "echomind_cache_entries",
		Description: "List cached questions page by page. Answers are never included.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"page":  {Type: "integer", Description: "Page number, starting at 1 (optional)"},
				"limit": {Type: "integer", Description: "Entries per page, at most 100 (optional, default 20)"},
				"sort_by": {
					Type:        "string",
					Description: "Sort field (optional, default last_used)",
					Enum:        []string{models.SortHitCount, models.SortCreatedAt, models.SortExpiresAt, models.SortLastUsed, models.SortCacheType},
				},
				"order": {Type: "string", Description: "Sort order (optional, default desc)", Enum: []string{"asc", "desc"}},
			},
		},
	},
	{
		Name:        "echomind_cache_cleanup",
		Description: "Delete expired cache entries and report how many were removed.",
		InputSchema: InputSchema{Type: "object", Properties: map[string]Property{}},
	},
	{
		Name:        "echomind_sessions",
		Description: "List recent conversation sessions, optionally for one client.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"client": {Type: "string", Description: "Filter by client key (optional)"},
				"limit":  {Type: "integer", Description: "Maximum sessions to return (optional, default 50)"},
			},
		},
	},
	{
		Name:        "echomind_session_detail",
		Description: "Show every exchange of one conversation session.",
		InputSchema: InputSchema{
			Type:     "object",
			Required: []string{"session_id"},
			Properties: map[string]Property{
				"session_id": {Type: "string", Description: "The session ID to inspect"},
			},
		},
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}

// decodeArgs fills v from the tool arguments. Missing arguments are fine.
func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func handleCacheStats(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	stats, err := s.admin.Stats(ctx)
	if err != nil {
		return errorResult("Error fetching cache stats: " + err.Error())
	}
	return textResult(FormatCacheStats(stats))
}

func handleCacheEntries(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args entriesArgs
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	page, err := s.admin.List(ctx, models.ListOptions{
		Page:   args.Page,
		Limit:  args.Limit,
		SortBy: args.SortBy,
		Order:  args.Order,
	})
	if err != nil {
		return errorResult("Error listing cache entries: " + err.Error())
	}
	return textResult(FormatEntries(page))
}

func handleCacheCleanup(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	n, err := s.admin.Cleanup(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("Cleanup stopped after deleting %d entries: %v", n, err))
	}
	return textResult(fmt.Sprintf("Deleted %d expired entries.", n))
}

func handleSessions(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args sessionsArgs
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	if args.Limit <= 0 {
		args.Limit = 50
	}
	sessions, err := s.admin.Sessions(ctx, args.Client, args.Limit)
	if err != nil {
		return errorResult("Error fetching sessions: " + err.Error())
	}
	return textResult(FormatSessions(sessions))
}

func handleSessionDetail(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args sessionDetailArgs
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	if args.SessionID == "" {
		return errorResult("session_id is required")
	}
	hist, err := s.admin.Session(ctx, args.SessionID)
	if errors.Is(err, conversation.ErrSessionNotFound) {
		return errorResult("Session not found: " + args.SessionID)
	}
	if err != nil {
		return errorResult("Error fetching session detail: " + err.Error())
	}
	return textResult(FormatSessionHistory(hist))
}
