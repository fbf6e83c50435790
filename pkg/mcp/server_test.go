package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/echomind-ai/echomind/pkg/conversation"
	"github.com/echomind-ai/echomind/pkg/models"
)

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

type fakeAdmin struct {
	stats      models.CacheStats
	page       models.EntryPage
	lastOpts   models.ListOptions
	deleted    int64
	cleanupErr error
	sessions   []models.Session
	lastClient string
	lastLimit  int
	history    map[string]*models.SessionHistory
}

func (f *fakeAdmin) Stats(context.Context) (models.CacheStats, error) { return f.stats, nil }

func (f *fakeAdmin) List(_ context.Context, opts models.ListOptions) (models.EntryPage, error) {
	f.lastOpts = opts
	return f.page, nil
}

func (f *fakeAdmin) Cleanup(context.Context) (int64, error) { return f.deleted, f.cleanupErr }

func (f *fakeAdmin) Sessions(_ context.Context, client string, limit int) ([]models.Session, error) {
	f.lastClient, f.lastLimit = client, limit
	return f.sessions, nil
}

func (f *fakeAdmin) Session(_ context.Context, id string) (*models.SessionHistory, error) {
	if h, ok := f.history[id]; ok {
		return h, nil
	}
	return nil, conversation.ErrSessionNotFound
}

func sendAndReceive(t *testing.T, srv *Server, req Request) Response {
	t.Helper()
	line, err := json.Marshal(req)
	require.NoError(t, err)
	line = append(line, '\n')

	var out bytes.Buffer
	require.NoError(t, srv.Run(context.Background(), bytes.NewReader(line), &out))

	var resp Response
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp), out.String())
	return resp
}

func callTool(t *testing.T, srv *Server, name string, args string) ToolCallResult {
	t.Helper()
	params, err := json.Marshal(ToolCallParams{Name: name, Arguments: json.RawMessage(args)})
	require.NoError(t, err)
	resp := sendAndReceive(t, srv, Request{JSONRPC: "2.0", ID: json.RawMessage(`7`), Method: "tools/call", Params: params})
	require.Nil(t, resp.Error)

	data, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var result ToolCallResult
	require.NoError(t, json.Unmarshal(data, &result))
	require.Len(t, result.Content, 1)
	return result
}

func newTestServer(t *testing.T, a *fakeAdmin) *Server {
	return New(a, zaptest.NewLogger(t), "test")
}

func TestInitialize(t *testing.T) {
	resp := sendAndReceive(t, newTestServer(t, &fakeAdmin{}), Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "initialize"})
	require.Nil(t, resp.Error)

	data, _ := json.Marshal(resp.Result)
	var result InitializeResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, protocolVersion, result.ProtocolVersion)
	assert.Equal(t, ServerInfo{Name: "echomind", Version: "test"}, result.ServerInfo)
	assert.Equal(t, json.RawMessage(`1`), resp.ID)
}

func TestToolsList(t *testing.T) {
	resp := sendAndReceive(t, newTestServer(t, &fakeAdmin{}), Request{JSONRPC: "2.0", ID: json.RawMessage(`2`), Method: "tools/list"})
	require.Nil(t, resp.Error)

	data, _ := json.Marshal(resp.Result)
	var result ToolsListResult
	require.NoError(t, json.Unmarshal(data, &result))

	var names []string
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
		_, ok := toolHandlers[tool.Name]
		assert.True(t, ok, "tool %s has a handler", tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"echomind_cache_stats", "echomind_cache_entries", "echomind_cache_cleanup",
		"echomind_sessions", "echomind_session_detail",
	}, names)
}

func TestNotificationHasNoResponse(t *testing.T) {
	srv := newTestServer(t, &fakeAdmin{})
	var out bytes.Buffer
	in := `{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n"
	require.NoError(t, srv.Run(context.Background(), strings.NewReader(in), &out))
	assert.Empty(t, out.String())
}

func TestParseErrorAndUnknownMethod(t *testing.T) {
	srv := newTestServer(t, &fakeAdmin{})
	var out bytes.Buffer
	in := "{not json\n" + `{"jsonrpc":"2.0","id":3,"method":"resources/list"}` + "\n"
	require.NoError(t, srv.Run(context.Background(), strings.NewReader(in), &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	var parseErr, unknown Response
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &parseErr))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &unknown))
	assert.Equal(t, CodeParseError, parseErr.Error.Code)
	assert.Equal(t, CodeMethodNotFound, unknown.Error.Code)
}

func TestCacheStatsTool(t *testing.T) {
	srv := newTestServer(t, &fakeAdmin{stats: models.CacheStats{
		Total: 4, KnowledgeEntries: 3, ConversationalEntries: 1, TotalVariations: 6,
		AvgVariationsPerQuestion: 1.5, Hits: 3, Misses: 1,
	}})
	result := callTool(t, srv, "echomind_cache_stats", `{}`)
	assert.False(t, result.IsError)
	text := result.Content[0].Text
	assert.Contains(t, text, "Knowledge:      3")
	assert.Contains(t, text, "6 (1.50 per question)")
	assert.Contains(t, text, "Hit Rate:       75.0%")
}

func TestCacheEntriesTool(t *testing.T) {
	a := &fakeAdmin{page: models.EntryPage{
		Entries: []models.EntrySummary{{
			CacheKey:       "0123456789abcdef0123",
			CacheType:      models.CacheConversational,
			ContextPreview: "I built a payments platform.",
			Variations:     2,
			HitCount:       5,
			ExpiresAt:      t0,
		}},
		Total: 1, Page: 1, Limit: 20, TotalPages: 1,
	}}
	result := callTool(t, newTestServer(t, a), "echomind_cache_entries", `{"page":1,"sort_by":"hit_count","order":"asc"}`)
	text := result.Content[0].Text
	assert.Contains(t, text, "0123456789abc...")
	assert.Contains(t, text, "never")
	assert.Contains(t, text, "Page 1 of 1 (1 entries)")
	assert.Equal(t, models.ListOptions{Page: 1, SortBy: "hit_count", Order: "asc"}, a.lastOpts)

	result = callTool(t, newTestServer(t, &fakeAdmin{}), "echomind_cache_entries", ``)
	assert.Equal(t, "No cache entries found.", result.Content[0].Text)
}

func TestCacheCleanupTool(t *testing.T) {
	result := callTool(t, newTestServer(t, &fakeAdmin{deleted: 7}), "echomind_cache_cleanup", `{}`)
	assert.Equal(t, "Deleted 7 expired entries.", result.Content[0].Text)

	result = callTool(t, newTestServer(t, &fakeAdmin{deleted: 2, cleanupErr: errors.New("disk I/O error")}), "echomind_cache_cleanup", `{}`)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "after deleting 2 entries")
}

func TestSessionTools(t *testing.T) {
	a := &fakeAdmin{
		sessions: []models.Session{{ID: "s-1", ClientKey: "10.0.0.1", StartedAt: t0, LastActivity: t0, ExchangeCount: 2, CachedCount: 1}},
		history: map[string]*models.SessionHistory{"s-1": {
			Session: models.Session{ID: "s-1", ExchangeCount: 2, CachedCount: 1},
			Exchanges: []models.Exchange{
				{Seq: 1, UserMessage: "What do you do?", BotResponse: "I write Go.", CreatedAt: t0},
				{Seq: 2, UserMessage: "what do you do", BotResponse: "I write Go.", Cached: true, CacheSource: "exact", CreatedAt: t0},
			},
		}},
	}
	srv := newTestServer(t, a)

	result := callTool(t, srv, "echomind_sessions", `{"client":"10.0.0.1"}`)
	assert.Contains(t, result.Content[0].Text, "s-1")
	assert.Equal(t, "10.0.0.1", a.lastClient)
	assert.Equal(t, 50, a.lastLimit)

	result = callTool(t, srv, "echomind_session_detail", `{"session_id":"s-1"}`)
	assert.Contains(t, result.Content[0].Text, "[cache:exact]")
	assert.Contains(t, result.Content[0].Text, "user: What do you do?")

	result = callTool(t, srv, "echomind_session_detail", `{}`)
	assert.True(t, result.IsError)

	result = callTool(t, srv, "echomind_session_detail", `{"session_id":"nope"}`)
	assert.True(t, result.IsError)
	assert.Equal(t, "Session not found: nope", result.Content[0].Text)
}

func TestUnknownTool(t *testing.T) {
	result := callTool(t, newTestServer(t, &fakeAdmin{}), "echomind_budget", `{}`)
	assert.True(t, result.IsError)
	assert.Equal(t, "unknown tool: echomind_budget", result.Content[0].Text)
}
