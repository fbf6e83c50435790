// Package conversation records chat exchanges grouped into sessions.
package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/echomind-ai/echomind/pkg/models"
)

// ErrSessionNotFound is returned by History for an unknown session.
var ErrSessionNotFound = errors.New("session not found")

// Log records and queries conversations.
type Log interface {
	// ResolveSession returns a session ID for the client, using the explicit
	// session ID if provided, otherwise auto-detecting by time gap.
	ResolveSession(ctx context.Context, clientKey, userIP, explicitID string, gapTimeout time.Duration, now time.Time) (string, error)
	// Record appends an exchange to its session and updates the counters.
	Record(ctx context.Context, ex models.Exchange) error
	// ListSessions returns recent sessions, optionally filtered by client.
	ListSessions(ctx context.Context, clientKey string, limit int) ([]models.Session, error)
	// History returns a session and its exchanges in order.
	History(ctx context.Context, sessionID string) (*models.SessionHistory, error)
	// Ping checks database connectivity.
	Ping(ctx context.Context) error
	// Close releases resources.
	Close() error
}

// SQLiteLog implements Log with a SQLite database.
type SQLiteLog struct {
	db *sql.DB
}

var _ Log = (*SQLiteLog)(nil)

const createSessionsTable = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	client_key TEXT NOT NULL,
	user_ip TEXT NOT NULL DEFAULT '',
	started_at INTEGER NOT NULL,
	last_activity INTEGER NOT NULL,
	exchange_count INTEGER NOT NULL DEFAULT 0,
	cached_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_client ON sessions(client_key, last_activity);
`

const createExchangesTable = `
CREATE TABLE IF NOT EXISTS exchanges (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	seq INTEGER NOT NULL,
	user_message TEXT NOT NULL,
	bot_response TEXT NOT NULL,
	cached INTEGER NOT NULL DEFAULT 0,
	cache_source TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	UNIQUE (session_id, seq)
);
`

// New opens the conversation log at dbPath and runs auto-migration.
func New(dbPath string) (*SQLiteLog, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open conversation db: %w", err)
	}

	if _, err := db.Exec(createSessionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sessions table: %w", err)
	}
	if _, err := db.Exec(createExchangesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate exchanges table: %w", err)
	}

	return &SQLiteLog{db: db}, nil
}

// ResolveSession returns a session ID. If explicitID is non-empty, it ensures
// the session row exists and returns it. Otherwise it finds the most recent
// session for the client and reuses it if within gapTimeout, or creates a new one.
func (l *SQLiteLog) ResolveSession(ctx context.Context, clientKey, userIP, explicitID string, gapTimeout time.Duration, now time.Time) (string, error) {
	ms := now.UnixMilli()

	if explicitID != "" {
		_, err := l.db.ExecContext(ctx,
			`INSERT INTO sessions (id, client_key, user_ip, started_at, last_activity) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			explicitID, clientKey, userIP, ms, ms,
		)
		if err != nil {
			return "", fmt.Errorf("ensure session: %w", err)
		}
		return explicitID, nil
	}

	var (
		lastID       string
		lastActivity int64
	)
	err := l.db.QueryRowContext(ctx,
		`SELECT id, last_activity FROM sessions WHERE client_key = ? ORDER BY last_activity DESC LIMIT 1`,
		clientKey,
	).Scan(&lastID, &lastActivity)
	switch {
	case err == nil:
		if now.Sub(time.UnixMilli(lastActivity)) <= gapTimeout {
			return lastID, nil
		}
	case !errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("find session: %w", err)
	}

	newID := uuid.NewString()
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO sessions (id, client_key, user_ip, started_at, last_activity) VALUES (?, ?, ?, ?, ?)`,
		newID, clientKey, userIP, ms, ms,
	)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return newID, nil
}

// Record stores an exchange with the next sequence number and updates
// session counters.
func (l *SQLiteLog) Record(ctx context.Context, ex models.Exchange) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record exchange: %w", err)
	}
	defer tx.Rollback()

	ms := ex.CreatedAt.UnixMilli()
	cached := 0
	if ex.Cached {
		cached = 1
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET last_activity = MAX(last_activity, ?), exchange_count = exchange_count + 1,
			cached_count = cached_count + ? WHERE id = ?`,
		ms, cached, ex.SessionID,
	)
	if err != nil {
		return fmt.Errorf("update session counters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO exchanges (session_id, seq, user_message, bot_response, cached, cache_source, created_at)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM exchanges WHERE session_id = ?), ?, ?, ?, ?, ?)`,
		ex.SessionID, ex.SessionID, ex.UserMessage, ex.BotResponse, cached, ex.CacheSource, ms,
	)
	if err != nil {
		return fmt.Errorf("record exchange: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record exchange: %w", err)
	}
	return nil
}

const sessionColumns = `id, client_key, user_ip, started_at, last_activity, exchange_count, cached_count`

// ListSessions returns sessions by most recent activity, optionally
// filtered by client. A limit of zero returns all sessions.
func (l *SQLiteLog) ListSessions(ctx context.Context, clientKey string, limit int) ([]models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if clientKey != "" {
		query += ` WHERE client_key = ?`
		args = append(args, clientKey)
	}
	query += ` ORDER BY last_activity DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// History returns the session and its exchanges ordered by sequence.
func (l *SQLiteLog) History(ctx context.Context, sessionID string) (*models.SessionHistory, error) {
	s, err := scanSession(l.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session history: %w", err)
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, session_id, seq, user_message, bot_response, cached, cache_source, created_at
		 FROM exchanges WHERE session_id = ? ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("session history: %w", err)
	}
	defer rows.Close()

	h := &models.SessionHistory{Session: s, Exchanges: []models.Exchange{}}
	for rows.Next() {
		var (
			ex      models.Exchange
			cached  int
			created int64
		)
		if err := rows.Scan(&ex.ID, &ex.SessionID, &ex.Seq, &ex.UserMessage, &ex.BotResponse, &cached, &ex.CacheSource, &created); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		ex.Cached = cached != 0
		ex.CreatedAt = time.UnixMilli(created).UTC()
		h.Exchanges = append(h.Exchanges, ex)
	}
	return h, rows.Err()
}

// Ping checks database connectivity.
func (l *SQLiteLog) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close releases the database connection.
func (l *SQLiteLog) Close() error {
	return l.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (models.Session, error) {
	var (
		s               models.Session
		started, active int64
	)
	if err := sc.Scan(&s.ID, &s.ClientKey, &s.UserIP, &started, &active, &s.ExchangeCount, &s.CachedCount); err != nil {
		return models.Session{}, err
	}
	s.StartedAt = time.UnixMilli(started).UTC()
	s.LastActivity = time.UnixMilli(active).UTC()
	return s, nil
}
