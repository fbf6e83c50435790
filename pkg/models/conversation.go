package models

import "time"

// Session groups the exchanges of one visitor into a conversation.
type Session struct {
	ID            string    `json:"id"`
	ClientKey     string    `json:"client_key,omitempty"`
	UserIP        string    `json:"user_ip,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	LastActivity  time.Time `json:"last_activity"`
	ExchangeCount int       `json:"exchange_count"`
	CachedCount   int       `json:"cached_count"`
}

// Exchange is one user message and the reply it received.
type Exchange struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	Seq         int       `json:"seq"`
	UserMessage string    `json:"user_message"`
	BotResponse string    `json:"bot_response"`
	Cached      bool      `json:"cached"`
	CacheSource string    `json:"cache_source,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// SessionHistory is a session with all of its exchanges in order.
type SessionHistory struct {
	Session   Session    `json:"session"`
	Exchanges []Exchange `json:"exchanges"`
}
