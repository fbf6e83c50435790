package models

// Roles used in chat histories.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn of a conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /api/v1/chat.
type ChatRequest struct {
	Message   string        `json:"message"`
	History   []ChatMessage `json:"history"`
	SessionID string        `json:"session_id,omitempty"`
}

// ChatResponse is the reply to a ChatRequest.
type ChatResponse struct {
	Reply       string `json:"reply"`
	Cached      bool   `json:"cached"`
	CacheSource string `json:"cache_source,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

// Usage counts the tokens a completion consumed.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is a provider-agnostic model answer.
type Completion struct {
	Content  string `json:"content"`
	Model    string `json:"model"`
	Provider string `json:"provider"`
	Usage    *Usage `json:"usage,omitempty"`
}
