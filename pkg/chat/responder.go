// Package chat answers one user turn: cache first, then the LLM.
package chat

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/echomind-ai/echomind/pkg/cache"
	"github.com/echomind-ai/echomind/pkg/conversation"
	"github.com/echomind-ai/echomind/pkg/llm"
	"github.com/echomind-ai/echomind/pkg/models"
	"github.com/echomind-ai/echomind/pkg/persona"
)

// Request is one user turn.
type Request struct {
	Message   string
	History   []models.ChatMessage
	SessionID string
	ClientKey string
	UserIP    string
}

// Options wires a Responder. Cache and Log are optional.
type Options struct {
	Persona    *persona.Persona
	LLM        llm.Completer
	Cache      *cache.Service
	Log        conversation.Log
	GapTimeout time.Duration
	Logger     *zap.Logger
	Now        func() time.Time
}

// Responder produces replies for chat turns.
type Responder struct {
	persona *persona.Persona
	llm     llm.Completer
	cache   *cache.Service
	log     conversation.Log
	gap     time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a Responder.
func New(opts Options) *Responder {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.GapTimeout <= 0 {
		opts.GapTimeout = 30 * time.Minute
	}
	return &Responder{
		persona: opts.Persona,
		llm:     opts.LLM,
		cache:   opts.Cache,
		log:     opts.Log,
		gap:     opts.GapTimeout,
		logger:  opts.Logger.Named("chat"),
		now:     opts.Now,
	}
}

// Respond answers req. It only fails on invalid input; provider failures
// become an apologetic reply that is never cached.
func (r *Responder) Respond(ctx context.Context, req Request) (*models.ChatResponse, error) {
	if err := Validate(req.Message); err != nil {
		r.logger.Info("invalid message rejected", zap.String("preview", cache.Preview(req.Message, 50)))
		return nil, err
	}

	history := sanitize(req.History)
	prior := LastAssistant(history)
	resp := &models.ChatResponse{}

	var lookup cache.LookupResult
	if r.cache != nil {
		lookup = r.cache.Lookup(ctx, req.Message, prior)
	}

	if lookup.Hit {
		resp.Reply = lookup.Answer
		resp.Cached = true
		resp.CacheSource = string(lookup.Source)
	} else {
		resp.Reply = r.complete(ctx, req.Message, history, lookup.Cacheable, prior)
	}

	resp.SessionID = r.record(ctx, req, resp)
	return resp, nil
}

func (r *Responder) complete(ctx context.Context, message string, history []models.ChatMessage, cacheable bool, prior string) string {
	messages := make([]models.ChatMessage, 0, len(history)+2)
	messages = append(messages, models.ChatMessage{Role: models.RoleSystem, Content: r.persona.SystemPrompt()})
	messages = append(messages, history...)
	messages = append(messages, models.ChatMessage{Role: models.RoleUser, Content: message})

	comp, err := r.llm.Complete(ctx, messages)
	if err != nil {
		r.logger.Error("completion failed", zap.String("kind", string(llm.KindOf(err))), zap.Error(err))
		return llm.UserMessage(err)
	}
	reply := strings.TrimSpace(comp.Content)
	if reply == "" {
		r.logger.Warn("empty completion", zap.String("provider", comp.Provider))
		return llm.UserMessage(nil)
	}

	if cacheable && r.cache != nil {
		outcome := r.cache.Store(ctx, message, prior, comp.Content)
		r.logger.Debug("answer stored", zap.String("outcome", string(outcome)))
	}
	return comp.Content
}

// record logs the exchange and returns the session it landed in, or the
// requested session ID when logging is off or fails.
func (r *Responder) record(ctx context.Context, req Request, resp *models.ChatResponse) string {
	if r.log == nil {
		return req.SessionID
	}
	now := r.now()
	sid, err := r.log.ResolveSession(ctx, req.ClientKey, req.UserIP, req.SessionID, r.gap, now)
	if err != nil {
		r.logger.Warn("session resolve failed", zap.Error(err))
		return req.SessionID
	}
	err = r.log.Record(ctx, models.Exchange{
		SessionID:   sid,
		UserMessage: req.Message,
		BotResponse: resp.Reply,
		Cached:      resp.Cached,
		CacheSource: resp.CacheSource,
		CreatedAt:   now,
	})
	if err != nil {
		r.logger.Warn("record exchange failed", zap.String("session_id", sid), zap.Error(err))
	}
	return sid
}

// LastAssistant returns the content of the most recent assistant turn.
func LastAssistant(history []models.ChatMessage) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleAssistant {
			return history[i].Content
		}
	}
	return ""
}

// sanitize drops client-supplied system turns and empty messages.
func sanitize(history []models.ChatMessage) []models.ChatMessage {
	out := make([]models.ChatMessage, 0, len(history))
	for _, m := range history {
		if m.Role != models.RoleUser && m.Role != models.RoleAssistant {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}
