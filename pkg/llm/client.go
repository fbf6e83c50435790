// Package llm calls upstream chat completion providers.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/echomind-ai/echomind/pkg/config"
	"github.com/echomind-ai/echomind/pkg/metrics"
	"github.com/echomind-ai/echomind/pkg/models"
)

// Provider types.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

const anthropicVersion = "2023-06-01"

// Completer produces an assistant reply for a chat transcript.
type Completer interface {
	Complete(ctx context.Context, messages []models.ChatMessage) (*models.Completion, error)
}

// Options tunes a Client.
type Options struct {
	Model           string
	MaxTokens       int
	Timeout         time.Duration
	MaxRetries      uint64
	RetryWait       time.Duration
	BreakerTrip     uint32
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
}

// OptionsFromConfig maps the llm config section onto Options.
func OptionsFromConfig(cfg config.LLMConfig) Options {
	return Options{
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Timeout:     cfg.Timeout,
		MaxRetries:  cfg.MaxRetries,
		BreakerTrip: cfg.BreakerTrip,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxTokens <= 0 {
		o.MaxTokens = 1024
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.RetryWait <= 0 {
		o.RetryWait = 200 * time.Millisecond
	}
	if o.BreakerTrip == 0 {
		o.BreakerTrip = 5
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 30 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.Timeout}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewNop()
	}
	return o
}

// Client sends completions through the routed provider chain. Each
// provider gets its own circuit breaker; transient failures are retried
// with exponential backoff before falling through to the next route.
type Client struct {
	router *Router
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New creates a Client.
func New(router *Router, opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		router:   router,
		opts:     opts,
		logger:   opts.Logger.Named("llm"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Complete returns the first successful completion along the route chain.
func (c *Client) Complete(ctx context.Context, messages []models.ChatMessage) (*models.Completion, error) {
	routes, err := c.router.Resolve(c.opts.Model)
	if err != nil {
		return nil, fmt.Errorf("resolve routes: %w", err)
	}

	var lastErr error
	for _, route := range routes {
		comp, err := c.tryRoute(ctx, route, messages)
		if err == nil {
			return comp, nil
		}
		lastErr = err
		var e *Error
		if errors.As(err, &e) && !e.retryable() {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, err
		}
		c.logger.Warn("upstream failed, trying next",
			zap.String("provider", route.Provider.Name), zap.Error(err))
	}
	return nil, lastErr
}

func (c *Client) tryRoute(ctx context.Context, route Route, messages []models.ChatMessage) (*models.Completion, error) {
	name := route.Provider.Name
	cb := c.breaker(name)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RetryWait
	b.MaxInterval = 5 * time.Second
	bo := backoff.WithContext(backoff.WithMaxRetries(b, c.opts.MaxRetries), ctx)

	var comp *models.Completion
	op := func() error {
		res, err := cb.Execute(func() (interface{}, error) {
			return c.attempt(ctx, route, messages)
		})
		if err != nil {
			e := asError(name, err)
			if errors.Is(err, gobreaker.ErrOpenState) || !e.retryable() {
				return backoff.Permanent(e)
			}
			return e
		}
		comp = res.(*models.Completion)
		return nil
	}
	if err := backoff.Retry(op, bo); err != nil {
		return nil, asError(name, err)
	}
	return comp, nil
}

func (c *Client) breaker(provider string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[provider]; ok {
		return cb
	}
	trip := c.opts.BreakerTrip
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: 1,
		Timeout:     c.opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		// Client errors say nothing about provider health.
		IsSuccessful: func(err error) bool {
			return err == nil || !asError(provider, err).retryable()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change",
				zap.String("provider", name), zap.Stringer("from", from), zap.Stringer("to", to))
		},
	})
	c.breakers[provider] = cb
	return cb
}

// attempt performs one upstream call and records its metrics.
func (c *Client) attempt(ctx context.Context, route Route, messages []models.ChatMessage) (*models.Completion, error) {
	name := route.Provider.Name
	start := time.Now()
	comp, err := c.send(ctx, route, messages)
	c.opts.Metrics.LLMDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	status := "ok"
	if err != nil {
		status = string(KindOf(err))
	}
	c.opts.Metrics.LLMRequests.WithLabelValues(name, status).Inc()
	return comp, err
}

func (c *Client) send(ctx context.Context, route Route, messages []models.ChatMessage) (*models.Completion, error) {
	p := route.Provider
	headers := make(map[string]string, 2)
	var (
		path string
		body []byte
		err  error
	)
	switch p.Type {
	case ProviderAnthropic:
		path = "/v1/messages"
		headers["x-api-key"] = p.APIKey
		headers["anthropic-version"] = anthropicVersion
		body, err = json.Marshal(toAnthropic(route.Model, c.opts.MaxTokens, messages))
	default:
		path = "/v1/chat/completions"
		headers["Authorization"] = "Bearer " + p.APIKey
		body, err = json.Marshal(openAIRequest{
			Model:     route.Model,
			Messages:  messages,
			MaxTokens: c.opts.MaxTokens,
		})
	}
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Provider: p.Name, Err: fmt.Errorf("encode request: %w", err)}
	}

	res, err := c.doUpstreamRequest(ctx, p.URL, path, headers, body)
	if err != nil {
		return nil, classify(p.Name, err, 0, nil)
	}
	if res.statusCode < 200 || res.statusCode >= 300 {
		return nil, classify(p.Name, nil, res.statusCode, res.body)
	}

	comp, err := decodeCompletion(p.Type, res.body)
	if err != nil {
		return nil, &Error{Kind: KindAPI, Provider: p.Name, StatusCode: res.statusCode, Err: err}
	}
	comp.Provider = p.Name
	if comp.Model == "" {
		comp.Model = route.Model
	}
	return comp, nil
}

// upstreamResult holds the response from a single upstream attempt.
type upstreamResult struct {
	statusCode int
	body       []byte
}

// doUpstreamRequest sends a request to an upstream provider and returns the result.
func (c *Client) doUpstreamRequest(ctx context.Context, providerURL, path string, headers map[string]string, body []byte) (*upstreamResult, error) {
	target, err := url.Parse(providerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid provider URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(target.String(), "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &upstreamResult{statusCode: resp.StatusCode, body: respBody}, nil
}

func asError(provider string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return classify(provider, err, 0, nil)
}
