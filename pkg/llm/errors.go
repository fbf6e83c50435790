package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/sony/gobreaker"
)

// Kind classifies an upstream failure.
type Kind string

// Failure kinds. The values double as metric labels.
const (
	KindRateLimit  Kind = "rate_limit"
	KindTimeout    Kind = "api_timeout"
	KindConnection Kind = "connection_error"
	KindAPI        Kind = "api_error"
	KindUnknown    Kind = "unknown_error"
)

// Error is a classified upstream failure.
type Error struct {
	Kind       Kind
	Provider   string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// retryable reports whether another attempt, on this provider or the
// next one, may succeed.
func (e *Error) retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindTimeout, KindConnection:
		return true
	case KindAPI:
		return e.StatusCode >= 500 || e.StatusCode == 0
	}
	return false
}

// classify wraps a transport error or a non-2xx status.
func classify(provider string, err error, status int, body []byte) *Error {
	if err != nil {
		var netErr net.Error
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return &Error{Kind: KindConnection, Provider: provider, Err: err}
		case errors.Is(err, context.DeadlineExceeded):
			return &Error{Kind: KindTimeout, Provider: provider, Err: err}
		case errors.As(err, &netErr) && netErr.Timeout():
			return &Error{Kind: KindTimeout, Provider: provider, Err: err}
		case errors.Is(err, context.Canceled):
			return &Error{Kind: KindUnknown, Provider: provider, Err: err}
		default:
			return &Error{Kind: KindConnection, Provider: provider, Err: err}
		}
	}

	msg := string(body)
	if len(msg) > 512 {
		msg = msg[:512]
	}
	e := &Error{Provider: provider, StatusCode: status, Err: errors.New(msg)}
	switch {
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		e.Kind = KindTimeout
	default:
		e.Kind = KindAPI
	}
	return e
}

// User-facing replies for failed completions.
const (
	msgRateLimit  = "I'm experiencing high demand right now. Please try again in a moment."
	msgTimeout    = "I'm taking longer than expected to respond. Please try again."
	msgConnection = "I'm having trouble connecting to my AI service. Please try again shortly."
	msgAPI        = "I encountered an API issue. Please try again."
	msgDefault    = "I encountered an unexpected issue. Please try again or rephrase your question."
)

// KindOf returns the failure kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// UserMessage maps a completion error to a reply safe to show the user.
func UserMessage(err error) string {
	switch KindOf(err) {
	case KindRateLimit:
		return msgRateLimit
	case KindTimeout:
		return msgTimeout
	case KindConnection:
		return msgConnection
	case KindAPI:
		return msgAPI
	}
	return msgDefault
}
