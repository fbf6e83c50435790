// Package server is the EchoMind HTTP front end: the chat API, the
// admin API, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/echomind-ai/echomind/pkg/admin"
	"github.com/echomind-ai/echomind/pkg/chat"
	"github.com/echomind-ai/echomind/pkg/metrics"
	"github.com/echomind-ai/echomind/pkg/models"
	"github.com/echomind-ai/echomind/pkg/ratelimit"
)

const maxBodyBytes = 64 << 10

// Response headers.
const (
	HeaderCache     = "X-EchoMind-Cache"
	HeaderSession   = "X-EchoMind-Session"
	HeaderRequestID = "X-Request-ID"
)

// Options wires a Server. Limits, Metrics and Gatherer may be nil.
type Options struct {
	Listen         string
	APIKey         string
	AdminAPIKey    string
	AllowedOrigins []string

	Responder *chat.Responder
	Admin     *admin.Surface
	Limits    *ratelimit.Limits
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	Logger    *zap.Logger
}

// Server is the EchoMind HTTP server.
type Server struct {
	opts    Options
	router  *mux.Router
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New creates a Server with all routes registered.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	s := &Server{
		opts:    opts,
		router:  mux.NewRouter(),
		logger:  opts.Logger.Named("server"),
		metrics: opts.Metrics,
	}

	s.router.Use(s.requestID, s.instrument, s.cors)

	chatRoute := http.Handler(http.HandlerFunc(s.handleChat))
	if opts.Limits != nil {
		chatRoute = opts.Limits.Middleware(clientIP, func(*http.Request) {
			s.metrics.RateLimited.Inc()
		})(chatRoute)
	}
	chatRoute = s.requireKey(opts.APIKey)(chatRoute)
	s.router.Handle("/api/v1/chat", chatRoute).Methods(http.MethodPost, http.MethodOptions)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if opts.Gatherer != nil {
		s.router.Handle("/metrics", metrics.Handler(opts.Gatherer)).Methods(http.MethodGet)
	}
	admin.NewHandler(opts.Admin, opts.Logger).RegisterRoutes(s.router, s.requireKey(opts.AdminAPIKey))

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("echomind listening", zap.String("addr", s.opts.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ip := clientIP(r)
	resp, err := s.opts.Responder.Respond(r.Context(), chat.Request{
		Message:   req.Message,
		History:   req.History,
		SessionID: req.SessionID,
		ClientKey: ip,
		UserIP:    ip,
	})
	switch {
	case errors.Is(err, chat.ErrInvalidMessage), errors.Is(err, chat.ErrMessageTooLong):
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("chat failed", zap.String("request_id", w.Header().Get(HeaderRequestID)), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "failed to process chat")
		return
	}

	if resp.Cached {
		w.Header().Set(HeaderCache, "hit")
	} else {
		w.Header().Set(HeaderCache, "miss")
	}
	if resp.SessionID != "" {
		w.Header().Set(HeaderSession, resp.SessionID)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.opts.Admin.Health(r.Context())
	code := http.StatusOK
	if h.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"echomind_error","code":%d}}`, message, code)
}
