package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/echomind-ai/echomind/pkg/conversation"
	"github.com/echomind-ai/echomind/pkg/models"
)

// Handler serves the admin API.
type Handler struct {
	surface *Surface
	logger  *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(s *Surface, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{surface: s, logger: logger.Named("admin")}
}

// RegisterRoutes mounts the admin API under /api/v1/admin. The
// middlewares wrap only the admin routes.
func (h *Handler) RegisterRoutes(router *mux.Router, mw ...mux.MiddlewareFunc) {
	api := router.PathPrefix("/api/v1/admin").Subrouter()
	api.Use(mw...)

	api.HandleFunc("/cache/stats", h.stats).Methods(http.MethodGet)
	api.HandleFunc("/cache/entries", h.entries).Methods(http.MethodGet)
	api.HandleFunc("/cache/entries/{key}", h.deleteEntry).Methods(http.MethodDelete)
	api.HandleFunc("/cache/cleanup", h.cleanup).Methods(http.MethodPost)
	api.HandleFunc("/cache", h.clear).Methods(http.MethodDelete)

	api.HandleFunc("/ratelimit", h.getRateLimit).Methods(http.MethodGet)
	api.HandleFunc("/ratelimit", h.putRateLimit).Methods(http.MethodPut)

	api.HandleFunc("/sessions", h.sessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", h.session).Methods(http.MethodGet)

	api.HandleFunc("/health", h.health).Methods(http.MethodGet)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.surface.Stats(r.Context())
	if err != nil {
		h.internalError(w, "cache stats", err)
		return
	}
	h.respondJSON(w, st, http.StatusOK)
}

func (h *Handler) entries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := models.ListOptions{SortBy: q.Get("sort_by"), Order: q.Get("order")}
	var err error
	if opts.Page, err = intParam(q.Get("page")); err != nil {
		h.respondError(w, "page must be an integer", http.StatusBadRequest)
		return
	}
	if opts.Limit, err = intParam(q.Get("limit")); err != nil {
		h.respondError(w, "limit must be an integer", http.StatusBadRequest)
		return
	}

	page, err := h.surface.List(r.Context(), opts)
	if err != nil {
		h.internalError(w, "list entries", err)
		return
	}
	h.respondJSON(w, page, http.StatusOK)
}

func (h *Handler) deleteEntry(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	ok, err := h.surface.Delete(r.Context(), key)
	if err != nil {
		h.internalError(w, "delete entry", err)
		return
	}
	if !ok {
		h.respondError(w, "cache entry not found", http.StatusNotFound)
		return
	}
	h.respondJSON(w, map[string]any{"success": true, "cache_key": key}, http.StatusOK)
}

func (h *Handler) cleanup(w http.ResponseWriter, r *http.Request) {
	n, err := h.surface.Cleanup(r.Context())
	if err != nil {
		h.logger.Error("cleanup failed", zap.Int64("deleted", n), zap.Error(err))
		h.respondJSON(w, map[string]any{
			"deleted_count": n,
			"error":         "cleanup stopped early",
		}, http.StatusInternalServerError)
		return
	}
	h.respondJSON(w, map[string]any{"deleted_count": n}, http.StatusOK)
}

func (h *Handler) clear(w http.ResponseWriter, r *http.Request) {
	n, err := h.surface.Clear(r.Context())
	if err != nil {
		h.internalError(w, "clear cache", err)
		return
	}
	h.respondJSON(w, map[string]any{"success": true, "deleted_count": n}, http.StatusOK)
}

func (h *Handler) getRateLimit(w http.ResponseWriter, r *http.Request) {
	s, err := h.surface.RateLimit()
	if err != nil {
		h.respondError(w, "rate limiting is not configured", http.StatusServiceUnavailable)
		return
	}
	h.respondJSON(w, s, http.StatusOK)
}

// putRateLimit applies a partial update: omitted fields keep their
// current value.
func (h *Handler) putRateLimit(w http.ResponseWriter, r *http.Request) {
	s, err := h.surface.RateLimit()
	if err != nil {
		h.respondError(w, "rate limiting is not configured", http.StatusServiceUnavailable)
		return
	}
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		h.respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.surface.UpdateRateLimit(s); err != nil {
		h.respondError(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.logger.Info("rate limit updated",
		zap.Bool("enabled", s.Enabled), zap.Int("rate_per_hour", s.RatePerHour), zap.Int("burst", s.Burst))
	h.respondJSON(w, s, http.StatusOK)
}

func (h *Handler) sessions(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		h.respondError(w, "limit must be an integer", http.StatusBadRequest)
		return
	}
	if limit <= 0 {
		limit = 50
	}
	list, err := h.surface.Sessions(r.Context(), r.URL.Query().Get("client"), limit)
	switch {
	case errors.Is(err, ErrUnavailable):
		h.respondError(w, "conversation log is not configured", http.StatusServiceUnavailable)
		return
	case err != nil:
		h.internalError(w, "list sessions", err)
		return
	}
	if list == nil {
		list = []models.Session{}
	}
	h.respondJSON(w, map[string]any{"sessions": list, "count": len(list)}, http.StatusOK)
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) {
	hist, err := h.surface.Session(r.Context(), mux.Vars(r)["id"])
	switch {
	case errors.Is(err, ErrUnavailable):
		h.respondError(w, "conversation log is not configured", http.StatusServiceUnavailable)
		return
	case errors.Is(err, conversation.ErrSessionNotFound):
		h.respondError(w, "session not found", http.StatusNotFound)
		return
	case err != nil:
		h.internalError(w, "session history", err)
		return
	}
	h.respondJSON(w, hist, http.StatusOK)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	hs := h.surface.Health(r.Context())
	code := http.StatusOK
	if hs.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	h.respondJSON(w, hs, code)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func (h *Handler) internalError(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op+" failed", zap.Error(err))
	h.respondError(w, op+" failed", http.StatusInternalServerError)
}

func (h *Handler) respondJSON(w http.ResponseWriter, v any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response", zap.Error(err))
	}
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (h *Handler) respondError(w http.ResponseWriter, message string, code int) {
	var body errorBody
	body.Error.Message = message
	body.Error.Type = "admin_error"
	body.Error.Code = code
	h.respondJSON(w, body, code)
}
