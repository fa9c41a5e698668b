// Package admin is the HTTP control surface: session create, suspend,
// drop, and list, rate limited and serialized as JSON. Authentication
// for the admin port itself is a deployment concern; tenant operations
// authorize with the session's own credentials.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mohammed-fawaz-cp/fastport/internal/session"
	"github.com/mohammed-fawaz-cp/fastport/internal/storage"
)

// Handler serves the /v1 admin API.
type Handler struct {
	registry *session.Registry
	limiter  *rate.Limiter
	log      zerolog.Logger
	router   *mux.Router
}

// New builds the admin handler; limit is requests per second across the
// whole surface, with a burst of twice that.
func New(registry *session.Registry, limit float64, log zerolog.Logger) *Handler {
	h := &Handler{
		registry: registry,
		limiter:  rate.NewLimiter(rate.Limit(limit), int(2*limit)+1),
		log:      log,
	}

	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(h.rateLimit)
	v1.HandleFunc("/sessions", h.createSession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions", h.listSessions).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{name}/suspend", h.suspendSession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{name}", h.dropSession).Methods(http.MethodDelete)
	h.router = r
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, errorBody("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createRequest struct {
	SessionName       string `json:"sessionName"`
	Password          string `json:"password"`
	RetryInterval     int64  `json:"retryInterval,omitempty"`
	MaxRetryLimit     *int   `json:"maxRetryLimit,omitempty"`
	MessageExpiryTime *int64 `json:"messageExpiryTime,omitempty"`
	SessionExpiry     *int64 `json:"sessionExpiry,omitempty"` // unix millis
	NotifierConfig    string `json:"notifierConfig,omitempty"`
}

type credentialsRequest struct {
	Password  string `json:"password"`
	SecretKey string `json:"secretKey"`
	Suspend   *bool  `json:"suspend,omitempty"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("malformed request body"))
		return
	}
	opts := session.CreateOpts{
		RetryIntervalMs:     req.RetryInterval,
		MaxRetryLimit:       req.MaxRetryLimit,
		MessageExpiryTimeMs: req.MessageExpiryTime,
		NotifierConfig:      req.NotifierConfig,
	}
	if req.SessionExpiry != nil {
		at := time.UnixMilli(*req.SessionExpiry)
		opts.SessionExpiry = &at
	}

	sess, err := h.registry.Create(r.Context(), req.SessionName, req.Password, opts)
	switch {
	case errors.Is(err, storage.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, errorBody("session already exists"))
		return
	case err != nil:
		h.log.Error().Err(err).Str("session", req.SessionName).Msg("create session failed")
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":     true,
		"sessionName": sess.SessionName,
		"password":    sess.Password,
		"secretKey":   sess.SecretKey,
	})
}

func (h *Handler) suspendSession(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Suspend == nil {
		writeJSON(w, http.StatusBadRequest, errorBody("malformed request body"))
		return
	}

	err := h.registry.Suspend(r.Context(), name, req.Password, req.SecretKey, *req.Suspend)
	if !h.writeAuthResult(w, name, err) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "suspended": *req.Suspend})
}

func (h *Handler) dropSession(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("malformed request body"))
		return
	}

	err := h.registry.Drop(r.Context(), name, req.Password, req.SecretKey)
	if !h.writeAuthResult(w, name, err) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.registry.List(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("list sessions failed")
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessions": sessions})
}

// writeAuthResult maps registry errors onto the wire; it reports whether
// the caller may write the success body.
func (h *Handler) writeAuthResult(w http.ResponseWriter, name string, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("session not found"))
	case errors.Is(err, session.ErrAuth):
		writeJSON(w, http.StatusUnauthorized, errorBody("invalid credentials"))
	default:
		h.log.Error().Err(err).Str("session", name).Msg("admin operation failed")
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
	return false
}

func errorBody(msg string) map[string]any {
	return map[string]any{"success": false, "error": msg}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
