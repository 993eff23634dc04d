// internal/identity/handler.go
package identity

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"libralend/internal/httpx"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts the identity API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/users", h.handleRegister)
	r.Post("/login", h.handleLogin)
	r.Get("/users/stats/count", h.countHandler(h.service.CountUsers))
	r.Get("/users/stats/active", h.countHandler(h.service.CountActiveUsers))
	r.Get("/users/stats/new-this-month", h.countHandler(h.service.CountNewUsersThisMonth))
	r.Get("/users/stats/by-role", h.handleCountByRole)
	r.Get("/users/stats/growth", h.handleGrowth)
	r.Get("/users/top-active", h.handleTopActive)
	r.Get("/users/{id}", h.handleGetUser)
	r.Put("/users/{id}/active", h.handleSetActive)
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type ActiveRequest struct {
	Active bool `json:"active"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req NewUser
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	user, err := h.service.RegisterUser(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, user)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	user, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, user)
}

func (h *Handler) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	user, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, user)
}

func (h *Handler) handleSetActive(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req ActiveRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	user, err := h.service.SetActive(r.Context(), id, req.Active)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, user)
}

func (h *Handler) handleCountByRole(w http.ResponseWriter, r *http.Request) {
	counts, err := h.service.CountByRole(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, counts)
}

func (h *Handler) handleGrowth(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GrowthStats(r.Context(), httpx.QueryInt(r, "months", 12))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleTopActive(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.TopActiveUsers(r.Context(), httpx.QueryInt(r, "limit", 10))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, users)
}

func (h *Handler) countHandler(fn func(ctx context.Context) (int64, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := fn(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		httpx.WriteCount(w, n)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_id", errors.New("invalid id"))
		return uuid.Nil, false
	}
	return id, true
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUserNotFound):
		httpx.WriteError(w, http.StatusNotFound, "user_not_found", err)
	case errors.Is(err, ErrInvalidCredentials):
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_credentials", err)
	case errors.Is(err, ErrRateLimited):
		httpx.WriteError(w, http.StatusTooManyRequests, "rate_limited", err)
	case errors.Is(err, ErrDuplicateEmail):
		httpx.WriteError(w, http.StatusConflict, "duplicate_email", err)
	case errors.Is(err, ErrInvalidUser):
		httpx.WriteError(w, http.StatusUnprocessableEntity, "invalid_user", err)
	default:
		httpx.WriteError(w, http.StatusInternalServerError, "internal", err)
	}
}
