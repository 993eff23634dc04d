// internal/lending/handler.go
package lending

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"libralend/internal/httpx"
)

type Handler struct {
	service Service
	now     func() time.Time
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service, now: time.Now}
}

// Routes mounts the lending API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/loans", h.handleBorrow)
	r.Post("/loans/return", h.handleReturnByUserAndBook)
	r.Get("/loans", h.handleListBetween)
	r.Get("/loans/active", h.listHandler(h.service.ListActive))
	r.Get("/loans/overdue", h.listHandler(h.service.ListOverdue))

	r.Get("/loans/stats/total", h.countHandler(h.service.CountRecords))
	r.Get("/loans/stats/active", h.countHandler(h.service.CountActive))
	r.Get("/loans/stats/completed", h.countHandler(h.service.CountCompleted))
	r.Get("/loans/stats/overdue", h.countHandler(h.service.CountOverdue))
	r.Get("/loans/stats/since", h.handleCountSince)
	r.Get("/loans/stats/monthly", h.handleMonthly)
	r.Get("/loans/stats/most-borrowed", h.handleMostBorrowed)
	r.Get("/loans/stats/user-patterns", h.handleUserPatterns)
	r.Get("/loans/stats/average-return-time", h.handleAverageReturnTime)
	r.Get("/loans/stats/recent-activity", h.handleRecentActivity)

	r.Get("/loans/{id}", h.handleGet)
	r.Post("/loans/{id}/return", h.handleReturn)
	r.Get("/users/{id}/loans", h.handleUserLoans)
	r.Get("/books/{id}/loans", h.handleBookLoans)
}

// ReturnRequest identifies a loan by its borrower and book.
type ReturnRequest struct {
	UserID uuid.UUID `json:"user_id"`
	BookID uuid.UUID `json:"book_id"`
}

func (h *Handler) handleBorrow(w http.ResponseWriter, r *http.Request) {
	var req BorrowRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	rec, err := h.service.BeginLoan(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, rec.View(h.now()))
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, err := h.service.CompleteLoan(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec.View(h.now()))
}

func (h *Handler) handleReturnByUserAndBook(w http.ResponseWriter, r *http.Request) {
	var req ReturnRequest
	if err := httpx.Decode(r, &req); err != nil || req.UserID == uuid.Nil || req.BookID == uuid.Nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", errors.New("user_id and book_id are required"))
		return
	}
	rec, err := h.service.CompleteLoanByUserAndBook(r.Context(), req.UserID, req.BookID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec.View(h.now()))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, err := h.service.GetRecord(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec.View(h.now()))
}

func (h *Handler) handleListBetween(w http.ResponseWriter, r *http.Request) {
	from, errFrom := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	to, errTo := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if errFrom != nil || errTo != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", errors.New("from and to must be RFC 3339 timestamps"))
		return
	}
	h.writeRecords(w, r, func(ctx context.Context) ([]Record, error) {
		return h.service.ListBetween(ctx, from, to)
	})
}

func (h *Handler) handleUserLoans(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	list := h.service.ListUserRecords
	if r.URL.Query().Get("active") == "true" {
		list = h.service.ListActiveUserRecords
	}
	h.writeRecords(w, r, func(ctx context.Context) ([]Record, error) { return list(ctx, id) })
}

func (h *Handler) handleBookLoans(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	h.writeRecords(w, r, func(ctx context.Context) ([]Record, error) {
		return h.service.ListBookRecords(ctx, id)
	})
}

func (h *Handler) listHandler(fn func(ctx context.Context) ([]Record, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.writeRecords(w, r, fn)
	}
}

func (h *Handler) writeRecords(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context) ([]Record, error)) {
	records, err := fn(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, Views(records, h.now()))
}

func (h *Handler) handleCountSince(w http.ResponseWriter, r *http.Request) {
	since, err := time.Parse(time.RFC3339, r.URL.Query().Get("since"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", errors.New("since must be an RFC 3339 timestamp"))
		return
	}
	h.countHandler(func(ctx context.Context) (int64, error) {
		return h.service.CountBorrowedSince(ctx, since)
	})(w, r)
}

func (h *Handler) handleMonthly(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.MonthlyStats(r.Context(), httpx.QueryInt(r, "months", 12))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleMostBorrowed(w http.ResponseWriter, r *http.Request) {
	books, err := h.service.MostBorrowedBooks(r.Context(), httpx.QueryInt(r, "limit", 10))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, books)
}

func (h *Handler) handleUserPatterns(w http.ResponseWriter, r *http.Request) {
	patterns, err := h.service.UserBorrowingPatterns(r.Context(), httpx.QueryInt(r, "limit", 10))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, patterns)
}

func (h *Handler) handleAverageReturnTime(w http.ResponseWriter, r *http.Request) {
	days, err := h.service.AverageReturnTime(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, httpx.ValueBody{Value: days})
}

func (h *Handler) handleRecentActivity(w http.ResponseWriter, r *http.Request) {
	activity, err := h.service.RecentActivity(r.Context(), httpx.QueryInt(r, "limit", 10))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, activity)
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
	case errors.Is(err, ErrBookNotFound):
		httpx.WriteError(w, http.StatusNotFound, "book_not_found", err)
	case errors.Is(err, ErrLendingNotFound):
		httpx.WriteError(w, http.StatusNotFound, "lending_not_found", err)
	case errors.Is(err, ErrNoActiveLoan):
		httpx.WriteError(w, http.StatusNotFound, "no_active_loan", err)
	case errors.Is(err, ErrBookUnavailable):
		httpx.WriteError(w, http.StatusConflict, "book_unavailable", err)
	case errors.Is(err, ErrDuplicateLoan):
		httpx.WriteError(w, http.StatusConflict, "duplicate_loan", err)
	case errors.Is(err, ErrBorrowLimitExceeded):
		httpx.WriteError(w, http.StatusConflict, "borrow_limit_exceeded", err)
	case errors.Is(err, ErrNotActive):
		httpx.WriteError(w, http.StatusConflict, "not_active", err)
	case errors.Is(err, ErrInvalidRequest):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err)
	case errors.Is(err, ErrInventoryUpdateFailed):
		httpx.WriteError(w, http.StatusBadGateway, "inventory_update_failed", err)
	case errors.Is(err, ErrServiceUnavailable):
		httpx.WriteError(w, http.StatusServiceUnavailable, "service_unavailable", err)
	default:
		httpx.WriteError(w, http.StatusInternalServerError, "internal", err)
	}
}
