// internal/catalog/handler.go
package catalog

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

// Routes mounts the catalog API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/books", h.handleAddBook)
	r.Get("/books/stats/count", h.countHandler(h.service.CountBooks))
	r.Get("/books/stats/available-books", h.countHandler(h.service.CountAvailableBooks))
	r.Get("/books/stats/total-copies", h.countHandler(h.service.TotalCopies))
	r.Get("/books/stats/available-copies", h.countHandler(h.service.TotalAvailableCopies))
	r.Get("/books/stats/by-category", h.handleCountByCategory)
	r.Get("/books/low-stock", h.handleLowStock)
	r.Get("/books/recent", h.listHandler(h.service.RecentlyAddedBooks))
	r.Get("/books/popular", h.listHandler(h.service.PopularBooks))
	r.Get("/books/least-borrowed", h.listHandler(h.service.LeastBorrowedBooks))
	r.Get("/books/{id}", h.handleGetBook)
	r.Put("/books/{id}/inventory", h.handleUpdateInventory)
	r.Post("/books/{id}/decrement", h.handleAdjust(h.service.DecrementAvailable))
	r.Post("/books/{id}/increment", h.handleAdjust(h.service.IncrementAvailable))
	r.Post("/operations/{id}/revert", h.handleRevert)
}

// OperationRequest carries the idempotency key of an inventory mutation.
type OperationRequest struct {
	OperationID uuid.UUID `json:"operation_id"`
}

type InventoryRequest struct {
	TotalCopies     int `json:"total_copies"`
	AvailableCopies int `json:"available_copies"`
}

func (h *Handler) handleAddBook(w http.ResponseWriter, r *http.Request) {
	var req NewBook
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	book, err := h.service.AddBook(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, book)
}

func (h *Handler) handleGetBook(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	book, err := h.service.GetBook(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, book)
}

func (h *Handler) handleUpdateInventory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req InventoryRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	book, err := h.service.UpdateInventory(r.Context(), id, req.TotalCopies, req.AvailableCopies)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, book)
}

func (h *Handler) handleAdjust(fn func(ctx context.Context, bookID, operationID uuid.UUID) (*Book, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var req OperationRequest
		if err := httpx.Decode(r, &req); err != nil || req.OperationID == uuid.Nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_request", errors.New("operation_id is required"))
			return
		}
		book, err := fn(r.Context(), id, req.OperationID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, book)
	}
}

func (h *Handler) handleRevert(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.RevertOperation(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCountByCategory(w http.ResponseWriter, r *http.Request) {
	counts, err := h.service.CountByCategory(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, counts)
}

func (h *Handler) handleLowStock(w http.ResponseWriter, r *http.Request) {
	books, err := h.service.LowStockBooks(r.Context(), httpx.QueryInt(r, "threshold", 2))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, books)
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

func (h *Handler) listHandler(fn func(ctx context.Context, limit int) ([]Book, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		books, err := fn(r.Context(), httpx.QueryInt(r, "limit", 10))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, books)
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
	case errors.Is(err, ErrBookNotFound):
		httpx.WriteError(w, http.StatusNotFound, "book_not_found", err)
	case errors.Is(err, ErrNoCopiesAvailable):
		httpx.WriteError(w, http.StatusConflict, "no_copies_available", err)
	case errors.Is(err, ErrDuplicateISBN):
		httpx.WriteError(w, http.StatusConflict, "duplicate_isbn", err)
	case errors.Is(err, ErrOperationConflict):
		httpx.WriteError(w, http.StatusConflict, "operation_conflict", err)
	case errors.Is(err, ErrInvalidInventory):
		httpx.WriteError(w, http.StatusUnprocessableEntity, "invalid_inventory", err)
	case errors.Is(err, ErrInvalidBook):
		httpx.WriteError(w, http.StatusUnprocessableEntity, "invalid_book", err)
	default:
		httpx.WriteError(w, http.StatusInternalServerError, "internal", err)
	}
}
