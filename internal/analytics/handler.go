// internal/analytics/handler.go
package analytics

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"libralend/internal/httpx"
)

// Handler serves the reports. Every endpoint answers 200; degraded data is
// reported through section statuses.
type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/analytics/dashboard", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, h.service.GenerateReport(r.Context()))
	})
	r.Get("/analytics/users", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, h.service.IdentityReport(r.Context()))
	})
	r.Get("/analytics/books", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, h.service.CatalogReport(r.Context()))
	})
	r.Get("/analytics/loans", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, h.service.LendingReport(r.Context()))
	})
	r.Get("/analytics/inventory", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, h.service.InventoryReport(r.Context()))
	})
	r.Get("/analytics/health", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, h.service.HealthReport(r.Context()))
	})
	r.Get("/analytics/summary", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, h.service.Summary(r.Context()))
	})
}
