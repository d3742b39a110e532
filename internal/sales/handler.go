package sales

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
)

// Handler exposes sales HTTP endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler creates a new sales handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers sales routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/fulfillments", h.fulfill)
}

func (h *Handler) fulfill(w http.ResponseWriter, r *http.Request) {
	var f Fulfillment
	if err := httpx.DecodeJSON(r, &f); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if f.FulfilledBy == "" {
		f.FulfilledBy = r.Header.Get(inventory.HeaderPerformedBy)
	}
	result, err := h.service.Fulfill(r.Context(), f)
	if err != nil {
		p := inventory.ProblemFor(err)
		var shortage *ShortageError
		if errors.As(err, &shortage) {
			p.Details["line_id"] = shortage.LineID
		}
		if p.Status == http.StatusInternalServerError {
			h.logger.Error("fulfill sale", slog.Int64("sale_id", f.SaleID), slog.Any("error", err))
		}
		if p.Status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "1")
		}
		httpx.WriteProblem(w, p)
		return
	}
	status := http.StatusCreated
	if result.Replayed() {
		w.Header().Set(inventory.HeaderReplay, "true")
		status = http.StatusOK
	}
	httpx.JSON(w, status, result)
}
