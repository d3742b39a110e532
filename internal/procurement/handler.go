package procurement

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
)

// Handler manages procurement endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers procurement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/receipts", h.postReceipt)
}

func (h *Handler) postReceipt(w http.ResponseWriter, r *http.Request) {
	var receipt GoodsReceipt
	if err := httpx.DecodeJSON(r, &receipt); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if receipt.ReceivedBy == "" {
		receipt.ReceivedBy = r.Header.Get(inventory.HeaderPerformedBy)
	}
	result, err := h.service.PostGoodsReceipt(r.Context(), receipt)
	if err != nil {
		p := inventory.ProblemFor(err)
		if p.Status == http.StatusInternalServerError {
			h.logger.Error("post goods receipt", slog.Int64("purchase_order_id", receipt.PurchaseOrderID), slog.Any("error", err))
		}
		inventory.WriteError(w, err)
		return
	}
	status := http.StatusCreated
	if result.Replayed() {
		w.Header().Set(inventory.HeaderReplay, "true")
		status = http.StatusOK
	}
	httpx.JSON(w, status, result)
}
