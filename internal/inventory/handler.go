package inventory

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
)

// Headers understood by the ledger endpoints.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderPerformedBy    = "X-Performed-By"
	HeaderReplay         = "Idempotent-Replay"
)

// Handler wires the JSON endpoints of the ledger.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: httpx.NewValidator()}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/balances", h.handleOpenBalance)
	r.Get("/balances", h.handleListBalances)
	r.Get("/balances/{productID}/{locationID}", h.handleGetBalance)
	r.Post("/movements", h.handleApplyMovement)
	r.Get("/movements", h.handleListMovements)
	r.Get("/references/{type}/{id}/movements", h.handleMovementsByReference)
	r.Post("/transfers", h.handleTransfer)
}

type openBalanceRequest struct {
	ProductID  int64 `json:"product_id" validate:"required,gt=0"`
	LocationID int64 `json:"location_id" validate:"required,gt=0"`
}

type movementRequest struct {
	ProductID       int64            `json:"product_id" validate:"required,gt=0"`
	LocationID      int64            `json:"location_id" validate:"required,gt=0"`
	MovementType    string           `json:"movement_type" validate:"required"`
	Quantity        decimal.Decimal  `json:"quantity"`
	UnitCost        *decimal.Decimal `json:"unit_cost,omitempty"`
	ReferenceType   string           `json:"reference_type" validate:"required,max=64"`
	ReferenceID     string           `json:"reference_id" validate:"max=128"`
	ReferenceNumber string           `json:"reference_number" validate:"max=128"`
	Reason          string           `json:"reason" validate:"omitempty,oneof=count_correction damage transfer other"`
	PerformedBy     string           `json:"performed_by" validate:"required,max=128"`
	Notes           string           `json:"notes" validate:"max=1000"`
}

type transferRequest struct {
	ProductID      int64           `json:"product_id" validate:"required,gt=0"`
	FromLocationID int64           `json:"from_location_id" validate:"required,gt=0"`
	ToLocationID   int64           `json:"to_location_id" validate:"required,gt=0,nefield=FromLocationID"`
	Quantity       decimal.Decimal `json:"quantity"`
	ReferenceID    string          `json:"reference_id" validate:"max=128"`
	Number         string          `json:"number" validate:"max=128"`
	PerformedBy    string          `json:"performed_by" validate:"required,max=128"`
	Notes          string          `json:"notes" validate:"max=1000"`
}

func (h *Handler) handleOpenBalance(w http.ResponseWriter, r *http.Request) {
	var req openBalanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	balance, err := h.service.OpenBalance(r.Context(), Key{ProductID: req.ProductID, LocationID: req.LocationID})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, balance)
}

func (h *Handler) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		WriteError(w, invalid("product_id", "must be an integer"))
		return
	}
	locationID, err := strconv.ParseInt(chi.URLParam(r, "locationID"), 10, 64)
	if err != nil {
		WriteError(w, invalid("location_id", "must be an integer"))
		return
	}
	balance, err := h.service.GetBalance(r.Context(), Key{ProductID: productID, LocationID: locationID})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, balance)
}

func (h *Handler) handleListBalances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter BalanceFilter
	var err error
	if filter.ProductID, err = queryInt(q.Get("product_id"), "product_id"); err != nil {
		WriteError(w, err)
		return
	}
	if filter.LocationID, err = queryInt(q.Get("location_id"), "location_id"); err != nil {
		WriteError(w, err)
		return
	}
	limit, err := queryInt(q.Get("limit"), "limit")
	if err != nil {
		WriteError(w, err)
		return
	}
	filter.Limit = int(limit)
	filter.NonZero = q.Get("non_zero") == "true"
	balances, err := h.service.ListBalances(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"balances": balances})
}

func (h *Handler) handleApplyMovement(w http.ResponseWriter, r *http.Request) {
	// The header is the fallback; a performed_by body field overrides it.
	req := movementRequest{PerformedBy: r.Header.Get(HeaderPerformedBy)}
	if !h.decode(w, r, &req) {
		return
	}
	refID := req.ReferenceID
	if refID == "" {
		refID = strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	}
	input := MovementInput{
		Key:         Key{ProductID: req.ProductID, LocationID: req.LocationID},
		Type:        MovementType(req.MovementType),
		Quantity:    req.Quantity,
		UnitCost:    req.UnitCost,
		Reference:   Reference{Type: req.ReferenceType, ID: refID, Number: req.ReferenceNumber},
		Reason:      AdjustmentReason(req.Reason),
		PerformedBy: req.PerformedBy,
		Notes:       req.Notes,
	}
	result, err := h.service.ApplyMovement(r.Context(), input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		w.Header().Set(HeaderReplay, "true")
		status = http.StatusOK
	}
	httpx.JSON(w, status, result)
}

func (h *Handler) handleListMovements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter MovementFilter
	var err error
	if filter.ProductID, err = queryInt(q.Get("product_id"), "product_id"); err != nil {
		WriteError(w, err)
		return
	}
	if filter.LocationID, err = queryInt(q.Get("location_id"), "location_id"); err != nil {
		WriteError(w, err)
		return
	}
	if filter.AfterSeq, err = queryInt(q.Get("after_seq"), "after_seq"); err != nil {
		WriteError(w, err)
		return
	}
	limit, err := queryInt(q.Get("limit"), "limit")
	if err != nil {
		WriteError(w, err)
		return
	}
	filter.Limit = int(limit)
	filter.Type = MovementType(q.Get("type"))
	if filter.From, err = queryTime(q.Get("from"), "from", false); err != nil {
		WriteError(w, err)
		return
	}
	if filter.To, err = queryTime(q.Get("to"), "to", true); err != nil {
		WriteError(w, err)
		return
	}
	movements, err := h.service.ListMovements(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := map[string]any{"movements": movements}
	if n := len(movements); n > 0 && n == normalizeLimit(filter.Limit) {
		resp["next_after_seq"] = movements[n-1].Seq
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleMovementsByReference(w http.ResponseWriter, r *http.Request) {
	movements, err := h.service.MovementsByReference(r.Context(), chi.URLParam(r, "type"), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"movements": movements})
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	req := transferRequest{PerformedBy: r.Header.Get(HeaderPerformedBy)}
	if !h.decode(w, r, &req) {
		return
	}
	refID := req.ReferenceID
	if refID == "" {
		refID = strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	}
	result, err := h.service.Transfer(r.Context(), TransferInput{
		ProductID:    req.ProductID,
		FromLocation: req.FromLocationID,
		ToLocation:   req.ToLocationID,
		Quantity:     req.Quantity,
		ReferenceID:  refID,
		Number:       req.Number,
		PerformedBy:  req.PerformedBy,
		Notes:        req.Notes,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if result.Replayed() {
		w.Header().Set(HeaderReplay, "true")
		status = http.StatusOK
	}
	httpx.JSON(w, status, result)
}

// decode reads and validates the body; it writes the error response itself.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		if fe, ok := httpx.FirstFieldError(err); ok {
			WriteError(w, invalid(fe.Field, fe.Reason))
			return false
		}
		httpx.RespondError(w, err)
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if !isBusinessRejection(err) && !errors.Is(err, ErrTransientStorage) {
		h.logger.Error("inventory request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	WriteError(w, err)
}

// WriteError renders ledger errors as problem documents.
func WriteError(w http.ResponseWriter, err error) {
	p := ProblemFor(err)
	if p.Status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	httpx.WriteProblem(w, p)
}

// ProblemFor maps a ledger error to its problem document.
func ProblemFor(err error) httpx.ProblemDetail {
	var p httpx.ProblemDetail
	var insufficient *InsufficientStockError
	var verr *ValidationError
	switch {
	case errors.As(err, &insufficient):
		p = httpx.ProblemDetail{
			Status: http.StatusConflict,
			Title:  "Insufficient Stock",
			Code:   "insufficient_stock",
			Details: map[string]any{
				"product_id":  insufficient.Key.ProductID,
				"location_id": insufficient.Key.LocationID,
				"available":   insufficient.Available.String(),
				"requested":   insufficient.Requested.String(),
			},
		}
	case errors.As(err, &verr):
		p = httpx.ProblemDetail{
			Status:  http.StatusUnprocessableEntity,
			Title:   "Validation Failed",
			Code:    "validation_error",
			Details: map[string]any{"field": verr.Field, "reason": verr.Reason},
		}
	case errors.Is(err, ErrInvalidMovementType):
		p = httpx.ProblemDetail{Status: http.StatusUnprocessableEntity, Title: "Invalid Movement Type", Code: "invalid_movement_type"}
	case errors.Is(err, ErrNotFound):
		p = httpx.ProblemDetail{Status: http.StatusNotFound, Title: "Not Found", Code: "not_found"}
	case errors.Is(err, ErrTransientStorage):
		return httpx.ProblemDetail{Status: http.StatusServiceUnavailable, Title: "Service Unavailable", Code: "transient_storage", Detail: "storage temporarily unavailable, retry the request"}
	case errors.Is(err, httpx.ErrBadRequest):
		p = httpx.ProblemDetail{Status: http.StatusBadRequest, Title: "Bad Request", Code: "bad_request"}
	default:
		return httpx.ProblemDetail{Status: http.StatusInternalServerError, Title: "Internal Error", Code: "internal"}
	}
	p.Detail = err.Error()
	var lineErr *LineError
	if errors.As(err, &lineErr) {
		if p.Details == nil {
			p.Details = map[string]any{}
		}
		p.Details["line"] = lineErr.Index
	}
	return p
}

func queryInt(raw, field string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, invalid(field, "must be a non-negative integer")
	}
	return v, nil
}

func queryTime(raw, field string, endOfDay bool) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, invalid(field, "must be RFC3339 or YYYY-MM-DD")
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}
