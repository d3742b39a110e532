package sales

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
)

// InventoryPort exposes the ledger operations fulfillment needs.
type InventoryPort interface {
	ApplyBatch(ctx context.Context, inputs []inventory.MovementInput) ([]inventory.MovementResult, error)
}

// Service posts sale fulfillments to the ledger.
type Service struct {
	inventory InventoryPort
	logger    *slog.Logger
	validator *validator.Validate
}

// NewService constructs a sales service.
func NewService(inv InventoryPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{inventory: inv, logger: logger, validator: httpx.NewValidator()}
}

// Fulfill issues every line in one ledger transaction. Any shortage aborts
// the whole sale with a *ShortageError; nothing is partially issued.
func (s *Service) Fulfill(ctx context.Context, f Fulfillment) (FulfillmentResult, error) {
	if s.inventory == nil {
		return FulfillmentResult{}, errors.New("sales: inventory integration not configured")
	}
	if err := s.validator.Struct(f); err != nil {
		if fe, ok := httpx.FirstFieldError(err); ok {
			return FulfillmentResult{}, &inventory.ValidationError{Field: fe.Field, Reason: fe.Reason}
		}
		return FulfillmentResult{}, err
	}
	if f.Mode == "" {
		f.Mode = ModeSale
	}

	inputs := make([]inventory.MovementInput, len(f.Lines))
	seen := make(map[string]int, len(f.Lines))
	for i, line := range f.Lines {
		if !line.Quantity.IsPositive() {
			return FulfillmentResult{}, &inventory.ValidationError{Field: fmt.Sprintf("lines[%d].quantity", i), Reason: "must be greater than zero"}
		}
		refID := saleReference(f.SaleID, line)
		if prev, dup := seen[refID]; dup {
			return FulfillmentResult{}, &inventory.ValidationError{
				Field:  fmt.Sprintf("lines[%d].line_id", i),
				Reason: fmt.Sprintf("duplicates line %d; give each line a distinct line_id", prev),
			}
		}
		seen[refID] = i
		inputs[i] = inventory.MovementInput{
			Key:      inventory.Key{ProductID: line.ProductID, LocationID: f.LocationID},
			Type:     f.Mode.movementType(),
			Quantity: line.Quantity,
			Reference: inventory.Reference{
				Type:   inventory.ReferenceSale,
				ID:     refID,
				Number: f.SaleNumber,
			},
			PerformedBy: f.FulfilledBy,
			Notes:       fmt.Sprintf("sale %s", f.SaleNumber),
		}
	}

	results, err := s.inventory.ApplyBatch(ctx, inputs)
	if err != nil {
		return FulfillmentResult{}, s.lineFailure(f, err)
	}

	out := FulfillmentResult{SaleID: f.SaleID, Lines: make([]FulfillmentLineResult, len(results))}
	for i, res := range results {
		out.Lines[i] = FulfillmentLineResult{
			LineID:     f.Lines[i].LineID,
			ProductID:  f.Lines[i].ProductID,
			MovementID: res.Movement.ID,
			Balance:    res.Balance,
			Replayed:   res.Replayed,
		}
	}
	s.logger.Info("sale fulfilled",
		slog.Int64("sale_id", f.SaleID),
		slog.String("sale_number", f.SaleNumber),
		slog.String("mode", string(f.Mode)),
		slog.Int("lines", len(out.Lines)),
		slog.Bool("replayed", out.Replayed()),
	)
	return out, nil
}

func (s *Service) lineFailure(f Fulfillment, err error) error {
	var lineErr *inventory.LineError
	if !errors.As(err, &lineErr) || lineErr.Index >= len(f.Lines) {
		return fmt.Errorf("sales: fulfill %s: %w", f.SaleNumber, err)
	}
	line := f.Lines[lineErr.Index]
	var insufficient *inventory.InsufficientStockError
	if errors.As(err, &insufficient) {
		s.logger.Warn("sale shortage",
			slog.Int64("sale_id", f.SaleID),
			slog.String("line_id", line.LineID),
			slog.Int64("product_id", line.ProductID),
			slog.String("available", insufficient.Available.String()),
			slog.String("required", insufficient.Requested.String()),
		)
		return &ShortageError{
			LineID:     line.LineID,
			ProductID:  line.ProductID,
			LocationID: f.LocationID,
			Available:  insufficient.Available,
			Required:   insufficient.Requested,
			err:        insufficient,
		}
	}
	return fmt.Errorf("sales: fulfill %s line %q (product %d): %w", f.SaleNumber, line.LineID, line.ProductID, err)
}

// saleReference scopes the line id to its sale; lines without an id get a
// stable id derived from the sale and product.
func saleReference(saleID int64, line FulfillmentLine) string {
	if id := strings.TrimSpace(line.LineID); id != "" {
		return fmt.Sprintf("%d:%s", saleID, id)
	}
	return uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("SALE:%d:%d", saleID, line.ProductID))).String()
}
