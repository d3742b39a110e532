package procurement

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

// InventoryPort exposes the ledger operations the receipt flow needs.
type InventoryPort interface {
	ApplyBatch(ctx context.Context, inputs []inventory.MovementInput) ([]inventory.MovementResult, error)
}

// Service turns goods receipts into purchase movements.
type Service struct {
	inventory InventoryPort
	logger    *slog.Logger
	validator *validator.Validate
}

// NewService constructs procurement service.
func NewService(inv InventoryPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{inventory: inv, logger: logger, validator: httpx.NewValidator()}
}

// PostGoodsReceipt records every accepted line as a purchase movement in one
// ledger transaction. A failing line aborts the whole receipt. Posting the
// same receipt again replays the original movements.
func (s *Service) PostGoodsReceipt(ctx context.Context, receipt GoodsReceipt) (ReceiptResult, error) {
	if s.inventory == nil {
		return ReceiptResult{}, errors.New("procurement: inventory integration not configured")
	}
	if err := s.validate(receipt); err != nil {
		return ReceiptResult{}, err
	}

	inputs := make([]inventory.MovementInput, 0, len(receipt.Lines))
	posted := make([]ReceiptLine, 0, len(receipt.Lines))
	seen := make(map[string]int, len(receipt.Lines))
	for i, line := range receipt.Lines {
		if line.AcceptedQuantity.IsZero() {
			continue
		}
		refID := receiptReference(receipt.PurchaseOrderID, line)
		if prev, dup := seen[refID]; dup {
			return ReceiptResult{}, &inventory.ValidationError{
				Field:  fmt.Sprintf("lines[%d].line_id", i),
				Reason: fmt.Sprintf("duplicates line %d; give each line a distinct line_id", prev),
			}
		}
		seen[refID] = i
		inputs = append(inputs, inventory.MovementInput{
			Key:      inventory.Key{ProductID: line.ProductID, LocationID: receipt.LocationID},
			Type:     inventory.MovementPurchase,
			Quantity: line.AcceptedQuantity,
			UnitCost: line.UnitCost,
			Reference: inventory.Reference{
				Type:   inventory.ReferencePurchaseOrder,
				ID:     refID,
				Number: receipt.PurchaseOrderNumber,
			},
			PerformedBy: receipt.ReceivedBy,
			Notes:       receiptNote(receipt),
		})
		posted = append(posted, line)
	}
	if len(inputs) == 0 {
		return ReceiptResult{}, &inventory.ValidationError{Field: "lines", Reason: "no line has an accepted quantity"}
	}

	results, err := s.inventory.ApplyBatch(ctx, inputs)
	if err != nil {
		var lineErr *inventory.LineError
		if errors.As(err, &lineErr) && lineErr.Index < len(posted) {
			line := posted[lineErr.Index]
			return ReceiptResult{}, fmt.Errorf("procurement: receipt PO %s line %q (product %d): %w",
				receipt.PurchaseOrderNumber, line.LineID, line.ProductID, err)
		}
		return ReceiptResult{}, fmt.Errorf("procurement: receipt PO %s: %w", receipt.PurchaseOrderNumber, err)
	}

	out := ReceiptResult{PurchaseOrderID: receipt.PurchaseOrderID, Lines: make([]ReceiptLineResult, len(results))}
	for i, res := range results {
		out.Lines[i] = ReceiptLineResult{
			LineID:     posted[i].LineID,
			ProductID:  posted[i].ProductID,
			MovementID: res.Movement.ID,
			Balance:    res.Balance,
			Replayed:   res.Replayed,
		}
	}
	s.logger.Info("goods receipt posted",
		slog.Int64("purchase_order_id", receipt.PurchaseOrderID),
		slog.String("purchase_order_number", receipt.PurchaseOrderNumber),
		slog.Int("lines", len(out.Lines)),
		slog.Bool("replayed", out.Replayed()),
	)
	return out, nil
}

func (s *Service) validate(receipt GoodsReceipt) error {
	if err := s.validator.Struct(receipt); err != nil {
		if fe, ok := httpx.FirstFieldError(err); ok {
			return &inventory.ValidationError{Field: fe.Field, Reason: fe.Reason}
		}
		return err
	}
	for i, line := range receipt.Lines {
		if line.AcceptedQuantity.IsNegative() {
			return &inventory.ValidationError{Field: fmt.Sprintf("lines[%d].accepted_quantity", i), Reason: "must not be negative"}
		}
	}
	return nil
}

// receiptReference scopes the line id to its purchase order, or derives a
// stable id from the order and product so retries of the same receipt hit the
// same movement. Line ids are only unique within one order.
func receiptReference(poID int64, line ReceiptLine) string {
	if id := strings.TrimSpace(line.LineID); id != "" {
		return fmt.Sprintf("%d:%s", poID, id)
	}
	return uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("PO:%d:%d", poID, line.ProductID))).String()
}

func receiptNote(receipt GoodsReceipt) string {
	if receipt.Notes == "" {
		return fmt.Sprintf("GRN for PO %s", receipt.PurchaseOrderNumber)
	}
	return fmt.Sprintf("GRN for PO %s: %s", receipt.PurchaseOrderNumber, receipt.Notes)
}
