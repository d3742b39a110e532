package procurement

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/inventory"
)

// GoodsReceipt is a posted receipt against a purchase order. Only accepted
// quantities reach the ledger.
type GoodsReceipt struct {
	PurchaseOrderID     int64         `json:"purchase_order_id" validate:"required,gt=0"`
	PurchaseOrderNumber string        `json:"purchase_order_number" validate:"required,max=128"`
	LocationID          int64         `json:"location_id" validate:"required,gt=0"`
	ReceivedBy          string        `json:"received_by" validate:"required,max=128"`
	Notes               string        `json:"notes" validate:"max=1000"`
	Lines               []ReceiptLine `json:"lines" validate:"required,min=1,dive"`
}

// ReceiptLine is one received product. A nil UnitCost leaves the average
// cost untouched and marks the movement cost as pending.
type ReceiptLine struct {
	LineID           string           `json:"line_id" validate:"max=128"`
	ProductID        int64            `json:"product_id" validate:"required,gt=0"`
	AcceptedQuantity decimal.Decimal  `json:"accepted_quantity"`
	UnitCost         *decimal.Decimal `json:"unit_cost,omitempty"`
}

// ReceiptResult reports the ledger outcome per posted line.
type ReceiptResult struct {
	PurchaseOrderID int64               `json:"purchase_order_id"`
	Lines           []ReceiptLineResult `json:"lines"`
}

// ReceiptLineResult links a receipt line to its movement.
type ReceiptLineResult struct {
	LineID     string                 `json:"line_id"`
	ProductID  int64                  `json:"product_id"`
	MovementID uuid.UUID              `json:"movement_id"`
	Balance    inventory.StockBalance `json:"balance"`
	Replayed   bool                   `json:"replayed"`
}

// Replayed reports whether every posted line was already on the ledger.
func (r ReceiptResult) Replayed() bool {
	if len(r.Lines) == 0 {
		return false
	}
	for _, line := range r.Lines {
		if !line.Replayed {
			return false
		}
	}
	return true
}
