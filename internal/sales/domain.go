package sales

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/inventory"
)

// FulfillmentMode selects the ledger movement type used for the lines.
type FulfillmentMode string

const (
	// ModeSale records a customer sale.
	ModeSale FulfillmentMode = "sale"
	// ModeOut records a generic issue, such as a sample or internal use.
	ModeOut FulfillmentMode = "out"
)

func (m FulfillmentMode) movementType() inventory.MovementType {
	if m == ModeOut {
		return inventory.MovementOut
	}
	return inventory.MovementSale
}

// Fulfillment is a finalized sale whose lines leave one location.
type Fulfillment struct {
	SaleID      int64             `json:"sale_id" validate:"required,gt=0"`
	SaleNumber  string            `json:"sale_number" validate:"required,max=128"`
	LocationID  int64             `json:"location_id" validate:"required,gt=0"`
	FulfilledBy string            `json:"fulfilled_by" validate:"required,max=128"`
	Mode        FulfillmentMode   `json:"mode" validate:"omitempty,oneof=sale out"`
	Lines       []FulfillmentLine `json:"lines" validate:"required,min=1,dive"`
}

// FulfillmentLine is one product leaving stock.
type FulfillmentLine struct {
	LineID    string          `json:"line_id" validate:"max=128"`
	ProductID int64           `json:"product_id" validate:"required,gt=0"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// FulfillmentResult reports the ledger outcome per line.
type FulfillmentResult struct {
	SaleID int64                   `json:"sale_id"`
	Lines  []FulfillmentLineResult `json:"lines"`
}

// FulfillmentLineResult links a sale line to its movement.
type FulfillmentLineResult struct {
	LineID     string                 `json:"line_id"`
	ProductID  int64                  `json:"product_id"`
	MovementID uuid.UUID              `json:"movement_id"`
	Balance    inventory.StockBalance `json:"balance"`
	Replayed   bool                   `json:"replayed"`
}

// Replayed reports whether every line was already on the ledger.
func (r FulfillmentResult) Replayed() bool {
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

// ShortageError aborts a fulfillment when one line lacks stock.
type ShortageError struct {
	LineID     string
	ProductID  int64
	LocationID int64
	Available  decimal.Decimal
	Required   decimal.Decimal
	err        *inventory.InsufficientStockError
}

func (e *ShortageError) Error() string {
	return fmt.Sprintf("sales: shortage on line %q: product %d at location %d has %s, needs %s",
		e.LineID, e.ProductID, e.LocationID, e.Available, e.Required)
}

// Unwrap exposes the ledger error so inventory.ErrInsufficientStock matches.
func (e *ShortageError) Unwrap() error {
	if e.err == nil {
		return inventory.ErrInsufficientStock
	}
	return e.err
}
