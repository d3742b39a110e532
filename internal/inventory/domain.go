package inventory

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MovementType tags a stock movement. The set is closed; see Classify.
type MovementType string

const (
	MovementIn         MovementType = "in"
	MovementPurchase   MovementType = "purchase"
	MovementReturn     MovementType = "return"
	MovementOut        MovementType = "out"
	MovementSale       MovementType = "sale"
	MovementDamage     MovementType = "damage"
	MovementExpired    MovementType = "expired"
	MovementWaste      MovementType = "waste"
	MovementAdjustment MovementType = "adjustment"
)

// Reference types used by the built-in callers. Other non-empty values are accepted.
const (
	ReferencePurchaseOrder = "purchase_order"
	ReferenceSale          = "sale"
	ReferenceManual        = "manual"
	ReferenceTransfer      = "transfer"
)

// AdjustmentReason qualifies an adjustment movement without changing its direction rules.
type AdjustmentReason string

const (
	ReasonCountCorrection AdjustmentReason = "count_correction"
	ReasonDamage          AdjustmentReason = "damage"
	ReasonTransfer        AdjustmentReason = "transfer"
	ReasonOther           AdjustmentReason = "other"
)

// Valid reports whether the reason belongs to the known set.
func (r AdjustmentReason) Valid() bool {
	switch r {
	case ReasonCountCorrection, ReasonDamage, ReasonTransfer, ReasonOther:
		return true
	}
	return false
}

// CostStatus records what the cost accumulator did for a movement.
type CostStatus string

const (
	// CostApplied means the moving average was recomputed from the movement's unit cost.
	CostApplied CostStatus = "applied"
	// CostPending marks an inbound movement received without a unit cost.
	CostPending CostStatus = "pending"
	// CostNotApplicable is used for outbound and adjustment movements.
	CostNotApplicable CostStatus = "not_applicable"
)

// Key identifies one stock balance.
type Key struct {
	ProductID  int64 `json:"product_id"`
	LocationID int64 `json:"location_id"`
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%d", k.ProductID, k.LocationID)
}

// Less orders keys by product then location. Batches lock rows in this order.
func (k Key) Less(other Key) bool {
	if k.ProductID != other.ProductID {
		return k.ProductID < other.ProductID
	}
	return k.LocationID < other.LocationID
}

// StockBalance is the authoritative on-hand row for a key.
type StockBalance struct {
	ProductID      int64           `json:"product_id" db:"product_id"`
	LocationID     int64           `json:"location_id" db:"location_id"`
	Quantity       decimal.Decimal `json:"quantity" db:"quantity"`
	AverageCost    decimal.Decimal `json:"average_cost" db:"average_cost"`
	LastMovementAt *time.Time      `json:"last_movement_at,omitempty" db:"last_movement_at"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Key returns the balance key.
func (b StockBalance) Key() Key {
	return Key{ProductID: b.ProductID, LocationID: b.LocationID}
}

// Value is quantity times average cost.
func (b StockBalance) Value() decimal.Decimal {
	return b.Quantity.Mul(b.AverageCost)
}

// Reference links a movement to its originating business document.
type Reference struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	Number string `json:"number,omitempty"`
}

// StockMovement is one immutable ledger entry. Quantity is the signed delta.
type StockMovement struct {
	ID               uuid.UUID        `json:"id" db:"id"`
	Seq              int64            `json:"seq" db:"seq"`
	ProductID        int64            `json:"product_id" db:"product_id"`
	LocationID       int64            `json:"location_id" db:"location_id"`
	Type             MovementType     `json:"movement_type" db:"movement_type"`
	Quantity         decimal.Decimal  `json:"quantity" db:"quantity"`
	UnitCost         *decimal.Decimal `json:"unit_cost,omitempty" db:"unit_cost"`
	CostStatus       CostStatus       `json:"cost_status" db:"cost_status"`
	AverageCostAfter decimal.Decimal  `json:"average_cost_after" db:"average_cost_after"`
	ReferenceType    string           `json:"reference_type" db:"reference_type"`
	ReferenceID      *string          `json:"reference_id,omitempty" db:"reference_id"`
	ReferenceNumber  *string          `json:"reference_number,omitempty" db:"reference_number"`
	Reason           *string          `json:"reason,omitempty" db:"reason"`
	BalanceBefore    decimal.Decimal  `json:"balance_before" db:"balance_before"`
	BalanceAfter     decimal.Decimal  `json:"balance_after" db:"balance_after"`
	PerformedBy      string           `json:"performed_by" db:"performed_by"`
	OccurredAt       time.Time        `json:"occurred_at" db:"occurred_at"`
	Notes            string           `json:"notes" db:"notes"`
}

// Key returns the balance key of the movement.
func (m StockMovement) Key() Key {
	return Key{ProductID: m.ProductID, LocationID: m.LocationID}
}

// Magnitude returns the unsigned quantity.
func (m StockMovement) Magnitude() decimal.Decimal {
	return m.Quantity.Abs()
}

// BalanceAsOf rebuilds the balance snapshot right after the movement committed.
func (m StockMovement) BalanceAsOf() StockBalance {
	at := m.OccurredAt
	return StockBalance{
		ProductID:      m.ProductID,
		LocationID:     m.LocationID,
		Quantity:       m.BalanceAfter,
		AverageCost:    m.AverageCostAfter,
		LastMovementAt: &at,
	}
}

// MovementInput is the caller-supplied request for one movement.
type MovementInput struct {
	Key         Key
	Type        MovementType
	Quantity    decimal.Decimal
	UnitCost    *decimal.Decimal
	Reference   Reference
	Reason      AdjustmentReason
	PerformedBy string
	Notes       string
}

// MovementResult is returned by ApplyMovement. Replayed is set when an existing
// movement with the same reference and key was returned instead of a new write.
type MovementResult struct {
	Movement StockMovement `json:"movement"`
	Balance  StockBalance  `json:"balance"`
	Replayed bool          `json:"replayed"`
}

// TransferInput moves stock between two locations of one product.
type TransferInput struct {
	ProductID    int64
	FromLocation int64
	ToLocation   int64
	Quantity     decimal.Decimal
	ReferenceID  string
	Number       string
	PerformedBy  string
	Notes        string
}

// TransferResult holds both legs of a transfer.
type TransferResult struct {
	Out MovementResult `json:"out"`
	In  MovementResult `json:"in"`
}

// Replayed reports whether both legs were idempotent replays.
func (r TransferResult) Replayed() bool {
	return r.Out.Replayed && r.In.Replayed
}

// BalanceFilter narrows balance listings.
type BalanceFilter struct {
	ProductID  int64
	LocationID int64
	NonZero    bool
	Limit      int
}

// MovementFilter narrows ledger listings. AfterSeq is an exclusive cursor.
type MovementFilter struct {
	ProductID  int64
	LocationID int64
	Type       MovementType
	From       time.Time
	To         time.Time
	AfterSeq   int64
	Limit      int
}

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
