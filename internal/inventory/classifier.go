package inventory

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Direction is the effect a movement type has on the balance.
type Direction int

const (
	DirectionIncrease Direction = iota + 1
	DirectionDecrease
	// DirectionSigned applies the caller's signed quantity as-is.
	DirectionSigned
)

func (d Direction) String() string {
	switch d {
	case DirectionIncrease:
		return "increase"
	case DirectionDecrease:
		return "decrease"
	case DirectionSigned:
		return "signed"
	}
	return "unknown"
}

// Classification is the classifier verdict for a movement type.
type Classification struct {
	Direction   Direction
	AffectsCost bool
}

var classifications = map[MovementType]Classification{
	MovementIn:         {Direction: DirectionIncrease, AffectsCost: true},
	MovementPurchase:   {Direction: DirectionIncrease, AffectsCost: true},
	MovementReturn:     {Direction: DirectionIncrease, AffectsCost: true},
	MovementOut:        {Direction: DirectionDecrease},
	MovementSale:       {Direction: DirectionDecrease},
	MovementDamage:     {Direction: DirectionDecrease},
	MovementExpired:    {Direction: DirectionDecrease},
	MovementWaste:      {Direction: DirectionDecrease},
	MovementAdjustment: {Direction: DirectionSigned},
}

// Classify maps a movement type to its direction. Unknown tags are rejected.
func Classify(t MovementType) (Classification, error) {
	c, ok := classifications[t]
	if !ok {
		return Classification{}, fmt.Errorf("%w: %q", ErrInvalidMovementType, string(t))
	}
	return c, nil
}

// Delta converts the caller quantity into the signed change applied to the balance.
func (c Classification) Delta(qty decimal.Decimal) decimal.Decimal {
	switch c.Direction {
	case DirectionIncrease:
		return qty.Abs()
	case DirectionDecrease:
		return qty.Abs().Neg()
	default:
		return qty
	}
}

// MovementTypes lists every accepted tag.
func MovementTypes() []MovementType {
	return []MovementType{
		MovementIn, MovementPurchase, MovementReturn,
		MovementOut, MovementSale, MovementDamage, MovementExpired, MovementWaste,
		MovementAdjustment,
	}
}
