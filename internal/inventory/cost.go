package inventory

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// costScale is the number of decimal places kept on unit and average costs.
const costScale = 6

// quantityScale is the number of decimal places a quantity may carry.
const quantityScale = 4

// integerDigits is how many digits the NUMERIC(18,4) quantity and
// NUMERIC(20,6) cost columns keep before the decimal point.
const integerDigits = 14

var integerLimit = decimal.New(1, integerDigits)

// fitsColumn reports whether v has at most integerDigits integer digits.
func fitsColumn(v decimal.Decimal) bool {
	return v.Abs().LessThan(integerLimit)
}

// NewAverageCost returns the weighted moving average after an inbound movement:
//
//	((oldQty * oldAvg) + (inQty * inCost)) / (oldQty + inQty)
//
// A zero denominator or negative input is an invariant violation.
func NewAverageCost(oldQty, oldAvg, inQty, inCost decimal.Decimal) (decimal.Decimal, error) {
	if inQty.IsNegative() || inCost.IsNegative() || oldQty.IsNegative() || oldAvg.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative input (qty %s, avg %s, in %s @ %s)",
			ErrCostInvariant, oldQty, oldAvg, inQty, inCost)
	}
	total := oldQty.Add(inQty)
	if total.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: zero quantity after inbound movement", ErrCostInvariant)
	}
	value := oldQty.Mul(oldAvg).Add(inQty.Mul(inCost))
	return value.DivRound(total, costScale), nil
}
