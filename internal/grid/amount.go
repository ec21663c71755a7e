// Package grid contains the pure ladder arithmetic: the order-amount
// solver and the range/flat planners.
package grid

import (
	"github.com/shopspring/decimal"

	"gridbot/internal/core"
)

// stepUpCap bounds the solver's correction loop against pathological
// precision inputs.
const stepUpCap = 100

// AmountForCost converts a target cost in quote currency and a limit
// price into a base-currency amount that is a legal multiple of the
// exchange's amount step and whose executed cost stays at or above the
// target. Rounding down alone under-fills by up to one step, so the
// result is stepped back up until amount*price >= orderSize.
func AmountForCost(orderSize, price, amountPrecision, minAmount decimal.Decimal) decimal.Decimal {
	step := core.StepFromPrecision(amountPrecision)
	raw := orderSize.Div(price)
	amount := FloorToStep(raw, step)

	for i := 0; i < stepUpCap && amount.Mul(price).LessThan(orderSize); i++ {
		amount = amount.Add(step)
	}

	if amount.LessThan(minAmount) {
		amount = minAmount
	}
	return amount
}

// FloorToStep rounds v down to the nearest multiple of step.
func FloorToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// QuotePrecision returns the decimal places used when expressing costs
// in the given quote currency. Stablecoins settle to cents; everything
// else keeps eight places.
func QuotePrecision(quote string) int32 {
	switch quote {
	case "USDT", "USDC", "BUSD", "DAI", "TUSD":
		return 2
	default:
		return 8
	}
}
