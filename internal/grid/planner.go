package grid

import (
	"fmt"

	"github.com/shopspring/decimal"

	"gridbot/internal/core"
)

// Level is one planned order of a ladder.
type Level struct {
	// Index is the position in the price ladder for range grids and the
	// signed offset from the center for flat grids.
	Index  int
	Side   core.Side
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// Ladder is the full planned order set for one bot.
type Ladder struct {
	Buys  []Level
	Sells []Level
}

// TotalSellAmount sums the base-currency amount across all sell levels;
// this is what the market pre-buy must acquire.
func (l *Ladder) TotalSellAmount() decimal.Decimal {
	total := decimal.Zero
	for _, lvl := range l.Sells {
		total = total.Add(lvl.Amount)
	}
	return total
}

// PlanRange computes the arithmetic ladder for a range bot. Prices run
// lower + i*step for i in [0, levels]; the lower half places buys, the
// upper half sells, and the middle index is left empty. Levels must be
// even, which the manager validates at create time.
func PlanRange(bot *core.Bot, market *core.MarketInfo) (*Ladder, error) {
	if bot.GridLevels < 2 || bot.GridLevels%2 != 0 {
		return nil, fmt.Errorf("grid levels must be even and >= 2, got %d", bot.GridLevels)
	}
	if !bot.UpperPrice.GreaterThan(bot.LowerPrice) {
		return nil, fmt.Errorf("upper price %s must exceed lower price %s", bot.UpperPrice, bot.LowerPrice)
	}

	levels := int64(bot.GridLevels)
	step := bot.UpperPrice.Sub(bot.LowerPrice).Div(decimal.NewFromInt(levels))
	mid := bot.GridLevels / 2

	ladder := &Ladder{}
	for i := 0; i <= bot.GridLevels; i++ {
		if i == mid {
			continue
		}
		price := bot.LowerPrice.Add(step.Mul(decimal.NewFromInt(int64(i)))).RoundFloor(market.PricePrecision)
		amount := AmountForCost(bot.OrderSize, price, market.AmountPrecision, market.MinOrderAmount)
		lvl := Level{Index: i, Price: price, Amount: amount}
		if i < mid {
			lvl.Side = core.SideBuy
			ladder.Buys = append(ladder.Buys, lvl)
		} else {
			lvl.Side = core.SideSell
			ladder.Sells = append(ladder.Sells, lvl)
		}
	}
	return ladder, nil
}

// PlanFlat computes the symmetric ladder for a flat bot around center.
// Buy prices sit center - i*increment for i in [1, buy_count], sells at
// center + j*increment. The flat spread plays no role here; it only
// governs where counter orders land after fills.
func PlanFlat(bot *core.Bot, market *core.MarketInfo, center decimal.Decimal) (*Ladder, error) {
	if center.Sign() <= 0 {
		return nil, fmt.Errorf("center price must be positive, got %s", center)
	}
	if bot.FlatIncrement.Sign() <= 0 {
		return nil, fmt.Errorf("flat increment must be positive, got %s", bot.FlatIncrement)
	}

	ladder := &Ladder{}
	for i := 1; i <= bot.BuyOrdersCount; i++ {
		price := center.Sub(bot.FlatIncrement.Mul(decimal.NewFromInt(int64(i))))
		if price.Sign() <= 0 {
			continue
		}
		price = price.RoundFloor(market.PricePrecision)
		ladder.Buys = append(ladder.Buys, Level{
			Index:  -i,
			Side:   core.SideBuy,
			Price:  price,
			Amount: AmountForCost(bot.OrderSize, price, market.AmountPrecision, market.MinOrderAmount),
		})
	}
	for j := 1; j <= bot.SellOrdersCount; j++ {
		price := center.Add(bot.FlatIncrement.Mul(decimal.NewFromInt(int64(j)))).RoundFloor(market.PricePrecision)
		ladder.Sells = append(ladder.Sells, Level{
			Index:  j,
			Side:   core.SideSell,
			Price:  price,
			Amount: AmountForCost(bot.OrderSize, price, market.AmountPrecision, market.MinOrderAmount),
		})
	}
	return ladder, nil
}

// RangePrice returns the price at ladder index i for a range bot.
func RangePrice(bot *core.Bot, market *core.MarketInfo, i int) decimal.Decimal {
	step := bot.UpperPrice.Sub(bot.LowerPrice).Div(decimal.NewFromInt(int64(bot.GridLevels)))
	return bot.LowerPrice.Add(step.Mul(decimal.NewFromInt(int64(i)))).RoundFloor(market.PricePrecision)
}

// PreBuyCost converts the total sell-side base amount into the quote
// cost of the market pre-buy, padded 3% for fees and slippage and
// rounded down to the quote currency's precision.
func PreBuyCost(totalSellAmount, referencePrice decimal.Decimal, quote string) decimal.Decimal {
	buffer := decimal.RequireFromString("1.03")
	cost := totalSellAmount.Mul(buffer).Mul(referencePrice)
	return cost.RoundFloor(QuotePrecision(quote))
}
