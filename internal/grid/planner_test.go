package grid

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridbot/internal/core"
)

func ethMarket() *core.MarketInfo {
	return &core.MarketInfo{
		Symbol:          "ETH/USDT",
		Base:            "ETH",
		Quote:           "USDT",
		PricePrecision:  2,
		AmountPrecision: d("0.0001"),
		MinOrderAmount:  d("0.0001"),
		Active:          true,
	}
}

func TestPlanRange_CanonicalLadder(t *testing.T) {
	bot := &core.Bot{
		Symbol:           "ETH/USDT",
		GridType:         core.GridRange,
		LowerPrice:       d("1800"),
		UpperPrice:       d("2200"),
		GridLevels:       10,
		OrderSize:        d("10"),
		InvestmentAmount: d("100"),
	}

	ladder, err := PlanRange(bot, ethMarket())
	require.NoError(t, err)

	require.Len(t, ladder.Buys, 5)
	require.Len(t, ladder.Sells, 5)

	wantBuys := []string{"1800", "1840", "1880", "1920", "1960"}
	for i, want := range wantBuys {
		assert.True(t, ladder.Buys[i].Price.Equal(d(want)), "buy %d: got %s", i, ladder.Buys[i].Price)
		assert.Equal(t, core.SideBuy, ladder.Buys[i].Side)
		assert.Equal(t, i, ladder.Buys[i].Index)
	}

	wantSells := []string{"2040", "2080", "2120", "2160", "2200"}
	for j, want := range wantSells {
		assert.True(t, ladder.Sells[j].Price.Equal(d(want)), "sell %d: got %s", j, ladder.Sells[j].Price)
		assert.Equal(t, core.SideSell, ladder.Sells[j].Side)
		assert.Equal(t, 6+j, ladder.Sells[j].Index)
	}
}

func TestPlanRange_CostInvariant(t *testing.T) {
	bot := &core.Bot{
		LowerPrice: d("1800"), UpperPrice: d("2200"),
		GridLevels: 10, OrderSize: d("10"), GridType: core.GridRange,
	}
	ladder, err := PlanRange(bot, ethMarket())
	require.NoError(t, err)

	for _, lvl := range append(ladder.Buys, ladder.Sells...) {
		cost := lvl.Amount.Mul(lvl.Price)
		assert.True(t, cost.GreaterThanOrEqual(bot.OrderSize),
			"level %d at %s costs %s", lvl.Index, lvl.Price, cost)
	}
}

func TestPlanRange_BoundaryLevels(t *testing.T) {
	for _, levels := range []int{4, 50} {
		bot := &core.Bot{
			LowerPrice: d("100"), UpperPrice: d("200"),
			GridLevels: levels, OrderSize: d("5"), GridType: core.GridRange,
		}
		ladder, err := PlanRange(bot, ethMarket())
		require.NoError(t, err, "levels=%d", levels)
		assert.Len(t, ladder.Buys, levels/2)
		assert.Len(t, ladder.Sells, levels/2)
		assert.True(t, ladder.Buys[0].Price.Equal(d("100")))
		assert.True(t, ladder.Sells[len(ladder.Sells)-1].Price.Equal(d("200")))
	}
}

func TestPlanRange_RejectsBadConfig(t *testing.T) {
	m := ethMarket()

	_, err := PlanRange(&core.Bot{LowerPrice: d("100"), UpperPrice: d("200"), GridLevels: 5}, m)
	assert.Error(t, err, "odd levels")

	_, err = PlanRange(&core.Bot{LowerPrice: d("200"), UpperPrice: d("100"), GridLevels: 4}, m)
	assert.Error(t, err, "inverted range")
}

func TestPlanFlat_CanonicalLadder(t *testing.T) {
	bot := &core.Bot{
		Symbol:          "ETH/USDT",
		GridType:        core.GridFlat,
		StartingPrice:   d("100"),
		FlatSpread:      d("2"),
		FlatIncrement:   d("1"),
		BuyOrdersCount:  3,
		SellOrdersCount: 3,
		OrderSize:       d("10"),
	}

	ladder, err := PlanFlat(bot, ethMarket(), d("100"))
	require.NoError(t, err)

	require.Len(t, ladder.Buys, 3)
	require.Len(t, ladder.Sells, 3)

	wantBuys := []string{"99", "98", "97"}
	for i, want := range wantBuys {
		assert.True(t, ladder.Buys[i].Price.Equal(d(want)), "buy %d: got %s", i, ladder.Buys[i].Price)
		assert.Equal(t, -(i + 1), ladder.Buys[i].Index)
	}
	wantSells := []string{"101", "102", "103"}
	for j, want := range wantSells {
		assert.True(t, ladder.Sells[j].Price.Equal(d(want)), "sell %d: got %s", j, ladder.Sells[j].Price)
		assert.Equal(t, j+1, ladder.Sells[j].Index)
	}
}

func TestPlanFlat_SkipsNonPositiveBuyLevels(t *testing.T) {
	bot := &core.Bot{
		FlatIncrement:   d("40"),
		BuyOrdersCount:  5,
		SellOrdersCount: 2,
		OrderSize:       d("10"),
	}
	// Center 100 with increment 40: buys at 60 and 20 fit, deeper levels
	// would be non-positive and are skipped.
	ladder, err := PlanFlat(bot, ethMarket(), d("100"))
	require.NoError(t, err)
	assert.Len(t, ladder.Buys, 2)
	assert.Len(t, ladder.Sells, 2)
}

func TestPlanFlat_RejectsBadInputs(t *testing.T) {
	bot := &core.Bot{FlatIncrement: d("1"), BuyOrdersCount: 1, SellOrdersCount: 1, OrderSize: d("10")}

	_, err := PlanFlat(bot, ethMarket(), decimal.Zero)
	assert.Error(t, err)

	bot.FlatIncrement = decimal.Zero
	_, err = PlanFlat(bot, ethMarket(), d("100"))
	assert.Error(t, err)
}

func TestTotalSellAmountAndPreBuyCost(t *testing.T) {
	ladder := &Ladder{
		Sells: []Level{
			{Amount: d("0.005")},
			{Amount: d("0.0049")},
			{Amount: d("0.0048")},
		},
	}
	total := ladder.TotalSellAmount()
	assert.True(t, total.Equal(d("0.0147")))

	// 0.0147 * 1.03 * 2000 = 30.282
	cost := PreBuyCost(total, d("2000"), "USDT")
	assert.True(t, cost.Equal(d("30.28")), "got %s", cost)

	// Non-stablecoin quote keeps eight places.
	cost = PreBuyCost(d("0.5"), d("0.123456789"), "BTC")
	assert.True(t, cost.Equal(d("0.06358024")), "got %s", cost)
}

func TestRangePrice(t *testing.T) {
	bot := &core.Bot{LowerPrice: d("1800"), UpperPrice: d("2200"), GridLevels: 10}
	assert.True(t, RangePrice(bot, ethMarket(), 5).Equal(d("2000")))
	assert.True(t, RangePrice(bot, ethMarket(), 0).Equal(d("1800")))
	assert.True(t, RangePrice(bot, ethMarket(), 10).Equal(d("2200")))
}
