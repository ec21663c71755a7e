package store

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridbot/internal/core"
	apperrors "gridbot/pkg/errors"
)

func newTestStore(t *testing.T) *Store {
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestBot(t *testing.T, s *Store, userID int64) *core.Bot {
	b, err := s.CreateBot(context.Background(), &core.Bot{
		UserID:           userID,
		Symbol:           "BTC/USDT",
		GridType:         core.GridRange,
		LowerPrice:       decimal.RequireFromString("100"),
		UpperPrice:       decimal.RequireFromString("200"),
		GridLevels:       10,
		OrderSize:        decimal.RequireFromString("10"),
		InvestmentAmount: decimal.RequireFromString("100"),
	})
	require.NoError(t, err)
	return b
}

func TestUsers_GetOrCreate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u1, err := s.GetOrCreateUser(ctx, 555)
	require.NoError(t, err)
	assert.False(t, u1.HasCredentials())

	u2, err := s.GetOrCreateUser(ctx, 555)
	require.NoError(t, err)
	assert.Equal(t, u1.ID, u2.ID)

	require.NoError(t, s.SetCredentials(ctx, u1.ID, "enc-key", "enc-secret"))
	u3, err := s.GetUser(ctx, u1.ID)
	require.NoError(t, err)
	assert.True(t, u3.HasCredentials())
	assert.Equal(t, "enc-key", u3.APIKeyEnc)

	require.NoError(t, s.ClearCredentials(ctx, u1.ID))
	u4, err := s.GetUser(ctx, u1.ID)
	require.NoError(t, err)
	assert.False(t, u4.HasCredentials())
}

func TestUsers_NotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetUser(ctx, 99)
	assert.ErrorIs(t, err, apperrors.ErrUserNotFound)

	err = s.SetCredentials(ctx, 99, "a", "b")
	assert.ErrorIs(t, err, apperrors.ErrUserNotFound)
}

func TestBots_CreateAndRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u, err := s.GetOrCreateUser(ctx, 1)
	require.NoError(t, err)

	b := newTestBot(t, s, u.ID)
	require.NotZero(t, b.ID)

	got, err := s.GetBot(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "BTC/USDT", got.Symbol)
	assert.Equal(t, core.GridRange, got.GridType)
	assert.True(t, got.LowerPrice.Equal(decimal.RequireFromString("100")))
	assert.True(t, got.UpperPrice.Equal(decimal.RequireFromString("200")))
	assert.Equal(t, core.BotActive, got.Status)
	assert.Nil(t, got.StoppedAt)
	assert.True(t, got.TotalProfit.IsZero())
}

func TestBots_StatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u, _ := s.GetOrCreateUser(ctx, 1)
	b := newTestBot(t, s, u.ID)

	require.NoError(t, s.SetBotStatus(ctx, b.ID, core.BotActive))
	got, err := s.GetBot(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)

	require.NoError(t, s.SetBotStatus(ctx, b.ID, core.BotPaused))
	got, _ = s.GetBot(ctx, b.ID)
	assert.Equal(t, core.BotPaused, got.Status)

	require.NoError(t, s.SetBotStatus(ctx, b.ID, core.BotStopped))
	got, _ = s.GetBot(ctx, b.ID)
	assert.Equal(t, core.BotStopped, got.Status)
	assert.NotNil(t, got.StoppedAt)

	assert.ErrorIs(t, s.SetBotStatus(ctx, 404, core.BotActive), apperrors.ErrBotNotFound)
}

func TestBots_ListByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u, _ := s.GetOrCreateUser(ctx, 1)

	b1 := newTestBot(t, s, u.ID)
	b2 := newTestBot(t, s, u.ID)
	require.NoError(t, s.SetBotStatus(ctx, b2.ID, core.BotStopped))

	active, err := s.ListBotsByStatus(ctx, core.BotActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, b1.ID, active[0].ID)

	all, err := s.ListBotsByUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestOrders_InsertAndClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u, _ := s.GetOrCreateUser(ctx, 1)
	b := newTestBot(t, s, u.ID)

	o, err := s.InsertOrder(ctx, &core.Order{
		BotID:           b.ID,
		ExchangeOrderID: "EX-1",
		Side:            core.SideBuy,
		Level:           0,
		Price:           decimal.RequireFromString("100"),
		Amount:          decimal.RequireFromString("0.1"),
		Total:           decimal.RequireFromString("10"),
	})
	require.NoError(t, err)
	require.NotZero(t, o.ID)

	claimed, err := s.ClaimFill(ctx, o.ID, decimal.RequireFromString("0.01"), "USDT")
	require.NoError(t, err)
	assert.True(t, claimed)

	// Second claim of the same fill is a no-op.
	claimed, err = s.ClaimFill(ctx, o.ID, decimal.Zero, "")
	require.NoError(t, err)
	assert.False(t, claimed)

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderFilled, got.Status)
	assert.NotNil(t, got.FilledAt)
	assert.True(t, got.Fee.Equal(decimal.RequireFromString("0.01")))
}

func TestOrders_DuplicateExchangeIDRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u, _ := s.GetOrCreateUser(ctx, 1)
	b := newTestBot(t, s, u.ID)

	base := core.Order{
		BotID: b.ID, ExchangeOrderID: "EX-1", Side: core.SideBuy,
		Price: decimal.New(1, 0), Amount: decimal.New(1, 0), Total: decimal.New(1, 0),
	}
	o1 := base
	_, err := s.InsertOrder(ctx, &o1)
	require.NoError(t, err)

	o2 := base
	_, err = s.InsertOrder(ctx, &o2)
	assert.Error(t, err)

	// The exchange assigns order ids globally, so the constraint holds
	// across bots too.
	b2 := newTestBot(t, s, u.ID)
	o3 := base
	o3.BotID = b2.ID
	_, err = s.InsertOrder(ctx, &o3)
	assert.Error(t, err)
}

func TestRecordFill_SellCompletesCycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u, _ := s.GetOrCreateUser(ctx, 1)
	b := newTestBot(t, s, u.ID)

	sell, err := s.InsertOrder(ctx, &core.Order{
		BotID: b.ID, ExchangeOrderID: "EX-SELL", Side: core.SideSell, Level: 6,
		Price:  decimal.RequireFromString("160"),
		Amount: decimal.RequireFromString("0.1"),
		Total:  decimal.RequireFromString("16"),
	})
	require.NoError(t, err)
	claimed, err := s.ClaimFill(ctx, sell.ID, decimal.Zero, "")
	require.NoError(t, err)
	require.True(t, claimed)

	profit := decimal.RequireFromString("1.5")
	counter := &core.Order{
		BotID: b.ID, ExchangeOrderID: "EX-BUY-2", Side: core.SideBuy, Level: 5,
		Price:  decimal.RequireFromString("150"),
		Amount: decimal.RequireFromString("0.1"),
		Total:  decimal.RequireFromString("15"),
	}
	updated, err := s.RecordFill(ctx, b.ID, &FillOutcome{
		FilledOrderID: sell.ID,
		Counter:       counter,
		Profit:        &profit,
		LogMessage:    "sell filled at 160, profit 1.5 USDT",
	})
	require.NoError(t, err)
	require.NotZero(t, counter.ID)

	assert.True(t, updated.TotalProfit.Equal(profit))
	assert.Equal(t, 1, updated.CompletedCycles)
	// The replacement buy moves the placed counter.
	assert.Equal(t, 1, updated.TotalBuyOrders)
	assert.Equal(t, 0, updated.TotalSellOrders)
	// 1.5 / 100 investment = 1.5 percent
	assert.True(t, updated.TotalProfitPercent.Equal(decimal.RequireFromString("1.5")))

	got, err := s.GetOrder(ctx, sell.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Profit)
	assert.True(t, got.Profit.Equal(profit))

	open, err := s.ListOrders(ctx, b.ID, core.OrderOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "EX-BUY-2", open[0].ExchangeOrderID)

	logs, err := s.ListBotLogs(ctx, b.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Message, "sell filled")
}

func TestRecordFill_BuyNoProfit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u, _ := s.GetOrCreateUser(ctx, 1)
	b := newTestBot(t, s, u.ID)

	buy, err := s.InsertOrder(ctx, &core.Order{
		BotID: b.ID, ExchangeOrderID: "EX-BUY", Side: core.SideBuy, Level: 2,
		Price:  decimal.RequireFromString("120"),
		Amount: decimal.RequireFromString("0.1"),
		Total:  decimal.RequireFromString("12"),
	})
	require.NoError(t, err)
	_, err = s.ClaimFill(ctx, buy.ID, decimal.Zero, "")
	require.NoError(t, err)

	pair := buy.ID
	updated, err := s.RecordFill(ctx, b.ID, &FillOutcome{
		FilledOrderID: buy.ID,
		Counter: &core.Order{
			BotID: b.ID, ExchangeOrderID: "EX-SELL-2", Side: core.SideSell, Level: 3,
			Price:         decimal.RequireFromString("130"),
			Amount:        decimal.RequireFromString("0.1"),
			Total:         decimal.RequireFromString("13"),
			PairedOrderID: &pair,
		},
	})
	require.NoError(t, err)
	assert.True(t, updated.TotalProfit.IsZero())
	assert.Equal(t, 0, updated.CompletedCycles)
	assert.Equal(t, 1, updated.TotalSellOrders)

	open, err := s.ListOrders(ctx, b.ID, core.OrderOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.NotNil(t, open[0].PairedOrderID)
	assert.Equal(t, buy.ID, *open[0].PairedOrderID)
}

func TestDeleteBot_Cascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u, _ := s.GetOrCreateUser(ctx, 1)
	b := newTestBot(t, s, u.ID)

	_, err := s.InsertOrder(ctx, &core.Order{
		BotID: b.ID, ExchangeOrderID: "EX-1", Side: core.SideBuy,
		Price: decimal.New(1, 0), Amount: decimal.New(1, 0), Total: decimal.New(1, 0),
	})
	require.NoError(t, err)
	require.NoError(t, s.AddBotLog(ctx, &core.BotLog{BotID: b.ID, UserID: u.ID, Level: "INFO", Message: "created"}))

	require.NoError(t, s.DeleteBot(ctx, b.ID))

	_, err = s.GetBot(ctx, b.ID)
	assert.ErrorIs(t, err, apperrors.ErrBotNotFound)

	orders, err := s.ListOrders(ctx, b.ID, "")
	require.NoError(t, err)
	assert.Empty(t, orders)

	logs, err := s.ListBotLogs(ctx, b.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestCountOpenOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u, _ := s.GetOrCreateUser(ctx, 1)
	b := newTestBot(t, s, u.ID)

	for i, id := range []string{"A", "B", "C"} {
		_, err := s.InsertOrder(ctx, &core.Order{
			BotID: b.ID, ExchangeOrderID: id, Side: core.SideBuy, Level: i,
			Price: decimal.New(1, 0), Amount: decimal.New(1, 0), Total: decimal.New(1, 0),
		})
		require.NoError(t, err)
	}
	o, err := s.GetOrderByExchangeID(ctx, b.ID, "B")
	require.NoError(t, err)
	require.NoError(t, s.MarkOrderCancelled(ctx, o.ID))

	n, err := s.CountOpenOrders(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderCancelled, got.Status)
	assert.NotNil(t, got.CancelledAt)
}
