package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridbot/internal/core"
	"gridbot/internal/exchange"
	"gridbot/internal/notify"
	"gridbot/internal/store"
	"gridbot/internal/strategy"
	apperrors "gridbot/pkg/errors"
	"gridbot/pkg/logging"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type captureChannel struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *captureChannel) Name() string { return "capture" }

func (c *captureChannel) Send(ctx context.Context, event notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureChannel) byKind(kind notify.Kind) []notify.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []notify.Event
	for _, e := range c.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	store   *store.Store
	mock    *exchange.Mock
	monitor *Monitor
	events  *captureChannel
	user    *core.User
	bot     *core.Bot
}

func newFixture(t *testing.T) *fixture {
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	user, err := st.GetOrCreateUser(ctx, 100)
	require.NoError(t, err)

	mock := exchange.NewMock()
	mock.Tickers["ETH/USDT"] = d("2000")

	events := &captureChannel{}
	dispatcher := notify.NewDispatcher(logging.NopLogger{})
	dispatcher.AddChannel(events)

	strat := strategy.New(st, mock, dispatcher, logging.NopLogger{})
	mon := New(st, mock, strat, dispatcher, 10*time.Second, d("5"), logging.NopLogger{})

	bot, err := st.CreateBot(ctx, &core.Bot{
		UserID:           user.ID,
		Symbol:           "ETH/USDT",
		GridType:         core.GridRange,
		LowerPrice:       d("1800"),
		UpperPrice:       d("2200"),
		GridLevels:       10,
		OrderSize:        d("10"),
		InvestmentAmount: d("100"),
	})
	require.NoError(t, err)

	return &fixture{store: st, mock: mock, monitor: mon, events: events, user: user, bot: bot}
}

// placeOpenOrder places an order on the mock book and persists it.
func (f *fixture) placeOpenOrder(t *testing.T, side core.Side, level int, price string) *core.Order {
	ctx := context.Background()
	ref, err := f.mock.PlaceLimit(ctx, f.user.ID, "ETH/USDT", side, d(price), d("0.0052"))
	require.NoError(t, err)
	o, err := f.store.InsertOrder(ctx, &core.Order{
		BotID:           f.bot.ID,
		ExchangeOrderID: ref.ExchangeOrderID,
		Side:            side,
		Level:           level,
		Price:           d(price),
		Amount:          d("0.0052"),
		Total:           d(price).Mul(d("0.0052")),
	})
	require.NoError(t, err)
	return o
}

func TestTick_DispatchesFill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buy := f.placeOpenOrder(t, core.SideBuy, 4, "1960")

	f.mock.Fill(buy.ExchangeOrderID)

	stop, err := f.monitor.tick(ctx, f.bot.ID)
	require.NoError(t, err)
	assert.False(t, stop)

	got, err := f.store.GetOrder(ctx, buy.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderFilled, got.Status)

	open, err := f.store.ListOrders(ctx, f.bot.ID, core.OrderOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, core.SideSell, open[0].Side)
	assert.True(t, open[0].Price.Equal(d("2000")))

	f.monitor.notifier.Flush()
	assert.NotEmpty(t, f.events.byKind(notify.KindOrderFilled))
}

func TestTick_MarksExchangeCancelled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buy := f.placeOpenOrder(t, core.SideBuy, 2, "1880")

	require.NoError(t, f.mock.Cancel(ctx, f.user.ID, "ETH/USDT", buy.ExchangeOrderID))

	stop, err := f.monitor.tick(ctx, f.bot.ID)
	require.NoError(t, err)
	assert.False(t, stop)

	got, err := f.store.GetOrder(ctx, buy.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderCancelled, got.Status)
}

func TestTick_CredentialFailureStopsBot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.placeOpenOrder(t, core.SideBuy, 2, "1880")

	f.mock.CredentialErr[f.user.ID] = apperrors.ErrInvalidCredentials

	stop, err := f.monitor.tick(ctx, f.bot.ID)
	require.NoError(t, err)
	assert.True(t, stop)

	got, err := f.store.GetBot(ctx, f.bot.ID)
	require.NoError(t, err)
	assert.Equal(t, core.BotStopped, got.Status)

	f.monitor.notifier.Flush()
	assert.Len(t, f.events.byKind(notify.KindCredentialFailure), 1)
}

func TestTick_PausedBotIdles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buy := f.placeOpenOrder(t, core.SideBuy, 4, "1960")
	f.mock.Fill(buy.ExchangeOrderID)

	require.NoError(t, f.store.SetBotStatus(ctx, f.bot.ID, core.BotPaused))

	stop, err := f.monitor.tick(ctx, f.bot.ID)
	require.NoError(t, err)
	assert.False(t, stop)

	got, err := f.store.GetOrder(ctx, buy.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderOpen, got.Status, "paused bots do not consume fills")
}

func TestTick_StoppedBotExits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetBotStatus(ctx, f.bot.ID, core.BotStopped))

	stop, err := f.monitor.tick(ctx, f.bot.ID)
	require.NoError(t, err)
	assert.True(t, stop)
}

func TestTick_ProfitMilestoneOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Realize a cycle worth 6% of the investment.
	sell, err := f.store.InsertOrder(ctx, &core.Order{
		BotID: f.bot.ID, ExchangeOrderID: "S-1", Side: core.SideSell, Level: 6,
		Price: d("2040"), Amount: d("0.005"), Total: d("10.2"),
	})
	require.NoError(t, err)
	claimed, err := f.store.ClaimFill(ctx, sell.ID, decimal.Zero, "")
	require.NoError(t, err)
	require.True(t, claimed)
	profit := d("6")
	_, err = f.store.RecordFill(ctx, f.bot.ID, &store.FillOutcome{
		FilledOrderID: sell.ID, Profit: &profit,
	})
	require.NoError(t, err)

	_, err = f.monitor.tick(ctx, f.bot.ID)
	require.NoError(t, err)
	_, err = f.monitor.tick(ctx, f.bot.ID)
	require.NoError(t, err)

	f.monitor.notifier.Flush()
	assert.Len(t, f.events.byKind(notify.KindProfitMilestone), 1)
}

func TestSupervise_Reregistration(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.monitor.Supervise(ctx, f.bot.ID)
	f.monitor.Supervise(ctx, f.bot.ID)
	assert.True(t, f.monitor.Supervised(f.bot.ID))

	f.monitor.Release(f.bot.ID)
	f.monitor.Shutdown()
	assert.False(t, f.monitor.Supervised(f.bot.ID))
}
