// Package health periodically audits active bots against the exchange
// and repairs what it safely can.
package health

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/internal/core"
	"gridbot/internal/grid"
	"gridbot/internal/notify"
	"gridbot/internal/store"
	"gridbot/internal/telemetry"
	apperrors "gridbot/pkg/errors"
)

// orderCountTolerance is the fraction of the expected ladder below which
// a bot is flagged for attention.
var orderCountTolerance = decimal.RequireFromString("0.8")

// lowBalanceFraction of the reference investment under which the quote
// balance triggers a warning.
var lowBalanceFraction = decimal.RequireFromString("0.2")

// Checker audits bots and applies idempotent repairs.
type Checker struct {
	store    *store.Store
	gateway  core.Gateway
	notifier *notify.Dispatcher
	interval time.Duration
	logger   core.ILogger
}

// New creates a Checker.
func New(st *store.Store, gateway core.Gateway, notifier *notify.Dispatcher,
	interval time.Duration, logger core.ILogger) *Checker {
	return &Checker{
		store:    st,
		gateway:  gateway,
		notifier: notifier,
		interval: interval,
		logger:   logger.WithField("component", "health"),
	}
}

// Run audits on the configured interval until the context is cancelled.
func (c *Checker) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// Report summarizes one bot's audit.
type Report struct {
	BotID    int64
	Repairs  []string
	Warnings []string
}

// RunOnce audits every active bot. Per-bot failures are logged and do
// not block the remaining bots.
func (c *Checker) RunOnce(ctx context.Context) []Report {
	bots, err := c.store.ListBotsByStatus(ctx, core.BotActive)
	if err != nil {
		c.logger.Error("Health sweep cannot list bots", "error", err)
		return nil
	}

	var reports []Report
	for _, bot := range bots {
		report, err := c.checkBot(ctx, bot)
		if err != nil {
			c.logger.Warn("Health check failed", "bot_id", bot.ID, "error", err)
			continue
		}
		if len(report.Repairs) > 0 || len(report.Warnings) > 0 {
			reports = append(reports, *report)
		}
	}
	return reports
}

func (c *Checker) checkBot(ctx context.Context, bot *core.Bot) (*Report, error) {
	report := &Report{BotID: bot.ID}

	market, err := c.gateway.MarketInfo(ctx, bot.Symbol)
	if err != nil {
		return nil, err
	}
	ticker, err := c.gateway.Ticker(ctx, bot.Symbol)
	if err != nil {
		return nil, err
	}
	open, err := c.store.ListOrders(ctx, bot.ID, core.OrderOpen)
	if err != nil {
		return nil, err
	}
	balances, err := c.gateway.Balance(ctx, bot.UserID)
	if err != nil {
		return nil, err
	}

	if err := c.checkOrphanedAssets(ctx, bot, market, ticker, open, balances, report); err != nil {
		return nil, err
	}
	c.checkOrderCount(ctx, bot, open, report)
	if err := c.checkOutOfRange(ctx, bot, open, report); err != nil {
		return nil, err
	}
	if err := c.checkDuplicates(ctx, bot, open, report); err != nil {
		return nil, err
	}
	c.checkQuoteBalance(ctx, bot, balances, report)

	return report, nil
}

// checkOrphanedAssets places one sell for base balance no open sell
// order backs, at the lowest empty sell level above the ticker.
func (c *Checker) checkOrphanedAssets(ctx context.Context, bot *core.Bot, market *core.MarketInfo,
	ticker decimal.Decimal, open []*core.Order, balances map[string]decimal.Decimal, report *Report) error {

	backed := decimal.Zero
	for _, o := range open {
		if o.Side == core.SideSell {
			backed = backed.Add(o.Amount)
		}
	}
	orphan := balances[bot.BaseCurrency()].Sub(backed)
	amount := grid.FloorToStep(orphan, market.AmountStep())
	if amount.LessThan(market.MinOrderAmount) || !amount.IsPositive() {
		return nil
	}

	level, price, ok := c.lowestEmptySellLevel(bot, market, ticker, open)
	if !ok {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("%s %s unbacked but no empty sell level above %s", orphan, bot.BaseCurrency(), ticker))
		return nil
	}

	ref, err := c.gateway.PlaceLimit(ctx, bot.UserID, bot.Symbol, core.SideSell, price, amount)
	if err != nil {
		if apperrors.IsTerminal(err) {
			return err
		}
		report.Warnings = append(report.Warnings, fmt.Sprintf("orphan repair failed: %v", err))
		return nil
	}
	if _, err := c.store.InsertOrder(ctx, &core.Order{
		BotID:           bot.ID,
		ExchangeOrderID: ref.ExchangeOrderID,
		Side:            core.SideSell,
		Level:           level,
		Price:           price,
		Amount:          amount,
		Total:           price.Mul(amount),
	}); err != nil {
		return err
	}

	telemetry.HealthRepairs.WithLabelValues("orphaned_assets").Inc()
	msg := fmt.Sprintf("placed sell for %s %s at %s to back orphaned balance", amount, bot.BaseCurrency(), price)
	report.Repairs = append(report.Repairs, msg)
	c.logAndNotify(ctx, bot, notify.KindOrphanRepair, "Orphan repaired", msg)
	return nil
}

// lowestEmptySellLevel picks the cheapest ladder slot above the current
// price with no open sell on it.
func (c *Checker) lowestEmptySellLevel(bot *core.Bot, market *core.MarketInfo,
	ticker decimal.Decimal, open []*core.Order) (int, decimal.Decimal, bool) {

	taken := make(map[int]bool)
	for _, o := range open {
		if o.Side == core.SideSell {
			taken[o.Level] = true
		}
	}

	type slot struct {
		level int
		price decimal.Decimal
	}
	var candidates []slot

	if bot.GridType == core.GridFlat {
		center := bot.StartingPrice
		if center.IsZero() {
			center = ticker
		}
		for j := 1; j <= bot.SellOrdersCount; j++ {
			price := center.Add(bot.FlatIncrement.Mul(decimal.NewFromInt(int64(j)))).RoundFloor(market.PricePrecision)
			if price.GreaterThan(ticker) && !taken[j] {
				candidates = append(candidates, slot{level: j, price: price})
			}
		}
	} else {
		for i := 0; i <= bot.GridLevels; i++ {
			price := grid.RangePrice(bot, market, i)
			if price.GreaterThan(ticker) && !taken[i] {
				candidates = append(candidates, slot{level: i, price: price})
			}
		}
	}

	if len(candidates) == 0 {
		return 0, decimal.Zero, false
	}
	sort.Slice(candidates, func(a, b int) bool {
		return candidates[a].price.LessThan(candidates[b].price)
	})
	return candidates[0].level, candidates[0].price, true
}

// checkOrderCount flags bots running well below their configured ladder.
func (c *Checker) checkOrderCount(ctx context.Context, bot *core.Bot, open []*core.Order, report *Report) {
	expected := bot.ExpectedOrderCount()
	if expected == 0 {
		return
	}
	threshold := orderCountTolerance.Mul(decimal.NewFromInt(int64(expected)))
	if decimal.NewFromInt(int64(len(open))).GreaterThanOrEqual(threshold) {
		return
	}

	msg := fmt.Sprintf("only %d of %d expected orders are open", len(open), expected)
	report.Warnings = append(report.Warnings, msg)
	c.logAndNotify(ctx, bot, notify.KindHealthWarning, "Bot needs attention", msg)
}

// checkOutOfRange cancels range-grid orders priced outside the band.
func (c *Checker) checkOutOfRange(ctx context.Context, bot *core.Bot, open []*core.Order, report *Report) error {
	if bot.GridType != core.GridRange {
		return nil
	}
	for _, o := range open {
		if o.Price.GreaterThanOrEqual(bot.LowerPrice) && o.Price.LessThanOrEqual(bot.UpperPrice) {
			continue
		}
		if err := c.cancelOrder(ctx, bot, o); err != nil {
			return err
		}
		telemetry.HealthRepairs.WithLabelValues("out_of_range").Inc()
		report.Repairs = append(report.Repairs,
			fmt.Sprintf("cancelled out-of-range %s at %s", o.Side, o.Price))
	}
	return nil
}

// checkDuplicates keeps the first order per (level, side) slot and
// cancels the rest.
func (c *Checker) checkDuplicates(ctx context.Context, bot *core.Bot, open []*core.Order, report *Report) error {
	type key struct {
		level int
		side  core.Side
	}
	seen := make(map[key]bool)
	for _, o := range open {
		if o.Status != core.OrderOpen {
			continue
		}
		k := key{level: o.Level, side: o.Side}
		if !seen[k] {
			seen[k] = true
			continue
		}
		if err := c.cancelOrder(ctx, bot, o); err != nil {
			return err
		}
		telemetry.HealthRepairs.WithLabelValues("duplicates").Inc()
		report.Repairs = append(report.Repairs,
			fmt.Sprintf("cancelled duplicate %s at level %d", o.Side, o.Level))
	}
	return nil
}

// checkQuoteBalance warns when the quote balance runs low against the
// bot's reference investment.
func (c *Checker) checkQuoteBalance(ctx context.Context, bot *core.Bot, balances map[string]decimal.Decimal, report *Report) {
	ref := bot.ReferenceInvestment()
	if !ref.IsPositive() {
		return
	}
	quote := balances[bot.QuoteCurrency()]
	floor := ref.Mul(lowBalanceFraction)
	if quote.GreaterThanOrEqual(floor) {
		return
	}

	msg := fmt.Sprintf("quote balance %s %s is below 20%% of the %s investment",
		quote, bot.QuoteCurrency(), ref)
	report.Warnings = append(report.Warnings, msg)
	c.logAndNotify(ctx, bot, notify.KindHealthWarning, "Low balance", msg)
}

func (c *Checker) cancelOrder(ctx context.Context, bot *core.Bot, o *core.Order) error {
	if err := c.gateway.Cancel(ctx, bot.UserID, bot.Symbol, o.ExchangeOrderID); err != nil {
		return err
	}
	// The order stays out of future sweeps once marked; cancellation on
	// the exchange is idempotent.
	o.Status = core.OrderCancelled
	return c.store.MarkOrderCancelled(ctx, o.ID)
}

func (c *Checker) logAndNotify(ctx context.Context, bot *core.Bot, kind notify.Kind, title, message string) {
	if err := c.store.AddBotLog(ctx, &core.BotLog{
		BotID: bot.ID, UserID: bot.UserID, Level: "WARNING", Message: message,
	}); err != nil {
		c.logger.Warn("Failed to persist health log", "bot_id", bot.ID, "error", err)
	}

	user, err := c.store.GetUser(ctx, bot.UserID)
	if err != nil {
		c.logger.Warn("Cannot resolve user for notification", "bot_id", bot.ID, "error", err)
		return
	}
	c.notifier.Notify(ctx, notify.Event{
		Kind:    kind,
		ChatID:  user.ChatID,
		BotID:   bot.ID,
		Title:   title,
		Message: message,
	})
}
