// Package strategy places grid ladders and reacts to filled orders.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"gridbot/internal/core"
	"gridbot/internal/grid"
	"gridbot/internal/notify"
	"gridbot/internal/store"
	"gridbot/internal/telemetry"
	"gridbot/pkg/concurrency"
	apperrors "gridbot/pkg/errors"
)

// placementConcurrency caps parallel order placement per bot so a large
// ladder does not trip exchange rate limits.
const placementConcurrency = 10

// Strategy drives one bot's order lifecycle.
type Strategy struct {
	store    *store.Store
	gateway  core.Gateway
	notifier *notify.Dispatcher
	logger   core.ILogger
}

// New creates a Strategy.
func New(st *store.Store, gateway core.Gateway, notifier *notify.Dispatcher, logger core.ILogger) *Strategy {
	return &Strategy{
		store:    st,
		gateway:  gateway,
		notifier: notifier,
		logger:   logger.WithField("component", "strategy"),
	}
}

// PlacementSummary reports what an initial placement achieved.
type PlacementSummary struct {
	BuysPlaced   int
	SellsPlaced  int
	FailedLevels int
	// PreBuySkipped is true when the market pre-buy failed; the bot then
	// runs buy-only until the health checker or the operator intervenes.
	PreBuySkipped bool
	PreBuyCost    decimal.Decimal
}

// PlaceInitialOrders computes the bot's ladder and places it: buys in
// parallel, one market pre-buy to back the sell side, then sells in
// parallel. Single-level failures are recorded and skipped; partial
// ladders are allowed.
func (s *Strategy) PlaceInitialOrders(ctx context.Context, bot *core.Bot) (*PlacementSummary, error) {
	log := s.logger.WithField("bot_id", bot.ID)

	market, err := s.gateway.MarketInfo(ctx, bot.Symbol)
	if err != nil {
		return nil, fmt.Errorf("market info: %w", err)
	}

	referencePrice, err := s.gateway.Ticker(ctx, bot.Symbol)
	if err != nil {
		return nil, fmt.Errorf("ticker: %w", err)
	}

	var ladder *grid.Ladder
	switch bot.GridType {
	case core.GridFlat:
		center := bot.StartingPrice
		if center.IsZero() {
			center = referencePrice
		}
		ladder, err = grid.PlanFlat(bot, market, center)
	default:
		ladder, err = grid.PlanRange(bot, market)
	}
	if err != nil {
		return nil, fmt.Errorf("plan ladder: %w", err)
	}

	summary := &PlacementSummary{}

	placed, failed := s.placeLevels(ctx, bot, ladder.Buys)
	summary.BuysPlaced = placed
	summary.FailedLevels += failed

	totalSell := ladder.TotalSellAmount()
	if totalSell.IsPositive() {
		summary.PreBuyCost = grid.PreBuyCost(totalSell, referencePrice, bot.QuoteCurrency())
		_, err := s.gateway.PlaceMarket(ctx, bot.UserID, bot.Symbol, core.SideBuy, summary.PreBuyCost)
		if err != nil {
			if apperrors.IsTerminal(err) || errors.Is(err, apperrors.ErrNoCredentials) {
				return nil, err
			}
			log.Error("Market pre-buy failed, skipping sell ladder", "cost", summary.PreBuyCost, "error", err)
			s.logBot(ctx, bot, "ERROR", "market pre-buy failed, running buy-only", err.Error())
			summary.PreBuySkipped = true
		} else {
			telemetry.OrdersPlaced.WithLabelValues("buy", "market").Inc()
		}
	}

	if !summary.PreBuySkipped {
		placed, failed = s.placeLevels(ctx, bot, ladder.Sells)
		summary.SellsPlaced = placed
		summary.FailedLevels += failed
	}

	if err := s.store.AddPlacedCounts(ctx, bot.ID, summary.BuysPlaced, summary.SellsPlaced); err != nil {
		return nil, err
	}

	log.Info("Initial ladder placed",
		"buys", summary.BuysPlaced, "sells", summary.SellsPlaced,
		"failed", summary.FailedLevels, "pre_buy_skipped", summary.PreBuySkipped)
	return summary, nil
}

// placeLevels places one side of the ladder with bounded parallelism and
// persists every accepted order.
func (s *Strategy) placeLevels(ctx context.Context, bot *core.Bot, levels []grid.Level) (placed, failed int) {
	if len(levels) == 0 {
		return 0, 0
	}

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:       fmt.Sprintf("place-bot-%d", bot.ID),
		MaxWorkers: placementConcurrency,
	}, s.logger)
	defer pool.Stop()

	var mu sync.Mutex
	pool.Each(len(levels), func(i int) {
		lvl := levels[i]
		ref, err := s.gateway.PlaceLimit(ctx, bot.UserID, bot.Symbol, lvl.Side, lvl.Price, lvl.Amount)
		if err != nil {
			s.logger.Warn("Level placement failed",
				"bot_id", bot.ID, "side", lvl.Side, "price", lvl.Price, "error", err)
			s.logBot(ctx, bot, "WARNING",
				fmt.Sprintf("failed to place %s at %s", lvl.Side, lvl.Price), err.Error())
			mu.Lock()
			failed++
			mu.Unlock()
			return
		}

		_, err = s.store.InsertOrder(ctx, &core.Order{
			BotID:           bot.ID,
			ExchangeOrderID: ref.ExchangeOrderID,
			Side:            lvl.Side,
			Level:           lvl.Index,
			Price:           lvl.Price,
			Amount:          lvl.Amount,
			Total:           lvl.Price.Mul(lvl.Amount),
		})
		if err != nil {
			s.logger.Error("Failed to persist placed order",
				"bot_id", bot.ID, "exchange_order_id", ref.ExchangeOrderID, "error", err)
			mu.Lock()
			failed++
			mu.Unlock()
			return
		}

		telemetry.OrdersPlaced.WithLabelValues(string(lvl.Side), "limit").Inc()
		mu.Lock()
		placed++
		mu.Unlock()
	})
	return placed, failed
}

// HandleFill processes one order the monitor observed as filled on the
// exchange: claim it, place the counter order, and record profit. The
// open->filled claim makes double dispatch a no-op.
func (s *Strategy) HandleFill(ctx context.Context, bot *core.Bot, order *core.Order, ref *core.OrderRef) error {
	log := s.logger.WithFields(map[string]interface{}{
		"bot_id": bot.ID, "order_id": order.ID, "side": order.Side,
	})

	claimed, err := s.store.ClaimFill(ctx, order.ID, ref.Fee, ref.FeeCurrency)
	if err != nil {
		return err
	}
	if !claimed {
		log.Debug("Fill already processed")
		return nil
	}
	telemetry.OrdersFilled.WithLabelValues(string(order.Side)).Inc()

	market, err := s.gateway.MarketInfo(ctx, bot.Symbol)
	if err != nil {
		return fmt.Errorf("market info: %w", err)
	}

	counter, profit, err := s.planCounter(ctx, bot, market, order, ref)
	if err != nil {
		return err
	}

	outcome := &store.FillOutcome{
		FilledOrderID: order.ID,
		Profit:        profit,
		LogMessage:    fmt.Sprintf("%s filled at %s", order.Side, order.Price),
	}

	if counter != nil {
		placedRef, err := s.gateway.PlaceLimit(ctx, bot.UserID, bot.Symbol, counter.Side, counter.Price, counter.Amount)
		if err != nil {
			if apperrors.IsTerminal(err) || errors.Is(err, apperrors.ErrNoCredentials) {
				return err
			}
			log.Error("Counter order placement failed", "price", counter.Price, "error", err)
			s.logBot(ctx, bot, "ERROR",
				fmt.Sprintf("failed to place counter %s at %s", counter.Side, counter.Price), err.Error())
			counter = nil
		} else {
			counter.ExchangeOrderID = placedRef.ExchangeOrderID
			telemetry.OrdersPlaced.WithLabelValues(string(counter.Side), "limit").Inc()
		}
	}
	outcome.Counter = counter

	updated, err := s.store.RecordFill(ctx, bot.ID, outcome)
	if err != nil {
		return err
	}

	if profit != nil {
		telemetry.CyclesCompleted.Inc()
	}

	s.notifyFill(ctx, updated, order, profit)
	return nil
}

// planCounter derives the replacement order and the realized profit for
// a claimed fill. A nil counter means no replacement is due (ladder edge
// or non-positive price).
func (s *Strategy) planCounter(ctx context.Context, bot *core.Bot, market *core.MarketInfo, order *core.Order, ref *core.OrderRef) (*core.Order, *decimal.Decimal, error) {
	var counter *core.Order

	switch bot.GridType {
	case core.GridRange:
		if order.Side == core.SideBuy {
			next := order.Level + 1
			if next <= bot.GridLevels {
				// The filled amount is carried so the cycle balances
				// exactly in base currency.
				price := grid.RangePrice(bot, market, next)
				counter = &core.Order{
					BotID:         bot.ID,
					Side:          core.SideSell,
					Level:         next,
					Price:         price,
					Amount:        order.Amount,
					Total:         price.Mul(order.Amount),
					PairedOrderID: &order.ID,
				}
			}
		} else {
			prev := order.Level - 1
			if prev >= 0 {
				price := grid.RangePrice(bot, market, prev)
				counter = &core.Order{
					BotID:  bot.ID,
					Side:   core.SideBuy,
					Level:  prev,
					Price:  price,
					Amount: order.Amount,
					Total:  price.Mul(order.Amount),
				}
			}
		}

	case core.GridFlat:
		if order.Side == core.SideBuy {
			price := order.Price.Add(bot.FlatSpread).RoundFloor(market.PricePrecision)
			amount := grid.AmountForCost(bot.OrderSize, price, market.AmountPrecision, market.MinOrderAmount)
			counter = &core.Order{
				BotID:         bot.ID,
				Side:          core.SideSell,
				Level:         order.Level,
				Price:         price,
				Amount:        amount,
				Total:         price.Mul(amount),
				PairedOrderID: &order.ID,
			}
		} else {
			price := order.Price.Sub(bot.FlatSpread)
			if price.IsPositive() {
				price = price.RoundFloor(market.PricePrecision)
				amount := grid.AmountForCost(bot.OrderSize, price, market.AmountPrecision, market.MinOrderAmount)
				counter = &core.Order{
					BotID:  bot.ID,
					Side:   core.SideBuy,
					Level:  order.Level,
					Price:  price,
					Amount: amount,
					Total:  price.Mul(amount),
				}
			}
		}
	}

	var profit *decimal.Decimal
	if order.Side == core.SideSell && order.PairedOrderID != nil {
		paired, err := s.store.GetOrder(ctx, *order.PairedOrderID)
		if err != nil {
			return nil, nil, fmt.Errorf("paired order: %w", err)
		}
		p := s.cycleProfit(bot, paired, order, ref)
		profit = &p
	}
	return counter, profit, nil
}

// cycleProfit computes sell revenue minus buy cost minus quote-currency
// fees of both legs.
func (s *Strategy) cycleProfit(bot *core.Bot, buy, sell *core.Order, sellRef *core.OrderRef) decimal.Decimal {
	revenue := sell.Price.Mul(sell.Amount)
	cost := buy.Price.Mul(buy.Amount)
	profit := revenue.Sub(cost)

	quote := bot.QuoteCurrency()
	if buy.FeeCurrency == quote {
		profit = profit.Sub(buy.Fee)
	}
	if sellRef.FeeCurrency == quote {
		profit = profit.Sub(sellRef.Fee)
	}
	return profit
}

func (s *Strategy) notifyFill(ctx context.Context, bot *core.Bot, order *core.Order, profit *decimal.Decimal) {
	user, err := s.store.GetUser(ctx, bot.UserID)
	if err != nil {
		s.logger.Warn("Cannot resolve user for notification", "bot_id", bot.ID, "error", err)
		return
	}

	msg := fmt.Sprintf("%s %s filled at %s", bot.Symbol, order.Side, order.Price)
	fields := map[string]string{"amount": order.Amount.String()}
	if profit != nil {
		fields["profit"] = profit.String() + " " + bot.QuoteCurrency()
		fields["total_profit"] = bot.TotalProfit.String() + " " + bot.QuoteCurrency()
	}
	s.notifier.Notify(ctx, notify.Event{
		Kind:    notify.KindOrderFilled,
		ChatID:  user.ChatID,
		BotID:   bot.ID,
		Title:   "Order filled",
		Message: msg,
		Fields:  fields,
	})
}

func (s *Strategy) logBot(ctx context.Context, bot *core.Bot, level, message, details string) {
	if err := s.store.AddBotLog(ctx, &core.BotLog{
		BotID: bot.ID, UserID: bot.UserID, Level: level, Message: message, Details: details,
	}); err != nil {
		s.logger.Warn("Failed to persist bot log", "bot_id", bot.ID, "error", err)
	}
}
