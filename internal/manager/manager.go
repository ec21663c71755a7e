// Package manager owns the bot lifecycle: creation with validation,
// pause/resume, stop with full cancellation, delete, and restore after a
// process restart.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"gridbot/internal/config"
	"gridbot/internal/core"
	"gridbot/internal/grid"
	"gridbot/internal/monitor"
	"gridbot/internal/notify"
	"gridbot/internal/security"
	"gridbot/internal/store"
	"gridbot/internal/strategy"
	"gridbot/internal/telemetry"
	"gridbot/pkg/concurrency"
	apperrors "gridbot/pkg/errors"
)

// cancelConcurrency bounds parallel cancellations per bot on stop.
const cancelConcurrency = 10

// minRangeSpan is the minimum relative width of a range grid; narrower
// ranges cannot cover the exchange fee on a full cycle.
var minRangeSpan = decimal.RequireFromString("0.02")

// Manager wires the lifecycle operations the chat surface calls.
type Manager struct {
	store    *store.Store
	gateway  core.Gateway
	strategy *strategy.Strategy
	monitor  *monitor.Monitor
	notifier *notify.Dispatcher
	box      *security.Box
	settings *config.Settings
	logger   core.ILogger
}

// New creates a Manager.
func New(st *store.Store, gateway core.Gateway, strat *strategy.Strategy, mon *monitor.Monitor,
	notifier *notify.Dispatcher, box *security.Box, settings *config.Settings, logger core.ILogger) *Manager {
	return &Manager{
		store:    st,
		gateway:  gateway,
		strategy: strat,
		monitor:  mon,
		notifier: notifier,
		box:      box,
		settings: settings,
		logger:   logger.WithField("component", "manager"),
	}
}

func validationErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", apperrors.ErrValidation, fmt.Sprintf(format, args...))
}

// RegisterUser returns the user row for a chat, creating it on first
// contact.
func (m *Manager) RegisterUser(ctx context.Context, chatID int64) (*core.User, error) {
	return m.store.GetOrCreateUser(ctx, chatID)
}

// SetCredentials encrypts and stores an API key pair, verifying it with
// a balance call first. Bad keys are rejected without being persisted.
func (m *Manager) SetCredentials(ctx context.Context, userID int64, apiKey, apiSecret string) error {
	if apiKey == "" || apiSecret == "" {
		return validationErr("api key and secret must not be empty")
	}

	keyEnc, err := m.box.Encrypt(apiKey)
	if err != nil {
		return err
	}
	secretEnc, err := m.box.Encrypt(apiSecret)
	if err != nil {
		return err
	}
	if err := m.store.SetCredentials(ctx, userID, keyEnc, secretEnc); err != nil {
		return err
	}

	if _, err := m.gateway.Balance(ctx, userID); err != nil {
		if errors.Is(err, apperrors.ErrInvalidCredentials) {
			if clearErr := m.store.ClearCredentials(ctx, userID); clearErr != nil {
				m.logger.Error("Failed to clear rejected credentials", "user_id", userID, "error", clearErr)
			}
			return fmt.Errorf("%w: exchange rejected the key pair", apperrors.ErrInvalidCredentials)
		}
		return err
	}
	return nil
}

// CreateRangeBot validates, persists, and launches a range-grid bot.
// The per-level order size is investment divided by level count.
func (m *Manager) CreateRangeBot(ctx context.Context, userID int64, symbol string,
	lower, upper decimal.Decimal, levels int, investment decimal.Decimal) (*core.Bot, error) {

	market, err := m.validateCommon(ctx, userID, symbol)
	if err != nil {
		return nil, err
	}

	if lower.Sign() <= 0 {
		return nil, validationErr("lower price must be positive, got %s", lower)
	}
	if !upper.GreaterThan(lower) {
		return nil, validationErr("upper price %s must exceed lower price %s", upper, lower)
	}
	if span := upper.Sub(lower).Div(lower); span.LessThan(minRangeSpan) {
		return nil, validationErr("price range %s%% is narrower than the 2%% minimum",
			span.Mul(decimal.NewFromInt(100)).StringFixed(2))
	}
	if levels%2 != 0 {
		return nil, validationErr("grid levels must be even, got %d", levels)
	}
	if levels < m.settings.MinGridLevels || levels > m.settings.MaxGridLevels {
		return nil, validationErr("grid levels must be between %d and %d, got %d",
			m.settings.MinGridLevels, m.settings.MaxGridLevels, levels)
	}
	if investment.LessThan(m.settings.MinInvestmentUSDT) {
		return nil, validationErr("investment %s is below the minimum %s",
			investment, m.settings.MinInvestmentUSDT)
	}

	orderSize := investment.Div(decimal.NewFromInt(int64(levels)))
	if market.MinOrderCost.IsPositive() && orderSize.LessThan(market.MinOrderCost) {
		return nil, validationErr("per-level cost %s is below the exchange minimum %s",
			orderSize, market.MinOrderCost)
	}

	bot := &core.Bot{
		UserID:           userID,
		Symbol:           symbol,
		GridType:         core.GridRange,
		LowerPrice:       lower,
		UpperPrice:       upper,
		GridLevels:       levels,
		OrderSize:        orderSize,
		InvestmentAmount: investment,
	}
	return m.launch(ctx, bot)
}

// CreateFlatBot validates, persists, and launches a flat-grid bot.
func (m *Manager) CreateFlatBot(ctx context.Context, userID int64, symbol string,
	starting, spread, increment decimal.Decimal, buyCount, sellCount int, orderSize decimal.Decimal) (*core.Bot, error) {

	market, err := m.validateCommon(ctx, userID, symbol)
	if err != nil {
		return nil, err
	}

	if starting.Sign() < 0 {
		return nil, validationErr("starting price must not be negative, got %s", starting)
	}
	if spread.Sign() <= 0 {
		return nil, validationErr("flat spread must be positive, got %s", spread)
	}
	if increment.Sign() <= 0 {
		return nil, validationErr("flat increment must be positive, got %s", increment)
	}
	if buyCount < 1 || sellCount < 1 {
		return nil, validationErr("buy and sell counts must be at least 1, got %d/%d", buyCount, sellCount)
	}
	if buyCount+sellCount > m.settings.MaxGridLevels {
		return nil, validationErr("total order count %d exceeds the maximum %d",
			buyCount+sellCount, m.settings.MaxGridLevels)
	}
	if starting.IsPositive() {
		deepest := starting.Sub(increment.Mul(decimal.NewFromInt(int64(buyCount))))
		if deepest.Sign() <= 0 {
			return nil, validationErr("deepest buy level %s is not positive; reduce buy count or increment", deepest)
		}
	}
	if market.MinOrderCost.IsPositive() && orderSize.LessThan(market.MinOrderCost) {
		return nil, validationErr("order size %s is below the exchange minimum %s",
			orderSize, market.MinOrderCost)
	}

	bot := &core.Bot{
		UserID:          userID,
		Symbol:          symbol,
		GridType:        core.GridFlat,
		StartingPrice:   starting,
		FlatSpread:      spread,
		FlatIncrement:   increment,
		BuyOrdersCount:  buyCount,
		SellOrdersCount: sellCount,
		OrderSize:       orderSize,
	}
	return m.launch(ctx, bot)
}

func (m *Manager) validateCommon(ctx context.Context, userID int64, symbol string) (*core.MarketInfo, error) {
	if _, _, err := core.SplitSymbol(symbol); err != nil {
		return nil, validationErr("%v", err)
	}

	user, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.HasCredentials() {
		return nil, apperrors.ErrNoCredentials
	}

	market, err := m.gateway.MarketInfo(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if !market.Active {
		return nil, validationErr("trading pair %s is not active", symbol)
	}
	return market, nil
}

// launch persists the bot, places the ladder, and starts supervision.
// A placement that yields zero orders stops the bot and reports failure.
func (m *Manager) launch(ctx context.Context, bot *core.Bot) (*core.Bot, error) {
	bot, err := m.store.CreateBot(ctx, bot)
	if err != nil {
		return nil, err
	}
	log := m.logger.WithField("bot_id", bot.ID)

	summary, err := m.strategy.PlaceInitialOrders(ctx, bot)
	if err != nil {
		if stopErr := m.store.SetBotStatus(ctx, bot.ID, core.BotStopped); stopErr != nil {
			log.Error("Failed to stop bot after placement error", "error", stopErr)
		}
		return nil, fmt.Errorf("initial placement: %w", err)
	}
	if summary.BuysPlaced+summary.SellsPlaced == 0 {
		if stopErr := m.store.SetBotStatus(ctx, bot.ID, core.BotStopped); stopErr != nil {
			log.Error("Failed to stop empty bot", "error", stopErr)
		}
		return nil, fmt.Errorf("initial placement yielded zero orders")
	}

	if err := m.store.SetBotStatus(ctx, bot.ID, core.BotActive); err != nil {
		return nil, err
	}
	m.monitor.Supervise(context.WithoutCancel(ctx), bot.ID)

	m.logBot(ctx, bot, "INFO", fmt.Sprintf("bot started: %d buys, %d sells placed",
		summary.BuysPlaced, summary.SellsPlaced), "")
	m.notifyBot(ctx, bot, notify.KindBotStarted, "Bot started",
		fmt.Sprintf("%s %s bot is running with %d buys and %d sells",
			bot.Symbol, bot.GridType, summary.BuysPlaced, summary.SellsPlaced))

	return m.store.GetBot(ctx, bot.ID)
}

// Pause freezes counter-order creation; open orders remain on the book.
func (m *Manager) Pause(ctx context.Context, botID int64) error {
	bot, err := m.store.GetBot(ctx, botID)
	if err != nil {
		return err
	}
	if bot.Status != core.BotActive {
		return validationErr("bot %d is %s, only active bots pause", botID, bot.Status)
	}
	if err := m.store.SetBotStatus(ctx, botID, core.BotPaused); err != nil {
		return err
	}
	m.logBot(ctx, bot, "INFO", "bot paused", "")
	return nil
}

// Resume reactivates a paused bot; queued fills are consumed on the next
// monitor tick.
func (m *Manager) Resume(ctx context.Context, botID int64) error {
	bot, err := m.store.GetBot(ctx, botID)
	if err != nil {
		return err
	}
	if bot.Status != core.BotPaused {
		return validationErr("bot %d is %s, only paused bots resume", botID, bot.Status)
	}
	if err := m.store.SetBotStatus(ctx, botID, core.BotActive); err != nil {
		return err
	}
	m.monitor.Supervise(context.WithoutCancel(ctx), botID)
	m.logBot(ctx, bot, "INFO", "bot resumed", "")
	return nil
}

// Stop cancels every order of the bot, sweeps residual exchange orders,
// optionally liquidates the base balance, and transitions to stopped.
func (m *Manager) Stop(ctx context.Context, botID int64, sellAll bool) error {
	bot, err := m.store.GetBot(ctx, botID)
	if err != nil {
		return err
	}
	if bot.Status == core.BotStopped {
		return nil
	}
	log := m.logger.WithField("bot_id", botID)

	m.monitor.Release(botID)

	open, err := m.store.ListOrders(ctx, botID, core.OrderOpen)
	if err != nil {
		return err
	}
	if failed := m.cancelAll(ctx, bot, open); failed > 0 {
		// The bot must not read stopped while orders are still live on
		// the exchange; leave it in its prior status under supervision
		// so a later stop can finish the job.
		m.monitor.Supervise(context.WithoutCancel(ctx), botID)
		m.logBot(ctx, bot, "ERROR",
			fmt.Sprintf("stop aborted: %d of %d orders could not be cancelled", failed, len(open)), "")
		return fmt.Errorf("stop bot %d: %d of %d cancellations failed", botID, failed, len(open))
	}

	if err := m.sweepResidualOrders(ctx, bot); err != nil {
		log.Warn("Residual order sweep failed", "error", err)
	}

	if sellAll {
		if err := m.liquidateBase(ctx, bot); err != nil {
			log.Warn("Base liquidation failed", "error", err)
			m.logBot(ctx, bot, "WARNING", "failed to liquidate base balance", err.Error())
		}
	}

	if err := m.store.SetBotStatus(ctx, botID, core.BotStopped); err != nil {
		return err
	}
	m.logBot(ctx, bot, "INFO", "bot stopped", "")
	m.notifyBot(ctx, bot, notify.KindBotStopped, "Bot stopped",
		fmt.Sprintf("%s bot stopped with %s %s total profit",
			bot.Symbol, bot.TotalProfit, bot.QuoteCurrency()))
	return nil
}

// cancelAll cancels persisted open orders with bounded parallelism and
// returns how many could not be cancelled or marked.
func (m *Manager) cancelAll(ctx context.Context, bot *core.Bot, open []*core.Order) int {
	if len(open) == 0 {
		return 0
	}
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:       fmt.Sprintf("cancel-bot-%d", bot.ID),
		MaxWorkers: cancelConcurrency,
	}, m.logger)
	defer pool.Stop()

	var mu sync.Mutex
	failed := 0
	pool.Each(len(open), func(i int) {
		o := open[i]
		if err := m.gateway.Cancel(ctx, bot.UserID, bot.Symbol, o.ExchangeOrderID); err != nil {
			m.logger.Warn("Cancel failed", "bot_id", bot.ID, "order_id", o.ID, "error", err)
			mu.Lock()
			failed++
			mu.Unlock()
			return
		}
		if err := m.store.MarkOrderCancelled(ctx, o.ID); err != nil {
			m.logger.Error("Failed to persist cancellation", "bot_id", bot.ID, "order_id", o.ID, "error", err)
			mu.Lock()
			failed++
			mu.Unlock()
			return
		}
		telemetry.OrdersCancelled.Inc()
	})
	m.logger.Info("Cancelled open orders", "bot_id", bot.ID, "count", len(open)-failed, "of", len(open))
	return failed
}

// sweepResidualOrders cancels exchange orders on the bot's symbol that
// no other bot of the user owns; this catches orders placed but never
// persisted across a crash.
func (m *Manager) sweepResidualOrders(ctx context.Context, bot *core.Bot) error {
	onExchange, err := m.gateway.OpenOrders(ctx, bot.UserID, bot.Symbol)
	if err != nil {
		return err
	}
	if len(onExchange) == 0 {
		return nil
	}

	foreign, err := m.foreignOrderIDs(ctx, bot)
	if err != nil {
		return err
	}

	for _, ref := range onExchange {
		if foreign[ref.ExchangeOrderID] {
			continue
		}
		if err := m.gateway.Cancel(ctx, bot.UserID, bot.Symbol, ref.ExchangeOrderID); err != nil {
			m.logger.Warn("Residual cancel failed",
				"bot_id", bot.ID, "exchange_order_id", ref.ExchangeOrderID, "error", err)
			continue
		}
		telemetry.OrdersCancelled.Inc()
	}
	return nil
}

// foreignOrderIDs collects exchange order IDs owned by the user's other
// bots on the same symbol, which a sweep must not touch.
func (m *Manager) foreignOrderIDs(ctx context.Context, bot *core.Bot) (map[string]bool, error) {
	bots, err := m.store.ListBotsByUser(ctx, bot.UserID)
	if err != nil {
		return nil, err
	}
	foreign := make(map[string]bool)
	for _, other := range bots {
		if other.ID == bot.ID || other.Symbol != bot.Symbol {
			continue
		}
		orders, err := m.store.ListOrders(ctx, other.ID, core.OrderOpen)
		if err != nil {
			return nil, err
		}
		for _, o := range orders {
			foreign[o.ExchangeOrderID] = true
		}
	}
	return foreign, nil
}

// liquidateBase market-sells the base balance when it clears the
// exchange minimum.
func (m *Manager) liquidateBase(ctx context.Context, bot *core.Bot) error {
	market, err := m.gateway.MarketInfo(ctx, bot.Symbol)
	if err != nil {
		return err
	}
	balances, err := m.gateway.Balance(ctx, bot.UserID)
	if err != nil {
		return err
	}

	base := balances[bot.BaseCurrency()]
	amount := grid.FloorToStep(base, market.AmountStep())
	if amount.LessThan(market.MinOrderAmount) || !amount.IsPositive() {
		return nil
	}

	_, err = m.gateway.PlaceMarket(ctx, bot.UserID, bot.Symbol, core.SideSell, amount)
	if err != nil {
		return err
	}
	m.logBot(ctx, bot, "INFO", fmt.Sprintf("liquidated %s %s", amount, bot.BaseCurrency()), "")
	return nil
}

// Delete stops the bot if needed, then cascade-deletes its rows.
func (m *Manager) Delete(ctx context.Context, botID int64) error {
	bot, err := m.store.GetBot(ctx, botID)
	if err != nil {
		return err
	}
	if bot.Status != core.BotStopped {
		if err := m.Stop(ctx, botID, false); err != nil {
			return err
		}
	}
	return m.store.DeleteBot(ctx, botID)
}

// ListBots returns the user's bots.
func (m *Manager) ListBots(ctx context.Context, userID int64) ([]*core.Bot, error) {
	return m.store.ListBotsByUser(ctx, userID)
}

// BotDetails is the full view of one bot for the chat surface.
type BotDetails struct {
	Bot        *core.Bot
	OpenOrders []*core.Order
	RecentLogs []*core.BotLog
}

// Details returns the bot with its open orders and latest log lines.
func (m *Manager) Details(ctx context.Context, botID int64) (*BotDetails, error) {
	bot, err := m.store.GetBot(ctx, botID)
	if err != nil {
		return nil, err
	}
	open, err := m.store.ListOrders(ctx, botID, core.OrderOpen)
	if err != nil {
		return nil, err
	}
	logs, err := m.store.ListBotLogs(ctx, botID, 20)
	if err != nil {
		return nil, err
	}
	return &BotDetails{Bot: bot, OpenOrders: open, RecentLogs: logs}, nil
}

// Balance passes the user's exchange balances through.
func (m *Manager) Balance(ctx context.Context, userID int64) (map[string]decimal.Decimal, error) {
	return m.gateway.Balance(ctx, userID)
}

// RestoreAfterRestart reconciles every active bot with the exchange and
// resumes supervision; fills observed while the process was down are
// dispatched through the normal path.
func (m *Manager) RestoreAfterRestart(ctx context.Context) error {
	bots, err := m.store.ListBotsByStatus(ctx, core.BotActive)
	if err != nil {
		return err
	}

	for _, bot := range bots {
		log := m.logger.WithField("bot_id", bot.ID)
		if err := m.reconcileBot(ctx, bot); err != nil {
			if errors.Is(err, apperrors.ErrInvalidCredentials) || errors.Is(err, apperrors.ErrNoCredentials) {
				log.Error("Credentials rejected during restore, stopping bot", "error", err)
				if stopErr := m.store.SetBotStatus(ctx, bot.ID, core.BotStopped); stopErr != nil {
					log.Error("Failed to stop bot", "error", stopErr)
				}
				continue
			}
			// Transient reconcile failures leave the bot supervised; the
			// monitor picks up where the restore left off.
			log.Warn("Reconcile incomplete", "error", err)
		}
		m.monitor.Supervise(context.WithoutCancel(ctx), bot.ID)
	}

	m.logger.Info("Restore complete", "bots", len(bots))
	return nil
}

func (m *Manager) reconcileBot(ctx context.Context, bot *core.Bot) error {
	open, err := m.store.ListOrders(ctx, bot.ID, core.OrderOpen)
	if err != nil {
		return err
	}
	for _, order := range open {
		ref, err := m.gateway.OrderStatus(ctx, bot.UserID, bot.Symbol, order.ExchangeOrderID)
		if err != nil {
			if errors.Is(err, apperrors.ErrOrderNotFound) {
				if markErr := m.store.MarkOrderCancelled(ctx, order.ID); markErr != nil {
					return markErr
				}
				continue
			}
			return err
		}
		switch ref.Status {
		case core.OrderFilled:
			if err := m.strategy.HandleFill(ctx, bot, order, ref); err != nil {
				return err
			}
		case core.OrderCancelled:
			if err := m.store.MarkOrderCancelled(ctx, order.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) logBot(ctx context.Context, bot *core.Bot, level, message, details string) {
	if err := m.store.AddBotLog(ctx, &core.BotLog{
		BotID: bot.ID, UserID: bot.UserID, Level: level, Message: message, Details: details,
	}); err != nil {
		m.logger.Warn("Failed to persist bot log", "bot_id", bot.ID, "error", err)
	}
}

func (m *Manager) notifyBot(ctx context.Context, bot *core.Bot, kind notify.Kind, title, message string) {
	user, err := m.store.GetUser(ctx, bot.UserID)
	if err != nil {
		m.logger.Warn("Cannot resolve user for notification", "bot_id", bot.ID, "error", err)
		return
	}
	m.notifier.Notify(ctx, notify.Event{
		Kind:    kind,
		ChatID:  user.ChatID,
		BotID:   bot.ID,
		Title:   title,
		Message: message,
	})
}
