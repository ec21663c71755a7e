// Package monitor runs one supervisor goroutine per active bot, polling
// exchange order status and dispatching fills to the strategy.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/internal/core"
	"gridbot/internal/notify"
	"gridbot/internal/store"
	"gridbot/internal/strategy"
	"gridbot/internal/telemetry"
	apperrors "gridbot/pkg/errors"
)

const (
	backoffBase = time.Second
	backoffMax  = 60 * time.Second
)

// Monitor owns the supervisor registry.
type Monitor struct {
	store         *store.Store
	gateway       core.Gateway
	strategy      *strategy.Strategy
	notifier      *notify.Dispatcher
	checkInterval time.Duration
	profitStep    decimal.Decimal
	logger        core.ILogger

	mu          sync.Mutex
	supervisors map[int64]*supervisor
	// milestones remembers the last profit step signaled per bot so each
	// multiple is announced once.
	milestones map[int64]int64
	wg         sync.WaitGroup
}

// supervisor identifies one registration so a goroutine exiting late
// cannot deregister a successor for the same bot.
type supervisor struct {
	cancel context.CancelFunc
}

// New creates a Monitor.
func New(st *store.Store, gateway core.Gateway, strat *strategy.Strategy, notifier *notify.Dispatcher,
	checkInterval time.Duration, profitStep decimal.Decimal, logger core.ILogger) *Monitor {
	return &Monitor{
		store:         st,
		gateway:       gateway,
		strategy:      strat,
		notifier:      notifier,
		checkInterval: checkInterval,
		profitStep:    profitStep,
		logger:        logger.WithField("component", "monitor"),
		supervisors:   make(map[int64]*supervisor),
		milestones:    make(map[int64]int64),
	}
}

// Supervise starts a supervisor for a bot. Re-registering a supervised
// bot is a no-op.
func (m *Monitor) Supervise(ctx context.Context, botID int64) {
	m.mu.Lock()
	if _, ok := m.supervisors[botID]; ok {
		m.mu.Unlock()
		return
	}
	supCtx, cancel := context.WithCancel(ctx)
	sup := &supervisor{cancel: cancel}
	m.supervisors[botID] = sup
	m.mu.Unlock()

	telemetry.ActiveBots.Inc()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.release(botID, sup)
		m.run(supCtx, botID)
	}()
}

// Release stops the supervisor for a bot without touching the bot row.
// The slot is freed immediately, so a following Supervise registers a
// fresh supervisor even before the old goroutine has unwound.
func (m *Monitor) Release(botID int64) {
	m.mu.Lock()
	sup, ok := m.supervisors[botID]
	if ok {
		delete(m.supervisors, botID)
		delete(m.milestones, botID)
		telemetry.ActiveBots.Dec()
	}
	m.mu.Unlock()
	if ok {
		sup.cancel()
	}
}

// Supervised reports whether a bot currently has a supervisor.
func (m *Monitor) Supervised(botID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.supervisors[botID]
	return ok
}

// Shutdown cancels every supervisor and waits for them to exit.
func (m *Monitor) Shutdown() {
	m.mu.Lock()
	for _, sup := range m.supervisors {
		sup.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// release deregisters a supervisor when its goroutine exits on its own,
// unless Release or a successor already took the slot.
func (m *Monitor) release(botID int64, sup *supervisor) {
	m.mu.Lock()
	if current, ok := m.supervisors[botID]; ok && current == sup {
		delete(m.supervisors, botID)
		delete(m.milestones, botID)
		telemetry.ActiveBots.Dec()
	}
	m.mu.Unlock()
	sup.cancel()
}

// run is the supervisor loop: poll, dispatch fills, back off on errors.
func (m *Monitor) run(ctx context.Context, botID int64) {
	log := m.logger.WithField("bot_id", botID)
	log.Info("Supervisor started")

	backoff := backoffBase
	for {
		stop, err := m.tick(ctx, botID)
		if stop {
			if err != nil {
				log.Error("Supervisor exiting after error", "error", err)
			} else {
				log.Info("Supervisor exiting")
			}
			return
		}

		sleep := m.checkInterval
		if err != nil {
			log.Warn("Monitor iteration failed", "error", err, "backoff", backoff)
			telemetry.SupervisorRestarts.Inc()
			sleep = backoff
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
		} else {
			backoff = backoffBase
		}

		select {
		case <-ctx.Done():
			log.Info("Supervisor cancelled")
			return
		case <-time.After(sleep):
		}
	}
}

// tick runs one monitor iteration. The bool result requests supervisor
// exit.
func (m *Monitor) tick(ctx context.Context, botID int64) (bool, error) {
	telemetry.MonitorTicks.Inc()

	bot, err := m.store.GetBot(ctx, botID)
	if err != nil {
		if errors.Is(err, apperrors.ErrBotNotFound) {
			return true, nil
		}
		return false, err
	}

	switch bot.Status {
	case core.BotStopped:
		return true, nil
	case core.BotPaused:
		// Monitoring idles while paused; fills queue on the exchange and
		// are consumed after resume.
		return false, nil
	}

	open, err := m.store.ListOrders(ctx, botID, core.OrderOpen)
	if err != nil {
		return false, err
	}

	for _, order := range open {
		if ctx.Err() != nil {
			return true, nil
		}

		ref, err := m.gateway.OrderStatus(ctx, bot.UserID, bot.Symbol, order.ExchangeOrderID)
		if err != nil {
			if errors.Is(err, apperrors.ErrInvalidCredentials) || errors.Is(err, apperrors.ErrNoCredentials) {
				return true, m.stopForCredentials(ctx, bot)
			}
			if errors.Is(err, apperrors.ErrOrderNotFound) {
				// Gone on the exchange without a fill we observed; treat
				// as cancelled out-of-band.
				if markErr := m.store.MarkOrderCancelled(ctx, order.ID); markErr != nil {
					return false, markErr
				}
				continue
			}
			return false, err
		}

		switch ref.Status {
		case core.OrderFilled:
			if err := m.strategy.HandleFill(ctx, bot, order, ref); err != nil {
				if errors.Is(err, apperrors.ErrInvalidCredentials) || errors.Is(err, apperrors.ErrNoCredentials) {
					return true, m.stopForCredentials(ctx, bot)
				}
				return false, err
			}
		case core.OrderCancelled:
			if err := m.store.MarkOrderCancelled(ctx, order.ID); err != nil {
				return false, err
			}
		}
	}

	return false, m.checkProfitMilestone(ctx, botID)
}

// checkProfitMilestone announces each new multiple of the configured
// profit step once.
func (m *Monitor) checkProfitMilestone(ctx context.Context, botID int64) error {
	if !m.profitStep.IsPositive() {
		return nil
	}

	bot, err := m.store.GetBot(ctx, botID)
	if err != nil {
		return err
	}
	step := bot.TotalProfitPercent.Div(m.profitStep).Floor().IntPart()
	if step <= 0 {
		return nil
	}

	m.mu.Lock()
	last := m.milestones[botID]
	if step > last {
		m.milestones[botID] = step
	}
	m.mu.Unlock()
	if step <= last {
		return nil
	}

	user, err := m.store.GetUser(ctx, bot.UserID)
	if err != nil {
		return err
	}
	percent := m.profitStep.Mul(decimal.NewFromInt(step))
	m.notifier.Notify(ctx, notify.Event{
		Kind:    notify.KindProfitMilestone,
		ChatID:  user.ChatID,
		BotID:   bot.ID,
		Title:   "Profit milestone",
		Message: fmt.Sprintf("%s bot reached %s%% profit", bot.Symbol, percent),
		Fields: map[string]string{
			"total_profit":   bot.TotalProfit.String() + " " + bot.QuoteCurrency(),
			"profit_percent": bot.TotalProfitPercent.StringFixed(2) + "%",
		},
	})
	return nil
}

// stopForCredentials shuts a bot down after a terminal credential
// failure and notifies the owner.
func (m *Monitor) stopForCredentials(ctx context.Context, bot *core.Bot) error {
	m.logger.Error("Stopping bot, credentials rejected", "bot_id", bot.ID)

	if err := m.store.SetBotStatus(ctx, bot.ID, core.BotStopped); err != nil {
		return err
	}
	if err := m.store.AddBotLog(ctx, &core.BotLog{
		BotID: bot.ID, UserID: bot.UserID, Level: "ERROR",
		Message: "bot stopped: exchange rejected API credentials",
	}); err != nil {
		m.logger.Warn("Failed to persist credential log", "bot_id", bot.ID, "error", err)
	}

	user, err := m.store.GetUser(ctx, bot.UserID)
	if err != nil {
		return err
	}
	m.notifier.Notify(ctx, notify.Event{
		Kind:    notify.KindCredentialFailure,
		ChatID:  user.ChatID,
		BotID:   bot.ID,
		Title:   "Bot stopped",
		Message: fmt.Sprintf("%s bot stopped: the exchange rejected your API credentials. Update them and restart the bot.", bot.Symbol),
	})
	return nil
}
