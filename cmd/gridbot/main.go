// Command gridbot runs the grid-trading bot service: it restores
// supervision of bots that were active before the last shutdown, then
// keeps monitoring, health-checking, and serving metrics until
// SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"gridbot/internal/config"
	"gridbot/internal/exchange"
	"gridbot/internal/health"
	"gridbot/internal/manager"
	"gridbot/internal/monitor"
	"gridbot/internal/notify"
	"gridbot/internal/security"
	"gridbot/internal/store"
	"gridbot/internal/strategy"
	"gridbot/internal/telemetry"
	"gridbot/pkg/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gridbot: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	settings, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := logging.NewZapLogger(settings.LogLevel)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logging.SetGlobalLogger(logger)

	box, err := security.NewBox(settings.EncryptionKey)
	if err != nil {
		return fmt.Errorf("encryption key: %w", err)
	}

	st, err := store.New(settings.DatabasePath)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer func() { _ = st.Close() }()

	creds := exchange.NewStoreCredentials(st, box)
	gateway := exchange.NewMEXCGateway(settings.ExchangeBaseURL, creds, logger)

	dispatcher := notify.NewDispatcher(logger)
	dispatcher.AddChannel(notify.NewLogChannel(logger))
	if settings.TelegramBotToken != "" {
		dispatcher.AddChannel(notify.NewTelegramChannel(settings.TelegramBotToken, settings.TelegramChatID))
	}

	strat := strategy.New(st, gateway, dispatcher, logger)
	mon := monitor.New(st, gateway, strat, dispatcher,
		settings.OrderCheckInterval, settings.ProfitNotifyPercent, logger)
	mgr := manager.New(st, gateway, strat, mon, dispatcher, box, settings, logger)
	checker := health.New(st, gateway, dispatcher, settings.HealthCheckInterval, logger)
	metrics := telemetry.NewServer(settings.MetricsAddr, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting gridbot",
		"database", settings.DatabasePath,
		"exchange", settings.ExchangeBaseURL,
		"check_interval", settings.OrderCheckInterval,
		"health_interval", settings.HealthCheckInterval)

	if err := mgr.RestoreAfterRestart(ctx); err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return metrics.Run(gctx) })
	g.Go(func() error { return checker.Run(gctx) })

	err = g.Wait()

	logger.Info("Shutting down")
	mon.Shutdown()
	dispatcher.Flush()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
