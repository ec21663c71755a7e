// Package notify fans user-facing events out to delivery channels.
package notify

import (
	"context"
	"sync"
	"time"

	"gridbot/internal/core"
)

// Kind classifies an event.
type Kind string

const (
	KindBotStarted        Kind = "bot_started"
	KindBotStopped        Kind = "bot_stopped"
	KindOrderFilled       Kind = "order_filled"
	KindProfitMilestone   Kind = "profit_milestone"
	KindCredentialFailure Kind = "credential_failure"
	KindOrphanRepair      Kind = "orphan_repair"
	KindHealthWarning     Kind = "health_warning"
)

// Event is one notification addressed to a user's chat.
type Event struct {
	Kind      Kind
	ChatID    int64
	BotID     int64
	Title     string
	Message   string
	Fields    map[string]string
	Timestamp time.Time
}

// Channel delivers events to one medium.
type Channel interface {
	Send(ctx context.Context, event Event) error
	Name() string
}

// Dispatcher fans events out to every registered channel. Delivery is
// fire-and-forget so the trading path never blocks on a slow channel.
type Dispatcher struct {
	channels []Channel
	logger   core.ILogger
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(logger core.ILogger) *Dispatcher {
	return &Dispatcher{
		logger: logger.WithField("component", "notify"),
	}
}

// AddChannel registers a delivery channel.
func (d *Dispatcher) AddChannel(ch Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels = append(d.channels, ch)
	d.logger.Info("Added notification channel", "name", ch.Name())
}

// Notify dispatches an event to all channels asynchronously.
func (d *Dispatcher) Notify(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	d.mu.RLock()
	channels := make([]Channel, len(d.channels))
	copy(channels, d.channels)
	d.mu.RUnlock()

	for _, ch := range channels {
		d.wg.Add(1)
		go func(c Channel) {
			defer d.wg.Done()
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := c.Send(sendCtx, event); err != nil {
				d.logger.Error("Failed to deliver notification",
					"channel", c.Name(), "kind", event.Kind, "error", err)
			}
		}(ch)
	}
}

// Flush waits for in-flight deliveries; called on shutdown.
func (d *Dispatcher) Flush() {
	d.wg.Wait()
}
