package notify

import (
	"context"

	"gridbot/internal/core"
)

// LogChannel writes events to the structured log; always registered so
// deployments without Telegram still surface events.
type LogChannel struct {
	logger core.ILogger
}

func NewLogChannel(logger core.ILogger) *LogChannel {
	return &LogChannel{logger: logger.WithField("channel", "log")}
}

func (l *LogChannel) Name() string { return "log" }

func (l *LogChannel) Send(ctx context.Context, event Event) error {
	l.logger.Info(event.Title,
		"kind", event.Kind,
		"bot_id", event.BotID,
		"chat_id", event.ChatID,
		"message", event.Message,
	)
	return nil
}
