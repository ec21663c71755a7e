package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// TelegramChannel delivers events over the Telegram bot API.
type TelegramChannel struct {
	botToken      string
	defaultChatID string
	client        *http.Client
	baseURL       string
}

// NewTelegramChannel creates the channel. defaultChatID receives events
// that carry no per-user chat.
func NewTelegramChannel(botToken, defaultChatID string) *TelegramChannel {
	return &TelegramChannel{
		botToken:      botToken,
		defaultChatID: defaultChatID,
		client:        &http.Client{Timeout: 5 * time.Second},
		baseURL:       "https://api.telegram.org",
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Send(ctx context.Context, event Event) error {
	if t.botToken == "" {
		return nil
	}
	chatID := t.defaultChatID
	if event.ChatID != 0 {
		chatID = strconv.FormatInt(event.ChatID, 10)
	}
	if chatID == "" {
		return nil
	}

	icon := "ℹ️"
	switch event.Kind {
	case KindOrderFilled, KindProfitMilestone:
		icon = "💰"
	case KindCredentialFailure, KindHealthWarning:
		icon = "⚠️"
	case KindBotStopped:
		icon = "🛑"
	case KindBotStarted:
		icon = "🚀"
	case KindOrphanRepair:
		icon = "🔧"
	}

	text := fmt.Sprintf("%s *%s*\n\n%s", icon, event.Title, event.Message)
	for k, v := range event.Fields {
		text += fmt.Sprintf("\n- *%s*: %s", k, v)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	payload := map[string]interface{}{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram api failed with status: %d", resp.StatusCode)
	}
	return nil
}
