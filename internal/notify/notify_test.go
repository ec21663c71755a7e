package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridbot/pkg/logging"
)

type captureChannel struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureChannel) Name() string { return "capture" }

func (c *captureChannel) Send(ctx context.Context, event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func TestDispatcher_FansOut(t *testing.T) {
	d := NewDispatcher(logging.NopLogger{})
	ch1 := &captureChannel{}
	ch2 := &captureChannel{}
	d.AddChannel(ch1)
	d.AddChannel(ch2)

	d.Notify(context.Background(), Event{
		Kind:   KindOrderFilled,
		ChatID: 42,
		Title:  "Order filled",
	})
	d.Flush()

	require.Len(t, ch1.events, 1)
	require.Len(t, ch2.events, 1)
	assert.Equal(t, KindOrderFilled, ch1.events[0].Kind)
	assert.False(t, ch1.events[0].Timestamp.IsZero())
}

func TestTelegramChannel_SendsPerUserChat(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/bottest-token/sendMessage")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	ch := NewTelegramChannel("test-token", "fallback")
	ch.baseURL = srv.URL

	err := ch.Send(context.Background(), Event{
		Kind:    KindProfitMilestone,
		ChatID:  777,
		Title:   "Profit milestone",
		Message: "Bot 3 reached 5% profit",
		Fields:  map[string]string{"profit": "5.12 USDT"},
	})
	require.NoError(t, err)
	assert.Equal(t, "777", got["chat_id"])
	assert.Contains(t, got["text"], "Profit milestone")
	assert.Contains(t, got["text"], "5.12 USDT")
}

func TestTelegramChannel_NoTokenIsNoop(t *testing.T) {
	ch := NewTelegramChannel("", "")
	err := ch.Send(context.Background(), Event{Title: "ignored"})
	assert.NoError(t, err)
}
