package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/borrowbot/keeper/internal/model"
	"github.com/borrowbot/keeper/internal/pkg/apperrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	chatID string
	texts  []string
	err    error
}

func (c *capture) SendText(_ context.Context, chatID, text string) error {
	c.chatID = chatID
	c.texts = append(c.texts, text)
	return c.err
}

type memRecorder struct{ entries []*model.ActionLog }

func (m *memRecorder) LogAgentAction(_ context.Context, e *model.ActionLog) error {
	m.entries = append(m.entries, e)
	return nil
}

var (
	testAgent = &model.Agent{ID: "agent-1", Name: "Bolt", Emoji: "⚡"}
	testUser  = &model.User{ID: "user-1", TelegramChatID: "1234"}
)

func TestAutoRepayMessageAndLog(t *testing.T) {
	sender, rec := &capture{}, &memRecorder{}
	svc := NewService(sender, rec)

	require.NoError(t, svc.SendAutoRepaySuccess(context.Background(), testAgent, testUser, 125.5, 0.8123, 0.75, true))

	require.Len(t, sender.texts, 1)
	assert.Equal(t, "1234", sender.chatID)
	assert.Equal(t, "I detected your LTV was high (81.2%) and automatically withdrew $125.50 from your yield vault to repay debt. Your position is now healthy at 75.0%.", sender.texts[0])

	require.Len(t, rec.entries, 1)
	e := rec.entries[0]
	assert.Equal(t, model.ActionTypeNotification, e.ActionType)
	assert.Equal(t, model.NotificationAutoRepay, e.Value)
	var details map[string]any
	require.NoError(t, json.Unmarshal(e.Details, &details))
	assert.Equal(t, true, details["success"])
	assert.Equal(t, "Auto-repay executed: $125.50. LTV 81.2% -> 75.0%", details["message"])
}

func TestMessagesCarryFigures(t *testing.T) {
	sender := &capture{}
	svc := NewService(sender, nil)
	ctx := context.Background()

	require.NoError(t, svc.SendAutoOptimizeSuccess(ctx, testAgent, testUser, 300, 0.55, 0.65, "ETH up 2.1% over 24h"))
	require.NoError(t, svc.SendCriticalLTVWarning(ctx, testAgent, testUser, 0.70, 0.86))
	require.NoError(t, svc.SendDailyDigest(ctx, testAgent, testUser, 0.65, 10000, 6500))
	require.NoError(t, svc.SendIdleSweep(ctx, testAgent, testUser, 42))

	require.Len(t, sender.texts, 4)
	assert.Contains(t, sender.texts[0], "$300.00 USDC")
	assert.Contains(t, sender.texts[0], "\n\nMarket: ETH up 2.1% over 24h")
	assert.Contains(t, sender.texts[1], "70.0%")
	assert.Contains(t, sender.texts[1], "86.0%")
	assert.Equal(t, "Daily Update: Everything is healthy. 🟢\nCurrent LTV: 65.0%\nCollateral: $10000.00\nDebt: $6500.00\nNo action needed.", sender.texts[2])
	assert.Contains(t, sender.texts[3], "$42.00")
}

func TestSkipsUsersWithoutChat(t *testing.T) {
	sender, rec := &capture{}, &memRecorder{}
	svc := NewService(sender, rec)
	require.NoError(t, svc.SendDailyDigest(context.Background(), testAgent, &model.User{ID: "u"}, 0.5, 1, 1))
	assert.Empty(t, sender.texts)
	assert.Empty(t, rec.entries)
}

func TestFailedSendIsLoggedAndReturned(t *testing.T) {
	sender, rec := &capture{err: errors.New("boom")}, &memRecorder{}
	svc := NewService(sender, rec)
	err := svc.SendCriticalLTVWarning(context.Background(), testAgent, testUser, 0.8, 0.86)
	require.Error(t, err)
	require.Len(t, rec.entries, 1)
	assert.Contains(t, string(rec.entries[0].Details), `"success":false`)
}

func TestTelegramPostsAndRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		require.NoError(t, json.Unmarshal(body, &payload))
		assert.Equal(t, "99", payload["chat_id"])
		assert.Equal(t, "hello", payload["text"])
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer srv.Close()

	tg := NewTelegram(srv.URL, "TOKEN", srv.Client())
	tg.pause = func(int) time.Duration { return time.Millisecond }

	require.NoError(t, tg.SendText(context.Background(), "99", "hello"))
	assert.Equal(t, int32(3), hits.Load())
}

func TestTelegramGivesUp(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	tg := NewTelegram(srv.URL, "TOKEN", srv.Client())
	tg.pause = func(int) time.Duration { return time.Millisecond }

	err := tg.SendText(context.Background(), "99", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
	assert.Equal(t, int32(3), hits.Load())
}

func TestTelegramRequiresConfig(t *testing.T) {
	err := NewTelegram("", "", nil).SendText(context.Background(), "1", "x")
	assert.True(t, apperrors.Is(err, apperrors.ErrConfig))
}
