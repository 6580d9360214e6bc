// Package notify delivers owner notifications and records them in the
// action log.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/borrowbot/keeper/internal/pkg/apperrors"
	"github.com/borrowbot/keeper/internal/pkg/httpjson"
	"github.com/tidwall/gjson"
)

// TextSender delivers one plain-text message to a chat.
type TextSender interface {
	SendText(ctx context.Context, chatID, text string) error
}

// Noop drops every message. Used when no bot token is configured.
type Noop struct{}

func (Noop) SendText(context.Context, string, string) error { return nil }

const defaultTelegramAPI = "https://api.telegram.org"

// Telegram sends through the Bot API sendMessage method, retrying up to
// three times with a linear pause.
type Telegram struct {
	apiBase string
	token   string
	client  *http.Client
	retries int
	pause   func(attempt int) time.Duration
}

func NewTelegram(apiBase, token string, client *http.Client) *Telegram {
	if apiBase == "" {
		apiBase = defaultTelegramAPI
	}
	if client == nil {
		client = httpjson.NewClient(15 * time.Second)
	}
	return &Telegram{
		apiBase: strings.TrimRight(apiBase, "/"),
		token:   token,
		client:  client,
		retries: 3,
		pause:   func(attempt int) time.Duration { return time.Duration(attempt+1) * time.Second },
	}
}

func (t *Telegram) SendText(ctx context.Context, chatID, text string) error {
	if t.token == "" || chatID == "" {
		return apperrors.NewConfig("telegram bot token or chat id missing")
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	payload := map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	}

	var lastErr error
	for i := 0; i < t.retries; i++ {
		body, err := httpjson.Do(ctx, t.client, http.MethodPost, url, nil, payload)
		if err == nil {
			if gjson.GetBytes(body, "ok").Bool() {
				return nil
			}
			err = apperrors.Newf(apperrors.ErrUpstream, "telegram rejected message: %s",
				gjson.GetBytes(body, "description").String())
		}
		lastErr = err
		if i == t.retries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.pause(i)):
		}
	}
	return lastErr
}
