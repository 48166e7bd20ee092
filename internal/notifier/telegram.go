package notifier

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// TelegramSender delivers alerts through the Telegram Bot API.
type TelegramSender struct {
	bot *tele.Bot
}

// NewTelegramSender builds a send-only bot. No getMe round-trip happens at
// construction, so a bad token surfaces on the first Send.
func NewTelegramSender(token string) (*TelegramSender, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		Offline: true,
		Client:  &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSender{bot: b}, nil
}

func (t *TelegramSender) Send(ctx context.Context, to Target, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(&tele.Chat{ID: to.ChatID}, text, &tele.SendOptions{
		DisableWebPagePreview: true,
		ThreadID:              to.ThreadID,
	})
	return err
}
