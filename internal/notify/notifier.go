// Package notify carries reminder text to the owner's chat.
package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// Notifier delivers a text message to a destination chat. Delivery may fail
// transiently; callers retry through the job queue, not here.
type Notifier interface {
	Deliver(ctx context.Context, chatID int64, text string) error
}

type Telegram struct {
	bot *tgbotapi.BotAPI
}

func NewTelegram(token string) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	log.Info().Str("bot", bot.Self.UserName).Msg("telegram notifier ready")
	return &Telegram{bot: bot}, nil
}

// Deliver sends the message. The bot client carries its own HTTP timeout, so
// ctx is not consulted mid-request.
func (t *Telegram) Deliver(_ context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// LogOnly logs instead of sending. Used when no bot token is configured.
type LogOnly struct{}

func (LogOnly) Deliver(_ context.Context, chatID int64, text string) error {
	log.Info().Int64("chat_id", chatID).Str("text", text).Msg("notification (dry run)")
	return nil
}
