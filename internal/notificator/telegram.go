package notificator

import (
	"context"
	"fmt"

	"github.com/go-telegram/bot"
	tgModels "github.com/go-telegram/bot/models"

	"github.com/chainfund/settlement/pkg/logger"
)

type TelegramNotificator struct {
	logger *logger.Logger
	bot    *bot.Bot
}

func NewTelegramNotificator(logger *logger.Logger, token string) (*TelegramNotificator, error) {
	provider := &TelegramNotificator{
		logger: logger,
	}
	opts := []bot.Option{
		bot.WithDefaultHandler(provider.handler),
	}

	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	provider.bot = b

	return provider, nil
}

// Start polls for updates until ctx is cancelled.
func (t *TelegramNotificator) Start(ctx context.Context) {
	go t.bot.Start(ctx)
}

func (t *TelegramNotificator) SendNotification(ctx context.Context, chatID, message string) error {
	params := &bot.SendMessageParams{
		ChatID: chatID,
		Text:   message,
	}
	if _, err := t.bot.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("failed to send telegram message to %s: %w", chatID, err)
	}
	return nil
}

// handler answers /start with the chat id to put in TELEGRAM_OPS_CHAT_ID.
func (t *TelegramNotificator) handler(ctx context.Context, b *bot.Bot, update *tgModels.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	t.logger.Debugw("Telegram update", "username", update.Message.From.Username, "text", update.Message.Text)
	if update.Message.Text != "/start" {
		return
	}
	chatID := fmt.Sprint(update.Message.Chat.ID)
	t.logger.Infow("Telegram chat registered", "chat_id", chatID, "username", update.Message.From.Username)
	if err := t.SendNotification(ctx, chatID, "Settlement alerts are sent to the chat set in TELEGRAM_OPS_CHAT_ID. This chat id is "+chatID); err != nil {
		t.logger.Errorw("Failed to answer /start", "chat_id", chatID, "error", err)
	}
}
