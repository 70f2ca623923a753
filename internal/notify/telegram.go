package notify

import (
	"context"
	"fmt"

	"counselbook/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// TelegramSender is the subset of *tgbotapi.BotAPI the notifier needs.
type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier delivers notifications to chats mapped from recipient identities.
type TelegramNotifier struct {
	bot     TelegramSender
	chatIDs map[string]int64
	logger  *zerolog.Logger
}

func NewTelegramNotifier(bot TelegramSender, chatIDs map[string]int64, logger *zerolog.Logger) *TelegramNotifier {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "telegram_notifier").Logger()
	return &TelegramNotifier{bot: bot, chatIDs: chatIDs, logger: &l}
}

// NewTelegramBot connects to the Bot API with token.
func NewTelegramBot(token string) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return bot, nil
}

// Notify sends n to the recipient's chat. Recipients without a known chat are skipped.
func (t *TelegramNotifier) Notify(ctx context.Context, n models.Notification) error {
	chatID, ok := t.chatIDs[n.Recipient]
	if !ok {
		t.logger.Warn().Str("recipient", n.Recipient).Msg("no telegram chat for recipient, skipping")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(chatID, formatText(n))
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send to %s: %w", n.Recipient, err)
	}
	return nil
}

func formatText(n models.Notification) string {
	if n.Subject == "" {
		return n.Body
	}
	if n.Body == "" {
		return n.Subject
	}
	return n.Subject + "\n\n" + n.Body
}

// LogNotifier writes notifications to the log. Used when no delivery channel is configured.
type LogNotifier struct {
	logger *zerolog.Logger
}

func NewLogNotifier(logger *zerolog.Logger) *LogNotifier {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "log_notifier").Logger()
	return &LogNotifier{logger: &l}
}

func (n *LogNotifier) Notify(_ context.Context, msg models.Notification) error {
	n.logger.Info().
		Str("recipient", msg.Recipient).
		Str("subject", msg.Subject).
		Str("body", msg.Body).
		Msg("notification")
	return nil
}
