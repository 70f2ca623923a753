package notify

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"counselbook/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockTelegramSender struct {
	mock.Mock
}

func (m *mockTelegramSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	args := m.Called(c)
	return args.Get(0).(tgbotapi.Message), args.Error(1)
}

func TestTelegramNotifier(t *testing.T) {
	sender := new(mockTelegramSender)
	n := NewTelegramNotifier(sender, map[string]int64{"user-1": 123}, nil)
	ctx := context.Background()

	t.Run("Delivers", func(t *testing.T) {
		sender.On("Send", mock.MatchedBy(func(c tgbotapi.Chattable) bool {
			msg, ok := c.(tgbotapi.MessageConfig)
			return ok && msg.ChatID == 123 && msg.Text == "Booking rejected\n\nprovider unavailable"
		})).Return(tgbotapi.Message{}, nil).Once()

		err := n.Notify(ctx, models.Notification{Recipient: "user-1", Subject: "Booking rejected", Body: "provider unavailable"})
		assert.NoError(t, err)
		sender.AssertExpectations(t)
	})

	t.Run("UnknownRecipientSkipped", func(t *testing.T) {
		err := n.Notify(ctx, models.Notification{Recipient: "stranger", Body: "x"})
		assert.NoError(t, err)
		sender.AssertNotCalled(t, "Send", mock.MatchedBy(func(c tgbotapi.Chattable) bool {
			msg, ok := c.(tgbotapi.MessageConfig)
			return ok && msg.Text == "x"
		}))
	})

	t.Run("SendError", func(t *testing.T) {
		sender.On("Send", mock.Anything).Return(tgbotapi.Message{}, errors.New("flood")).Once()
		err := n.Notify(ctx, models.Notification{Recipient: "user-1", Body: "retry me"})
		assert.ErrorContains(t, err, "flood")
	})
}

func TestFormatText(t *testing.T) {
	assert.Equal(t, "body", formatText(models.Notification{Body: "body"}))
	assert.Equal(t, "subject", formatText(models.Notification{Subject: "subject"}))
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	n := NewLogNotifier(&logger)

	assert.NoError(t, n.Notify(context.Background(), models.Notification{Recipient: "provider-1", Subject: "New booking"}))
	assert.Contains(t, buf.String(), `"recipient":"provider-1"`)
	assert.Contains(t, buf.String(), `"component":"log_notifier"`)
}
