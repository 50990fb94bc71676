package notify

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/ksred/p2p-bridge/internal/pool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sender is the part of the bot API used to post messages.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram alerts an operator chat about orders that need attention or
// have finished.
type Telegram struct {
	sender Sender
	chatID int64
	logger zerolog.Logger
}

func NewTelegram(token string, chatID int64) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	t := NewTelegramWithSender(api, chatID)
	t.logger.Info().Str("bot", api.Self.UserName).Msg("Telegram bot authorized")
	return t, nil
}

func NewTelegramWithSender(sender Sender, chatID int64) *Telegram {
	return &Telegram{
		sender: sender,
		chatID: chatID,
		logger: log.With().Str("component", "notify").Logger(),
	}
}

// OnTransition sends a message for transitions an operator cares about.
func (t *Telegram) OnTransition(_ context.Context, tr pool.Transition) {
	text, ok := Message(tr)
	if !ok {
		return
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.sender.Send(msg); err != nil {
		t.logger.Warn().Err(err).Str("order_id", tr.Order.OrderID).Msg("telegram alert not sent")
	}
}

// Message renders the alert for tr, or reports false when none is due.
func Message(tr pool.Transition) (string, bool) {
	var head string
	switch tr.To {
	case pool.StatusManualReview:
		head = "⚠️ Manual review required"
	case pool.StatusAppeal:
		head = "🚨 Appeal opened"
	case pool.StatusCompleted:
		head = "✅ Order completed"
	case pool.StatusCancelled:
		head = "❌ Order cancelled"
	default:
		return "", false
	}

	var b strings.Builder
	b.WriteString(head)
	fmt.Fprintf(&b, "\nOrder: %s", tr.Order.OrderID)
	fmt.Fprintf(&b, "\nTransaction: %s", tr.Order.ExternalTxID)
	fmt.Fprintf(&b, "\nAmount: %s %s", tr.Order.FiatAmount.StringFixed(2), tr.Order.FiatCurrency)
	if tr.Order.CounterOrderID != "" {
		fmt.Fprintf(&b, "\nCounter order: %s", tr.Order.CounterOrderID)
	}
	if reason := reasonOf(tr.Payload); reason != "" {
		fmt.Fprintf(&b, "\nReason: %s", reason)
	}
	return b.String(), true
}

func reasonOf(p pool.Payload) string {
	switch v := p.(type) {
	case pool.ManualReviewPayload:
		return v.Reason
	case pool.AppealPayload:
		return v.Reason
	case pool.CancelledPayload:
		return v.Reason
	}
	return ""
}
