package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/ksred/p2p-bridge/internal/pool"
	"github.com/shopspring/decimal"
)

type fakeSender struct {
	sent []tgbotapi.MessageConfig
	err  error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, f.err
}

func TestOnTransition(t *testing.T) {
	order := pool.TradeOrder{
		OrderID:      "ord-1",
		ExternalTxID: "TX1",
		FiatAmount:   decimal.NewFromInt(30000),
		FiatCurrency: "RUB",
	}

	tests := []struct {
		name    string
		to      pool.Status
		payload pool.Payload
		want    string
	}{
		{"manual review", pool.StatusManualReview, pool.ManualReviewPayload{Reason: "receipt timeout"}, "Reason: receipt timeout"},
		{"appeal", pool.StatusAppeal, pool.AppealPayload{Reason: "buyer appeal"}, "Appeal opened"},
		{"completed", pool.StatusCompleted, pool.CompletedPayload{}, "30000.00 RUB"},
		{"quiet", pool.StatusChatting, pool.ChatPayload{CounterOrderID: "c"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{}
			tg := NewTelegramWithSender(sender, 42)
			tg.OnTransition(context.Background(), pool.Transition{Order: order, To: tt.to, Payload: tt.payload})

			if tt.want == "" {
				if len(sender.sent) != 0 {
					t.Errorf("sent %d messages, want none", len(sender.sent))
				}
				return
			}
			if len(sender.sent) != 1 {
				t.Fatalf("sent %d messages, want 1", len(sender.sent))
			}
			if sender.sent[0].ChatID != 42 || !strings.Contains(sender.sent[0].Text, tt.want) {
				t.Errorf("message = %+v", sender.sent[0])
			}
		})
	}
}

func TestOnTransitionSendFailureIsSwallowed(t *testing.T) {
	sender := &fakeSender{err: errors.New("telegram down")}
	tg := NewTelegramWithSender(sender, 1)
	tg.OnTransition(context.Background(), pool.Transition{To: pool.StatusCompleted})
	if len(sender.sent) != 1 {
		t.Errorf("send attempts = %d", len(sender.sent))
	}
}
