package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/ksred/p2p-bridge/internal/pool"
)

// Type names an order lifecycle event.
type Type string

const (
	OrderCreated Type = "order.created"
	OrderMoved   Type = "order.moved"
)

// Event is the record published for every committed order transition.
type Event struct {
	ID           string      `json:"id"`
	Type         Type        `json:"type"`
	OrderID      string      `json:"order_id"`
	ExternalTxID string      `json:"external_tx_id"`
	AccountBID   string      `json:"account_b_id,omitempty"`
	From         pool.Status `json:"from,omitempty"`
	Status       pool.Status `json:"status"`
	Stage        pool.Stage  `json:"stage"`
	FiatAmount   string      `json:"fiat_amount"`
	At           time.Time   `json:"at"`
}

// FromTransition builds the event for t.
func FromTransition(t pool.Transition) Event {
	typ := OrderMoved
	if t.From == "" {
		typ = OrderCreated
	}
	return Event{
		ID:           uuid.New().String(),
		Type:         typ,
		OrderID:      t.Order.OrderID,
		ExternalTxID: t.Order.ExternalTxID,
		AccountBID:   t.Order.AccountBID,
		From:         t.From,
		Status:       t.To,
		Stage:        t.Stage,
		FiatAmount:   t.Order.FiatAmount.String(),
		At:           t.At,
	}
}
