package pool

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Status is the persisted lifecycle status of a TradeOrder. The string
// values are stored and read back by RestoreState, so they must not change.
type Status string

const (
	StatusPending         Status = "pending"
	StatusAccepted        Status = "accepted"
	StatusAdvertised      Status = "advertised"
	StatusBuyerFound      Status = "buyer_found"
	StatusActive          Status = "active"
	StatusChatting        Status = "chatting"
	StatusPaymentReceived Status = "payment_received"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
	StatusAppeal          Status = "appeal"
	StatusManualReview    Status = "manual_review"
)

// Terminal reports whether no automatic transition leaves s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusManualReview:
		return true
	}
	return false
}

// TerminalStatuses lists every terminal status.
var TerminalStatuses = []Status{StatusCompleted, StatusCancelled, StatusManualReview}

// Stage is a pipeline pool an order sits in.
type Stage string

const (
	StagePending      Stage = "pending"
	StageActive       Stage = "active"
	StageChat         Stage = "chat"
	StageVerification Stage = "verification"
	StageCompleted    Stage = "completed"
	StageCancelled    Stage = "cancelled"
	StageAppeal       Stage = "appeal"
	StageManualReview Stage = "manual_review"
)

// Stages in pipeline order.
var Stages = []Stage{
	StagePending, StageActive, StageChat, StageVerification,
	StageCompleted, StageCancelled, StageAppeal, StageManualReview,
}

// StageForStatus maps a persisted status to the stage an order belongs in.
// It is the only input RestoreState uses to rebuild pool membership.
func StageForStatus(s Status) (Stage, bool) {
	switch s {
	case StatusPending, StatusAccepted:
		return StagePending, true
	case StatusAdvertised, StatusBuyerFound, StatusActive:
		return StageActive, true
	case StatusChatting:
		return StageChat, true
	case StatusPaymentReceived:
		return StageVerification, true
	case StatusCompleted:
		return StageCompleted, true
	case StatusCancelled:
		return StageCancelled, true
	case StatusAppeal:
		return StageAppeal, true
	case StatusManualReview:
		return StageManualReview, true
	}
	return "", false
}

// TradeOrder links one Platform A transaction to one Platform B counter-order.
type TradeOrder struct {
	gorm.Model     `json:"-"`
	OrderID        string          `gorm:"uniqueIndex" json:"order_id"`
	ExternalTxID   string          `gorm:"uniqueIndex" json:"external_tx_id"`
	CounterOrderID string          `gorm:"index" json:"counter_order_id,omitempty"`
	AdID           string          `gorm:"index" json:"ad_id,omitempty"`
	AccountAID     string          `gorm:"index" json:"account_a_id"`
	AccountBID     string          `gorm:"index" json:"account_b_id,omitempty"`
	Amount         decimal.Decimal `gorm:"type:decimal(20,8)" json:"amount"`
	Currency       string          `json:"currency"`
	FiatAmount     decimal.Decimal `gorm:"type:decimal(20,2)" json:"fiat_amount"`
	FiatCurrency   string          `json:"fiat_currency"`
	Rate           decimal.Decimal `gorm:"type:decimal(20,8)" json:"rate"`
	Status         Status          `gorm:"index" json:"status"`
	Metadata       Envelope        `gorm:"type:text" json:"metadata"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// PoolEntry records that an order was in a stage, with the stage payload.
// At most one entry per order is unresolved.
type PoolEntry struct {
	gorm.Model `json:"-"`
	EntryID    string     `gorm:"uniqueIndex" json:"entry_id"`
	OrderID    string     `gorm:"index" json:"order_id"`
	Stage      Stage      `gorm:"index" json:"stage"`
	Payload    Envelope   `gorm:"type:text" json:"payload"`
	ResolvedAt *time.Time `gorm:"index" json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// StagedOrder is an order together with its current stage payload.
type StagedOrder struct {
	Order   TradeOrder `json:"order"`
	Stage   Stage      `json:"stage,omitempty"`
	Payload Payload    `json:"payload,omitempty"`
}

// Transition is delivered to listeners after a stage change commits.
type Transition struct {
	Order   TradeOrder
	From    Status
	To      Status
	Stage   Stage
	Payload Payload
	At      time.Time
}
