package pool

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ksred/p2p-bridge/internal/apperr"
	"github.com/shopspring/decimal"
)

// Payload is the typed data carried by a pool entry. Its concrete type
// determines the stage and the order status.
type Payload interface {
	Stage() Stage
	Status() Status
	Validate() error
}

// AdWaitingForBuyer is the ActivePayload ad status while no counter-order exists.
const AdWaitingForBuyer = "waiting_for_buyer"

type PendingPayload struct {
	Accepted   bool       `json:"accepted"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
}

func (PendingPayload) Stage() Stage { return StagePending }

func (p PendingPayload) Status() Status {
	if p.Accepted {
		return StatusAccepted
	}
	return StatusPending
}

func (PendingPayload) Validate() error { return nil }

type ActivePayload struct {
	AdID       string          `json:"ad_id"`
	AccountBID string          `json:"account_b_id"`
	Rate       decimal.Decimal `json:"rate"`
	Amount     decimal.Decimal `json:"amount"`
	AdStatus   string          `json:"status"`
}

func (ActivePayload) Stage() Stage   { return StageActive }
func (ActivePayload) Status() Status { return StatusActive }

func (p ActivePayload) Validate() error {
	if p.AdID == "" {
		return apperr.Validation("active payload requires ad_id")
	}
	return nil
}

type ChatPayload struct {
	CounterOrderID string `json:"counter_order_id"`
	BuyerID        string `json:"buyer_id,omitempty"`
	GreetingSent   bool   `json:"greeting_sent"`
}

func (ChatPayload) Stage() Stage   { return StageChat }
func (ChatPayload) Status() Status { return StatusChatting }

func (p ChatPayload) Validate() error {
	if p.CounterOrderID == "" {
		return apperr.Validation("chat payload requires counter_order_id")
	}
	return nil
}

type VerificationPayload struct {
	CounterOrderID  string    `json:"counter_order_id"`
	AwaitingReceipt bool      `json:"awaiting_receipt"`
	PaidAt          time.Time `json:"paid_at"`
}

func (VerificationPayload) Stage() Stage   { return StageVerification }
func (VerificationPayload) Status() Status { return StatusPaymentReceived }

func (p VerificationPayload) Validate() error {
	if p.CounterOrderID == "" {
		return apperr.Validation("verification payload requires counter_order_id")
	}
	return nil
}

type CompletedPayload struct {
	ReceiptAmount decimal.Decimal `json:"receipt_amount"`
	ReceiptPath   string          `json:"receipt_path,omitempty"`
	Manual        bool            `json:"manual"`
}

func (CompletedPayload) Stage() Stage    { return StageCompleted }
func (CompletedPayload) Status() Status  { return StatusCompleted }
func (CompletedPayload) Validate() error { return nil }

type CancelledPayload struct {
	Reason string `json:"reason"`
}

func (CancelledPayload) Stage() Stage   { return StageCancelled }
func (CancelledPayload) Status() Status { return StatusCancelled }

func (p CancelledPayload) Validate() error {
	if p.Reason == "" {
		return apperr.Validation("cancelled payload requires a reason")
	}
	return nil
}

type AppealPayload struct {
	Reason string `json:"reason"`
}

func (AppealPayload) Stage() Stage    { return StageAppeal }
func (AppealPayload) Status() Status  { return StatusAppeal }
func (AppealPayload) Validate() error { return nil }

type ManualReviewPayload struct {
	Reason string `json:"reason"`
}

func (ManualReviewPayload) Stage() Stage   { return StageManualReview }
func (ManualReviewPayload) Status() Status { return StatusManualReview }

func (p ManualReviewPayload) Validate() error {
	if p.Reason == "" {
		return apperr.Validation("manual review payload requires a reason")
	}
	return nil
}

// Envelope is the stored form of a Payload: {"kind": stage, "data": {...}}.
type Envelope struct {
	Kind Stage           `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Wrap encodes p into an envelope.
func Wrap(p Payload) (Envelope, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", p.Stage(), err)
	}
	return Envelope{Kind: p.Stage(), Data: data}, nil
}

// Empty reports whether the envelope carries nothing.
func (e Envelope) Empty() bool {
	return e.Kind == ""
}

// Decode returns the typed payload held in the envelope.
func (e Envelope) Decode() (Payload, error) {
	var p Payload
	switch e.Kind {
	case StagePending:
		p = &PendingPayload{}
	case StageActive:
		p = &ActivePayload{}
	case StageChat:
		p = &ChatPayload{}
	case StageVerification:
		p = &VerificationPayload{}
	case StageCompleted:
		p = &CompletedPayload{}
	case StageCancelled:
		p = &CancelledPayload{}
	case StageAppeal:
		p = &AppealPayload{}
	case StageManualReview:
		p = &ManualReviewPayload{}
	default:
		return nil, apperr.Validation("unknown payload kind %q", e.Kind)
	}

	if len(e.Data) > 0 {
		if err := json.Unmarshal(e.Data, p); err != nil {
			return nil, apperr.Validation("decode %s payload: %v", e.Kind, err)
		}
	}
	return deref(p), nil
}

// deref returns payloads by value so callers can type-switch on the
// plain struct types.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *PendingPayload:
		return *v
	case *ActivePayload:
		return *v
	case *ChatPayload:
		return *v
	case *VerificationPayload:
		return *v
	case *CompletedPayload:
		return *v
	case *CancelledPayload:
		return *v
	case *AppealPayload:
		return *v
	case *ManualReviewPayload:
		return *v
	}
	return p
}

func (e Envelope) Value() (driver.Value, error) {
	if e.Empty() {
		return "", nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (e *Envelope) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*e = Envelope{}
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("unsupported envelope source %T", src)
	}
	if len(data) == 0 {
		*e = Envelope{}
		return nil
	}
	return json.Unmarshal(data, e)
}
