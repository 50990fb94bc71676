package receipt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ksred/p2p-bridge/internal/apperr"
	"github.com/shopspring/decimal"
)

// Receipt holds the fields extracted from a payment receipt.
type Receipt struct {
	Amount   decimal.Decimal `json:"amount"`
	BankName string          `json:"bank_name,omitempty"`
	Phone    string          `json:"phone,omitempty"`
	Card     string          `json:"card,omitempty"`
	DateTime time.Time       `json:"date_time"`
}

// Parser extracts a Receipt from a file. The OCR implementation lives
// outside this service.
type Parser interface {
	ParseReceipt(ctx context.Context, path string) (*Receipt, error)
}

// DefaultTolerance is the allowed relative amount difference, 0.01%.
var DefaultTolerance = decimal.RequireFromString("0.0001")

// Validator checks a receipt against the order it should pay for.
type Validator struct {
	Tolerance     decimal.Decimal
	AcceptedBanks []string
}

func NewValidator(acceptedBanks []string) *Validator {
	return &Validator{Tolerance: DefaultTolerance, AcceptedBanks: acceptedBanks}
}

// Validate returns an apperr.ErrValidation describing the first mismatch.
func (v *Validator) Validate(r *Receipt, expected decimal.Decimal) error {
	if r == nil {
		return apperr.Validation("no receipt")
	}
	if !r.Amount.IsPositive() {
		return apperr.Validation("receipt amount %s is not positive", r.Amount)
	}

	allowed := expected.Mul(v.Tolerance).Abs()
	if diff := r.Amount.Sub(expected).Abs(); diff.GreaterThan(allowed) {
		return apperr.Validation("receipt amount %s differs from expected %s by %s", r.Amount, expected, diff)
	}

	if len(v.AcceptedBanks) > 0 && !v.bankAccepted(r.BankName) {
		return apperr.Validation("bank %q is not accepted", r.BankName)
	}
	return nil
}

func (v *Validator) bankAccepted(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return false
	}
	for _, b := range v.AcceptedBanks {
		if strings.Contains(name, strings.ToLower(b)) {
			return true
		}
	}
	return false
}

// Submission is a receipt handed in for an order, either already parsed
// or as a file path still to be parsed.
type Submission struct {
	Receipt     *Receipt  `json:"receipt,omitempty"`
	Path        string    `json:"path,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Inbox holds at most one pending submission per order.
type Inbox struct {
	mu      sync.Mutex
	pending map[string]Submission
}

func NewInbox() *Inbox {
	return &Inbox{pending: make(map[string]Submission)}
}

// Submit stores s for orderID, replacing any earlier submission.
func (i *Inbox) Submit(orderID string, s Submission) error {
	if s.Receipt == nil && s.Path == "" {
		return apperr.Validation("submission needs a receipt or a file path")
	}
	if s.SubmittedAt.IsZero() {
		s.SubmittedAt = time.Now()
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pending[orderID] = s
	return nil
}

// Take removes and returns the submission for orderID.
func (i *Inbox) Take(orderID string) (Submission, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	s, ok := i.pending[orderID]
	if ok {
		delete(i.pending, orderID)
	}
	return s, ok
}

// Has reports whether a submission is waiting for orderID.
func (i *Inbox) Has(orderID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.pending[orderID]
	return ok
}

// Len returns the number of waiting submissions.
func (i *Inbox) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pending)
}

// Resolve returns the parsed receipt of s, calling parser when only a path
// was submitted.
func Resolve(ctx context.Context, parser Parser, s Submission) (*Receipt, error) {
	if s.Receipt != nil {
		return s.Receipt, nil
	}
	if parser == nil {
		return nil, apperr.Validation("no receipt parser configured for %s", s.Path)
	}
	r, err := parser.ParseReceipt(ctx, s.Path)
	if err != nil {
		return nil, fmt.Errorf("parse receipt %s: %w", s.Path, err)
	}
	return r, nil
}
