package rates

import (
	"context"
	"fmt"
	"time"

	"github.com/ksred/p2p-bridge/internal/platform"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Quote is a selected rate and how it was chosen.
type Quote struct {
	Rate     decimal.Decimal `json:"rate"`
	Scenario Scenario        `json:"scenario"`
	Page     int             `json:"page"`
	Trader   string          `json:"trader"`
}

// Service turns an amount into a rate using the public order book.
type Service struct {
	book  platform.OrderBook
	rules Rules
	now   func() time.Time
}

// NewService creates a rate service reading book with rules.
func NewService(book platform.OrderBook, rules Rules) *Service {
	return &Service{book: book, rules: rules, now: time.Now}
}

// WithClock replaces the wall clock, for tests and simulations.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Quote classifies amount at the current time and returns the penultimate
// offer on the scenario's page.
func (s *Service) Quote(ctx context.Context, amount decimal.Decimal) (*Quote, error) {
	scenario := s.rules.Classify(amount, s.now())
	page := s.rules.Page(scenario)

	offers, err := s.book.FetchPage(ctx, page)
	if err != nil {
		return nil, fmt.Errorf("fetch book page %d: %w", page, err)
	}

	offer, err := Penultimate(offers)
	if err != nil {
		return nil, fmt.Errorf("scenario %s page %d: %w", scenario, page, err)
	}

	log.Debug().
		Str("component", "rates").
		Str("scenario", string(scenario)).
		Int("page", page).
		Str("rate", offer.Price.String()).
		Str("trader", offer.Nickname).
		Msg("rate selected")

	return &Quote{Rate: offer.Price, Scenario: scenario, Page: page, Trader: offer.Nickname}, nil
}

// Penultimate returns the second-to-last offer as listed.
func Penultimate(offers []platform.BookOffer) (platform.BookOffer, error) {
	if len(offers) < 2 {
		return platform.BookOffer{}, fmt.Errorf("need at least 2 offers, got %d", len(offers))
	}
	return offers[len(offers)-2], nil
}
