package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/ksred/p2p-bridge/internal/apperr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// maxCASAttempts bounds retries when a concurrent writer moved the count.
const maxCASAttempts = 5

// Registry owns both account pools and the per-account ad counters.
type Registry struct {
	db     *Database
	maxAds int
	mu     sync.Mutex
	logger zerolog.Logger
}

// NewRegistry creates a registry; maxAds is the default capacity for new
// Platform B accounts.
func NewRegistry(db *gorm.DB, maxAds int) *Registry {
	return &Registry{
		db:     NewDatabase(db),
		maxAds: maxAds,
		logger: log.With().Str("component", "accounts").Logger(),
	}
}

func (r *Registry) AddAccountA(ctx context.Context, login, credentialRef string) (*AccountA, error) {
	login = strings.TrimSpace(login)
	if login == "" {
		return nil, apperr.Validation("login is required")
	}
	if credentialRef == "" {
		return nil, apperr.Validation("credential is required for %s", login)
	}

	acc := &AccountA{
		AccountID:     uuid.New().String(),
		Login:         login,
		CredentialRef: credentialRef,
		Balance:       decimal.Zero,
		Status:        AccountAInactive,
	}
	if err := r.db.CreateAccountA(ctx, acc); err != nil {
		return nil, fmt.Errorf("create account %s: %w", login, err)
	}

	r.logger.Info().Str("account_id", acc.AccountID).Str("login", login).Msg("Platform A account added")
	return acc, nil
}

func (r *Registry) AddAccountB(ctx context.Context, name, apiKey, apiSecret string, maxAds int) (*AccountB, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Validation("name is required")
	}
	if apiKey == "" || apiSecret == "" {
		return nil, apperr.Validation("api key and secret are required for %s", name)
	}
	if maxAds <= 0 {
		maxAds = r.maxAds
	}

	acc := &AccountB{
		AccountID:        uuid.New().String(),
		Name:             name,
		APIKey:           apiKey,
		APISecret:        apiSecret,
		MaxAdsPerAccount: maxAds,
		Status:           AccountBAvailable,
	}
	if err := r.db.CreateAccountB(ctx, acc); err != nil {
		return nil, fmt.Errorf("create account %s: %w", name, err)
	}

	r.logger.Info().Str("account_id", acc.AccountID).Str("name", name).Int("max_ads", maxAds).Msg("Platform B account added")
	return acc, nil
}

func (r *Registry) GetAccountA(ctx context.Context, accountID string) (*AccountA, error) {
	acc, err := r.db.GetAccountA(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, fmt.Errorf("account %s: %w", accountID, apperr.ErrNotFound)
	}
	return acc, nil
}

func (r *Registry) GetAccountB(ctx context.Context, accountID string) (*AccountB, error) {
	acc, err := r.db.GetAccountB(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, fmt.Errorf("account %s: %w", accountID, apperr.ErrNotFound)
	}
	return acc, nil
}

func (r *Registry) ListAccountsA(ctx context.Context) ([]AccountA, error) {
	return r.db.ListAccountsA(ctx)
}

func (r *Registry) ListAccountsB(ctx context.Context) ([]AccountB, error) {
	return r.db.ListAccountsB(ctx)
}

// SaveSession records a successful login for a Platform A account.
func (r *Registry) SaveSession(ctx context.Context, accountID, blob string) error {
	return r.db.SaveSession(ctx, accountID, blob)
}

// MarkAuthRequired flags a Platform A account whose login failed.
func (r *Registry) MarkAuthRequired(ctx context.Context, accountID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return r.db.UpdateAccountAStatus(ctx, accountID, AccountAAuthRequired, msg)
}

func (r *Registry) SetAccountAStatus(ctx context.Context, accountID string, status AccountAStatus) error {
	return r.db.UpdateAccountAStatus(ctx, accountID, status, "")
}

func (r *Registry) UpdateBalance(ctx context.Context, accountID string, balance decimal.Decimal) error {
	return r.db.UpdateBalance(ctx, accountID, balance)
}

// SelectAvailable returns the Platform B account an ad should go to next
// without reserving it.
func (r *Registry) SelectAvailable(ctx context.Context) (*AccountB, error) {
	acc, err := r.db.FirstAvailableB(ctx)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, apperr.ErrNoAvailableAccounts
	}
	return acc, nil
}

// Reserve selects an account and takes one ad slot on it in a single step.
// The slot must be returned with DecrementAds if the ad is never created.
func (r *Registry) Reserve(ctx context.Context) (*AccountB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		acc, err := r.SelectAvailable(ctx)
		if err != nil {
			return nil, err
		}

		updated, err := r.db.SetAdsCount(ctx, acc.AccountID, acc.ActiveAdsCount, acc.ActiveAdsCount+1, true)
		if errors.Is(err, errStaleCount) || errors.Is(err, apperr.ErrAtCapacity) {
			continue
		}
		if err != nil {
			return nil, err
		}

		r.logger.Debug().
			Str("account_id", updated.AccountID).
			Int("active_ads", updated.ActiveAdsCount).
			Str("status", string(updated.Status)).
			Msg("ad slot reserved")
		return updated, nil
	}
	return nil, apperr.ErrNoAvailableAccounts
}

// IncrementAds takes one ad slot on a specific account.
func (r *Registry) IncrementAds(ctx context.Context, accountID string) error {
	_, err := r.adjust(ctx, accountID, func(acc *AccountB) (int, error) {
		if acc.ActiveAdsCount >= acc.MaxAdsPerAccount {
			return 0, apperr.ErrAtCapacity
		}
		return acc.ActiveAdsCount + 1, nil
	}, true)
	return err
}

// DecrementAds releases one ad slot. The count never drops below zero.
func (r *Registry) DecrementAds(ctx context.Context, accountID string) error {
	_, err := r.adjust(ctx, accountID, func(acc *AccountB) (int, error) {
		if acc.ActiveAdsCount == 0 {
			r.logger.Warn().Str("account_id", accountID).Msg("decrement on account with no active ads")
			return 0, nil
		}
		return acc.ActiveAdsCount - 1, nil
	}, false)
	return err
}

// SetActiveAds overwrites the count, clamped to [0, max]. Used when
// reconciling with the platform's own view.
func (r *Registry) SetActiveAds(ctx context.Context, accountID string, n int) error {
	_, err := r.adjust(ctx, accountID, func(acc *AccountB) (int, error) {
		switch {
		case n < 0:
			return 0, nil
		case n > acc.MaxAdsPerAccount:
			return acc.MaxAdsPerAccount, nil
		}
		return n, nil
	}, false)
	return err
}

func (r *Registry) adjust(ctx context.Context, accountID string, next func(*AccountB) (int, error), touch bool) (*AccountB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		acc, err := r.GetAccountB(ctx, accountID)
		if err != nil {
			return nil, err
		}

		n, err := next(acc)
		if err != nil {
			return nil, err
		}

		updated, err := r.db.SetAdsCount(ctx, accountID, acc.ActiveAdsCount, n, touch)
		if errors.Is(err, errStaleCount) {
			continue
		}
		if err != nil {
			return nil, err
		}

		r.logger.Debug().
			Str("account_id", accountID).
			Int("active_ads", updated.ActiveAdsCount).
			Str("status", string(updated.Status)).
			Msg("ad count updated")
		return updated, nil
	}
	return nil, fmt.Errorf("account %s: %w", accountID, errStaleCount)
}

// Suspend takes a Platform B account out of selection until Resume.
func (r *Registry) Suspend(ctx context.Context, accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.db.UpdateAccountBStatus(ctx, accountID, AccountBSuspended); err != nil {
		return err
	}
	r.logger.Info().Str("account_id", accountID).Msg("Platform B account suspended")
	return nil
}

// Resume restores a suspended account to the status its ad count implies.
func (r *Registry) Resume(ctx context.Context, accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	acc, err := r.GetAccountB(ctx, accountID)
	if err != nil {
		return err
	}
	status := StatusFor(acc.ActiveAdsCount, acc.MaxAdsPerAccount)
	if err := r.db.UpdateAccountBStatus(ctx, accountID, status); err != nil {
		return err
	}
	r.logger.Info().Str("account_id", accountID).Str("status", string(status)).Msg("Platform B account resumed")
	return nil
}

// Stats counts accounts and ad capacity across both pools.
func (r *Registry) Stats(ctx context.Context) (*Stats, error) {
	as, err := r.db.ListAccountsA(ctx)
	if err != nil {
		return nil, err
	}
	bs, err := r.db.ListAccountsB(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{AccountsA: len(as), AccountsB: len(bs)}
	for _, a := range as {
		switch a.Status {
		case AccountAActive:
			stats.ActiveA++
		case AccountAAuthRequired:
			stats.AuthRequiredA++
		}
	}
	for _, b := range bs {
		stats.ActiveAds += b.ActiveAdsCount
		stats.TotalAdCapacity += b.MaxAdsPerAccount
		if b.Status == AccountBAvailable && b.ActiveAdsCount < b.MaxAdsPerAccount {
			stats.AvailableB++
		}
	}
	return stats, nil
}
