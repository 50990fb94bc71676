package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ksred/p2p-bridge/internal/accounts"
	"github.com/ksred/p2p-bridge/internal/apperr"
	"github.com/ksred/p2p-bridge/internal/platform"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Store is the part of the account registry the manager writes to.
type Store interface {
	ListAccountsA(ctx context.Context) ([]accounts.AccountA, error)
	GetAccountA(ctx context.Context, accountID string) (*accounts.AccountA, error)
	SaveSession(ctx context.Context, accountID, blob string) error
	MarkAuthRequired(ctx context.Context, accountID string, cause error) error
	SetAccountAStatus(ctx context.Context, accountID string, status accounts.AccountAStatus) error
	UpdateBalance(ctx context.Context, accountID string, balance decimal.Decimal) error
}

// ClientFactory builds an unauthenticated Platform A client for an account.
type ClientFactory func(acc *accounts.AccountA) platform.FiatClient

type Config struct {
	RefreshInterval time.Duration
	BalanceInterval time.Duration
	MinBalance      decimal.Decimal
	TargetBalance   decimal.Decimal
	ShutdownTimeout time.Duration
}

// Manager owns Platform A sessions: login, validation, re-authentication
// and balance upkeep.
type Manager struct {
	store     Store
	newClient ClientFactory
	resolve   func(ref string) (string, error)
	cfg       Config
	logger    zerolog.Logger

	mu      sync.RWMutex
	clients map[string]platform.FiatClient
	authMu  map[string]*sync.Mutex
}

func NewManager(store Store, newClient ClientFactory, cfg Config) *Manager {
	return &Manager{
		store:     store,
		newClient: newClient,
		resolve:   accounts.ResolveCredential,
		cfg:       cfg,
		logger:    log.With().Str("component", "session").Logger(),
		clients:   make(map[string]platform.FiatClient),
		authMu:    make(map[string]*sync.Mutex),
	}
}

func (m *Manager) client(acc *accounts.AccountA) platform.FiatClient {
	m.mu.RLock()
	c, ok := m.clients[acc.AccountID]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[acc.AccountID]; ok {
		return c
	}
	c = m.newClient(acc)
	if acc.SessionBlob != "" {
		if err := c.RestoreSession(acc.SessionBlob); err != nil {
			m.logger.Warn().Err(err).Str("account_id", acc.AccountID).Msg("stored session unreadable")
		}
	}
	m.clients[acc.AccountID] = c
	return c
}

func (m *Manager) accountLock(accountID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.authMu[accountID]
	if !ok {
		l = &sync.Mutex{}
		m.authMu[accountID] = l
	}
	return l
}

// Authenticate logs the account in, stores the session and applies the
// target balance. A failed login marks the account auth_required.
func (m *Manager) Authenticate(ctx context.Context, accountID string) error {
	lock := m.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	acc, err := m.store.GetAccountA(ctx, accountID)
	if err != nil {
		return err
	}
	logger := m.logger.With().Str("account_id", accountID).Str("login", acc.Login).Logger()

	password, err := m.resolve(acc.CredentialRef)
	if err != nil {
		m.markAuthRequired(ctx, accountID, err)
		return fmt.Errorf("credential for %s: %w", acc.Login, err)
	}

	c := m.client(acc)
	blob, err := c.Login(ctx, acc.Login, password)
	if err != nil {
		m.markAuthRequired(ctx, accountID, err)
		logger.Error().Err(err).Msg("login failed")
		return fmt.Errorf("login %s: %w", acc.Login, err)
	}
	if err := m.store.SaveSession(ctx, accountID, blob); err != nil {
		return fmt.Errorf("save session for %s: %w", acc.Login, err)
	}
	logger.Info().Msg("authenticated")

	if m.cfg.TargetBalance.IsPositive() {
		if err := c.SetBalance(ctx, m.cfg.TargetBalance); err != nil {
			logger.Warn().Err(err).Msg("initial balance not applied")
		} else if err := m.store.UpdateBalance(ctx, accountID, m.cfg.TargetBalance); err != nil {
			logger.Warn().Err(err).Msg("balance not recorded")
		}
	}
	return nil
}

func (m *Manager) markAuthRequired(ctx context.Context, accountID string, cause error) {
	if err := m.store.MarkAuthRequired(ctx, accountID, cause); err != nil {
		m.logger.Error().Err(err).Str("account_id", accountID).Msg("failed to mark auth_required")
	}
}

// Start brings every non-suspended account online, reusing stored
// sessions where the platform still accepts them. It returns the number
// of active accounts.
func (m *Manager) Start(ctx context.Context) (int, error) {
	accs, err := m.store.ListAccountsA(ctx)
	if err != nil {
		return 0, err
	}

	active := 0
	for i := range accs {
		acc := &accs[i]
		if acc.Status == accounts.AccountASuspended {
			continue
		}

		if acc.SessionBlob != "" {
			if err := m.client(acc).Ping(ctx); err == nil {
				if err := m.store.SetAccountAStatus(ctx, acc.AccountID, accounts.AccountAActive); err != nil {
					return active, err
				}
				m.logger.Info().Str("account_id", acc.AccountID).Msg("stored session reused")
				active++
				continue
			}
		}

		if err := m.Authenticate(ctx, acc.AccountID); err != nil {
			m.logger.Warn().Err(err).Str("account_id", acc.AccountID).Msg("account left offline")
			continue
		}
		active++
	}

	m.logger.Info().Int("accounts", len(accs)).Int("active", active).Msg("sessions started")
	return active, nil
}

// ActiveAccounts returns accounts currently holding a valid session.
func (m *Manager) ActiveAccounts(ctx context.Context) ([]accounts.AccountA, error) {
	accs, err := m.store.ListAccountsA(ctx)
	if err != nil {
		return nil, err
	}
	active := accs[:0]
	for _, a := range accs {
		if a.Status == accounts.AccountAActive {
			active = append(active, a)
		}
	}
	return active, nil
}

// DoAs runs op with the account's client. A session-expired failure
// triggers exactly one re-authentication and one retry; a second expiry
// is returned to the caller.
func (m *Manager) DoAs(ctx context.Context, accountID string, op func(ctx context.Context, c platform.FiatClient) error) error {
	acc, err := m.store.GetAccountA(ctx, accountID)
	if err != nil {
		return err
	}
	c := m.client(acc)

	err = op(ctx, c)
	if !errors.Is(err, apperr.ErrSessionExpired) {
		return err
	}

	m.logger.Warn().Str("account_id", accountID).Msg("session expired, re-authenticating")
	if aerr := m.Authenticate(ctx, accountID); aerr != nil {
		return fmt.Errorf("re-authenticate %s: %w", accountID, aerr)
	}

	err = op(ctx, c)
	if errors.Is(err, apperr.ErrSessionExpired) {
		m.markAuthRequired(ctx, accountID, err)
		return fmt.Errorf("account %s still expired after re-authentication: %w", accountID, err)
	}
	return err
}

// RefreshAll validates every session once. Expired sessions get one
// re-authentication, auth_required accounts get another login attempt.
// Failures are logged and never stop the pass.
func (m *Manager) RefreshAll(ctx context.Context) {
	accs, err := m.store.ListAccountsA(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("list accounts for refresh")
		return
	}

	for i := range accs {
		if ctx.Err() != nil {
			return
		}
		acc := &accs[i]
		logger := m.logger.With().Str("account_id", acc.AccountID).Logger()

		switch acc.Status {
		case accounts.AccountAActive:
			err := m.client(acc).Ping(ctx)
			if err == nil {
				continue
			}
			if !errors.Is(err, apperr.ErrSessionExpired) {
				logger.Warn().Err(err).Msg("session check failed")
				continue
			}
			logger.Info().Msg("session expired, re-authenticating")
			if err := m.Authenticate(ctx, acc.AccountID); err != nil {
				logger.Error().Err(err).Msg("re-authentication failed")
			}
		case accounts.AccountAAuthRequired:
			if err := m.Authenticate(ctx, acc.AccountID); err != nil {
				logger.Warn().Err(err).Msg("login retry failed")
			}
		}
	}
}

// CheckBalances tops up every active account whose balance fell below
// the configured minimum.
func (m *Manager) CheckBalances(ctx context.Context) {
	accs, err := m.ActiveAccounts(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("list accounts for balance check")
		return
	}

	for _, acc := range accs {
		if ctx.Err() != nil {
			return
		}
		logger := m.logger.With().Str("account_id", acc.AccountID).Logger()

		var balance decimal.Decimal
		err := m.DoAs(ctx, acc.AccountID, func(ctx context.Context, c platform.FiatClient) error {
			b, err := c.GetBalance(ctx)
			balance = b
			return err
		})
		if err != nil {
			logger.Warn().Err(err).Msg("balance check failed")
			continue
		}
		if err := m.store.UpdateBalance(ctx, acc.AccountID, balance); err != nil {
			logger.Warn().Err(err).Msg("balance not recorded")
		}

		if !balance.LessThan(m.cfg.MinBalance) {
			continue
		}
		logger.Info().
			Str("balance", balance.String()).
			Str("target", m.cfg.TargetBalance.String()).
			Msg("balance below minimum, topping up")
		if err := m.SetBalance(ctx, acc.AccountID, m.cfg.TargetBalance); err != nil {
			logger.Error().Err(err).Msg("top-up failed")
		}
	}
}

// SetBalance sets an account's Platform A balance and records it.
func (m *Manager) SetBalance(ctx context.Context, accountID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return apperr.Validation("balance must not be negative")
	}
	err := m.DoAs(ctx, accountID, func(ctx context.Context, c platform.FiatClient) error {
		return c.SetBalance(ctx, amount)
	})
	if err != nil {
		return err
	}
	return m.store.UpdateBalance(ctx, accountID, amount)
}

// RunRefreshLoop calls RefreshAll every RefreshInterval until ctx is done.
func (m *Manager) RunRefreshLoop(ctx context.Context) {
	m.runLoop(ctx, "refresh", m.cfg.RefreshInterval, m.RefreshAll)
}

// RunBalanceLoop calls CheckBalances every BalanceInterval until ctx is done.
func (m *Manager) RunBalanceLoop(ctx context.Context) {
	m.runLoop(ctx, "balance", m.cfg.BalanceInterval, m.CheckBalances)
}

func (m *Manager) runLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		m.logger.Warn().Str("loop", name).Msg("loop disabled, interval not set")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info().Str("loop", name).Dur("interval", interval).Msg("session loop started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Str("loop", name).Msg("session loop stopped")
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Shutdown zeroes the balance of every active account. It is best-effort,
// bounded by ShutdownTimeout, and only logs failures.
func (m *Manager) Shutdown(ctx context.Context) {
	if m.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
		defer cancel()
	}

	accs, err := m.ActiveAccounts(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("list accounts for shutdown")
		return
	}

	var wg sync.WaitGroup
	for i := range accs {
		acc := &accs[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.client(acc).SetBalance(ctx, decimal.Zero); err != nil {
				m.logger.Error().Err(err).Str("account_id", acc.AccountID).Msg("balance not zeroed")
				return
			}
			if err := m.store.UpdateBalance(ctx, acc.AccountID, decimal.Zero); err != nil {
				m.logger.Warn().Err(err).Str("account_id", acc.AccountID).Msg("zero balance not recorded")
			}
		}()
	}
	wg.Wait()
	m.logger.Info().Int("accounts", len(accs)).Msg("balances zeroed")
}
