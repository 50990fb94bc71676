package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ksred/p2p-bridge/internal/accounts"
	"github.com/ksred/p2p-bridge/internal/apperr"
	"github.com/ksred/p2p-bridge/internal/platform"
	"github.com/ksred/p2p-bridge/internal/pool"
	"github.com/ksred/p2p-bridge/internal/rates"
	"github.com/ksred/p2p-bridge/internal/receipt"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Accounts is the registry surface the orchestrator uses.
type Accounts interface {
	Reserve(ctx context.Context) (*accounts.AccountB, error)
	DecrementAds(ctx context.Context, accountID string) error
	SetActiveAds(ctx context.Context, accountID string, n int) error
	GetAccountB(ctx context.Context, accountID string) (*accounts.AccountB, error)
	ListAccountsB(ctx context.Context) ([]accounts.AccountB, error)
	Stats(ctx context.Context) (*accounts.Stats, error)
}

// Sessions runs Platform A calls under a managed session.
type Sessions interface {
	ActiveAccounts(ctx context.Context) ([]accounts.AccountA, error)
	DoAs(ctx context.Context, accountID string, op func(ctx context.Context, c platform.FiatClient) error) error
}

// Rates quotes the price for a new advertisement.
type Rates interface {
	Quote(ctx context.Context, amount decimal.Decimal) (*rates.Quote, error)
}

// P2PFactory builds a Platform B client for one counter account.
type P2PFactory func(acc *accounts.AccountB) platform.P2PClient

// Handle is the read-only set of references a monitor needs. It is cheap
// to copy; every field is a pointer or an interface.
type Handle struct {
	pool      *pool.Pool
	accounts  Accounts
	sessions  Sessions
	p2p       *p2pClients
	inbox     *receipt.Inbox
	parser    receipt.Parser
	validator *receipt.Validator
	cfg       *Config
	auto      *atomic.Bool
	now       func() time.Time
	logger    zerolog.Logger
}

func (h Handle) orderLogger(order *pool.TradeOrder) zerolog.Logger {
	return h.logger.With().
		Str("order_id", order.OrderID).
		Str("external_tx_id", order.ExternalTxID).
		Logger()
}

// alreadyApplied reports whether err means the remote side is already in
// the state the call wanted. Such responses count as success.
func (h Handle) alreadyApplied(logger zerolog.Logger, op string, err error) bool {
	if !errors.Is(err, apperr.ErrTransactionConflict) {
		return false
	}
	logger.Warn().Err(err).Str("op", op).Msg("remote reports state already applied, treating as success")
	return true
}

// releaseSlot returns the order's ad slot to its counter account.
func (h Handle) releaseSlot(ctx context.Context, logger zerolog.Logger, accountBID string) {
	if accountBID == "" {
		return
	}
	if err := h.accounts.DecrementAds(ctx, accountBID); err != nil {
		logger.Error().Err(err).Str("account_id", accountBID).Msg("failed to release ad slot")
	}
}

// deleteAd removes the order's advertisement, best-effort.
func (h Handle) deleteAd(ctx context.Context, logger zerolog.Logger, order *pool.TradeOrder) {
	if order.AdID == "" || order.AccountBID == "" {
		return
	}
	client, err := h.p2p.get(ctx, order.AccountBID)
	if err != nil {
		logger.Warn().Err(err).Msg("ad not deleted")
		return
	}
	if err := client.DeleteAd(ctx, order.AdID); err != nil && !h.alreadyApplied(logger, "delete_ad", err) {
		logger.Warn().Err(err).Str("ad_id", order.AdID).Msg("ad not deleted")
	}
}

// p2pClients caches one Platform B client per counter account.
type p2pClients struct {
	accounts Accounts
	factory  P2PFactory

	mu      sync.RWMutex
	clients map[string]platform.P2PClient
}

func newP2PClients(accs Accounts, factory P2PFactory) *p2pClients {
	return &p2pClients{
		accounts: accs,
		factory:  factory,
		clients:  make(map[string]platform.P2PClient),
	}
}

func (c *p2pClients) get(ctx context.Context, accountID string) (platform.P2PClient, error) {
	c.mu.RLock()
	client, ok := c.clients[accountID]
	c.mu.RUnlock()
	if ok {
		return client, nil
	}

	acc, err := c.accounts.GetAccountB(ctx, accountID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[accountID]; ok {
		return client, nil
	}
	client = c.factory(acc)
	c.clients[accountID] = client
	return client, nil
}

// sleep waits d or until ctx is done, reporting whether it slept fully.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
