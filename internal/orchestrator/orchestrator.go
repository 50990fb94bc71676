package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ksred/p2p-bridge/internal/pool"
	"github.com/ksred/p2p-bridge/internal/receipt"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type Config struct {
	PollInterval      time.Duration
	AdPollInterval    time.Duration
	OrderPollInterval time.Duration
	ReceiptTimeout    time.Duration
	ShutdownGrace     time.Duration
	MinAmount         decimal.Decimal
	MaxAmount         decimal.Decimal
	AmountBuffer      decimal.Decimal
	AutoConfirm       bool
	InitialMessage    string
	ReceiptMessage    string
	Asset             string
	Fiat              string
	PaymentMethods    []string
	Remarks           string
}

// Snapshotter reports rate limiter state for SystemStatus.
type Snapshotter interface {
	Snapshot() map[string]float64
}

// Deps are the collaborators the orchestrator is built from.
type Deps struct {
	Pool      *pool.Pool
	Accounts  Accounts
	Sessions  Sessions
	Rates     Rates
	NewP2P    P2PFactory
	Inbox     *receipt.Inbox
	Parser    receipt.Parser
	Validator *receipt.Validator
	Limiter   Snapshotter
}

type monitorRef struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator drives every order from discovery to a final status.
type Orchestrator struct {
	h       Handle
	rates   Rates
	limiter Snapshotter
	logger  zerolog.Logger
	running atomic.Bool

	mu       sync.Mutex
	monitors map[string]*monitorRef
	held     map[string]int
	rejected map[string]struct{}
	wg       sync.WaitGroup
}

func New(deps Deps, cfg Config) *Orchestrator {
	logger := log.With().Str("component", "orchestrator").Logger()
	inbox := deps.Inbox
	if inbox == nil {
		inbox = receipt.NewInbox()
	}
	validator := deps.Validator
	if validator == nil {
		validator = receipt.NewValidator(nil)
	}

	auto := &atomic.Bool{}
	auto.Store(cfg.AutoConfirm)

	return &Orchestrator{
		h: Handle{
			pool:      deps.Pool,
			accounts:  deps.Accounts,
			sessions:  deps.Sessions,
			p2p:       newP2PClients(deps.Accounts, deps.NewP2P),
			inbox:     inbox,
			parser:    deps.Parser,
			validator: validator,
			cfg:       &cfg,
			auto:      auto,
			now:       time.Now,
			logger:    logger,
		},
		rates:    deps.Rates,
		limiter:  deps.Limiter,
		logger:   logger,
		monitors: make(map[string]*monitorRef),
		held:     make(map[string]int),
		rejected: make(map[string]struct{}),
	}
}

// Start restores persisted state, resumes monitors and runs the polling
// loop until ctx is done. Monitors get ShutdownGrace to exit afterwards.
func (o *Orchestrator) Start(ctx context.Context) error {
	if _, err := o.h.pool.RestoreState(ctx); err != nil {
		return fmt.Errorf("restore pool state: %w", err)
	}
	o.Reconcile(ctx)

	o.running.Store(true)
	defer o.running.Store(false)

	ticker := time.NewTicker(o.h.cfg.PollInterval)
	defer ticker.Stop()

	o.logger.Info().
		Dur("poll_interval", o.h.cfg.PollInterval).
		Bool("auto_mode", o.h.auto.Load()).
		Msg("Starting orchestrator")

	o.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			o.logger.Info().Msg("Stopping orchestrator")
			o.waitMonitors()
			return nil
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// Tick runs one discovery, intake and supervision pass. Per-order
// failures are logged and never stop the pass.
func (o *Orchestrator) Tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	o.discover(ctx)
	if ctx.Err() != nil {
		return
	}
	o.intakePending(ctx)
	o.superviseMonitors(ctx)
}

// Reconcile aligns stored ad counts with what Platform B reports.
func (o *Orchestrator) Reconcile(ctx context.Context) {
	accs, err := o.h.accounts.ListAccountsB(ctx)
	if err != nil {
		o.logger.Error().Err(err).Msg("list counter accounts for reconciliation")
		return
	}

	for _, acc := range accs {
		logger := o.logger.With().Str("account_id", acc.AccountID).Str("name", acc.Name).Logger()
		client, err := o.h.p2p.get(ctx, acc.AccountID)
		if err != nil {
			logger.Warn().Err(err).Msg("reconciliation skipped")
			continue
		}
		info, err := client.GetAccountInfo(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("reconciliation skipped")
			continue
		}
		if info.ActiveAdsCount == acc.ActiveAdsCount {
			continue
		}
		logger.Warn().
			Int("stored", acc.ActiveAdsCount).
			Int("remote", info.ActiveAdsCount).
			Msg("ad count drift, using remote count")
		if err := o.h.accounts.SetActiveAds(ctx, acc.AccountID, info.ActiveAdsCount); err != nil {
			logger.Error().Err(err).Msg("failed to reconcile ad count")
		}
	}
}

// superviseMonitors makes sure every order in a watched stage has a
// running monitor, including orders restored after a restart.
func (o *Orchestrator) superviseMonitors(ctx context.Context) {
	for _, stage := range []pool.Stage{pool.StageActive, pool.StageChat, pool.StageVerification} {
		orders, err := o.h.pool.InStage(ctx, stage)
		if err != nil {
			o.logger.Error().Err(err).Str("stage", string(stage)).Msg("list orders for supervision")
			continue
		}
		for _, so := range orders {
			o.spawnMonitor(ctx, so.Order.OrderID)
		}
	}
}

func (o *Orchestrator) spawnMonitor(ctx context.Context, orderID string) {
	o.mu.Lock()
	if _, ok := o.monitors[orderID]; ok || o.held[orderID] > 0 {
		o.mu.Unlock()
		return
	}
	mctx, cancel := context.WithCancel(ctx)
	ref := &monitorRef{cancel: cancel, done: make(chan struct{})}
	o.monitors[orderID] = ref
	o.wg.Add(1)
	o.mu.Unlock()

	h := o.h
	go func() {
		defer o.wg.Done()
		defer close(ref.done)
		defer o.forgetMonitor(orderID, ref)
		h.monitor(mctx, orderID)
	}()
}

func (o *Orchestrator) forgetMonitor(orderID string, ref *monitorRef) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.monitors[orderID] == ref {
		delete(o.monitors, orderID)
	}
	ref.cancel()
}

// stopMonitor cancels the order's monitor and waits for it to exit.
func (o *Orchestrator) stopMonitor(orderID string) {
	o.mu.Lock()
	ref, ok := o.monitors[orderID]
	o.mu.Unlock()
	if !ok {
		return
	}
	ref.cancel()
	select {
	case <-ref.done:
	case <-time.After(o.h.cfg.ShutdownGrace):
		o.logger.Warn().Str("order_id", orderID).Msg("monitor did not stop in time")
	}
}

func (o *Orchestrator) monitorCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.monitors)
}

func (o *Orchestrator) waitMonitors() {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info().Msg("all monitors stopped")
	case <-time.After(o.h.cfg.ShutdownGrace):
		o.logger.Warn().Int("monitors", o.monitorCount()).Msg("monitors still running after grace period")
	}
}
