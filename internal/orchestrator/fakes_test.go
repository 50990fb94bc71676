package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ksred/p2p-bridge/internal/accounts"
	"github.com/ksred/p2p-bridge/internal/apperr"
	"github.com/ksred/p2p-bridge/internal/database"
	"github.com/ksred/p2p-bridge/internal/platform"
	"github.com/ksred/p2p-bridge/internal/pool"
	"github.com/ksred/p2p-bridge/internal/rates"
	"github.com/ksred/p2p-bridge/internal/receipt"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeFiat struct {
	mu         sync.Mutex
	txs        []platform.Transaction
	acceptErr  error
	approveErr error
	approves   int
	accepted   map[string]int
	approved   map[string]string
	cancelled  map[string]bool
}

func newFakeFiat() *fakeFiat {
	return &fakeFiat{
		accepted:  make(map[string]int),
		approved:  make(map[string]string),
		cancelled: make(map[string]bool),
	}
}

func (f *fakeFiat) addTx(id string, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs = append(f.txs, platform.Transaction{
		ID:           id,
		Status:       platform.PayoutStatusAvailable,
		FiatAmount:   decimal.NewFromInt(amount),
		FiatCurrency: "RUB",
		CreatedAt:    time.Now(),
	})
}

func (f *fakeFiat) removeTx(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, tx := range f.txs {
		if tx.ID == id {
			f.txs = append(f.txs[:i], f.txs[i+1:]...)
			return
		}
	}
}

func (f *fakeFiat) Login(context.Context, string, string) (string, error) { return "session", nil }
func (f *fakeFiat) RestoreSession(string) error                         { return nil }
func (f *fakeFiat) Ping(context.Context) error                          { return nil }

func (f *fakeFiat) ListPendingTransactions(context.Context) ([]platform.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]platform.Transaction, len(f.txs))
	copy(out, f.txs)
	return out, nil
}

func (f *fakeFiat) AcceptTransaction(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted[id]++
	return f.acceptErr
}

func (f *fakeFiat) ApproveTransaction(_ context.Context, id, receiptPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approves++
	if f.approveErr != nil {
		return f.approveErr
	}
	f.approved[id] = receiptPath
	return nil
}

func (f *fakeFiat) CancelTransaction(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled[id] = true
	return nil
}

func (f *fakeFiat) GetBalance(context.Context) (decimal.Decimal, error) { return decimal.Zero, nil }
func (f *fakeFiat) SetBalance(context.Context, decimal.Decimal) error   { return nil }

func (f *fakeFiat) setApproveErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approveErr = err
}

func (f *fakeFiat) approveAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.approves
}

func (f *fakeFiat) acceptCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepted[id]
}

func (f *fakeFiat) wasApproved(id string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path, ok := f.approved[id]
	return path, ok
}

func (f *fakeFiat) wasCancelled(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled[id]
}

type fakeSessions struct {
	fiat *fakeFiat
}

func (s *fakeSessions) ActiveAccounts(context.Context) ([]accounts.AccountA, error) {
	return []accounts.AccountA{{AccountID: "acc-a", Login: "gate-1", Status: accounts.AccountAActive}}, nil
}

func (s *fakeSessions) DoAs(ctx context.Context, _ string, op func(context.Context, platform.FiatClient) error) error {
	return op(ctx, s.fiat)
}

type fakeRates struct {
	rate decimal.Decimal
}

func (r fakeRates) Quote(context.Context, decimal.Decimal) (*rates.Quote, error) {
	return &rates.Quote{Rate: r.rate, Scenario: rates.SmallDay, Page: 4, Trader: "trader-9"}, nil
}

type fakeP2P struct {
	name string

	mu         sync.Mutex
	nextAd     int
	ads        map[string]platform.AdParams
	deleted    []string
	orders     map[string]*platform.CounterOrder
	messages   map[string][]string
	released   []string
	releaseErr error
	releases   int
}

func newFakeP2P(name string) *fakeP2P {
	return &fakeP2P{
		name:     name,
		ads:      make(map[string]platform.AdParams),
		orders:   make(map[string]*platform.CounterOrder),
		messages: make(map[string][]string),
	}
}

func (p *fakeP2P) CreateAd(_ context.Context, params platform.AdParams) (*platform.Ad, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextAd++
	id := fmt.Sprintf("%s-ad-%d", p.name, p.nextAd)
	p.ads[id] = params
	return &platform.Ad{ID: id, Price: params.Price, Quantity: params.Quantity, Status: "ONLINE"}, nil
}

func (p *fakeP2P) DeleteAd(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.ads, id)
	p.deleted = append(p.deleted, id)
	return nil
}

func (p *fakeP2P) ListActiveOrders(context.Context) ([]platform.CounterOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []platform.CounterOrder
	for _, co := range p.orders {
		if co.Status == platform.CounterOrderPending || co.Status == platform.CounterOrderPaid {
			out = append(out, *co)
		}
	}
	return out, nil
}

func (p *fakeP2P) GetOrder(_ context.Context, id string) (*platform.CounterOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	co, ok := p.orders[id]
	if !ok {
		return nil, fmt.Errorf("counter order %s: %w", id, apperr.ErrNotFound)
	}
	cp := *co
	return &cp, nil
}

func (p *fakeP2P) SendMessage(_ context.Context, orderID, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages[orderID] = append(p.messages[orderID], text)
	return nil
}

func (p *fakeP2P) ReleaseOrder(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releases++
	if p.releaseErr != nil {
		return p.releaseErr
	}
	if co, ok := p.orders[id]; ok {
		co.Status = platform.CounterOrderReleased
	}
	p.released = append(p.released, id)
	return nil
}

func (p *fakeP2P) GetAccountInfo(context.Context) (*platform.AccountInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &platform.AccountInfo{Nickname: p.name, ActiveAdsCount: len(p.ads)}, nil
}

// buyerTakes places a buyer's counter-order on adID.
func (p *fakeP2P) buyerTakes(adID, orderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orders[orderID] = &platform.CounterOrder{
		ID:      orderID,
		AdID:    adID,
		BuyerID: "buyer-" + orderID,
		Status:  platform.CounterOrderPending,
	}
}

func (p *fakeP2P) setStatus(orderID string, status platform.CounterOrderStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orders[orderID].Status = status
}

func (p *fakeP2P) setReleaseErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseErr = err
}

func (p *fakeP2P) releaseAttempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releases
}

func (p *fakeP2P) adIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for id := range p.ads {
		ids = append(ids, id)
	}
	return ids
}

func (p *fakeP2P) messagesFor(orderID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.messages[orderID]...)
}

func (p *fakeP2P) wasReleased(orderID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.released {
		if id == orderID {
			return true
		}
	}
	return false
}

func (p *fakeP2P) wasDeleted(adID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.deleted {
		if id == adID {
			return true
		}
	}
	return false
}

type testEnv struct {
	t        *testing.T
	db       *gorm.DB
	pool     *pool.Pool
	registry *accounts.Registry
	fiat     *fakeFiat
	inbox    *receipt.Inbox

	mu     sync.Mutex
	market map[string]*fakeP2P
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "orchestrator.db")), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	return &testEnv{
		t:        t,
		db:       db,
		pool:     pool.New(db),
		registry: accounts.NewRegistry(db, 4),
		fiat:     newFakeFiat(),
		inbox:    receipt.NewInbox(),
		market:   make(map[string]*fakeP2P),
	}
}

func testConfig() Config {
	return Config{
		PollInterval:      time.Hour,
		AdPollInterval:    10 * time.Millisecond,
		OrderPollInterval: 10 * time.Millisecond,
		ReceiptTimeout:    time.Hour,
		ShutdownGrace:     2 * time.Second,
		MinAmount:         decimal.NewFromInt(1000),
		MaxAmount:         decimal.NewFromInt(500000),
		AmountBuffer:      decimal.RequireFromString("0.01"),
		AutoConfirm:       true,
		InitialMessage:    "hello",
		ReceiptMessage:    "please send the receipt",
		Asset:             "USDT",
		Fiat:              "RUB",
		PaymentMethods:    []string{"382", "75"},
	}
}

func (e *testEnv) p2p(name string) *fakeP2P {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.market[name]
	if !ok {
		p = newFakeP2P(name)
		e.market[name] = p
	}
	return p
}

func (e *testEnv) addB(name string, maxAds int) *accounts.AccountB {
	e.t.Helper()
	acc, err := e.registry.AddAccountB(context.Background(), name, "key-"+name, "secret-"+name, maxAds)
	if err != nil {
		e.t.Fatalf("AddAccountB(%s) error = %v", name, err)
	}
	return acc
}

func (e *testEnv) newOrchestrator(cfg Config) *Orchestrator {
	return New(Deps{
		Pool:     e.pool,
		Accounts: e.registry,
		Sessions: &fakeSessions{fiat: e.fiat},
		Rates:    fakeRates{rate: decimal.RequireFromString("95.50")},
		NewP2P: func(acc *accounts.AccountB) platform.P2PClient {
			return e.p2p(acc.Name)
		},
		Inbox:     e.inbox,
		Validator: receipt.NewValidator([]string{"T-Bank", "Sber"}),
	}, cfg)
}

// run returns a context whose monitors are stopped at the end of the test.
func (e *testEnv) run(o *Orchestrator) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	e.t.Cleanup(func() {
		cancel()
		o.waitMonitors()
	})
	return ctx
}

func (e *testEnv) orderFor(txID string) *pool.TradeOrder {
	e.t.Helper()
	order, err := e.pool.GetByExternalTxID(context.Background(), txID)
	if err != nil || order == nil {
		e.t.Fatalf("GetByExternalTxID(%s) = %v, %v", txID, order, err)
	}
	return order
}

func (e *testEnv) waitForStatus(orderID string, want pool.Status) *pool.TradeOrder {
	e.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last pool.Status
	for time.Now().Before(deadline) {
		order, err := e.pool.GetOrder(context.Background(), orderID)
		if err == nil {
			if order.Status == want {
				return order
			}
			last = order.Status
		}
		time.Sleep(5 * time.Millisecond)
	}
	e.t.Fatalf("order %s status = %s, want %s", orderID, last, want)
	return nil
}

func (e *testEnv) waitFor(what string, cond func() bool) {
	e.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	e.t.Fatalf("timed out waiting for %s", what)
}

func (e *testEnv) activeAds(accountID string) int {
	e.t.Helper()
	acc, err := e.registry.GetAccountB(context.Background(), accountID)
	if err != nil {
		e.t.Fatalf("GetAccountB(%s) error = %v", accountID, err)
	}
	return acc.ActiveAdsCount
}
