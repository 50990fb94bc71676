package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ksred/p2p-bridge/internal/accounts"
	"github.com/ksred/p2p-bridge/internal/apperr"
	"github.com/ksred/p2p-bridge/internal/platform"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeFiat struct {
	mu         sync.Mutex
	loginErr   error
	pingErr    error
	logins     int
	restored   string
	balance    decimal.Decimal
	setBalance []decimal.Decimal
}

func (f *fakeFiat) Login(_ context.Context, login, password string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins++
	if f.loginErr != nil {
		return "", f.loginErr
	}
	f.pingErr = nil
	return "blob-" + login, nil
}

func (f *fakeFiat) RestoreSession(blob string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored = blob
	return nil
}

func (f *fakeFiat) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeFiat) ListPendingTransactions(context.Context) ([]platform.Transaction, error) {
	return nil, nil
}
func (f *fakeFiat) AcceptTransaction(context.Context, string) error          { return nil }
func (f *fakeFiat) ApproveTransaction(context.Context, string, string) error { return nil }
func (f *fakeFiat) CancelTransaction(context.Context, string) error          { return nil }

func (f *fakeFiat) GetBalance(context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeFiat) SetBalance(_ context.Context, amount decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance = amount
	f.setBalance = append(f.setBalance, amount)
	return nil
}

func (f *fakeFiat) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

type fixture struct {
	registry *accounts.Registry
	fakes    map[string]*fakeFiat
	manager  *Manager
}

func newFixture(t *testing.T, logins ...string) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "session.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := db.AutoMigrate(&accounts.AccountA{}, &accounts.AccountB{}); err != nil {
		t.Fatal(err)
	}

	f := &fixture{registry: accounts.NewRegistry(db, 4), fakes: make(map[string]*fakeFiat)}
	for _, login := range logins {
		if _, err := f.registry.AddAccountA(context.Background(), login, "password"); err != nil {
			t.Fatal(err)
		}
		f.fakes[login] = &fakeFiat{}
	}

	f.manager = NewManager(f.registry, func(acc *accounts.AccountA) platform.FiatClient {
		return f.fakes[acc.Login]
	}, Config{
		MinBalance:    decimal.NewFromInt(300000),
		TargetBalance: decimal.NewFromInt(10000000),
	})
	return f
}

func (f *fixture) account(t *testing.T, login string) *accounts.AccountA {
	t.Helper()
	accs, err := f.registry.ListAccountsA(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for i := range accs {
		if accs[i].Login == login {
			return &accs[i]
		}
	}
	t.Fatalf("account %s not found", login)
	return nil
}

func TestAuthenticateStoresSessionAndBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "a@example.com")
	acc := f.account(t, "a@example.com")

	if err := f.manager.Authenticate(ctx, acc.AccountID); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	got := f.account(t, "a@example.com")
	if got.Status != accounts.AccountAActive || got.SessionBlob != "blob-a@example.com" || got.LastAuthAt == nil {
		t.Errorf("account after auth = %+v", got)
	}
	if !got.Balance.Equal(decimal.NewFromInt(10000000)) {
		t.Errorf("balance = %s, want target", got.Balance)
	}
}

func TestAuthenticateFailureMarksAuthRequired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "a@example.com")
	f.fakes["a@example.com"].loginErr = apperr.ErrAuthentication
	acc := f.account(t, "a@example.com")

	err := f.manager.Authenticate(ctx, acc.AccountID)
	if !errors.Is(err, apperr.ErrAuthentication) {
		t.Fatalf("Authenticate() error = %v, want ErrAuthentication", err)
	}
	got := f.account(t, "a@example.com")
	if got.Status != accounts.AccountAAuthRequired || got.LastError == "" {
		t.Errorf("account after failed auth = %+v", got)
	}
}

func TestDoAsReauthenticatesOnceThenRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "a@example.com")
	acc := f.account(t, "a@example.com")

	calls := 0
	err := f.manager.DoAs(ctx, acc.AccountID, func(context.Context, platform.FiatClient) error {
		calls++
		if calls == 1 {
			return apperr.ErrSessionExpired
		}
		return nil
	})
	if err != nil {
		t.Fatalf("DoAs() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("op calls = %d, want 2", calls)
	}
	if n := f.fakes["a@example.com"].loginCount(); n != 1 {
		t.Errorf("logins = %d, want 1", n)
	}
}

func TestDoAsSurfacesSecondExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "a@example.com")
	acc := f.account(t, "a@example.com")

	calls := 0
	err := f.manager.DoAs(ctx, acc.AccountID, func(context.Context, platform.FiatClient) error {
		calls++
		return apperr.ErrSessionExpired
	})
	if !errors.Is(err, apperr.ErrSessionExpired) {
		t.Fatalf("DoAs() error = %v, want ErrSessionExpired", err)
	}
	if calls != 2 {
		t.Errorf("op calls = %d, want exactly 2", calls)
	}
	if n := f.fakes["a@example.com"].loginCount(); n != 1 {
		t.Errorf("logins = %d, want exactly 1", n)
	}
	if got := f.account(t, "a@example.com"); got.Status != accounts.AccountAAuthRequired {
		t.Errorf("status = %s, want auth_required", got.Status)
	}
}

func TestDoAsPassesOtherErrorsThrough(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "a@example.com")
	acc := f.account(t, "a@example.com")

	boom := apperr.Transient(errors.New("boom"))
	err := f.manager.DoAs(ctx, acc.AccountID, func(context.Context, platform.FiatClient) error { return boom })
	if !errors.Is(err, apperr.ErrTransient) {
		t.Errorf("DoAs() error = %v", err)
	}
	if n := f.fakes["a@example.com"].loginCount(); n != 0 {
		t.Errorf("logins = %d, want 0", n)
	}
}

func TestRefreshAllContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "broken@example.com", "expired@example.com")

	broken := f.account(t, "broken@example.com")
	expired := f.account(t, "expired@example.com")
	f.fakes["broken@example.com"].loginErr = apperr.ErrAuthentication
	if err := f.registry.MarkAuthRequired(ctx, broken.AccountID, apperr.ErrAuthentication); err != nil {
		t.Fatal(err)
	}
	if err := f.registry.SaveSession(ctx, expired.AccountID, "old"); err != nil {
		t.Fatal(err)
	}
	f.fakes["expired@example.com"].pingErr = apperr.ErrSessionExpired

	f.manager.RefreshAll(ctx)

	if n := f.fakes["broken@example.com"].loginCount(); n != 1 {
		t.Errorf("broken logins = %d, want 1", n)
	}
	if n := f.fakes["expired@example.com"].loginCount(); n != 1 {
		t.Errorf("expired logins = %d, want 1", n)
	}
	if got := f.account(t, "expired@example.com"); got.Status != accounts.AccountAActive || got.SessionBlob != "blob-expired@example.com" {
		t.Errorf("expired account after refresh = %+v", got)
	}
	if got := f.account(t, "broken@example.com"); got.Status != accounts.AccountAAuthRequired {
		t.Errorf("broken account status = %s", got.Status)
	}
}

func TestStartReusesStoredSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "a@example.com", "b@example.com")
	a := f.account(t, "a@example.com")
	if err := f.registry.SaveSession(ctx, a.AccountID, "stored"); err != nil {
		t.Fatal(err)
	}

	active, err := f.manager.Start(ctx)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if active != 2 {
		t.Errorf("Start() active = %d, want 2", active)
	}
	if f.fakes["a@example.com"].restored != "stored" || f.fakes["a@example.com"].loginCount() != 0 {
		t.Errorf("stored session not reused: %+v", f.fakes["a@example.com"])
	}
	if f.fakes["b@example.com"].loginCount() != 1 {
		t.Error("account without session not logged in")
	}
}

func TestCheckBalancesTopsUp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "low@example.com", "ok@example.com")
	for _, login := range []string{"low@example.com", "ok@example.com"} {
		if err := f.registry.SaveSession(ctx, f.account(t, login).AccountID, "s"); err != nil {
			t.Fatal(err)
		}
	}
	f.fakes["low@example.com"].balance = decimal.NewFromInt(100000)
	f.fakes["ok@example.com"].balance = decimal.NewFromInt(500000)

	f.manager.CheckBalances(ctx)

	low := f.fakes["low@example.com"]
	if len(low.setBalance) != 1 || !low.setBalance[0].Equal(decimal.NewFromInt(10000000)) {
		t.Errorf("low account top-ups = %v", low.setBalance)
	}
	if got := f.account(t, "low@example.com"); !got.Balance.Equal(decimal.NewFromInt(10000000)) {
		t.Errorf("recorded balance = %s", got.Balance)
	}
	if n := len(f.fakes["ok@example.com"].setBalance); n != 0 {
		t.Errorf("ok account top-ups = %d, want 0", n)
	}
	if got := f.account(t, "ok@example.com"); !got.Balance.Equal(decimal.NewFromInt(500000)) {
		t.Errorf("recorded balance = %s, want 500000", got.Balance)
	}
}

func TestShutdownZeroesActiveBalances(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "a@example.com", "offline@example.com")
	if err := f.registry.SaveSession(ctx, f.account(t, "a@example.com").AccountID, "s"); err != nil {
		t.Fatal(err)
	}
	f.fakes["a@example.com"].balance = decimal.NewFromInt(777)

	f.manager.Shutdown(ctx)

	if !f.fakes["a@example.com"].balance.IsZero() {
		t.Errorf("active balance = %s, want 0", f.fakes["a@example.com"].balance)
	}
	if n := len(f.fakes["offline@example.com"].setBalance); n != 0 {
		t.Errorf("offline account touched %d times", n)
	}
}
