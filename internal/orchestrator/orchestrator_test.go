package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ksred/p2p-bridge/internal/apperr"
	"github.com/ksred/p2p-bridge/internal/platform"
	"github.com/ksred/p2p-bridge/internal/pool"
	"github.com/ksred/p2p-bridge/internal/receipt"
	"github.com/shopspring/decimal"
)

func validReceipt(amount int64) receipt.Submission {
	return receipt.Submission{
		Receipt: &receipt.Receipt{
			Amount:   decimal.NewFromInt(amount),
			BankName: "T-Bank",
			DateTime: time.Now(),
		},
		Path: "/receipts/tx.pdf",
	}
}

// paidOrder drives txID from discovery to payment_received on market.
func paidOrder(t *testing.T, e *testEnv, o *Orchestrator, ctx context.Context, txID string, market *fakeP2P) *pool.TradeOrder {
	t.Helper()

	o.Tick(ctx)
	order := e.waitForStatus(e.orderFor(txID).OrderID, pool.StatusActive)

	market.buyerTakes(order.AdID, "co-"+txID)
	e.waitForStatus(order.OrderID, pool.StatusChatting)
	e.waitFor("greeting", func() bool { return len(market.messagesFor("co-"+txID)) >= 1 })

	market.setStatus("co-"+txID, platform.CounterOrderPaid)
	return e.waitForStatus(order.OrderID, pool.StatusPaymentReceived)
}

func TestEndToEndCompletesOnSecondAccount(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	b1 := e.addB("AccountB1", 1)
	b2 := e.addB("AccountB2", 4)
	if err := e.registry.SetActiveAds(ctx, b1.AccountID, 1); err != nil {
		t.Fatalf("SetActiveAds() error = %v", err)
	}
	e.fiat.addTx("TX1", 30000)

	o := e.newOrchestrator(testConfig())
	runCtx := e.run(o)

	order := paidOrder(t, e, o, runCtx, "TX1", e.p2p("AccountB2"))
	if order.AccountBID != b2.AccountID {
		t.Fatalf("order placed on %s, want AccountB2 (%s)", order.AccountBID, b2.AccountID)
	}
	if got := e.activeAds(b2.AccountID); got != 1 {
		t.Fatalf("AccountB2 active ads = %d, want 1", got)
	}
	wantQty := AdQuantity(decimal.NewFromInt(30000), decimal.RequireFromString("95.50"), decimal.RequireFromString("0.01"))
	if !order.Amount.Equal(wantQty) {
		t.Errorf("order amount = %s, want %s", order.Amount, wantQty)
	}

	if err := o.SubmitReceipt(ctx, order.OrderID, validReceipt(30000)); err != nil {
		t.Fatalf("SubmitReceipt() error = %v", err)
	}
	done := e.waitForStatus(order.OrderID, pool.StatusCompleted)

	if done.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if path, ok := e.fiat.wasApproved("TX1"); !ok || path != "/receipts/tx.pdf" {
		t.Errorf("approve = %q, %v; want receipt path", path, ok)
	}
	market := e.p2p("AccountB2")
	if !market.wasReleased("co-TX1") {
		t.Error("counter order not released")
	}
	if !market.wasDeleted(order.AdID) {
		t.Error("ad not deleted")
	}
	if got := e.activeAds(b2.AccountID); got != 0 {
		t.Errorf("AccountB2 active ads = %d, want 0", got)
	}
	if got := e.activeAds(b1.AccountID); got != 1 {
		t.Errorf("AccountB1 active ads = %d, want 1", got)
	}
	msgs := market.messagesFor("co-TX1")
	if len(msgs) != 2 || msgs[0] != "hello" || msgs[1] != "please send the receipt" {
		t.Errorf("messages = %v", msgs)
	}
}

func TestDiscoveryIsIdempotent(t *testing.T) {
	e := newTestEnv(t)
	e.fiat.addTx("TX1", 30000)
	e.fiat.addTx("TX-small", 10)

	o := e.newOrchestrator(testConfig())
	ctx := e.run(o)

	for i := 0; i < 3; i++ {
		o.Tick(ctx)
	}

	orders, err := e.pool.ListOrders(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListOrders() error = %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("orders = %d, want 1", len(orders))
	}
	if orders[0].ExternalTxID != "TX1" {
		t.Errorf("order tx = %s, want TX1", orders[0].ExternalTxID)
	}
	if got := e.fiat.acceptCount("TX1"); got != 1 {
		t.Errorf("accept calls = %d, want 1", got)
	}
}

func TestSkippedTransactionsForgottenWhenDelisted(t *testing.T) {
	e := newTestEnv(t)
	e.fiat.addTx("TX-small", 10)
	e.fiat.addTx("TX-tiny", 5)

	o := e.newOrchestrator(testConfig())
	ctx := e.run(o)

	o.Tick(ctx)
	o.Tick(ctx)
	if got := o.rejectedCount(); got != 2 {
		t.Fatalf("remembered = %d, want 2", got)
	}

	e.fiat.removeTx("TX-small")
	o.Tick(ctx)
	if got := o.rejectedCount(); got != 1 {
		t.Errorf("remembered after delisting = %d, want 1", got)
	}
}

func TestIntakeDefersWithoutCapacity(t *testing.T) {
	e := newTestEnv(t)
	e.fiat.addTx("TX1", 30000)

	o := e.newOrchestrator(testConfig())
	ctx := e.run(o)

	o.Tick(ctx)
	order := e.orderFor("TX1")
	if order.Status != pool.StatusAccepted {
		t.Fatalf("status = %s, want %s", order.Status, pool.StatusAccepted)
	}

	b := e.addB("AccountB1", 2)
	o.Tick(ctx)

	order = e.waitForStatus(order.OrderID, pool.StatusActive)
	if order.AccountBID != b.AccountID || order.AdID == "" {
		t.Errorf("order = account %s ad %q", order.AccountBID, order.AdID)
	}
	if got := e.fiat.acceptCount("TX1"); got != 1 {
		t.Errorf("accept calls = %d, want 1", got)
	}
	if got := e.activeAds(b.AccountID); got != 1 {
		t.Errorf("active ads = %d, want 1", got)
	}
}

func TestInvalidReceiptGoesToManualReview(t *testing.T) {
	tests := []struct {
		name string
		sub  receipt.Submission
	}{
		{"wrong amount", validReceipt(29000)},
		{"bank not accepted", receipt.Submission{Receipt: &receipt.Receipt{Amount: decimal.NewFromInt(30000), BankName: "Unknown Bank"}}},
		{"no parser for path", receipt.Submission{Path: "/receipts/scan.jpg"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			b := e.addB("AccountB1", 4)
			e.fiat.addTx("TX1", 30000)

			o := e.newOrchestrator(testConfig())
			ctx := e.run(o)
			order := paidOrder(t, e, o, ctx, "TX1", e.p2p("AccountB1"))

			if err := o.SubmitReceipt(ctx, order.OrderID, tt.sub); err != nil {
				t.Fatalf("SubmitReceipt() error = %v", err)
			}
			e.waitForStatus(order.OrderID, pool.StatusManualReview)

			if _, ok := e.fiat.wasApproved("TX1"); ok {
				t.Error("payout approved for an invalid receipt")
			}
			if got := e.activeAds(b.AccountID); got != 1 {
				t.Errorf("active ads = %d, want slot held during review", got)
			}
		})
	}
}

func TestReceiptTimeout(t *testing.T) {
	e := newTestEnv(t)
	e.addB("AccountB1", 4)
	e.fiat.addTx("TX1", 30000)

	cfg := testConfig()
	cfg.ReceiptTimeout = 50 * time.Millisecond
	o := e.newOrchestrator(cfg)
	ctx := e.run(o)

	order := paidOrder(t, e, o, ctx, "TX1", e.p2p("AccountB1"))
	e.waitForStatus(order.OrderID, pool.StatusManualReview)

	so, err := o.GetOrder(ctx, order.OrderID)
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if so.Order.Status != pool.StatusManualReview {
		t.Errorf("status = %s", so.Order.Status)
	}
}

func TestAutoModeOffWaitsForOperator(t *testing.T) {
	e := newTestEnv(t)
	b := e.addB("AccountB1", 4)
	e.fiat.addTx("TX1", 30000)

	o := e.newOrchestrator(testConfig())
	o.SetAutoMode(false)
	ctx := e.run(o)

	order := paidOrder(t, e, o, ctx, "TX1", e.p2p("AccountB1"))
	if err := o.SubmitReceipt(ctx, order.OrderID, validReceipt(30000)); err != nil {
		t.Fatalf("SubmitReceipt() error = %v", err)
	}
	e.waitForStatus(order.OrderID, pool.StatusManualReview)
	if _, ok := e.fiat.wasApproved("TX1"); ok {
		t.Fatal("payout approved with auto mode off")
	}

	done, err := o.ApproveOrder(ctx, order.OrderID)
	if err != nil {
		t.Fatalf("ApproveOrder() error = %v", err)
	}
	if done.Status != pool.StatusCompleted {
		t.Fatalf("status = %s, want completed", done.Status)
	}
	payload, err := done.Metadata.Decode()
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	completed, ok := payload.(pool.CompletedPayload)
	if !ok || !completed.Manual || !completed.ReceiptAmount.Equal(decimal.NewFromInt(30000)) {
		t.Errorf("payload = %#v", payload)
	}
	if path, ok := e.fiat.wasApproved("TX1"); !ok || path != "/receipts/tx.pdf" {
		t.Errorf("approve = %q, %v", path, ok)
	}
	if got := e.activeAds(b.AccountID); got != 0 {
		t.Errorf("active ads = %d, want 0", got)
	}

	if _, err := o.ApproveOrder(ctx, order.OrderID); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("second ApproveOrder() error = %v, want ErrInvalidTransition", err)
	}
}

func TestConflictCountsAsSuccess(t *testing.T) {
	e := newTestEnv(t)
	e.addB("AccountB1", 4)
	e.fiat.addTx("TX1", 30000)
	e.fiat.acceptErr = apperr.Conflict("incorrect_status")
	market := e.p2p("AccountB1")
	market.setReleaseErr(apperr.Conflict("order already released"))

	o := e.newOrchestrator(testConfig())
	ctx := e.run(o)

	order := paidOrder(t, e, o, ctx, "TX1", market)
	if err := o.SubmitReceipt(ctx, order.OrderID, validReceipt(30000)); err != nil {
		t.Fatalf("SubmitReceipt() error = %v", err)
	}
	e.waitForStatus(order.OrderID, pool.StatusCompleted)
}

func TestReleaseFailureEscalates(t *testing.T) {
	e := newTestEnv(t)
	e.addB("AccountB1", 4)
	e.fiat.addTx("TX1", 30000)
	market := e.p2p("AccountB1")

	o := e.newOrchestrator(testConfig())
	ctx := e.run(o)

	order := paidOrder(t, e, o, ctx, "TX1", market)
	market.setReleaseErr(errors.New("order frozen by risk control"))
	if err := o.SubmitReceipt(ctx, order.OrderID, validReceipt(30000)); err != nil {
		t.Fatalf("SubmitReceipt() error = %v", err)
	}
	e.waitForStatus(order.OrderID, pool.StatusManualReview)
	if _, ok := e.fiat.wasApproved("TX1"); ok {
		t.Error("payout approved although release failed")
	}
}

func TestTransientSettlementFailureRetries(t *testing.T) {
	tests := []struct {
		name     string
		fail     func(e *testEnv, market *fakeP2P)
		restore  func(e *testEnv, market *fakeP2P)
		attempts func(e *testEnv, market *fakeP2P) int
	}{
		{
			name:     "release",
			fail:     func(_ *testEnv, m *fakeP2P) { m.setReleaseErr(apperr.Transient(errors.New("gateway timeout"))) },
			restore:  func(_ *testEnv, m *fakeP2P) { m.setReleaseErr(nil) },
			attempts: func(_ *testEnv, m *fakeP2P) int { return m.releaseAttempts() },
		},
		{
			name:     "approve",
			fail:     func(e *testEnv, _ *fakeP2P) { e.fiat.setApproveErr(apperr.RateLimited(10 * time.Millisecond)) },
			restore:  func(e *testEnv, _ *fakeP2P) { e.fiat.setApproveErr(nil) },
			attempts: func(e *testEnv, _ *fakeP2P) int { return e.fiat.approveAttempts() },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			b := e.addB("AccountB1", 4)
			e.fiat.addTx("TX1", 30000)
			market := e.p2p("AccountB1")

			o := e.newOrchestrator(testConfig())
			ctx := e.run(o)

			order := paidOrder(t, e, o, ctx, "TX1", market)
			tt.fail(e, market)
			if err := o.SubmitReceipt(ctx, order.OrderID, validReceipt(30000)); err != nil {
				t.Fatalf("SubmitReceipt() error = %v", err)
			}

			e.waitFor("second settlement attempt", func() bool { return tt.attempts(e, market) >= 2 })
			got, err := e.pool.GetOrder(context.Background(), order.OrderID)
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != pool.StatusPaymentReceived {
				t.Fatalf("status during outage = %s, want %s", got.Status, pool.StatusPaymentReceived)
			}

			tt.restore(e, market)
			e.waitForStatus(order.OrderID, pool.StatusCompleted)
			if !market.wasReleased("co-TX1") {
				t.Error("counter order not released")
			}
			if _, ok := e.fiat.wasApproved("TX1"); !ok {
				t.Error("payout not approved")
			}
			if got := e.activeAds(b.AccountID); got != 0 {
				t.Errorf("active ads = %d, want 0", got)
			}
		})
	}
}

func TestBuyerCancelReleasesSlot(t *testing.T) {
	e := newTestEnv(t)
	b := e.addB("AccountB1", 4)
	e.fiat.addTx("TX1", 30000)
	market := e.p2p("AccountB1")

	o := e.newOrchestrator(testConfig())
	ctx := e.run(o)

	o.Tick(ctx)
	order := e.waitForStatus(e.orderFor("TX1").OrderID, pool.StatusActive)
	market.buyerTakes(order.AdID, "co-1")
	e.waitForStatus(order.OrderID, pool.StatusChatting)

	market.setStatus("co-1", platform.CounterOrderCancelled)
	e.waitForStatus(order.OrderID, pool.StatusCancelled)

	if got := e.activeAds(b.AccountID); got != 0 {
		t.Errorf("active ads = %d, want 0", got)
	}
	if !market.wasDeleted(order.AdID) {
		t.Error("ad not deleted")
	}
	if !e.fiat.wasCancelled("TX1") {
		t.Error("payout not cancelled")
	}
}

func TestAppealParksOrder(t *testing.T) {
	e := newTestEnv(t)
	e.addB("AccountB1", 4)
	e.fiat.addTx("TX1", 30000)
	market := e.p2p("AccountB1")

	o := e.newOrchestrator(testConfig())
	ctx := e.run(o)

	order := paidOrder(t, e, o, ctx, "TX1", market)
	market.setStatus("co-TX1", platform.CounterOrderAppeal)
	e.waitForStatus(order.OrderID, pool.StatusAppeal)

	done, err := o.RejectOrder(ctx, order.OrderID, "appeal lost")
	if err != nil {
		t.Fatalf("RejectOrder() error = %v", err)
	}
	if done.Status != pool.StatusCancelled {
		t.Errorf("status = %s, want cancelled", done.Status)
	}
}

func TestRejectOrder(t *testing.T) {
	e := newTestEnv(t)
	e.fiat.addTx("TX1", 30000)

	o := e.newOrchestrator(testConfig())
	ctx := e.run(o)
	o.Tick(ctx)
	order := e.orderFor("TX1")

	done, err := o.RejectOrder(ctx, order.OrderID, "")
	if err != nil {
		t.Fatalf("RejectOrder() error = %v", err)
	}
	if done.Status != pool.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", done.Status)
	}
	if !e.fiat.wasCancelled("TX1") {
		t.Error("payout not cancelled")
	}

	if _, err := o.RejectOrder(ctx, order.OrderID, ""); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("second RejectOrder() error = %v, want ErrInvalidTransition", err)
	}
	if _, err := o.RejectOrder(ctx, "ord_missing", ""); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("RejectOrder(missing) error = %v, want ErrNotFound", err)
	}
}

func TestRestartResumesMonitors(t *testing.T) {
	e := newTestEnv(t)
	b := e.addB("AccountB1", 4)
	e.fiat.addTx("TX1", 30000)
	market := e.p2p("AccountB1")

	first := e.newOrchestrator(testConfig())
	ctx1, stop1 := context.WithCancel(context.Background())
	first.Tick(ctx1)
	order := e.waitForStatus(e.orderFor("TX1").OrderID, pool.StatusActive)
	market.buyerTakes(order.AdID, "co-1")
	e.waitForStatus(order.OrderID, pool.StatusChatting)
	stop1()
	first.waitMonitors()

	// drift the stored count so startup reconciliation has work to do
	if err := e.registry.SetActiveAds(context.Background(), b.AccountID, 3); err != nil {
		t.Fatalf("SetActiveAds() error = %v", err)
	}

	e.pool = pool.New(e.db)
	second := e.newOrchestrator(testConfig())
	ctx2, stop2 := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- second.Start(ctx2) }()
	defer func() {
		stop2()
		select {
		case err := <-stopped:
			if err != nil {
				t.Errorf("Start() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Start() did not return")
		}
	}()

	e.waitFor("reconciliation", func() bool { return e.activeAds(b.AccountID) == 1 })

	market.setStatus("co-1", platform.CounterOrderPaid)
	e.waitForStatus(order.OrderID, pool.StatusPaymentReceived)
	if err := second.SubmitReceipt(context.Background(), order.OrderID, validReceipt(30000)); err != nil {
		t.Fatalf("SubmitReceipt() error = %v", err)
	}
	e.waitForStatus(order.OrderID, pool.StatusCompleted)

	if got := e.activeAds(b.AccountID); got != 0 {
		t.Errorf("active ads = %d, want 0", got)
	}
	if got := e.fiat.acceptCount("TX1"); got != 1 {
		t.Errorf("accept calls = %d, want 1", got)
	}
}

func TestSystemStatus(t *testing.T) {
	e := newTestEnv(t)
	e.addB("AccountB1", 4)
	e.fiat.addTx("TX1", 30000)

	o := e.newOrchestrator(testConfig())
	ctx := e.run(o)
	o.Tick(ctx)
	e.waitForStatus(e.orderFor("TX1").OrderID, pool.StatusActive)

	status, err := o.SystemStatus(ctx)
	if err != nil {
		t.Fatalf("SystemStatus() error = %v", err)
	}
	if !status.AutoMode {
		t.Error("auto mode off")
	}
	if status.Stages[pool.StageActive] != 1 {
		t.Errorf("active stage = %d, want 1", status.Stages[pool.StageActive])
	}
	if status.Accounts.ActiveAds != 1 || status.Accounts.AccountsB != 1 {
		t.Errorf("accounts = %+v", status.Accounts)
	}
	if status.Monitors != 1 {
		t.Errorf("monitors = %d, want 1", status.Monitors)
	}
}

func TestAdQuantity(t *testing.T) {
	tests := []struct {
		fiat, rate, buffer, want string
	}{
		{"1000", "100", "0", "10"},
		{"1000", "3", "0", "333.34"},
		{"30000", "95.50", "0.01", "314.15"},
		{"50000", "100", "0.5", "500.5"},
	}
	for _, tt := range tests {
		got := AdQuantity(decimal.RequireFromString(tt.fiat), decimal.RequireFromString(tt.rate), decimal.RequireFromString(tt.buffer))
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("AdQuantity(%s, %s, %s) = %s, want %s", tt.fiat, tt.rate, tt.buffer, got, tt.want)
		}
	}
}
