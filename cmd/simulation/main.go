package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/p2p-bridge/internal/app"
	"github.com/ksred/p2p-bridge/internal/config"
	"github.com/ksred/p2p-bridge/internal/platform"
	"github.com/ksred/p2p-bridge/internal/pool"
	"github.com/ksred/p2p-bridge/internal/ratelimit"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	serverPort    = "18080"
	serverAddress = "http://localhost:" + serverPort

	gateLogin    = "operator@sim.local"
	gatePassword = "sim-password"

	operatorKey    = "sim-operator"
	operatorSecret = "sim-operator-secret"

	simulationTimeout = 90 * time.Second
)

// receiptKind is what the operator hands in once the buyer has paid.
type receiptKind int

const (
	receiptValid receiptKind = iota
	receiptWrongAmount
	receiptNone
)

// scenario is one payout and how every party behaves around it.
type scenario struct {
	name     string
	amount   decimal.Decimal
	bank     string
	buyer    buyerAction
	receipt  receiptKind
	approve  bool
	expected pool.Status // empty when the engine must ignore the payout

	payoutID     string
	orderID      string
	submitted    bool
	approved     bool
	actual       pool.Status
	counterOrder string
}

func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	gin.SetMode(gin.ReleaseMode)
}

func scenarios() []*scenario {
	return []*scenario{
		{name: "small payout, valid receipt", amount: decimal.NewFromInt(30000), bank: "T-Bank", buyer: buyerPays, receipt: receiptValid, expected: pool.StatusCompleted},
		{name: "large payout, valid receipt", amount: decimal.NewFromInt(120000), bank: "T-Bank", buyer: buyerPays, receipt: receiptValid, expected: pool.StatusCompleted},
		{name: "below minimum", amount: decimal.NewFromInt(500), bank: "T-Bank", expected: ""},
		{name: "buyer cancels", amount: decimal.NewFromInt(15000), bank: "Sber", buyer: buyerCancels, expected: pool.StatusCancelled},
		{name: "wrong receipt, operator approves", amount: decimal.NewFromInt(45000), bank: "T-Bank", buyer: buyerPays, receipt: receiptWrongAmount, approve: true, expected: pool.StatusCompleted},
		{name: "buyer appeals, operator approves", amount: decimal.NewFromInt(62000), bank: "T-Bank", buyer: buyerAppeals, receipt: receiptNone, approve: true, expected: pool.StatusCompleted},
	}
}

// main runs the engine end to end against in-process fakes of both
// platforms and reports how every scenario ended
func main() {
	workDir, err := os.MkdirTemp("", "p2p-bridge-sim-*")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create work dir")
	}
	defer os.RemoveAll(workDir)

	runs := scenarios()
	byAmount := make(map[string]*scenario, len(runs))
	for _, sc := range runs {
		byAmount[sc.amount.StringFixed(2)] = sc
	}

	gate := newFakeGate(gateLogin, gatePassword)
	defer gate.Close()

	market := newFakeMarket(
		map[string]string{"SIMKEY1": "sim-secret-1", "SIMKEY2": "sim-secret-2"},
		decimal.RequireFromString("95.10"),
		400*time.Millisecond,
		func(fiat decimal.Decimal) buyerAction {
			if sc, ok := byAmount[fiat.StringFixed(2)]; ok {
				return sc.buyer
			}
			return buyerPays
		},
	)
	defer market.Close()

	cfg, err := simulationConfig(workDir, gate.URL(), market.URL())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	db, err := app.Open(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	engine, err := app.New(cfg, db)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to assemble engine")
	}
	defer engine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), simulationTimeout)
	defer cancel()

	os.Setenv("SIM_GATE_PASSWORD", gatePassword)
	if _, err := engine.Registry.AddAccountA(ctx, gateLogin, "env:SIM_GATE_PASSWORD"); err != nil {
		log.Fatal().Err(err).Msg("Failed to add Platform A account")
	}
	for i, key := range []string{"SIMKEY1", "SIMKEY2"} {
		if _, err := engine.Registry.AddAccountB(ctx, fmt.Sprintf("sim-%d", i+1), key, fmt.Sprintf("sim-secret-%d", i+1), 2); err != nil {
			log.Fatal().Err(err).Msg("Failed to add Platform B account")
		}
	}

	for _, sc := range runs {
		sc.payoutID = gate.AddPayout(sc.amount, sc.bank)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- engine.Run(ctx) }()
	go market.RunBuyers(ctx)

	if err := waitForServer(ctx); err != nil {
		log.Fatal().Err(err).Msg("Engine did not come up")
	}

	operator, err := newOperatorClient(serverAddress, operatorKey, operatorSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize operator client")
	}

	start := time.Now()
	log.Info().Int("scenarios", len(runs)).Msg("Starting simulation")
	operate(ctx, operator, runs)
	duration := time.Since(start)

	status, statusErr := operator.status()
	cancel()
	if err := <-runErr; err != nil {
		log.Error().Err(err).Msg("Engine stopped with error")
	}

	failures := report(runs, gate, market, duration)
	if statusErr == nil {
		fmt.Printf("\nEngine status: %v\n", status)
	}
	fmt.Printf("Ads still online: %d\n", market.OnlineAds())
	operator.printPerformanceStats()

	if failures > 0 {
		os.Exit(1)
	}
}

func simulationConfig(workDir, gateURL, marketURL string) (*config.Config, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, err
	}

	cfg.Env = "development"
	cfg.Server.Port = serverPort
	cfg.Server.JWTSecret = "sim-jwt-secret"
	cfg.Server.AdminKey = operatorKey
	cfg.Server.AdminSecret = operatorSecret

	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = filepath.Join(workDir, "sim.db")

	cfg.Gate.BaseURL = gateURL
	cfg.Gate.Timeout = 5 * time.Second
	cfg.Bybit.BaseURL = marketURL
	cfg.Bybit.PublicURL = marketURL
	cfg.Bybit.Timeout = 5 * time.Second

	generous := ratelimit.Quota{PerMinute: 6000, Burst: 100}
	cfg.RateLimits.Gate = generous
	cfg.RateLimits.Bybit = generous
	cfg.RateLimits.Default = generous

	cfg.Orchestrator.PollInterval = 300 * time.Millisecond
	cfg.Orchestrator.AdPollInterval = 200 * time.Millisecond
	cfg.Orchestrator.OrderPollInterval = 200 * time.Millisecond
	cfg.Orchestrator.ReceiptTimeout = time.Minute
	cfg.Orchestrator.AutoConfirm = true
	cfg.Orchestrator.AcceptedBanks = []string{"T-Bank"}
	cfg.Accounts.MaxAdsPerAccount = 2
	cfg.Accounts.ImportFile = ""

	cfg.Session.BalanceInterval = 0
	cfg.Events.Dir = filepath.Join(workDir, "events")
	cfg.Events.Brokers = nil
	cfg.Events.RelayInterval = 200 * time.Millisecond
	cfg.Telegram.Token = ""

	return cfg, cfg.Validate()
}

func waitForServer(ctx context.Context) error {
	client := &http.Client{Timeout: time.Second}
	for {
		resp, err := client.Get(serverAddress + "/api/v1/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// operate plays the operator: it hands in receipts once buyers pay and
// approves orders that need a human, until every tracked scenario is
// settled or ctx runs out.
func operate(ctx context.Context, operator *operatorClient, runs []*scenario) {
	byTx := make(map[string]*scenario, len(runs))
	for _, sc := range runs {
		byTx[sc.payoutID] = sc
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		orders, err := operator.listOrders()
		if err != nil {
			log.Warn().Err(err).Msg("List orders failed")
		}
		for _, o := range orders {
			sc, ok := byTx[o.ExternalTxID]
			if !ok {
				continue
			}
			sc.orderID = o.OrderID
			sc.counterOrder = o.CounterOrderID
			sc.actual = o.Status
			act(operator, sc, o)
		}

		settled := true
		for _, sc := range runs {
			if sc.expected == "" {
				continue
			}
			// Orders under manual review drop out of the open list.
			if sc.orderID != "" && sc.actual != pool.StatusCompleted && sc.actual != pool.StatusCancelled {
				if order, err := operator.getOrder(sc.orderID); err == nil {
					sc.actual = order.Status
					sc.counterOrder = order.CounterOrderID
					act(operator, sc, *order)
				}
			}
			if sc.actual != pool.StatusCompleted && sc.actual != pool.StatusCancelled {
				settled = false
			}
		}
		if settled {
			return
		}

		select {
		case <-ctx.Done():
			log.Warn().Msg("Simulation timed out before every order settled")
			return
		case <-ticker.C:
		}
	}
}

func act(operator *operatorClient, sc *scenario, o pool.TradeOrder) {
	switch {
	case o.Status == pool.StatusPaymentReceived && !sc.submitted && sc.receipt != receiptNone:
		amount := o.FiatAmount
		if sc.receipt == receiptWrongAmount {
			amount = amount.Sub(decimal.NewFromInt(1000))
		}
		err := operator.submitReceipt(o.OrderID, map[string]interface{}{
			"amount":    amount.StringFixed(2),
			"bank_name": "T-Bank",
			"date_time": time.Now().UTC(),
		})
		if err != nil {
			log.Warn().Err(err).Str("order_id", o.OrderID).Msg("Submit receipt failed")
			return
		}
		sc.submitted = true
		log.Info().Str("order_id", o.OrderID).Str("amount", amount.StringFixed(2)).Msg("Receipt submitted")

	case (o.Status == pool.StatusManualReview || o.Status == pool.StatusAppeal) && sc.approve && !sc.approved:
		order, err := operator.approveOrder(o.OrderID)
		if err != nil {
			log.Warn().Err(err).Str("order_id", o.OrderID).Msg("Approve failed")
			return
		}
		sc.approved = true
		sc.actual = order.Status
		log.Info().Str("order_id", o.OrderID).Str("status", string(order.Status)).Msg("Operator approved order")
	}
}

// report prints the outcome of every scenario and returns how many did
// not end as expected.
func report(runs []*scenario, gate *fakeGate, market *fakeMarket, duration time.Duration) int {
	fmt.Println("\n" + strings.Repeat("=", 100))
	fmt.Println("P2P BRIDGE SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 100))
	fmt.Printf("%-36s %12s %16s %16s %10s %8s %6s\n", "Scenario", "Amount", "Expected", "Actual", "Payout", "Chat", "OK")
	fmt.Println(strings.Repeat("-", 100))

	failures := 0
	for _, sc := range runs {
		payout, _ := gate.Payout(sc.payoutID)
		messages := 0
		if o, ok := market.Order(sc.counterOrder); ok {
			messages = len(o.Messages)
		}

		expected, actual := string(sc.expected), string(sc.actual)
		if sc.expected == "" {
			expected, actual = "ignored", "ignored"
			if sc.orderID != "" || payout.Status != platform.PayoutStatusAvailable {
				actual = "tracked"
			}
		}
		passed := expected == actual
		if sc.expected == pool.StatusCompleted && payout.Status != payoutApproved {
			passed = false
		}
		if !passed {
			failures++
		}

		fmt.Printf("%-36s %12s %16s %16s %10d %8d %6t\n",
			sc.name, sc.amount.StringFixed(2), expected, actual, payout.Status, messages, passed)
	}
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("Scenarios: %d  Failed: %d  Duration: %v\n", len(runs), failures, duration.Round(time.Millisecond))

	log.Info().
		Int("scenarios", len(runs)).
		Int("failed", failures).
		Dur("duration", duration).
		Msg("Simulation completed")
	return failures
}
