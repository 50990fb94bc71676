package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/p2p-bridge/internal/accounts"
	"github.com/ksred/p2p-bridge/internal/admin"
	"github.com/ksred/p2p-bridge/internal/apperr"
	"github.com/ksred/p2p-bridge/internal/auth"
	"github.com/ksred/p2p-bridge/internal/bybit"
	"github.com/ksred/p2p-bridge/internal/config"
	"github.com/ksred/p2p-bridge/internal/database"
	"github.com/ksred/p2p-bridge/internal/events"
	"github.com/ksred/p2p-bridge/internal/gate"
	"github.com/ksred/p2p-bridge/internal/notify"
	"github.com/ksred/p2p-bridge/internal/orchestrator"
	"github.com/ksred/p2p-bridge/internal/platform"
	"github.com/ksred/p2p-bridge/internal/pool"
	"github.com/ksred/p2p-bridge/internal/ratelimit"
	"github.com/ksred/p2p-bridge/internal/rates"
	"github.com/ksred/p2p-bridge/internal/receipt"
	"github.com/ksred/p2p-bridge/internal/session"
	"github.com/ksred/p2p-bridge/pkg/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SetupLogging uses a console writer outside production and debug level
// when debug is set.
func SetupLogging(env string, debug bool) {
	if env != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		log.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug || os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// App is the assembled service.
type App struct {
	cfg *config.Config

	DB           *gorm.DB
	Limiter      *ratelimit.Limiter
	Registry     *accounts.Registry
	Pool         *pool.Pool
	Sessions     *session.Manager
	Rates        *rates.Service
	Orchestrator *orchestrator.Orchestrator
	Router       *gin.Engine

	outbox      *events.Outbox
	publisher   events.Publisher
	relay       *events.Relay
	httpLimiter *middleware.RateLimiter
	logger      zerolog.Logger
}

// Option adjusts how New assembles the service.
type Option func(*options)

type options struct {
	parser receipt.Parser
	clock  func() time.Time
}

// WithReceiptParser sets the OCR collaborator used for receipts submitted
// as file paths.
func WithReceiptParser(p receipt.Parser) Option {
	return func(o *options) { o.parser = p }
}

// WithClock replaces the wall clock used for rate scenarios.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// Open connects the configured database and runs migrations.
func Open(cfg *config.Config) (*gorm.DB, error) {
	return database.NewDatabase(cfg.Database, cfg.Debug)
}

// New wires every component from cfg on top of db.
func New(cfg *config.Config, db *gorm.DB, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		cfg:    cfg,
		DB:     db,
		logger: log.With().Str("component", "app").Logger(),
	}

	a.Limiter = ratelimit.New(cfg.RateLimits.Quotas(), cfg.RateLimits.Default)
	a.Registry = accounts.NewRegistry(db, cfg.Accounts.MaxAdsPerAccount)
	a.Pool = pool.New(db)

	a.Sessions = session.NewManager(a.Registry, func(*accounts.AccountA) platform.FiatClient {
		return gate.NewClient(cfg.Gate.BaseURL, cfg.Gate.Timeout, a.Limiter)
	}, SessionConfig(cfg))

	book := bybit.NewBook(cfg.Bybit.PublicURL, cfg.Bybit.Asset, cfg.Bybit.Fiat, cfg.Bybit.BookPayments, cfg.Bybit.Timeout, a.Limiter)
	rules, err := RateRules(cfg)
	if err != nil {
		return nil, err
	}
	a.Rates = rates.NewService(book, rules)
	if o.clock != nil {
		a.Rates.WithClock(o.clock)
	}

	bybitOpts := bybit.Options{
		BaseURL:    cfg.Bybit.BaseURL,
		RecvWindow: cfg.Bybit.RecvWindow,
		Timeout:    cfg.Bybit.Timeout,
		Asset:      cfg.Bybit.Asset,
		Fiat:       cfg.Bybit.Fiat,
	}
	a.Orchestrator = orchestrator.New(orchestrator.Deps{
		Pool:     a.Pool,
		Accounts: a.Registry,
		Sessions: a.Sessions,
		Rates:    a.Rates,
		NewP2P: func(acc *accounts.AccountB) platform.P2PClient {
			return bybit.NewClient(bybitOpts, acc.APIKey, acc.APISecret, a.Limiter)
		},
		Inbox:     receipt.NewInbox(),
		Parser:    o.parser,
		Validator: receipt.NewValidator(cfg.Orchestrator.AcceptedBanks),
		Limiter:   a.Limiter,
	}, OrchestratorConfig(cfg))

	if err := a.wireEvents(); err != nil {
		return nil, err
	}

	authService := auth.NewService(cfg.Server.JWTSecret, cfg.Server.AdminKey, cfg.Server.AdminSecret)
	handlers := admin.NewGinHandlers(a.Orchestrator, a.Registry, a.Sessions)
	a.httpLimiter = middleware.NewRateLimiter(10, 600)
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	a.Router = admin.NewRouter(authService, handlers, cfg.Server.JWTSecret, a.httpLimiter)

	return a, nil
}

// wireEvents attaches the durable outbox and operator alerts to the pool.
func (a *App) wireEvents() error {
	cfg := a.cfg
	if cfg.Events.Dir != "" {
		outbox, err := events.OpenOutbox(cfg.Events.Dir)
		if err != nil {
			return fmt.Errorf("open event outbox: %w", err)
		}
		a.outbox = outbox
		a.Pool.AddListener(outbox)

		if len(cfg.Events.Brokers) > 0 {
			a.publisher = events.NewKafkaPublisher(cfg.Events.Brokers, cfg.Events.Topic)
		} else {
			a.publisher = events.NewLogPublisher()
		}
		a.relay = events.NewRelay(outbox, a.publisher, cfg.Events.RelayInterval)
	}

	if cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			a.logger.Warn().Err(err).Msg("telegram alerts disabled")
		} else {
			a.Pool.AddListener(tg)
		}
	}
	return nil
}

// Run starts sessions, background loops, the admin API and the
// orchestrator, and blocks until ctx is done and everything has stopped.
func (a *App) Run(ctx context.Context) error {
	n, err := a.Sessions.Start(ctx)
	if err != nil {
		return fmt.Errorf("start sessions: %w", err)
	}
	a.logger.Info().Int("sessions", n).Msg("fiat sessions ready")

	var wg sync.WaitGroup
	background := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	background(a.Sessions.RunRefreshLoop)
	background(a.Sessions.RunBalanceLoop)
	background(a.httpLimiter.RunCleanup)
	background(func(ctx context.Context) {
		a.Pool.RunCleanup(ctx, a.cfg.Pool.CleanupInterval, a.cfg.Pool.RetentionDays)
	})
	if a.relay != nil {
		background(a.relay.Start)
	}

	srv := &http.Server{
		Addr:    ":" + a.cfg.Server.Port,
		Handler: a.Router,
	}
	go func() {
		a.logger.Info().Str("port", a.cfg.Server.Port).Msg("admin API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("admin API stopped")
		}
	}()

	runErr := a.Orchestrator.Start(ctx)

	a.logger.Info().Msg("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error().Err(err).Msg("admin API forced to shutdown")
	}

	a.Sessions.Shutdown(context.Background())
	wg.Wait()
	return runErr
}

// Close releases the outbox, the publisher and the database.
func (a *App) Close() error {
	var errs []error
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	if a.outbox != nil {
		errs = append(errs, a.outbox.Close())
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		errs = append(errs, sqlDB.Close())
	}
	return errors.Join(errs...)
}

// OrchestratorConfig converts the loaded settings.
func OrchestratorConfig(cfg *config.Config) orchestrator.Config {
	oc := cfg.Orchestrator
	return orchestrator.Config{
		PollInterval:      oc.PollInterval,
		AdPollInterval:    oc.AdPollInterval,
		OrderPollInterval: oc.OrderPollInterval,
		ReceiptTimeout:    oc.ReceiptTimeout,
		ShutdownGrace:     oc.ShutdownGrace,
		MinAmount:         decimal.NewFromFloat(oc.MinAmount),
		MaxAmount:         decimal.NewFromFloat(oc.MaxAmount),
		AmountBuffer:      decimal.NewFromFloat(oc.AmountBuffer),
		AutoConfirm:       oc.AutoConfirm,
		InitialMessage:    oc.InitialMessage,
		ReceiptMessage:    oc.ReceiptMessage,
		Asset:             cfg.Bybit.Asset,
		Fiat:              cfg.Bybit.Fiat,
		PaymentMethods:    cfg.Bybit.PaymentMethods,
		Remarks:           cfg.Bybit.Remarks,
	}
}

func SessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		RefreshInterval: cfg.Session.RefreshInterval,
		BalanceInterval: cfg.Session.BalanceInterval,
		MinBalance:      decimal.NewFromFloat(cfg.Session.MinBalance),
		TargetBalance:   decimal.NewFromFloat(cfg.Session.TargetBalance),
		ShutdownTimeout: cfg.Session.ShutdownTimeout,
	}
}

// RateRules builds scenario rules, falling back to a fixed UTC+3 zone for
// Europe/Moscow when tzdata is unavailable.
func RateRules(cfg *config.Config) (rates.Rules, error) {
	rc := cfg.Rates
	loc := rates.Moscow()
	if rc.Timezone != "" && rc.Timezone != "Europe/Moscow" {
		l, err := time.LoadLocation(rc.Timezone)
		if err != nil {
			return rates.Rules{}, apperr.Configuration("rates.timezone %q: %v", rc.Timezone, err)
		}
		loc = l
	}
	return rates.Rules{
		SmallThreshold: decimal.NewFromFloat(rc.SmallThreshold),
		NightStartHour: rc.NightStartHour,
		NightEndHour:   rc.NightEndHour,
		Location:       loc,
		Pages: map[rates.Scenario]int{
			rates.SmallDay:   rc.Pages.SmallDay,
			rates.SmallNight: rc.Pages.SmallNight,
			rates.LargeDay:   rc.Pages.LargeDay,
			rates.LargeNight: rc.Pages.LargeNight,
		},
	}, nil
}
