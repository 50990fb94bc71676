package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/p2p-bridge/internal/apperr"
	"github.com/ksred/p2p-bridge/internal/platform"
	"github.com/ksred/p2p-bridge/internal/pool"
	"github.com/ksred/p2p-bridge/internal/rates"
	"github.com/shopspring/decimal"
)

// discover lists payouts on every active Platform A account and creates a
// pending order for each one not seen before.
func (o *Orchestrator) discover(ctx context.Context) {
	accs, err := o.h.sessions.ActiveAccounts(ctx)
	if err != nil {
		o.logger.Error().Err(err).Msg("list active fiat accounts")
		return
	}

	listed := make(map[string]bool)
	complete := true
	for _, acc := range accs {
		if ctx.Err() != nil {
			return
		}
		var txs []platform.Transaction
		err := o.h.sessions.DoAs(ctx, acc.AccountID, func(ctx context.Context, c platform.FiatClient) error {
			var err error
			txs, err = c.ListPendingTransactions(ctx)
			return err
		})
		if err != nil {
			o.logger.Error().Err(err).Str("account_id", acc.AccountID).Msg("list pending transactions")
			complete = false
			continue
		}
		for _, tx := range txs {
			listed[tx.ID] = true
		}
		if n := o.intakeTransactions(ctx, acc.AccountID, txs); n > 0 {
			o.logger.Info().Str("account_id", acc.AccountID).Int("new_orders", n).Msg("transactions discovered")
		}
	}
	if complete {
		o.forgetRejected(listed)
	}
}

// intakeTransactions creates orders for untracked, in-range transactions
// and returns how many were created.
func (o *Orchestrator) intakeTransactions(ctx context.Context, accountAID string, txs []platform.Transaction) int {
	if len(txs) == 0 {
		return 0
	}
	ids := make([]string, 0, len(txs))
	for _, tx := range txs {
		ids = append(ids, tx.ID)
	}
	tracked, err := o.h.pool.Tracked(ctx, ids)
	if err != nil {
		o.logger.Error().Err(err).Msg("look up tracked transactions")
		return 0
	}

	created := 0
	for _, tx := range txs {
		if tracked[tx.ID] {
			continue
		}
		if tx.Status != platform.PayoutStatusAvailable && tx.Status != platform.PayoutStatusInReview {
			continue
		}
		if err := o.checkAmount(tx.FiatAmount); err != nil {
			o.rejectOnce(tx.ID, err)
			continue
		}

		currency := tx.FiatCurrency
		if currency == "" {
			currency = o.h.cfg.Fiat
		}
		_, isNew, err := o.h.pool.CreateOrder(ctx, &pool.TradeOrder{
			ExternalTxID: tx.ID,
			AccountAID:   accountAID,
			Currency:     o.h.cfg.Asset,
			FiatAmount:   tx.FiatAmount,
			FiatCurrency: currency,
		})
		if err != nil {
			o.logger.Error().Err(err).Str("external_tx_id", tx.ID).Msg("failed to create order")
			continue
		}
		if isNew {
			created++
		}
	}
	return created
}

func (o *Orchestrator) checkAmount(amount decimal.Decimal) error {
	cfg := o.h.cfg
	if amount.LessThan(cfg.MinAmount) {
		return apperr.Validation("amount %s below minimum %s", amount, cfg.MinAmount)
	}
	if cfg.MaxAmount.IsPositive() && amount.GreaterThan(cfg.MaxAmount) {
		return apperr.Validation("amount %s above maximum %s", amount, cfg.MaxAmount)
	}
	return nil
}

// rejectOnce logs an out-of-range transaction the first time it is seen.
func (o *Orchestrator) rejectOnce(txID string, err error) {
	o.mu.Lock()
	_, seen := o.rejected[txID]
	o.rejected[txID] = struct{}{}
	o.mu.Unlock()
	if !seen {
		o.logger.Warn().Err(err).Str("external_tx_id", txID).Msg("transaction skipped")
	}
}

// forgetRejected drops skipped transactions that are no longer listed.
func (o *Orchestrator) forgetRejected(listed map[string]bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id := range o.rejected {
		if !listed[id] {
			delete(o.rejected, id)
		}
	}
}

// rejectedCount returns how many skipped transactions are remembered.
func (o *Orchestrator) rejectedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.rejected)
}

// intakePending advances every order in the pending stage. A lack of
// counter capacity leaves the rest for the next tick.
func (o *Orchestrator) intakePending(ctx context.Context) {
	orders, err := o.h.pool.InStage(ctx, pool.StagePending)
	if err != nil {
		o.logger.Error().Err(err).Msg("list pending orders")
		return
	}

	for i := range orders {
		if ctx.Err() != nil {
			return
		}
		so := &orders[i]
		err := o.intake(ctx, so)
		if errors.Is(err, apperr.ErrNoAvailableAccounts) {
			o.logger.Info().Int("waiting", len(orders)-i).Msg("no counter account available, deferring intake")
			return
		}
		if err != nil {
			logger := o.h.orderLogger(&so.Order)
			logger.Error().Err(err).Msg("intake failed")
		}
	}
}

// intake takes one pending order through accept, account reservation,
// pricing and ad creation, then starts its monitor.
func (o *Orchestrator) intake(ctx context.Context, so *pool.StagedOrder) error {
	order := &so.Order
	logger := o.h.orderLogger(order)

	pending, _ := so.Payload.(pool.PendingPayload)
	if !pending.Accepted {
		err := o.h.sessions.DoAs(ctx, order.AccountAID, func(ctx context.Context, c platform.FiatClient) error {
			return c.AcceptTransaction(ctx, order.ExternalTxID)
		})
		if err != nil && !o.h.alreadyApplied(logger, "accept_transaction", err) {
			return fmt.Errorf("accept transaction: %w", err)
		}
		at := o.h.now()
		if _, err := o.h.pool.MoveToPool(ctx, order.OrderID, pool.PendingPayload{Accepted: true, AcceptedAt: &at}); err != nil {
			return fmt.Errorf("record acceptance: %w", err)
		}
	}

	acc, err := o.h.accounts.Reserve(ctx)
	if err != nil {
		return err
	}
	logger = logger.With().Str("account_id", acc.AccountID).Logger()

	ad, quote, err := o.placeAd(ctx, acc.AccountID, order.FiatAmount)
	if err != nil {
		o.h.releaseSlot(ctx, logger, acc.AccountID)
		return err
	}

	payload := pool.ActivePayload{
		AdID:       ad.ID,
		AccountBID: acc.AccountID,
		Rate:       quote.Rate,
		Amount:     ad.Quantity,
		AdStatus:   pool.AdWaitingForBuyer,
	}
	if _, err := o.h.pool.MoveToPool(ctx, order.OrderID, payload); err != nil {
		o.h.deleteAd(ctx, logger, &pool.TradeOrder{AdID: ad.ID, AccountBID: acc.AccountID})
		o.h.releaseSlot(ctx, logger, acc.AccountID)
		return fmt.Errorf("record ad: %w", err)
	}

	logger.Info().
		Str("ad_id", ad.ID).
		Str("rate", quote.Rate.String()).
		Str("scenario", string(quote.Scenario)).
		Str("quantity", ad.Quantity.String()).
		Msg("ad placed")

	o.spawnMonitor(ctx, order.OrderID)
	return nil
}

// placeAd prices fiat and creates a matching sell ad on accountBID.
func (o *Orchestrator) placeAd(ctx context.Context, accountBID string, fiat decimal.Decimal) (*platform.Ad, *rates.Quote, error) {
	quote, err := o.rates.Quote(ctx, fiat)
	if err != nil {
		return nil, nil, fmt.Errorf("quote rate: %w", err)
	}
	if !quote.Rate.IsPositive() {
		return nil, nil, apperr.Validation("rate %s is not positive", quote.Rate)
	}

	client, err := o.h.p2p.get(ctx, accountBID)
	if err != nil {
		return nil, nil, err
	}

	cfg := o.h.cfg
	params := platform.AdParams{
		Asset:          cfg.Asset,
		Fiat:           cfg.Fiat,
		Price:          quote.Rate,
		Quantity:       AdQuantity(fiat, quote.Rate, cfg.AmountBuffer),
		MinAmount:      fiat,
		MaxAmount:      fiat,
		PaymentMethods: cfg.PaymentMethods,
		Remarks:        cfg.Remarks,
	}
	ad, err := client.CreateAd(ctx, params)
	if err != nil {
		return nil, nil, fmt.Errorf("create ad: %w", err)
	}
	if ad.Quantity.IsZero() {
		ad.Quantity = params.Quantity
	}
	return ad, quote, nil
}

// AdQuantity is the asset amount to advertise for fiat at rate, plus the
// configured buffer, rounded up to cents.
func AdQuantity(fiat, rate, buffer decimal.Decimal) decimal.Decimal {
	return fiat.DivRound(rate, 8).Add(buffer).RoundCeil(2)
}

func since(now func() time.Time, t time.Time) time.Duration {
	if t.IsZero() {
		return 0
	}
	return now().Sub(t)
}
