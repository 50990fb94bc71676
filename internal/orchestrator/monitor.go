package orchestrator

import (
	"context"
	"fmt"

	"github.com/ksred/p2p-bridge/internal/platform"
	"github.com/ksred/p2p-bridge/internal/pool"
	"github.com/rs/zerolog"
)

// monitor follows one order through active, chat and verification until
// it leaves those stages or ctx is done.
func (h Handle) monitor(ctx context.Context, orderID string) {
	logger := h.logger.With().Str("order_id", orderID).Logger()
	logger.Debug().Msg("monitor started")
	defer logger.Debug().Msg("monitor stopped")

	for ctx.Err() == nil {
		so, open, err := h.pool.Current(ctx, orderID)
		if err != nil {
			logger.Error().Err(err).Msg("load order")
			if !sleep(ctx, h.cfg.OrderPollInterval) {
				return
			}
			continue
		}
		if !open {
			return
		}

		var (
			moved bool
			wait  = h.cfg.OrderPollInterval
		)
		switch p := so.Payload.(type) {
		case pool.ActivePayload:
			wait = h.cfg.AdPollInterval
			moved, err = h.watchAd(ctx, &so.Order, p)
		case pool.ChatPayload:
			moved, err = h.watchChat(ctx, &so.Order, p)
		case pool.VerificationPayload:
			moved, err = h.verify(ctx, &so.Order, p)
		default:
			return
		}
		if err != nil && ctx.Err() == nil {
			logger := h.orderLogger(&so.Order)
			logger.Error().Err(err).Str("stage", string(so.Stage)).Msg("monitor step failed")
		}
		if moved {
			continue
		}
		if !sleep(ctx, wait) {
			return
		}
	}
}

// watchAd looks for a buyer's counter-order on the order's ad.
func (h Handle) watchAd(ctx context.Context, order *pool.TradeOrder, p pool.ActivePayload) (bool, error) {
	client, err := h.p2p.get(ctx, p.AccountBID)
	if err != nil {
		return false, err
	}
	orders, err := client.ListActiveOrders(ctx)
	if err != nil {
		return false, fmt.Errorf("list counter orders: %w", err)
	}

	for _, co := range orders {
		if co.AdID != p.AdID {
			continue
		}
		if _, err := h.pool.MoveToPool(ctx, order.OrderID, pool.ChatPayload{
			CounterOrderID: co.ID,
			BuyerID:        co.BuyerID,
		}); err != nil {
			return false, err
		}
		logger := h.orderLogger(order)
		logger.Info().
			Str("counter_order_id", co.ID).
			Str("buyer_id", co.BuyerID).
			Msg("buyer found")
		return true, nil
	}
	return false, nil
}

// watchChat greets the buyer once, then follows the counter-order status.
func (h Handle) watchChat(ctx context.Context, order *pool.TradeOrder, p pool.ChatPayload) (bool, error) {
	logger := h.orderLogger(order).With().Str("counter_order_id", p.CounterOrderID).Logger()
	client, err := h.p2p.get(ctx, order.AccountBID)
	if err != nil {
		return false, err
	}

	if !p.GreetingSent && h.cfg.InitialMessage != "" {
		if err := client.SendMessage(ctx, p.CounterOrderID, h.cfg.InitialMessage); err != nil {
			logger.Warn().Err(err).Msg("greeting not sent")
		} else {
			p.GreetingSent = true
			if _, err := h.pool.MoveToPool(ctx, order.OrderID, p); err != nil {
				return false, err
			}
			return true, nil
		}
	}

	co, err := client.GetOrder(ctx, p.CounterOrderID)
	if err != nil {
		return false, fmt.Errorf("get counter order: %w", err)
	}

	switch co.Status {
	case platform.CounterOrderPaid:
		if h.cfg.ReceiptMessage != "" {
			if err := client.SendMessage(ctx, p.CounterOrderID, h.cfg.ReceiptMessage); err != nil {
				logger.Warn().Err(err).Msg("receipt request not sent")
			}
		}
		if _, err := h.pool.MoveToPool(ctx, order.OrderID, pool.VerificationPayload{
			CounterOrderID:  p.CounterOrderID,
			AwaitingReceipt: true,
			PaidAt:          h.now(),
		}); err != nil {
			return false, err
		}
		logger.Info().Msg("buyer marked paid, awaiting receipt")
		return true, nil
	case platform.CounterOrderCancelled, platform.CounterOrderAppeal, platform.CounterOrderReleased:
		return h.counterOrderEnded(ctx, logger, order, co.Status)
	}
	return false, nil
}

// counterOrderEnded handles a counter-order that left the normal flow.
func (h Handle) counterOrderEnded(ctx context.Context, logger zerolog.Logger, order *pool.TradeOrder, status platform.CounterOrderStatus) (bool, error) {
	switch status {
	case platform.CounterOrderCancelled:
		logger.Info().Msg("buyer cancelled")
		return true, h.cancel(ctx, order, "buyer cancelled the counter order")
	case platform.CounterOrderAppeal:
		if _, err := h.pool.MoveToPool(ctx, order.OrderID, pool.AppealPayload{Reason: "buyer opened an appeal"}); err != nil {
			return false, err
		}
		logger.Warn().Msg("counter order under appeal")
		return true, nil
	case platform.CounterOrderReleased:
		return true, h.escalate(ctx, order, "counter order released outside the engine")
	}
	return false, nil
}

// cancel ends the order: the ad is removed, the payout is returned on
// Platform A and the slot is freed.
func (h Handle) cancel(ctx context.Context, order *pool.TradeOrder, reason string) error {
	logger := h.orderLogger(order)
	h.deleteAd(ctx, logger, order)

	err := h.sessions.DoAs(ctx, order.AccountAID, func(ctx context.Context, c platform.FiatClient) error {
		return c.CancelTransaction(ctx, order.ExternalTxID)
	})
	if err != nil && !h.alreadyApplied(logger, "cancel_transaction", err) {
		logger.Warn().Err(err).Msg("payout not cancelled on fiat platform")
	}

	if _, err := h.pool.MoveToPool(ctx, order.OrderID, pool.CancelledPayload{Reason: reason}); err != nil {
		return err
	}
	h.releaseSlot(ctx, logger, order.AccountBID)
	return nil
}

// escalate parks the order for an operator. Orders already there are
// left as they are.
func (h Handle) escalate(ctx context.Context, order *pool.TradeOrder, reason string) error {
	logger := h.orderLogger(order)
	if order.Status == pool.StatusManualReview {
		logger.Warn().Str("reason", reason).Msg("order already in manual review")
		return nil
	}
	if _, err := h.pool.MoveToPool(ctx, order.OrderID, pool.ManualReviewPayload{Reason: reason}); err != nil {
		return err
	}
	logger.Warn().Str("reason", reason).Msg("order needs manual review")
	return nil
}

func (h Handle) receiptOverdue(p pool.VerificationPayload) bool {
	return h.cfg.ReceiptTimeout > 0 && since(h.now, p.PaidAt) > h.cfg.ReceiptTimeout
}
