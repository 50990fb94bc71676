package orchestrator

import (
	"context"
	"fmt"

	"github.com/ksred/p2p-bridge/internal/apperr"
	"github.com/ksred/p2p-bridge/internal/platform"
	"github.com/ksred/p2p-bridge/internal/pool"
	"github.com/ksred/p2p-bridge/internal/receipt"
)

// verify checks the counter-order is still paid and settles the order once
// a valid receipt arrives. Without a receipt past the deadline, or with an
// invalid one, the order goes to manual review.
func (h Handle) verify(ctx context.Context, order *pool.TradeOrder, p pool.VerificationPayload) (bool, error) {
	logger := h.orderLogger(order).With().Str("counter_order_id", p.CounterOrderID).Logger()

	client, err := h.p2p.get(ctx, order.AccountBID)
	if err != nil {
		return false, err
	}
	co, err := client.GetOrder(ctx, p.CounterOrderID)
	if err != nil {
		return false, fmt.Errorf("get counter order: %w", err)
	}
	switch co.Status {
	case platform.CounterOrderCancelled, platform.CounterOrderAppeal:
		return h.counterOrderEnded(ctx, logger, order, co.Status)
	case platform.CounterOrderReleased:
		// a kept receipt means an earlier settlement released it and
		// failed afterwards
		if !h.inbox.Has(order.OrderID) {
			return h.counterOrderEnded(ctx, logger, order, co.Status)
		}
	}

	sub, ok := h.inbox.Take(order.OrderID)
	if !ok {
		if h.receiptOverdue(p) {
			return true, h.escalate(ctx, order, fmt.Sprintf("no receipt within %s", h.cfg.ReceiptTimeout))
		}
		return false, nil
	}

	r, err := receipt.Resolve(ctx, h.parser, sub)
	if err != nil {
		return true, h.escalate(ctx, order, fmt.Sprintf("receipt unreadable: %v", err))
	}
	if err := h.validator.Validate(r, order.FiatAmount); err != nil {
		logger.Warn().Err(err).Str("receipt_amount", r.Amount.String()).Msg("receipt rejected")
		return true, h.escalate(ctx, order, fmt.Sprintf("receipt rejected: %v", err))
	}

	if !h.auto.Load() {
		// keep the receipt for the operator's approval
		if err := h.inbox.Submit(order.OrderID, receipt.Submission{Receipt: r, Path: sub.Path, SubmittedAt: sub.SubmittedAt}); err != nil {
			logger.Warn().Err(err).Msg("receipt not kept for operator")
		}
		return true, h.escalate(ctx, order, "receipt valid, auto mode off")
	}

	logger.Info().Str("receipt_amount", r.Amount.String()).Msg("receipt accepted")
	err = h.complete(ctx, order, p.CounterOrderID, pool.CompletedPayload{
		ReceiptAmount: r.Amount,
		ReceiptPath:   sub.Path,
	})
	if apperr.IsRetryable(err) {
		// settle again on the next pass with the same receipt
		if keepErr := h.inbox.Submit(order.OrderID, receipt.Submission{Receipt: r, Path: sub.Path, SubmittedAt: sub.SubmittedAt}); keepErr != nil {
			logger.Error().Err(keepErr).Msg("receipt lost after settlement failure")
		}
		return false, err
	}
	return true, err
}

// complete releases the asset on Platform B, approves the payout on
// Platform A and records the order as completed. Retryable failures are
// returned as is and leave the order where it is; any other failure on
// either platform sends the order to manual review.
func (h Handle) complete(ctx context.Context, order *pool.TradeOrder, counterOrderID string, done pool.CompletedPayload) error {
	logger := h.orderLogger(order)

	if counterOrderID != "" {
		client, err := h.p2p.get(ctx, order.AccountBID)
		if err != nil {
			return err
		}
		if err := client.ReleaseOrder(ctx, counterOrderID); err != nil && !h.alreadyApplied(logger, "release_order", err) {
			if apperr.IsRetryable(err) {
				logger.Warn().Err(err).Msg("release failed, will retry")
				return fmt.Errorf("release counter order: %w", err)
			}
			if escErr := h.escalate(ctx, order, fmt.Sprintf("release failed: %v", err)); escErr != nil {
				logger.Error().Err(escErr).Msg("failed to escalate order")
			}
			return fmt.Errorf("release counter order: %w", err)
		}
	}

	err := h.sessions.DoAs(ctx, order.AccountAID, func(ctx context.Context, c platform.FiatClient) error {
		return c.ApproveTransaction(ctx, order.ExternalTxID, done.ReceiptPath)
	})
	if err != nil && !h.alreadyApplied(logger, "approve_transaction", err) {
		if apperr.IsRetryable(err) {
			logger.Warn().Err(err).Msg("approve failed, will retry")
			return fmt.Errorf("approve transaction: %w", err)
		}
		if escErr := h.escalate(ctx, order, fmt.Sprintf("approve failed: %v", err)); escErr != nil {
			logger.Error().Err(escErr).Msg("failed to escalate order")
		}
		return fmt.Errorf("approve transaction: %w", err)
	}

	if _, err := h.pool.MoveToPool(ctx, order.OrderID, done); err != nil {
		return err
	}
	h.releaseSlot(ctx, logger, order.AccountBID)
	h.deleteAd(ctx, logger, order)

	logger.Info().
		Str("fiat_amount", order.FiatAmount.String()).
		Bool("manual", done.Manual).
		Msg("order completed")
	return nil
}
