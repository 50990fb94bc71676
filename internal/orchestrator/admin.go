package orchestrator

import (
	"context"
	"fmt"

	"github.com/ksred/p2p-bridge/internal/accounts"
	"github.com/ksred/p2p-bridge/internal/apperr"
	"github.com/ksred/p2p-bridge/internal/pool"
	"github.com/ksred/p2p-bridge/internal/receipt"
)

// SystemStatus is a point-in-time view of the engine.
type SystemStatus struct {
	Running         bool               `json:"running"`
	AutoMode        bool               `json:"auto_mode"`
	Monitors        int                `json:"monitors"`
	Stages          map[pool.Stage]int `json:"stages"`
	Accounts        *accounts.Stats    `json:"accounts"`
	RateLimits      map[string]float64 `json:"rate_limits,omitempty"`
	PendingReceipts int                `json:"pending_receipts"`
}

// GetActiveOrders returns every order not yet completed, cancelled or in
// manual review.
func (o *Orchestrator) GetActiveOrders(ctx context.Context) ([]pool.TradeOrder, error) {
	return o.h.pool.OpenOrders(ctx)
}

// GetOrder returns the order with its open stage, if any.
func (o *Orchestrator) GetOrder(ctx context.Context, orderID string) (*pool.StagedOrder, error) {
	so, _, err := o.h.pool.Current(ctx, orderID)
	return so, err
}

// approvable statuses have a buyer who may have paid.
var approvable = map[pool.Status]bool{
	pool.StatusChatting:        true,
	pool.StatusPaymentReceived: true,
	pool.StatusAppeal:          true,
	pool.StatusManualReview:    true,
}

// ApproveOrder settles an order on an operator's word: the asset is
// released, the payout approved and the order completed.
func (o *Orchestrator) ApproveOrder(ctx context.Context, orderID string) (*pool.TradeOrder, error) {
	release := o.hold(orderID)
	defer release()

	order, err := o.h.pool.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !approvable[order.Status] {
		return nil, fmt.Errorf("%w: cannot approve order %s in status %s", apperr.ErrInvalidTransition, orderID, order.Status)
	}

	done := pool.CompletedPayload{Manual: true}
	sub, taken := o.h.inbox.Take(orderID)
	if taken {
		done.ReceiptPath = sub.Path
		if sub.Receipt != nil {
			done.ReceiptAmount = sub.Receipt.Amount
		}
	}

	o.logger.Info().Str("order_id", orderID).Str("status", string(order.Status)).Msg("operator approved order")
	if err := o.h.complete(ctx, order, order.CounterOrderID, done); err != nil {
		if taken && apperr.IsRetryable(err) {
			if keepErr := o.h.inbox.Submit(orderID, sub); keepErr != nil {
				o.logger.Error().Err(keepErr).Str("order_id", orderID).Msg("receipt lost after settlement failure")
			}
		}
		return nil, err
	}
	return o.h.pool.GetOrder(ctx, orderID)
}

// RejectOrder cancels an order on an operator's word.
func (o *Orchestrator) RejectOrder(ctx context.Context, orderID, reason string) (*pool.TradeOrder, error) {
	release := o.hold(orderID)
	defer release()

	order, err := o.h.pool.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status == pool.StatusCompleted || order.Status == pool.StatusCancelled {
		return nil, fmt.Errorf("%w: order %s is already %s", apperr.ErrInvalidTransition, orderID, order.Status)
	}
	if reason == "" {
		reason = "rejected by operator"
	}

	o.logger.Info().Str("order_id", orderID).Str("reason", reason).Msg("operator rejected order")
	o.h.inbox.Take(orderID)
	if err := o.h.cancel(ctx, order, reason); err != nil {
		return nil, err
	}
	return o.h.pool.GetOrder(ctx, orderID)
}

// SubmitReceipt hands a receipt to the order's verification step.
func (o *Orchestrator) SubmitReceipt(ctx context.Context, orderID string, sub receipt.Submission) error {
	order, err := o.h.pool.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status == pool.StatusCompleted || order.Status == pool.StatusCancelled {
		return fmt.Errorf("%w: order %s is already %s", apperr.ErrInvalidTransition, orderID, order.Status)
	}
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = o.h.now()
	}
	if err := o.h.inbox.Submit(orderID, sub); err != nil {
		return err
	}
	o.logger.Info().Str("order_id", orderID).Str("path", sub.Path).Msg("receipt submitted")
	return nil
}

// SetAutoMode switches automatic completion of verified orders.
func (o *Orchestrator) SetAutoMode(enabled bool) {
	prev := o.h.auto.Swap(enabled)
	if prev != enabled {
		o.logger.Info().Bool("auto_mode", enabled).Msg("auto mode changed")
	}
}

func (o *Orchestrator) AutoMode() bool {
	return o.h.auto.Load()
}

func (o *Orchestrator) SystemStatus(ctx context.Context) (*SystemStatus, error) {
	stages, err := o.h.pool.Counts(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := o.h.accounts.Stats(ctx)
	if err != nil {
		return nil, err
	}

	status := &SystemStatus{
		Running:         o.running.Load(),
		AutoMode:        o.h.auto.Load(),
		Monitors:        o.monitorCount(),
		Stages:          stages,
		Accounts:        stats,
		PendingReceipts: o.h.inbox.Len(),
	}
	if o.limiter != nil {
		status.RateLimits = o.limiter.Snapshot()
	}
	return status, nil
}

// hold stops the order's monitor and keeps supervision from starting a
// new one until the returned func is called.
func (o *Orchestrator) hold(orderID string) func() {
	o.mu.Lock()
	o.held[orderID]++
	o.mu.Unlock()

	o.stopMonitor(orderID)

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.held[orderID]--; o.held[orderID] <= 0 {
			delete(o.held, orderID)
		}
	}
}
