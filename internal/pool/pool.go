package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/p2p-bridge/internal/apperr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Listener observes committed stage transitions. Implementations must not
// block for long; they run on the caller's goroutine.
type Listener interface {
	OnTransition(ctx context.Context, t Transition)
}

// Pool is the persisted order state machine.
type Pool struct {
	db     *Database
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	listeners []Listener
}

func New(db *gorm.DB) *Pool {
	return &Pool{
		db:     NewDatabase(db),
		logger: log.With().Str("component", "pool").Logger(),
		now:    time.Now,
	}
}

// AddListener registers l for every later transition.
func (p *Pool) AddListener(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// CreateOrder persists a newly discovered order in the pending stage.
// When the external transaction is already tracked the stored order is
// returned and created is false.
func (p *Pool) CreateOrder(ctx context.Context, order *TradeOrder) (*TradeOrder, bool, error) {
	if order.ExternalTxID == "" {
		return nil, false, apperr.Validation("external_tx_id is required")
	}
	if order.OrderID == "" {
		order.OrderID = "ord_" + uuid.New().String()
	}

	payload := PendingPayload{}
	env, err := Wrap(payload)
	if err != nil {
		return nil, false, err
	}
	now := p.now()
	order.Status = payload.Status()
	order.Metadata = env
	order.CreatedAt = now
	order.UpdatedAt = now

	stored, created, err := p.db.CreateOrderIfAbsent(ctx, order, newEntry(order.OrderID, payload, env, now))
	if err != nil {
		return nil, false, fmt.Errorf("create order for %s: %w", order.ExternalTxID, err)
	}
	if created {
		p.logger.Info().
			Str("order_id", stored.OrderID).
			Str("external_tx_id", stored.ExternalTxID).
			Str("fiat_amount", stored.FiatAmount.String()).
			Msg("order created")
		p.notify(ctx, Transition{Order: *stored, To: stored.Status, Stage: StagePending, Payload: payload, At: now})
	}
	return stored, created, nil
}

// MoveToPool moves an order into the stage named by payload and sets its
// status to match. It is the only path that changes TradeOrder.Status.
func (p *Pool) MoveToPool(ctx context.Context, orderID string, payload Payload) (*TradeOrder, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	env, err := Wrap(payload)
	if err != nil {
		return nil, err
	}

	now := p.now()
	updates := map[string]interface{}{
		"status":     payload.Status(),
		"metadata":   env,
		"updated_at": now,
	}
	switch v := payload.(type) {
	case ActivePayload:
		updates["ad_id"] = v.AdID
		if v.AccountBID != "" {
			updates["account_b_id"] = v.AccountBID
			updates["rate"] = v.Rate
			updates["amount"] = v.Amount
		}
	case ChatPayload:
		updates["counter_order_id"] = v.CounterOrderID
	case VerificationPayload:
		updates["counter_order_id"] = v.CounterOrderID
	case CompletedPayload:
		updates["completed_at"] = &now
	}

	before, err := p.db.Transition(ctx, orderID, newEntry(orderID, payload, env, now), updates, func(o *TradeOrder) error {
		return checkTransition(o, payload.Status())
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("order %s: %w", orderID, apperr.ErrNotFound)
		}
		return nil, err
	}

	after, err := p.db.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	p.logger.Info().
		Str("order_id", orderID).
		Str("from", string(before.Status)).
		Str("to", string(after.Status)).
		Str("stage", string(payload.Stage())).
		Msg("order moved")

	p.notify(ctx, Transition{
		Order:   *after,
		From:    before.Status,
		To:      after.Status,
		Stage:   payload.Stage(),
		Payload: payload,
		At:      now,
	})
	return after, nil
}

// checkTransition rejects moves out of a terminal status, except that an
// operator may settle an order in manual review.
func checkTransition(o *TradeOrder, to Status) error {
	if !o.Status.Terminal() {
		return nil
	}
	if o.Status == StatusManualReview && (to == StatusCompleted || to == StatusCancelled) {
		return nil
	}
	return fmt.Errorf("%w: order %s is %s", apperr.ErrInvalidTransition, o.OrderID, o.Status)
}

func (p *Pool) notify(ctx context.Context, t Transition) {
	p.mu.RLock()
	listeners := make([]Listener, len(p.listeners))
	copy(listeners, p.listeners)
	p.mu.RUnlock()

	for _, l := range listeners {
		l.OnTransition(ctx, t)
	}
}

// RestoreState rebuilds pool membership from order statuses after a
// restart. Orders that already have an open entry are left alone, so
// running it twice is harmless. It returns how many entries were added.
func (p *Pool) RestoreState(ctx context.Context) (int, error) {
	orders, err := p.db.ListOrdersExcluding(ctx, TerminalStatuses)
	if err != nil {
		return 0, fmt.Errorf("list open orders: %w", err)
	}

	restored := 0
	for i := range orders {
		order := &orders[i]
		stage, ok := StageForStatus(order.Status)
		if !ok {
			p.logger.Warn().Str("order_id", order.OrderID).Str("status", string(order.Status)).Msg("unknown status, not restored")
			continue
		}

		payload := restorePayload(order, stage)
		env, err := Wrap(payload)
		if err != nil {
			return restored, err
		}
		inserted, err := p.db.InsertEntryIfMissing(ctx, newEntry(order.OrderID, payload, env, p.now()))
		if err != nil {
			return restored, fmt.Errorf("restore %s: %w", order.OrderID, err)
		}
		if inserted {
			restored++
			p.logger.Info().
				Str("order_id", order.OrderID).
				Str("status", string(order.Status)).
				Str("stage", string(stage)).
				Msg("pool entry restored")
		}
	}

	p.logger.Info().Int("open_orders", len(orders)).Int("restored", restored).Msg("pool state restored")
	return restored, nil
}

// restorePayload prefers the payload stored on the order when it belongs
// to stage, otherwise rebuilds one from the order's columns.
func restorePayload(order *TradeOrder, stage Stage) Payload {
	if order.Metadata.Kind == stage {
		if pl, err := order.Metadata.Decode(); err == nil {
			return pl
		}
	}

	switch stage {
	case StagePending:
		return PendingPayload{Accepted: order.Status == StatusAccepted}
	case StageActive:
		return ActivePayload{
			AdID:       order.AdID,
			AccountBID: order.AccountBID,
			Rate:       order.Rate,
			Amount:     order.Amount,
			AdStatus:   AdWaitingForBuyer,
		}
	case StageChat:
		return ChatPayload{CounterOrderID: order.CounterOrderID}
	case StageVerification:
		return VerificationPayload{CounterOrderID: order.CounterOrderID, AwaitingReceipt: true, PaidAt: order.UpdatedAt}
	case StageAppeal:
		return AppealPayload{Reason: "restored"}
	}
	return ManualReviewPayload{Reason: "restored"}
}

// Cleanup deletes resolved entries older than daysToKeep days. Orders are
// never touched.
func (p *Pool) Cleanup(ctx context.Context, daysToKeep int) (int64, error) {
	if daysToKeep < 0 {
		return 0, apperr.Validation("days to keep must not be negative")
	}
	cutoff := p.now().AddDate(0, 0, -daysToKeep)
	n, err := p.db.DeleteResolvedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup pool entries: %w", err)
	}
	p.logger.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("pool cleanup finished")
	return n, nil
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (p *Pool) RunCleanup(ctx context.Context, interval time.Duration, daysToKeep int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Cleanup(ctx, daysToKeep); err != nil {
				p.logger.Error().Err(err).Msg("pool cleanup failed")
			}
		}
	}
}

func (p *Pool) GetOrder(ctx context.Context, orderID string) (*TradeOrder, error) {
	order, err := p.db.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("order %s: %w", orderID, apperr.ErrNotFound)
	}
	return order, nil
}

func (p *Pool) GetByExternalTxID(ctx context.Context, externalTxID string) (*TradeOrder, error) {
	return p.db.GetOrderByExternalTxID(ctx, externalTxID)
}

// Tracked returns the subset of externalTxIDs that already have an order.
func (p *Pool) Tracked(ctx context.Context, externalTxIDs []string) (map[string]bool, error) {
	return p.db.TrackedExternalIDs(ctx, externalTxIDs)
}

// Current returns the order's open stage and payload. Orders in a terminal
// status have none and report found=false.
func (p *Pool) Current(ctx context.Context, orderID string) (*StagedOrder, bool, error) {
	order, err := p.GetOrder(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	entry, err := p.db.UnresolvedEntry(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	if entry == nil {
		return &StagedOrder{Order: *order}, false, nil
	}
	payload, err := entry.Payload.Decode()
	if err != nil {
		return nil, false, fmt.Errorf("order %s: %w", orderID, err)
	}
	return &StagedOrder{Order: *order, Stage: entry.Stage, Payload: payload}, true, nil
}

// InStage returns every order with an open entry in stage.
func (p *Pool) InStage(ctx context.Context, stage Stage) ([]StagedOrder, error) {
	entries, err := p.db.UnresolvedEntries(ctx, stage)
	if err != nil {
		return nil, err
	}

	out := make([]StagedOrder, 0, len(entries))
	for _, e := range entries {
		order, err := p.db.GetOrder(ctx, e.OrderID)
		if err != nil {
			return nil, err
		}
		if order == nil {
			p.logger.Warn().Str("order_id", e.OrderID).Str("entry_id", e.EntryID).Msg("entry without order")
			continue
		}
		payload, err := e.Payload.Decode()
		if err != nil {
			p.logger.Warn().Err(err).Str("order_id", e.OrderID).Msg("undecodable payload")
			continue
		}
		out = append(out, StagedOrder{Order: *order, Stage: e.Stage, Payload: payload})
	}
	return out, nil
}

// OpenOrders returns every order not in a terminal status.
func (p *Pool) OpenOrders(ctx context.Context) ([]TradeOrder, error) {
	return p.db.ListOrdersExcluding(ctx, TerminalStatuses)
}

// ListOrders returns the newest orders, optionally filtered by status.
func (p *Pool) ListOrders(ctx context.Context, status Status, limit int) ([]TradeOrder, error) {
	return p.db.ListOrders(ctx, status, limit)
}

// Counts reports the number of open entries in each stage.
func (p *Pool) Counts(ctx context.Context) (map[Stage]int, error) {
	return p.db.CountByStage(ctx)
}
