package pool

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CreateOrderIfAbsent inserts order and its first pending entry unless an
// order with the same external transaction id exists, in which case the
// existing order is returned with created=false.
func (d *Database) CreateOrderIfAbsent(ctx context.Context, order *TradeOrder, entry *PoolEntry) (*TradeOrder, bool, error) {
	tx := d.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return nil, false, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	var existing TradeOrder
	err := tx.Where("external_tx_id = ?", order.ExternalTxID).First(&existing).Error
	if err == nil {
		tx.Rollback()
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		tx.Rollback()
		return nil, false, err
	}

	if err := tx.Create(order).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost the race to a concurrent insert of the same transaction.
			found, ferr := d.GetOrderByExternalTxID(ctx, order.ExternalTxID)
			if ferr != nil {
				return nil, false, ferr
			}
			return found, false, nil
		}
		return nil, false, err
	}

	if err := tx.Create(entry).Error; err != nil {
		tx.Rollback()
		return nil, false, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, false, err
	}
	return order, true, nil
}

func (d *Database) GetOrder(ctx context.Context, orderID string) (*TradeOrder, error) {
	var order TradeOrder
	if err := d.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrderByExternalTxID(ctx context.Context, externalTxID string) (*TradeOrder, error) {
	var order TradeOrder
	if err := d.db.WithContext(ctx).Where("external_tx_id = ?", externalTxID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// TrackedExternalIDs returns which of ids already have a TradeOrder.
func (d *Database) TrackedExternalIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	tracked := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return tracked, nil
	}
	var found []string
	if err := d.db.WithContext(ctx).Model(&TradeOrder{}).
		Where("external_tx_id IN ?", ids).
		Pluck("external_tx_id", &found).Error; err != nil {
		return nil, err
	}
	for _, id := range found {
		tracked[id] = true
	}
	return tracked, nil
}

func (d *Database) ListOrdersExcluding(ctx context.Context, statuses []Status) ([]TradeOrder, error) {
	var orders []TradeOrder
	if err := d.db.WithContext(ctx).
		Where("status NOT IN ?", statuses).
		Order("created_at ASC").
		Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (d *Database) ListOrders(ctx context.Context, status Status, limit int) ([]TradeOrder, error) {
	q := d.db.WithContext(ctx).Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var orders []TradeOrder
	if err := q.Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (d *Database) UnresolvedEntry(ctx context.Context, orderID string) (*PoolEntry, error) {
	var entry PoolEntry
	err := d.db.WithContext(ctx).
		Where("order_id = ? AND resolved_at IS NULL", orderID).
		Order("id DESC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (d *Database) UnresolvedEntries(ctx context.Context, stage Stage) ([]PoolEntry, error) {
	var entries []PoolEntry
	if err := d.db.WithContext(ctx).
		Where("stage = ? AND resolved_at IS NULL", stage).
		Order("id ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (d *Database) CountEntries(ctx context.Context, orderID string) (int64, error) {
	var n int64
	err := d.db.WithContext(ctx).Model(&PoolEntry{}).Where("order_id = ?", orderID).Count(&n).Error
	return n, err
}

type stageCount struct {
	Stage Stage
	N     int
}

// CountByStage counts unresolved entries per stage.
func (d *Database) CountByStage(ctx context.Context) (map[Stage]int, error) {
	var rows []stageCount
	if err := d.db.WithContext(ctx).Model(&PoolEntry{}).
		Select("stage, COUNT(*) AS n").
		Where("resolved_at IS NULL").
		Group("stage").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := make(map[Stage]int, len(Stages))
	for _, s := range Stages {
		counts[s] = 0
	}
	for _, r := range rows {
		counts[r.Stage] = r.N
	}
	return counts, nil
}

// Transition resolves the order's open entry, inserts next and applies
// updates to the order row, all in one transaction. It returns the order
// as it was before the change.
func (d *Database) Transition(ctx context.Context, orderID string, next *PoolEntry, updates map[string]interface{}, check func(*TradeOrder) error) (*TradeOrder, error) {
	var before TradeOrder
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("order_id = ?", orderID).First(&before).Error; err != nil {
			return err
		}
		if err := check(&before); err != nil {
			return err
		}

		if err := tx.Model(&PoolEntry{}).
			Where("order_id = ? AND resolved_at IS NULL", orderID).
			Update("resolved_at", next.CreatedAt).Error; err != nil {
			return err
		}
		if err := tx.Create(next).Error; err != nil {
			return err
		}
		return tx.Model(&TradeOrder{}).
			Where("order_id = ?", orderID).
			Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}
	return &before, nil
}

// InsertEntryIfMissing adds entry unless the order already has an
// unresolved one. It reports whether it inserted.
func (d *Database) InsertEntryIfMissing(ctx context.Context, entry *PoolEntry) (bool, error) {
	inserted := false
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&PoolEntry{}).
			Where("order_id = ? AND resolved_at IS NULL", entry.OrderID).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		if err := tx.Create(entry).Error; err != nil {
			return err
		}
		inserted = true
		return nil
	})
	return inserted, err
}

func (d *Database) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := d.db.WithContext(ctx).Unscoped().
		Where("resolved_at IS NOT NULL AND resolved_at < ?", cutoff).
		Delete(&PoolEntry{})
	return result.RowsAffected, result.Error
}

func newEntry(orderID string, payload Payload, env Envelope, at time.Time) *PoolEntry {
	entry := &PoolEntry{
		EntryID:   uuid.New().String(),
		OrderID:   orderID,
		Stage:     payload.Stage(),
		Payload:   env,
		CreatedAt: at,
	}
	if payload.Status().Terminal() {
		resolved := at
		entry.ResolvedAt = &resolved
	}
	return entry
}
