package migrations

import (
	"github.com/ksred/p2p-bridge/internal/pool"
	"gorm.io/gorm"
)

// CreateOrderPool creates the trade order and pool entry tables and the
// indexes the orchestrator and restore path query on.
func CreateOrderPool(db *gorm.DB) error {
	if err := db.AutoMigrate(&pool.TradeOrder{}, &pool.PoolEntry{}); err != nil {
		return err
	}

	indexes := []string{
		// Open entry lookup per order
		`CREATE INDEX IF NOT EXISTS idx_pool_entries_order_open
		 ON pool_entries(order_id, resolved_at)`,

		// Stage scans by the orchestrator
		`CREATE INDEX IF NOT EXISTS idx_pool_entries_stage_open
		 ON pool_entries(stage, resolved_at)`,

		// Restore and admin listing
		`CREATE INDEX IF NOT EXISTS idx_trade_orders_status_created
		 ON trade_orders(status, created_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
