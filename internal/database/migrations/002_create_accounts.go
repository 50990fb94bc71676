package migrations

import (
	"github.com/ksred/p2p-bridge/internal/accounts"
	"gorm.io/gorm"
)

// CreateAccounts creates both account tables and the selection index.
func CreateAccounts(db *gorm.DB) error {
	if err := db.AutoMigrate(&accounts.AccountA{}, &accounts.AccountB{}); err != nil {
		return err
	}

	// Matches the ORDER BY of the counter-account selection query
	return db.Exec(`CREATE INDEX IF NOT EXISTS idx_account_b_selection
		ON account_b(status, active_ads_count, last_used)`).Error
}
