package accounts

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/p2p-bridge/internal/apperr"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateAccountA(ctx context.Context, acc *AccountA) error {
	return d.db.WithContext(ctx).Create(acc).Error
}

func (d *Database) GetAccountA(ctx context.Context, accountID string) (*AccountA, error) {
	var acc AccountA
	if err := d.db.WithContext(ctx).Where("account_id = ?", accountID).First(&acc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &acc, nil
}

func (d *Database) GetAccountAByLogin(ctx context.Context, login string) (*AccountA, error) {
	var acc AccountA
	if err := d.db.WithContext(ctx).Where("login = ?", login).First(&acc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &acc, nil
}

func (d *Database) ListAccountsA(ctx context.Context) ([]AccountA, error) {
	var accs []AccountA
	if err := d.db.WithContext(ctx).Order("id ASC").Find(&accs).Error; err != nil {
		return nil, err
	}
	return accs, nil
}

func (d *Database) updateAccountA(ctx context.Context, accountID string, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	result := d.db.WithContext(ctx).Model(&AccountA{}).
		Where("account_id = ?", accountID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// SaveSession stores a fresh session and marks the account active.
func (d *Database) SaveSession(ctx context.Context, accountID, blob string) error {
	now := time.Now()
	return d.updateAccountA(ctx, accountID, map[string]interface{}{
		"session_blob": blob,
		"status":       AccountAActive,
		"last_auth_at": &now,
		"last_error":   "",
	})
}

func (d *Database) UpdateAccountAStatus(ctx context.Context, accountID string, status AccountAStatus, lastError string) error {
	return d.updateAccountA(ctx, accountID, map[string]interface{}{
		"status":     status,
		"last_error": lastError,
	})
}

func (d *Database) UpdateBalance(ctx context.Context, accountID string, balance decimal.Decimal) error {
	return d.updateAccountA(ctx, accountID, map[string]interface{}{
		"balance": balance,
	})
}

func (d *Database) CreateAccountB(ctx context.Context, acc *AccountB) error {
	return d.db.WithContext(ctx).Create(acc).Error
}

func (d *Database) GetAccountB(ctx context.Context, accountID string) (*AccountB, error) {
	var acc AccountB
	if err := d.db.WithContext(ctx).Where("account_id = ?", accountID).First(&acc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &acc, nil
}

func (d *Database) GetAccountBByName(ctx context.Context, name string) (*AccountB, error) {
	var acc AccountB
	if err := d.db.WithContext(ctx).Where("name = ?", name).First(&acc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &acc, nil
}

func (d *Database) ListAccountsB(ctx context.Context) ([]AccountB, error) {
	var accs []AccountB
	if err := d.db.WithContext(ctx).Order("id ASC").Find(&accs).Error; err != nil {
		return nil, err
	}
	return accs, nil
}

// FirstAvailableB returns the available, under-capacity account with the
// fewest ads, least recently used first, never-used before used.
func (d *Database) FirstAvailableB(ctx context.Context) (*AccountB, error) {
	var acc AccountB
	err := d.db.WithContext(ctx).
		Where("status = ? AND active_ads_count < max_ads_per_account", AccountBAvailable).
		Order("active_ads_count ASC").
		Order("last_used IS NOT NULL").
		Order("last_used ASC").
		Order("id ASC").
		First(&acc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &acc, nil
}

// errStaleCount signals that another writer changed the count first.
var errStaleCount = errors.New("ad count changed concurrently")

// SetAdsCount moves an account's ad count from expected to next in a
// transaction, recomputing status. It fails with errStaleCount when the
// stored count no longer equals expected.
func (d *Database) SetAdsCount(ctx context.Context, accountID string, expected, next int, touch bool) (*AccountB, error) {
	tx := d.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	var acc AccountB
	if err := tx.Where("account_id = ?", accountID).First(&acc).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}

	if next > acc.MaxAdsPerAccount {
		tx.Rollback()
		return nil, apperr.ErrAtCapacity
	}
	if next < 0 {
		next = 0
	}

	status := acc.Status
	if status != AccountBSuspended {
		status = StatusFor(next, acc.MaxAdsPerAccount)
	}

	now := time.Now()
	updates := map[string]interface{}{
		"active_ads_count": next,
		"status":           status,
		"updated_at":       now,
	}
	if touch {
		updates["last_used"] = &now
	}

	result := tx.Model(&AccountB{}).
		Where("account_id = ? AND active_ads_count = ?", accountID, expected).
		Updates(updates)
	if result.Error != nil {
		tx.Rollback()
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return nil, errStaleCount
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	acc.ActiveAdsCount = next
	acc.Status = status
	acc.UpdatedAt = now
	if touch {
		acc.LastUsed = &now
	}
	return &acc, nil
}

func (d *Database) UpdateAccountBStatus(ctx context.Context, accountID string, status AccountBStatus) error {
	result := d.db.WithContext(ctx).Model(&AccountB{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (d *Database) UpdateAccountBCredentials(ctx context.Context, accountID, apiKey, apiSecret string, maxAds int) error {
	return d.db.WithContext(ctx).Model(&AccountB{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"api_key":             apiKey,
			"api_secret":          apiSecret,
			"max_ads_per_account": maxAds,
			"updated_at":          time.Now(),
		}).Error
}

func (d *Database) UpdateCredentialRef(ctx context.Context, accountID, ref string) error {
	return d.updateAccountA(ctx, accountID, map[string]interface{}{
		"credential_ref": ref,
	})
}
