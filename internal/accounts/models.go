package accounts

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AccountAStatus is the session state of a Platform A account.
type AccountAStatus string

const (
	AccountAInactive     AccountAStatus = "inactive"
	AccountAActive       AccountAStatus = "active"
	AccountAAuthRequired AccountAStatus = "auth_required"
	AccountASuspended    AccountAStatus = "suspended"
)

// AccountA is a Platform A login whose session the service manages.
type AccountA struct {
	gorm.Model    `json:"-"`
	AccountID     string          `gorm:"uniqueIndex" json:"account_id"`
	Login         string          `gorm:"uniqueIndex" json:"login"`
	CredentialRef string          `json:"-"`
	SessionBlob   string          `json:"-"`
	Balance       decimal.Decimal `gorm:"type:decimal(20,2)" json:"balance"`
	Status        AccountAStatus  `gorm:"index" json:"status"`
	LastAuthAt    *time.Time      `json:"last_auth_at,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (AccountA) TableName() string { return "account_a" }

// AccountBStatus is the capacity state of a Platform B account.
type AccountBStatus string

const (
	AccountBAvailable  AccountBStatus = "available"
	AccountBBusy       AccountBStatus = "busy"
	AccountBSuspended  AccountBStatus = "suspended"
	AccountBAtCapacity AccountBStatus = "at_capacity"
)

// AccountB is a Platform B API key that can carry a limited number of ads.
type AccountB struct {
	gorm.Model       `json:"-"`
	AccountID        string         `gorm:"uniqueIndex" json:"account_id"`
	Name             string         `gorm:"uniqueIndex" json:"name"`
	APIKey           string         `json:"-"`
	APISecret        string         `json:"-"`
	ActiveAdsCount   int            `json:"active_ads_count"`
	MaxAdsPerAccount int            `json:"max_ads_per_account"`
	Status           AccountBStatus `gorm:"index" json:"status"`
	LastUsed         *time.Time     `json:"last_used,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func (AccountB) TableName() string { return "account_b" }

// StatusFor derives the capacity status from the ad count.
func StatusFor(active, max int) AccountBStatus {
	switch {
	case active >= max:
		return AccountBAtCapacity
	case active > 0:
		return AccountBBusy
	default:
		return AccountBAvailable
	}
}

// Stats summarises the registry for the status endpoint.
type Stats struct {
	AccountsA       int `json:"accounts_a"`
	ActiveA         int `json:"active_a"`
	AuthRequiredA   int `json:"auth_required_a"`
	AccountsB       int `json:"accounts_b"`
	AvailableB      int `json:"available_b"`
	ActiveAds       int `json:"active_ads"`
	TotalAdCapacity int `json:"total_ad_capacity"`
}
