package platform

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Platform A payout statuses picked up by discovery.
const (
	PayoutStatusAvailable = 4
	PayoutStatusInReview  = 5
)

// Transaction is an incoming fiat payout on Platform A.
type Transaction struct {
	ID           string          `json:"id"`
	Status       int             `json:"status"`
	FiatAmount   decimal.Decimal `json:"fiat_amount"`
	FiatCurrency string          `json:"fiat_currency"`
	Wallet       string          `json:"wallet"`
	BankName     string          `json:"bank_name"`
	CreatedAt    time.Time       `json:"created_at"`
}

// FiatClient is one authenticated Platform A session.
type FiatClient interface {
	Login(ctx context.Context, login, password string) (string, error)
	RestoreSession(blob string) error
	Ping(ctx context.Context) error
	ListPendingTransactions(ctx context.Context) ([]Transaction, error)
	AcceptTransaction(ctx context.Context, id string) error
	ApproveTransaction(ctx context.Context, id, receiptPath string) error
	CancelTransaction(ctx context.Context, id string) error
	GetBalance(ctx context.Context) (decimal.Decimal, error)
	SetBalance(ctx context.Context, amount decimal.Decimal) error
}

// AdParams describes a sell advertisement on Platform B.
type AdParams struct {
	Asset          string
	Fiat           string
	Price          decimal.Decimal
	Quantity       decimal.Decimal
	MinAmount      decimal.Decimal
	MaxAmount      decimal.Decimal
	PaymentMethods []string
	Remarks        string
}

// Ad is a created advertisement.
type Ad struct {
	ID       string          `json:"id"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Status   string          `json:"status"`
}

// CounterOrderStatus is the normalised Platform B order status.
type CounterOrderStatus string

const (
	CounterOrderPending   CounterOrderStatus = "PENDING"
	CounterOrderPaid      CounterOrderStatus = "PAID"
	CounterOrderAppeal    CounterOrderStatus = "APPEAL"
	CounterOrderCancelled CounterOrderStatus = "CANCELLED"
	CounterOrderReleased  CounterOrderStatus = "RELEASED"
)

// CounterOrder is a buyer's order against one of our ads.
type CounterOrder struct {
	ID         string             `json:"id"`
	AdID       string             `json:"ad_id"`
	BuyerID    string             `json:"buyer_id"`
	SellerID   string             `json:"seller_id"`
	Price      decimal.Decimal    `json:"price"`
	Amount     decimal.Decimal    `json:"amount"`
	TotalPrice decimal.Decimal    `json:"total_price"`
	Status     CounterOrderStatus `json:"status"`
	CreatedAt  time.Time          `json:"created_at"`
}

// AccountInfo is what Platform B reports about one of our accounts.
type AccountInfo struct {
	Nickname       string `json:"nickname"`
	ActiveAdsCount int    `json:"active_ads_count"`
}

// P2PClient is one Platform B API key.
type P2PClient interface {
	CreateAd(ctx context.Context, params AdParams) (*Ad, error)
	DeleteAd(ctx context.Context, id string) error
	ListActiveOrders(ctx context.Context) ([]CounterOrder, error)
	GetOrder(ctx context.Context, id string) (*CounterOrder, error)
	SendMessage(ctx context.Context, orderID, text string) error
	ReleaseOrder(ctx context.Context, id string) error
	GetAccountInfo(ctx context.Context) (*AccountInfo, error)
}

// BookOffer is one public listing in the Platform B order book.
type BookOffer struct {
	Price    decimal.Decimal `json:"price"`
	Nickname string          `json:"nickname"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBook reads pages of public offers for the configured pair.
type OrderBook interface {
	FetchPage(ctx context.Context, page int) ([]BookOffer, error)
}
