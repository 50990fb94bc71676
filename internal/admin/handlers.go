package admin

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/p2p-bridge/internal/accounts"
	"github.com/ksred/p2p-bridge/internal/orchestrator"
	"github.com/ksred/p2p-bridge/internal/pool"
	"github.com/ksred/p2p-bridge/internal/receipt"
	"github.com/ksred/p2p-bridge/pkg/response"
	"github.com/shopspring/decimal"
)

// Engine is the orchestrator's operator surface.
type Engine interface {
	GetActiveOrders(ctx context.Context) ([]pool.TradeOrder, error)
	GetOrder(ctx context.Context, orderID string) (*pool.StagedOrder, error)
	ApproveOrder(ctx context.Context, orderID string) (*pool.TradeOrder, error)
	RejectOrder(ctx context.Context, orderID, reason string) (*pool.TradeOrder, error)
	SubmitReceipt(ctx context.Context, orderID string, sub receipt.Submission) error
	SetAutoMode(enabled bool)
	AutoMode() bool
	SystemStatus(ctx context.Context) (*orchestrator.SystemStatus, error)
}

// Accounts is the registry surface the admin API manages.
type Accounts interface {
	ListAccountsA(ctx context.Context) ([]accounts.AccountA, error)
	ListAccountsB(ctx context.Context) ([]accounts.AccountB, error)
	Suspend(ctx context.Context, accountID string) error
	Resume(ctx context.Context, accountID string) error
}

// Balances sets Platform A balances through a managed session.
type Balances interface {
	SetBalance(ctx context.Context, accountID string, amount decimal.Decimal) error
}

// GinHandlers contains HTTP handlers for operator endpoints
type GinHandlers struct {
	engine   Engine
	accounts Accounts
	balances Balances
	started  time.Time
}

func NewGinHandlers(engine Engine, accs Accounts, balances Balances) *GinHandlers {
	return &GinHandlers{
		engine:   engine,
		accounts: accs,
		balances: balances,
		started:  time.Now(),
	}
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type autoModeRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type receiptRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	BankName string          `json:"bank_name"`
	Phone    string          `json:"phone"`
	Card     string          `json:"card"`
	DateTime time.Time       `json:"date_time"`
	Path     string          `json:"path"`
}

type balanceRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// HealthHandler reports liveness without authentication.
func (h *GinHandlers) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, gin.H{
			"status": "ok",
			"uptime": time.Since(h.started).Round(time.Second).String(),
		})
	}
}

func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orders, err := h.engine.GetActiveOrders(c.Request.Context())
		response.Handle(c, orders, err)
	}
}

func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.engine.GetOrder(c.Request.Context(), c.Param("order_id"))
		response.Handle(c, order, err)
	}
}

func (h *GinHandlers) ApproveOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.engine.ApproveOrder(c.Request.Context(), c.Param("order_id"))
		response.Handle(c, order, err)
	}
}

func (h *GinHandlers) RejectOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req rejectRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				response.BadRequest(c, "Invalid request body")
				return
			}
		}
		order, err := h.engine.RejectOrder(c.Request.Context(), c.Param("order_id"), req.Reason)
		response.Handle(c, order, err)
	}
}

// SubmitReceiptHandler accepts either parsed receipt fields or a file path
// for the parser.
func (h *GinHandlers) SubmitReceiptHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req receiptRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		sub := receipt.Submission{Path: req.Path}
		if !req.Amount.IsZero() {
			sub.Receipt = &receipt.Receipt{
				Amount:   req.Amount,
				BankName: req.BankName,
				Phone:    req.Phone,
				Card:     req.Card,
				DateTime: req.DateTime,
			}
		}

		orderID := c.Param("order_id")
		err := h.engine.SubmitReceipt(c.Request.Context(), orderID, sub)
		response.Handle(c, gin.H{"order_id": orderID, "queued": err == nil}, err)
	}
}

func (h *GinHandlers) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := h.engine.SystemStatus(c.Request.Context())
		response.Handle(c, status, err)
	}
}

func (h *GinHandlers) SetAutoModeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req autoModeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "enabled is required")
			return
		}
		h.engine.SetAutoMode(*req.Enabled)
		response.Success(c, gin.H{"auto_mode": h.engine.AutoMode()})
	}
}

func (h *GinHandlers) ListAccountsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		gate, err := h.accounts.ListAccountsA(ctx)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		bybit, err := h.accounts.ListAccountsB(ctx)
		response.Handle(c, gin.H{"gate": gate, "bybit": bybit}, err)
	}
}

func (h *GinHandlers) SuspendAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("account_id")
		err := h.accounts.Suspend(c.Request.Context(), id)
		response.Handle(c, gin.H{"account_id": id, "status": accounts.AccountBSuspended}, err)
	}
}

func (h *GinHandlers) ResumeAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("account_id")
		err := h.accounts.Resume(c.Request.Context(), id)
		response.Handle(c, gin.H{"account_id": id, "resumed": err == nil}, err)
	}
}

func (h *GinHandlers) SetBalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req balanceRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Amount.IsNegative() {
			response.BadRequest(c, "amount must be a non-negative number")
			return
		}
		id := c.Param("account_id")
		err := h.balances.SetBalance(c.Request.Context(), id, req.Amount)
		response.Handle(c, gin.H{"account_id": id, "balance": req.Amount}, err)
	}
}
