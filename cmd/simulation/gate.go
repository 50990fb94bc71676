package main

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/p2p-bridge/internal/platform"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Payout statuses past the ones the engine discovers.
const (
	payoutInWork    = 6
	payoutApproved  = 7
	payoutCancelled = 8
)

const sessionCookie = "sim_session"

type fakePayout struct {
	ID         int64
	Status     int
	Amount     decimal.Decimal
	Bank       string
	CreatedAt  time.Time
	Attachment string
}

// fakeGate serves the subset of Platform A the engine talks to.
type fakeGate struct {
	login    string
	password string

	mu       sync.Mutex
	sessions map[string]bool
	payouts  map[int64]*fakePayout
	nextID   int64
	balance  decimal.Decimal

	server *httptest.Server
	logger zerolog.Logger
}

func newFakeGate(login, password string) *fakeGate {
	g := &fakeGate{
		login:    login,
		password: password,
		sessions: make(map[string]bool),
		payouts:  make(map[int64]*fakePayout),
		nextID:   41000,
		balance:  decimal.NewFromInt(1_000_000),
		logger:   log.With().Str("component", "fake_gate").Logger(),
	}

	router := gin.New()
	router.POST("/auth/basic/login", g.loginHandler())

	authed := router.Group("")
	authed.Use(g.requireSession())
	{
		authed.GET("/auth/me", g.meHandler())
		authed.GET("/payments/payouts", g.listHandler())
		authed.POST("/payments/payouts/balance", g.balanceHandler())
		authed.POST("/payments/payouts/:id/show", g.transitionHandler(payoutInWork, platform.PayoutStatusAvailable, platform.PayoutStatusInReview))
		authed.POST("/payments/payouts/:id/approve", g.approveHandler())
		authed.POST("/payments/payouts/:id/cancel", g.transitionHandler(payoutCancelled, payoutInWork))
	}

	g.server = httptest.NewServer(router)
	return g
}

func (g *fakeGate) URL() string { return g.server.URL }

func (g *fakeGate) Close() { g.server.Close() }

// AddPayout lists a new payout in the available status.
func (g *fakeGate) AddPayout(amount decimal.Decimal, bank string) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nextID++
	g.payouts[g.nextID] = &fakePayout{
		ID:        g.nextID,
		Status:    platform.PayoutStatusAvailable,
		Amount:    amount,
		Bank:      bank,
		CreatedAt: time.Now().UTC(),
	}
	return strconv.FormatInt(g.nextID, 10)
}

// Payout returns a copy of the payout's current state.
func (g *fakeGate) Payout(id string) (fakePayout, bool) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fakePayout{}, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.payouts[n]
	if !ok {
		return fakePayout{}, false
	}
	return *p, true
}

func envelope(response interface{}) gin.H {
	return gin.H{"success": true, "response": response}
}

func failure(msg string) gin.H {
	return gin.H{"success": false, "error": msg}
}

func (g *fakeGate) loginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Login    string `json:"login"`
			Password string `json:"password"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.Login != g.login || req.Password != g.password {
			c.JSON(http.StatusOK, failure("invalid credentials"))
			return
		}

		token := uuid.New().String()
		g.mu.Lock()
		g.sessions[token] = true
		g.mu.Unlock()

		c.SetCookie(sessionCookie, token, 3600, "/", "", false, true)
		c.JSON(http.StatusOK, envelope(gin.H{}))
	}
}

func (g *fakeGate) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := c.Cookie(sessionCookie)
		g.mu.Lock()
		ok := err == nil && g.sessions[token]
		g.mu.Unlock()
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, failure("unauthenticated"))
			return
		}
		c.Next()
	}
}

func (g *fakeGate) meHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		g.mu.Lock()
		balance := g.balance.StringFixed(2)
		g.mu.Unlock()

		c.JSON(http.StatusOK, envelope(gin.H{
			"user": gin.H{
				"login": g.login,
				"wallets": []gin.H{
					{"balance": balance, "currency": gin.H{"code": "643"}},
				},
			},
		}))
	}
}

func (g *fakeGate) listHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		g.mu.Lock()
		defer g.mu.Unlock()

		data := make([]gin.H, 0, len(g.payouts))
		for _, p := range g.payouts {
			if p.Status != platform.PayoutStatusAvailable && p.Status != platform.PayoutStatusInReview {
				continue
			}
			data = append(data, gin.H{
				"id":         p.ID,
				"status":     p.Status,
				"wallet":     "4276********" + strconv.FormatInt(p.ID%10000, 10),
				"amount":     gin.H{"trader": gin.H{"643": p.Amount.StringFixed(2)}},
				"total":      gin.H{"trader": gin.H{"643": p.Amount.StringFixed(2)}},
				"created_at": p.CreatedAt.Format(time.RFC3339Nano),
				"bank":       gin.H{"name": p.Bank, "title": p.Bank},
			})
		}
		c.JSON(http.StatusOK, envelope(gin.H{"payouts": gin.H{"data": data}}))
	}
}

func (g *fakeGate) balanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Amount string `json:"amount"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, failure("invalid body"))
			return
		}
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, failure("invalid amount"))
			return
		}
		g.mu.Lock()
		g.balance = amount
		g.mu.Unlock()
		c.JSON(http.StatusOK, envelope(gin.H{"balance": amount.StringFixed(2)}))
	}
}

// transitionHandler moves a payout to next when it is in one of from, and
// answers "incorrect_status" otherwise.
func (g *fakeGate) transitionHandler(next int, from ...int) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := g.lookup(c)
		if !ok {
			return
		}

		g.mu.Lock()
		defer g.mu.Unlock()
		for _, s := range from {
			if p.Status == s {
				p.Status = next
				g.logger.Info().Int64("payout_id", p.ID).Int("status", next).Msg("payout moved")
				c.JSON(http.StatusOK, envelope(gin.H{"id": p.ID, "status": next}))
				return
			}
		}
		c.JSON(http.StatusOK, failure("incorrect_status"))
	}
}

func (g *fakeGate) approveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := g.lookup(c)
		if !ok {
			return
		}

		var attachment string
		if form, err := c.MultipartForm(); err == nil {
			if files := form.File["attachments[]"]; len(files) > 0 {
				attachment = files[0].Filename
			}
		}

		g.mu.Lock()
		defer g.mu.Unlock()
		if p.Status != payoutInWork {
			c.JSON(http.StatusOK, failure("incorrect_status"))
			return
		}
		p.Status = payoutApproved
		p.Attachment = attachment
		g.logger.Info().Int64("payout_id", p.ID).Str("attachment", attachment).Msg("payout approved")
		c.JSON(http.StatusOK, envelope(gin.H{"id": p.ID, "status": payoutApproved}))
	}
}

func (g *fakeGate) lookup(c *gin.Context) (*fakePayout, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, failure("payout not found"))
		return nil, false
	}
	g.mu.Lock()
	p, ok := g.payouts[id]
	g.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, failure("payout not found"))
		return nil, false
	}
	return p, true
}
