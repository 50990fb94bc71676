package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/p2p-bridge/internal/bybit"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Numeric P2P order statuses.
const (
	orderPending   = 10
	orderPaid      = 20
	orderAppeal    = 30
	orderCancelled = 40
	orderReleased  = 50
)

// buyerAction is what the simulated buyer does after taking an ad.
type buyerAction int

const (
	buyerPays buyerAction = iota
	buyerCancels
	buyerAppeals
)

type fakeAd struct {
	ID        string
	APIKey    string
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	MaxAmount decimal.Decimal
	Online    bool
	Taken     bool
}

type fakeOrder struct {
	ID         string
	AdID       string
	APIKey     string
	BuyerID    string
	Price      decimal.Decimal
	Amount     decimal.Decimal
	TotalPrice decimal.Decimal
	Status     int
	CreatedAt  time.Time
	Messages   []string

	next  int
	dueAt time.Time
}

// fakeMarket serves the private P2P API for a set of API keys, the public
// order book, and plays the buyer for every ad that goes online.
type fakeMarket struct {
	secrets  map[string]string
	plan     func(fiat decimal.Decimal) buyerAction
	payDelay time.Duration
	basePx   decimal.Decimal

	mu      sync.Mutex
	ads     map[string]*fakeAd
	orders  map[string]*fakeOrder
	adSeq   int
	ordSeq  int
	buyerNo int

	server *httptest.Server
	logger zerolog.Logger
}

func newFakeMarket(secrets map[string]string, basePrice decimal.Decimal, payDelay time.Duration, plan func(decimal.Decimal) buyerAction) *fakeMarket {
	m := &fakeMarket{
		secrets:  secrets,
		plan:     plan,
		payDelay: payDelay,
		basePx:   basePrice,
		ads:      make(map[string]*fakeAd),
		orders:   make(map[string]*fakeOrder),
		logger:   log.With().Str("component", "fake_market").Logger(),
	}

	router := gin.New()
	router.POST("/fiat/otc/item/online", m.bookHandler())

	private := router.Group("/p2p")
	private.Use(m.verifySignature())
	{
		private.POST("/item/create", m.createAdHandler())
		private.POST("/item/delete", m.deleteAdHandler())
		private.GET("/item/list", m.listAdsHandler())
		private.GET("/order/list", m.listOrdersHandler())
		private.GET("/order/get", m.getOrderHandler())
		private.POST("/order/release", m.releaseHandler())
		private.POST("/chat/send", m.chatHandler())
	}

	m.server = httptest.NewServer(router)
	return m
}

func (m *fakeMarket) URL() string { return m.server.URL }

func (m *fakeMarket) Close() { m.server.Close() }

func ok(result interface{}) gin.H {
	return gin.H{"retCode": 0, "retMsg": "SUCCESS", "result": result}
}

func rejected(code int, msg string) gin.H {
	return gin.H{"retCode": code, "retMsg": msg, "result": gin.H{}}
}

// verifySignature checks the HMAC headers the same way the exchange does
// and stores the caller's API key on the context.
func (m *fakeMarket) verifySignature() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-BAPI-API-KEY")
		secret, known := m.secrets[key]
		if !known {
			c.AbortWithStatusJSON(http.StatusOK, rejected(10003, "API key is invalid"))
			return
		}

		payload := c.Request.URL.RawQuery
		if c.Request.Method == http.MethodPost {
			body, err := io.ReadAll(c.Request.Body)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusOK, rejected(10001, "cannot read body"))
				return
			}
			c.Set("body", body)
			payload = string(body)
		}

		want := bybit.Sign(secret, c.GetHeader("X-BAPI-TIMESTAMP"), key, c.GetHeader("X-BAPI-RECV-WINDOW"), payload)
		if want != c.GetHeader("X-BAPI-SIGN") {
			c.AbortWithStatusJSON(http.StatusOK, rejected(10004, "error sign"))
			return
		}
		c.Set("apiKey", key)
		c.Next()
	}
}

func bind(c *gin.Context, out interface{}) bool {
	raw, _ := c.Get("body")
	body, _ := raw.([]byte)
	if err := json.Unmarshal(body, out); err != nil {
		c.JSON(http.StatusOK, rejected(10001, "invalid request body"))
		return false
	}
	return true
}

func (m *fakeMarket) bookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Page string `json:"page"`
		}
		_ = c.ShouldBindJSON(&req)
		page, _ := strconv.Atoi(req.Page)
		if page < 1 {
			page = 1
		}

		items := make([]gin.H, 0, 10)
		for i := 0; i < 10; i++ {
			step := decimal.NewFromFloat(0.05).Mul(decimal.NewFromInt(int64((page-1)*10 + i)))
			items = append(items, gin.H{
				"price":        m.basePx.Add(step).StringFixed(2),
				"nickName":     fmt.Sprintf("trader_p%d_%d", page, i+1),
				"lastQuantity": "1500.00",
			})
		}
		c.JSON(http.StatusOK, gin.H{"ret_code": 0, "ret_msg": "SUCCESS", "result": gin.H{"count": 200, "items": items}})
	}
}

func (m *fakeMarket) createAdHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Price     string `json:"price"`
			Quantity  string `json:"quantity"`
			MaxAmount string `json:"maxAmount"`
		}
		if !bind(c, &req) {
			return
		}
		price, err1 := decimal.NewFromString(req.Price)
		qty, err2 := decimal.NewFromString(req.Quantity)
		maxAmount, err3 := decimal.NewFromString(req.MaxAmount)
		if err1 != nil || err2 != nil || err3 != nil {
			c.JSON(http.StatusOK, rejected(912120, "invalid ad parameters"))
			return
		}

		m.mu.Lock()
		m.adSeq++
		ad := &fakeAd{
			ID:        fmt.Sprintf("AD%06d", m.adSeq),
			APIKey:    c.GetString("apiKey"),
			Price:     price,
			Quantity:  qty,
			MaxAmount: maxAmount,
			Online:    true,
		}
		m.ads[ad.ID] = ad
		m.mu.Unlock()

		m.logger.Info().Str("ad_id", ad.ID).Str("price", req.Price).Str("quantity", req.Quantity).Msg("ad online")
		c.JSON(http.StatusOK, ok(gin.H{"itemId": ad.ID}))
	}
}

func (m *fakeMarket) deleteAdHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ItemID string `json:"itemId"`
		}
		if !bind(c, &req) {
			return
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		ad, found := m.ads[req.ItemID]
		switch {
		case !found || ad.APIKey != c.GetString("apiKey"):
			c.JSON(http.StatusOK, rejected(912100, "ad not found"))
		case !ad.Online:
			c.JSON(http.StatusOK, rejected(912101, "ad already offline"))
		default:
			ad.Online = false
			c.JSON(http.StatusOK, ok(gin.H{}))
		}
	}
}

func (m *fakeMarket) listAdsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetString("apiKey")

		m.mu.Lock()
		defer m.mu.Unlock()
		items := []gin.H{}
		for _, ad := range m.ads {
			if ad.Online && ad.APIKey == key {
				items = append(items, gin.H{"id": ad.ID, "nickName": "sim_" + key})
			}
		}
		c.JSON(http.StatusOK, ok(gin.H{"count": len(items), "items": items}))
	}
}

func (o *fakeOrder) wire() gin.H {
	return gin.H{
		"id":         o.ID,
		"itemId":     o.AdID,
		"buyerId":    o.BuyerID,
		"sellerId":   "sim_" + o.APIKey,
		"price":      o.Price.StringFixed(2),
		"amount":     o.Amount.StringFixed(4),
		"totalPrice": o.TotalPrice.StringFixed(2),
		"status":     o.Status,
		"createdAt":  strconv.FormatInt(o.CreatedAt.UnixMilli(), 10),
	}
}

func (m *fakeMarket) listOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetString("apiKey")
		wanted := map[int]bool{}
		for _, s := range strings.Split(c.Query("orderStatus"), ",") {
			if n, err := strconv.Atoi(s); err == nil {
				wanted[n] = true
			}
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		list := []gin.H{}
		for _, o := range m.orders {
			if o.APIKey == key && (len(wanted) == 0 || wanted[o.Status]) {
				list = append(list, o.wire())
			}
		}
		c.JSON(http.StatusOK, ok(gin.H{"count": len(list), "list": list}))
	}
}

func (m *fakeMarket) getOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		m.mu.Lock()
		defer m.mu.Unlock()
		o, found := m.orders[c.Query("orderId")]
		if !found || o.APIKey != c.GetString("apiKey") {
			c.JSON(http.StatusOK, ok(gin.H{}))
			return
		}
		c.JSON(http.StatusOK, ok(o.wire()))
	}
}

func (m *fakeMarket) releaseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			OrderID string `json:"orderId"`
		}
		if !bind(c, &req) {
			return
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		o, found := m.orders[req.OrderID]
		switch {
		case !found || o.APIKey != c.GetString("apiKey"):
			c.JSON(http.StatusOK, rejected(912200, "order not found"))
		case o.Status == orderReleased:
			c.JSON(http.StatusOK, rejected(912201, "order already released"))
		case o.Status != orderPaid && o.Status != orderAppeal:
			c.JSON(http.StatusOK, rejected(912202, "incorrect status for release"))
		default:
			o.Status = orderReleased
			m.logger.Info().Str("order_id", o.ID).Msg("asset released to buyer")
			c.JSON(http.StatusOK, ok(gin.H{}))
		}
	}
}

func (m *fakeMarket) chatHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			OrderID string `json:"orderId"`
			Content string `json:"content"`
		}
		if !bind(c, &req) {
			return
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		o, found := m.orders[req.OrderID]
		if !found || o.APIKey != c.GetString("apiKey") {
			c.JSON(http.StatusOK, rejected(912200, "order not found"))
			return
		}
		o.Messages = append(o.Messages, req.Content)
		c.JSON(http.StatusOK, ok(gin.H{}))
	}
}

// RunBuyers takes every new ad and later pays, cancels or appeals the
// resulting order according to plan.
func (m *fakeMarket) RunBuyers(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.step(now)
		}
	}
}

func (m *fakeMarket) step(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ad := range m.ads {
		if !ad.Online || ad.Taken {
			continue
		}
		ad.Taken = true
		m.ordSeq++
		m.buyerNo++

		next := orderPaid
		switch m.plan(ad.MaxAmount) {
		case buyerCancels:
			next = orderCancelled
		case buyerAppeals:
			next = orderAppeal
		}

		o := &fakeOrder{
			ID:         fmt.Sprintf("ORD%08d", m.ordSeq),
			AdID:       ad.ID,
			APIKey:     ad.APIKey,
			BuyerID:    fmt.Sprintf("buyer_%d", m.buyerNo),
			Price:      ad.Price,
			Amount:     ad.MaxAmount.DivRound(ad.Price, 4),
			TotalPrice: ad.MaxAmount,
			Status:     orderPending,
			CreatedAt:  now,
			next:       next,
			dueAt:      now.Add(m.payDelay),
		}
		m.orders[o.ID] = o
		m.logger.Info().Str("order_id", o.ID).Str("ad_id", ad.ID).Str("total", o.TotalPrice.StringFixed(2)).Msg("buyer took ad")
	}

	for _, o := range m.orders {
		if o.Status == orderPending && !o.dueAt.IsZero() && now.After(o.dueAt) {
			o.Status = o.next
			m.logger.Info().Str("order_id", o.ID).Int("status", o.Status).Msg("buyer acted")
		}
	}
}

// Order returns a copy of a counter order.
func (m *fakeMarket) Order(id string) (fakeOrder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, found := m.orders[id]
	if !found {
		return fakeOrder{}, false
	}
	cp := *o
	cp.Messages = append([]string(nil), o.Messages...)
	return cp, true
}

// OnlineAds counts ads still listed.
func (m *fakeMarket) OnlineAds() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ad := range m.ads {
		if ad.Online {
			n++
		}
	}
	return n
}
