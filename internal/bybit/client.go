package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ksred/p2p-bridge/internal/apperr"
	"github.com/ksred/p2p-bridge/internal/platform"
	"github.com/ksred/p2p-bridge/internal/ratelimit"
	"github.com/ksred/p2p-bridge/internal/retry"
	"github.com/rs/zerolog/log"
)

const (
	sideSell            = "1"
	activeOrderStatuses = "10,20,30"
	adStatusOnline      = "1"
)

// Admitter gates every outbound request.
type Admitter interface {
	Admit(ctx context.Context, endpoint string) error
}

// Options are shared by every account's client.
type Options struct {
	BaseURL    string
	RecvWindow string
	Timeout    time.Duration
	Asset      string
	Fiat       string
}

// Client is an HMAC-signed client for one Platform B API key.
type Client struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	recvWindow string
	asset      string
	fiat       string
	http       *http.Client
	limiter    Admitter
	retry      retry.Config
}

var _ platform.P2PClient = (*Client)(nil)

// NewClient creates a client for one API key pair.
func NewClient(opts Options, apiKey, apiSecret string, limiter Admitter) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RecvWindow == "" {
		opts.RecvWindow = "5000"
	}
	return &Client{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		recvWindow: opts.RecvWindow,
		asset:      opts.Asset,
		fiat:       opts.Fiat,
		http:       &http.Client{Timeout: opts.Timeout},
		limiter:    limiter,
		retry:      retry.DefaultConfig(),
	}
}

// WithRetry overrides the retry policy, mostly for tests.
func (c *Client) WithRetry(cfg retry.Config) *Client {
	c.retry = cfg
	return c
}

type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

type createAdRequest struct {
	TokenID    string   `json:"tokenId"`
	CurrencyID string   `json:"currencyId"`
	Side       string   `json:"side"`
	PriceType  string   `json:"priceType"`
	Price      string   `json:"price"`
	Quantity   string   `json:"quantity"`
	MinAmount  string   `json:"minAmount"`
	MaxAmount  string   `json:"maxAmount"`
	PaymentIDs []string `json:"paymentIds"`
	Remark     string   `json:"remark"`
}

// CreateAd posts a sell advertisement.
func (c *Client) CreateAd(ctx context.Context, params platform.AdParams) (*platform.Ad, error) {
	req := createAdRequest{
		TokenID:    params.Asset,
		CurrencyID: params.Fiat,
		Side:       sideSell,
		PriceType:  "0",
		Price:      params.Price.StringFixed(2),
		Quantity:   params.Quantity.StringFixed(4),
		MinAmount:  params.MinAmount.StringFixed(2),
		MaxAmount:  params.MaxAmount.StringFixed(2),
		PaymentIDs: params.PaymentMethods,
		Remark:     params.Remarks,
	}

	var result struct {
		ItemID string `json:"itemId"`
	}
	if err := c.post(ctx, "/p2p/item/create", req, &result); err != nil {
		return nil, err
	}
	if result.ItemID == "" {
		return nil, fmt.Errorf("create ad: empty item id")
	}

	log.Info().
		Str("component", "bybit_client").
		Str("ad_id", result.ItemID).
		Str("price", req.Price).
		Str("quantity", req.Quantity).
		Msg("advertisement created")

	return &platform.Ad{ID: result.ItemID, Price: params.Price, Quantity: params.Quantity, Status: "online"}, nil
}

// DeleteAd removes an advertisement.
func (c *Client) DeleteAd(ctx context.Context, id string) error {
	return c.post(ctx, "/p2p/item/delete", map[string]string{"itemId": id}, nil)
}

type orderWire struct {
	ID         string          `json:"id"`
	AdID       string          `json:"adId"`
	ItemID     string          `json:"itemId"`
	BuyerID    string          `json:"buyerId"`
	SellerID   string          `json:"sellerId"`
	Price      json.Number     `json:"price"`
	Amount     json.Number     `json:"amount"`
	TotalPrice json.Number     `json:"totalPrice"`
	Status     json.RawMessage `json:"status"`
	CreatedAt  json.RawMessage `json:"createdAt"`
}

func (w orderWire) toOrder() platform.CounterOrder {
	adID := w.AdID
	if adID == "" {
		adID = w.ItemID
	}
	return platform.CounterOrder{
		ID:         w.ID,
		AdID:       adID,
		BuyerID:    w.BuyerID,
		SellerID:   w.SellerID,
		Price:      number(w.Price),
		Amount:     number(w.Amount),
		TotalPrice: number(w.TotalPrice),
		Status:     parseStatus(w.Status),
		CreatedAt:  parseTime(w.CreatedAt),
	}
}

// ListActiveOrders returns orders that are pending, paid or under appeal.
func (c *Client) ListActiveOrders(ctx context.Context) ([]platform.CounterOrder, error) {
	var result struct {
		List []orderWire `json:"list"`
	}
	params := url.Values{}
	params.Set("orderStatus", activeOrderStatuses)
	if err := c.get(ctx, "/p2p/order/list", params, &result); err != nil {
		return nil, err
	}

	orders := make([]platform.CounterOrder, 0, len(result.List))
	for _, w := range result.List {
		orders = append(orders, w.toOrder())
	}
	return orders, nil
}

// GetOrder fetches a single order.
func (c *Client) GetOrder(ctx context.Context, id string) (*platform.CounterOrder, error) {
	var w orderWire
	params := url.Values{}
	params.Set("orderId", id)
	if err := c.get(ctx, "/p2p/order/get", params, &w); err != nil {
		return nil, err
	}
	if w.ID == "" {
		return nil, fmt.Errorf("%w: counter order %s", apperr.ErrNotFound, id)
	}
	o := w.toOrder()
	return &o, nil
}

// SendMessage posts a text message into the order chat.
func (c *Client) SendMessage(ctx context.Context, orderID, text string) error {
	req := map[string]string{
		"orderId":     orderID,
		"content":     text,
		"contentType": "str",
		"msgType":     "TEXT",
	}
	return c.post(ctx, "/p2p/chat/send", req, nil)
}

// ReleaseOrder releases the escrowed asset to the buyer.
func (c *Client) ReleaseOrder(ctx context.Context, id string) error {
	return c.post(ctx, "/p2p/order/release", map[string]string{"orderId": id}, nil)
}

// GetAccountInfo reports how many of this account's ads are online.
func (c *Client) GetAccountInfo(ctx context.Context) (*platform.AccountInfo, error) {
	var result struct {
		Count json.Number `json:"count"`
		Items []struct {
			ID       string `json:"id"`
			NickName string `json:"nickName"`
		} `json:"items"`
	}
	params := url.Values{}
	params.Set("tokenId", c.asset)
	params.Set("currencyId", c.fiat)
	params.Set("status", adStatusOnline)
	if err := c.get(ctx, "/p2p/item/list", params, &result); err != nil {
		return nil, err
	}

	info := &platform.AccountInfo{ActiveAdsCount: len(result.Items)}
	if n, err := result.Count.Int64(); err == nil && int(n) > info.ActiveAdsCount {
		info.ActiveAdsCount = int(n)
	}
	if len(result.Items) > 0 {
		info.Nickname = result.Items[0].NickName
	}
	return info, nil
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	query := params.Encode()
	return c.do(ctx, http.MethodGet, endpoint, query, nil, out)
}

func (c *Client) post(ctx context.Context, endpoint string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", endpoint, err)
	}
	return c.do(ctx, http.MethodPost, endpoint, "", payload, out)
}

func (c *Client) do(ctx context.Context, method, endpoint, query string, body []byte, out interface{}) error {
	return retry.Do(ctx, c.retry, "bybit "+endpoint, func() error {
		if err := c.limiter.Admit(ctx, ratelimit.EndpointBybit); err != nil {
			return err
		}

		target := c.baseURL + endpoint
		signPayload := string(body)
		if method == http.MethodGet {
			signPayload = query
			if query != "" {
				target += "?" + query
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-BAPI-API-KEY", c.apiKey)
		req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
		req.Header.Set("X-BAPI-RECV-WINDOW", c.recvWindow)
		req.Header.Set("X-BAPI-SIGN", Sign(c.apiSecret, timestamp, c.apiKey, c.recvWindow, signPayload))

		resp, err := c.http.Do(req)
		if err != nil {
			return apperr.Transient(err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return apperr.Transient(err)
		}
		return decode(resp, raw, out)
	})
}

// Sign returns the hex HMAC-SHA256 of timestamp+apiKey+recvWindow+payload.
func Sign(secret, timestamp, apiKey, recvWindow, payload string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp + apiKey + recvWindow + payload))
	return hex.EncodeToString(h.Sum(nil))
}

// retCode values that need special handling.
const (
	codeTimestamp     = 10002
	codeInvalidKey    = 10003
	codeBadSignature  = 10004
	codePermission    = 10005
	codeRateLimited   = 10006
	codeIPRateLimited = 10018
)

func decode(resp *http.Response, raw []byte, out interface{}) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperr.RateLimited(resetDelay(resp))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", apperr.ErrAuthentication, resp.StatusCode)
	case resp.StatusCode >= 500:
		return apperr.Transient(fmt.Errorf("HTTP %d", resp.StatusCode))
	}

	var body apiResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	switch body.RetCode {
	case 0:
	case codeRateLimited, codeIPRateLimited:
		return apperr.RateLimited(resetDelay(resp))
	case codeInvalidKey, codeBadSignature, codePermission:
		return fmt.Errorf("%w: %s", apperr.ErrAuthentication, body.RetMsg)
	case codeTimestamp:
		return apperr.Transient(fmt.Errorf("timestamp rejected: %s", body.RetMsg))
	default:
		msg := strings.ToLower(body.RetMsg)
		if strings.Contains(msg, "already") || strings.Contains(msg, "incorrect status") {
			return apperr.Conflict(body.RetMsg)
		}
		return fmt.Errorf("retCode %d: %s", body.RetCode, body.RetMsg)
	}

	if out == nil || len(body.Result) == 0 || string(body.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(body.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

func resetDelay(resp *http.Response) time.Duration {
	if s := resp.Header.Get("X-Bapi-Limit-Reset-Timestamp"); s != "" {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			if d := time.Until(time.UnixMilli(ms)); d > 0 {
				return d
			}
		}
	}
	return time.Second
}
