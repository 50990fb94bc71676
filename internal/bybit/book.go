package bybit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ksred/p2p-bridge/internal/apperr"
	"github.com/ksred/p2p-bridge/internal/platform"
	"github.com/ksred/p2p-bridge/internal/ratelimit"
	"github.com/shopspring/decimal"
)

// bookPageSize is the number of offers per public order book page.
const bookPageSize = 10

// Book reads the public P2P order book. It needs no API key.
type Book struct {
	baseURL  string
	asset    string
	fiat     string
	payments []string
	http     *http.Client
	limiter  Admitter
}

var _ platform.OrderBook = (*Book)(nil)

// NewBook creates a reader for the asset/fiat pair restricted to payments.
func NewBook(baseURL, asset, fiat string, payments []string, timeout time.Duration, limiter Admitter) *Book {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Book{
		baseURL:  strings.TrimRight(baseURL, "/"),
		asset:    asset,
		fiat:     fiat,
		payments: payments,
		http:     &http.Client{Timeout: timeout},
		limiter:  limiter,
	}
}

type bookRequest struct {
	TokenID    string   `json:"tokenId"`
	CurrencyID string   `json:"currencyId"`
	Payment    []string `json:"payment"`
	Side       string   `json:"side"`
	Size       string   `json:"size"`
	Page       string   `json:"page"`
	Amount     string   `json:"amount"`
	SortType   string   `json:"sortType"`
}

type bookResponse struct {
	RetCode int    `json:"ret_code"`
	RetMsg  string `json:"ret_msg"`
	Result  *struct {
		Count int `json:"count"`
		Items []struct {
			Price        string `json:"price"`
			NickName     string `json:"nickName"`
			LastQuantity string `json:"lastQuantity"`
		} `json:"items"`
	} `json:"result"`
}

// FetchPage returns the offers on one page, in the order the book lists them.
func (b *Book) FetchPage(ctx context.Context, page int) ([]platform.BookOffer, error) {
	if err := b.limiter.Admit(ctx, ratelimit.EndpointBybit); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(bookRequest{
		TokenID:    b.asset,
		CurrencyID: b.fiat,
		Payment:    b.payments,
		Side:       "0",
		Size:       strconv.Itoa(bookPageSize),
		Page:       strconv.Itoa(page),
		SortType:   "TRADE_PRICE",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal book request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/fiat/otc/item/online", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create book request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	req.Header.Set("Accept", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, apperr.Transient(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Transient(err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, apperr.RateLimited(time.Second)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Transient(fmt.Errorf("order book HTTP %d", resp.StatusCode))
	}

	var body bookResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode order book: %w", err)
	}
	if body.RetCode != 0 {
		return nil, apperr.Transient(fmt.Errorf("order book retCode %d: %s", body.RetCode, body.RetMsg))
	}
	if body.Result == nil {
		return nil, nil
	}

	offers := make([]platform.BookOffer, 0, len(body.Result.Items))
	for _, it := range body.Result.Items {
		price, err := decimal.NewFromString(it.Price)
		if err != nil {
			continue
		}
		qty, _ := decimal.NewFromString(it.LastQuantity)
		offers = append(offers, platform.BookOffer{Price: price, Nickname: it.NickName, Quantity: qty})
	}
	return offers, nil
}
