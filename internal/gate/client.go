package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ksred/p2p-bridge/internal/apperr"
	"github.com/ksred/p2p-bridge/internal/platform"
	"github.com/ksred/p2p-bridge/internal/ratelimit"
	"github.com/ksred/p2p-bridge/internal/retry"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// rubCode is the ISO 4217 numeric code Platform A keys amounts by.
const rubCode = "643"

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36"

// Admitter gates every outbound request.
type Admitter interface {
	Admit(ctx context.Context, endpoint string) error
}

// Client is a cookie-session client for one Platform A account.
type Client struct {
	baseURL string
	http    *http.Client
	limiter Admitter
	retry   retry.Config

	mu      sync.RWMutex
	cookies []*http.Cookie
}

var _ platform.FiatClient = (*Client)(nil)

// NewClient creates a client without a session. Call Login or RestoreSession.
func NewClient(baseURL string, timeout time.Duration, limiter Admitter) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		limiter: limiter,
		retry:   retry.DefaultConfig(),
	}
}

// WithRetry overrides the retry policy, mostly for tests.
func (c *Client) WithRetry(cfg retry.Config) *Client {
	c.retry = cfg
	return c
}

type envelope struct {
	Success  bool            `json:"success"`
	Response json.RawMessage `json:"response"`
	Error    string          `json:"error"`
	Message  string          `json:"message"`
}

type storedCookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

// Login posts credentials and keeps the returned cookies. It returns the
// cookie set serialised for storage in the account record.
func (c *Client) Login(ctx context.Context, login, password string) (string, error) {
	logger := log.With().Str("component", "gate_client").Str("login", login).Logger()

	if err := c.limiter.Admit(ctx, ratelimit.EndpointGate); err != nil {
		return "", err
	}

	payload, err := json.Marshal(map[string]string{"login": login, "password": password})
	if err != nil {
		return "", fmt.Errorf("marshal login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/basic/login", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create login request: %w", err)
	}
	setHeaders(req, "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", apperr.Transient(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperr.Transient(err)
	}

	switch resp.StatusCode {
	case http.StatusForbidden:
		return "", apperr.Transient(fmt.Errorf("login blocked by edge protection"))
	case http.StatusTooManyRequests:
		return "", apperr.RateLimited(retryAfter(resp))
	}

	cookies := resp.Cookies()
	if len(cookies) > 0 && resp.StatusCode < 400 {
		c.mu.Lock()
		c.cookies = cookies
		c.mu.Unlock()

		logger.Info().Int("cookies", len(cookies)).Msg("logged in")
		return c.sessionBlob()
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != "" {
		return "", fmt.Errorf("%w: %s", apperr.ErrAuthentication, env.Error)
	}
	return "", fmt.Errorf("%w: HTTP %d without session cookies", apperr.ErrAuthentication, resp.StatusCode)
}

// RestoreSession loads a cookie set produced by Login.
func (c *Client) RestoreSession(blob string) error {
	if blob == "" {
		return apperr.ErrSessionExpired
	}

	var stored []storedCookie
	if err := json.Unmarshal([]byte(blob), &stored); err != nil {
		return fmt.Errorf("decode session blob: %w", err)
	}

	cookies := make([]*http.Cookie, 0, len(stored))
	for _, s := range stored {
		cookies = append(cookies, &http.Cookie{Name: s.Name, Value: s.Value, Domain: s.Domain, Path: s.Path})
	}

	c.mu.Lock()
	c.cookies = cookies
	c.mu.Unlock()
	return nil
}

func (c *Client) sessionBlob() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stored := make([]storedCookie, 0, len(c.cookies))
	for _, ck := range c.cookies {
		stored = append(stored, storedCookie{Name: ck.Name, Value: ck.Value, Domain: ck.Domain, Path: ck.Path})
	}
	b, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("encode session blob: %w", err)
	}
	return string(b), nil
}

// Ping is the lightweight authenticated call used by the refresh loop.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, http.MethodGet, "/auth/me", nil, "")
	return err
}

type payoutAmount struct {
	Trader json.RawMessage `json:"trader"`
}

type payout struct {
	ID        int64        `json:"id"`
	Status    int          `json:"status"`
	Wallet    string       `json:"wallet"`
	Amount    payoutAmount `json:"amount"`
	Total     payoutAmount `json:"total"`
	CreatedAt string       `json:"created_at"`
	Bank      *struct {
		Name  string `json:"name"`
		Title string `json:"title"`
	} `json:"bank"`
}

type payoutsResponse struct {
	Payouts struct {
		Data []payout `json:"data"`
	} `json:"payouts"`
}

// ListPendingTransactions returns payouts in status 4 (available) or 5 (in review).
func (c *Client) ListPendingTransactions(ctx context.Context) ([]platform.Transaction, error) {
	path := fmt.Sprintf("/payments/payouts?filters%%5Bstatus%%5D%%5B%%5D=%d&filters%%5Bstatus%%5D%%5B%%5D=%d&page=1",
		platform.PayoutStatusAvailable, platform.PayoutStatusInReview)

	raw, err := c.call(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}

	var resp payoutsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode payouts: %w", err)
	}

	txs := make([]platform.Transaction, 0, len(resp.Payouts.Data))
	for _, p := range resp.Payouts.Data {
		amount, ok := traderAmount(p.Amount.Trader)
		if !ok {
			log.Debug().Str("component", "gate_client").Int64("payout_id", p.ID).Msg("skipping payout without RUB amount")
			continue
		}
		tx := platform.Transaction{
			ID:           strconv.FormatInt(p.ID, 10),
			Status:       p.Status,
			FiatAmount:   amount,
			FiatCurrency: "RUB",
			Wallet:       p.Wallet,
		}
		if p.Bank != nil {
			tx.BankName = p.Bank.Title
			if tx.BankName == "" {
				tx.BankName = p.Bank.Name
			}
		}
		if ts, err := time.Parse(time.RFC3339Nano, p.CreatedAt); err == nil {
			tx.CreatedAt = ts
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// traderAmount reads the RUB entry of an amount map. Platform A sends an
// empty array instead of an object when the amount is not yet known.
func traderAmount(raw json.RawMessage) (decimal.Decimal, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return decimal.Zero, false
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return decimal.Zero, false
	}
	v, ok := m[rubCode]
	if !ok {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(strings.Trim(string(v), `"`))
	if err != nil || !d.IsPositive() {
		return decimal.Zero, false
	}
	return d, true
}

// AcceptTransaction takes a payout into work. A response saying the payout
// is already taken or in another status comes back as ErrTransactionConflict.
func (c *Client) AcceptTransaction(ctx context.Context, id string) error {
	_, err := c.call(ctx, http.MethodPost, "/payments/payouts/"+id+"/show", nil, "")
	return err
}

// ApproveTransaction approves a payout, attaching the receipt file when
// receiptPath is set.
func (c *Client) ApproveTransaction(ctx context.Context, id, receiptPath string) error {
	path := "/payments/payouts/" + id + "/approve"
	if receiptPath == "" {
		_, err := c.call(ctx, http.MethodPost, path, nil, "")
		return err
	}

	body, contentType, err := receiptForm(receiptPath)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, http.MethodPost, path, body, contentType)
	return err
}

func receiptForm(path string) ([]byte, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open receipt: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("attachments[]", filepath.Base(path))
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("copy receipt: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// CancelTransaction returns a payout to Platform A.
func (c *Client) CancelTransaction(ctx context.Context, id string) error {
	_, err := c.call(ctx, http.MethodPost, "/payments/payouts/"+id+"/cancel", nil, "")
	return err
}

type meResponse struct {
	User struct {
		Wallets []struct {
			Balance  string `json:"balance"`
			Currency struct {
				Code string `json:"code"`
			} `json:"currency"`
		} `json:"wallets"`
	} `json:"user"`
}

// GetBalance returns the RUB wallet balance.
func (c *Client) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	raw, err := c.call(ctx, http.MethodGet, "/auth/me", nil, "")
	if err != nil {
		return decimal.Zero, err
	}

	var me meResponse
	if err := json.Unmarshal(raw, &me); err != nil {
		return decimal.Zero, fmt.Errorf("decode profile: %w", err)
	}
	for _, w := range me.User.Wallets {
		if w.Currency.Code == rubCode || strings.EqualFold(w.Currency.Code, "RUB") {
			return decimal.NewFromString(w.Balance)
		}
	}
	if len(me.User.Wallets) > 0 {
		return decimal.NewFromString(me.User.Wallets[0].Balance)
	}
	return decimal.Zero, nil
}

// SetBalance sets the payout working balance.
func (c *Client) SetBalance(ctx context.Context, amount decimal.Decimal) error {
	payload, err := json.Marshal(map[string]string{"amount": amount.StringFixed(2)})
	if err != nil {
		return fmt.Errorf("marshal balance request: %w", err)
	}
	_, err = c.call(ctx, http.MethodPost, "/payments/payouts/balance", payload, "application/json")
	return err
}

// call performs an authenticated request and returns the envelope's
// response field.
func (c *Client) call(ctx context.Context, method, path string, body []byte, contentType string) (json.RawMessage, error) {
	var out json.RawMessage
	err := retry.Do(ctx, c.retry, "gate "+method+" "+path, func() error {
		if err := c.limiter.Admit(ctx, ratelimit.EndpointGate); err != nil {
			return err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		setHeaders(req, contentType)

		c.mu.RLock()
		for _, ck := range c.cookies {
			req.AddCookie(ck)
		}
		c.mu.RUnlock()

		resp, err := c.http.Do(req)
		if err != nil {
			return apperr.Transient(err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return apperr.Transient(err)
		}

		out, err = decode(resp, raw)
		return err
	})
	return out, err
}

func setHeaders(req *http.Request, contentType string) {
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("User-Agent", userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
}

// decode maps an HTTP response onto the error taxonomy.
func decode(resp *http.Response, raw []byte) (json.RawMessage, error) {
	var env envelope
	parsed := json.Unmarshal(raw, &env) == nil

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, apperr.ErrSessionExpired
	case resp.StatusCode == http.StatusForbidden:
		return nil, apperr.Transient(fmt.Errorf("HTTP 403 from %s", resp.Request.URL.Path))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperr.RateLimited(retryAfter(resp))
	case resp.StatusCode >= 500:
		return nil, apperr.Transient(fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(raw)))
	case resp.StatusCode >= 400:
		msg := errorText(env, raw)
		if isConflict(msg) {
			return nil, apperr.Conflict(msg)
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)
	}

	if !parsed {
		return nil, fmt.Errorf("decode response: %s", truncate(raw))
	}
	if !env.Success {
		msg := errorText(env, raw)
		if isConflict(msg) {
			return nil, apperr.Conflict(msg)
		}
		return nil, fmt.Errorf("request failed: %s", msg)
	}
	return env.Response, nil
}

func errorText(env envelope, raw []byte) string {
	var detail struct {
		ErrorDescription string `json:"error_description"`
	}
	if len(env.Response) > 0 && json.Unmarshal(env.Response, &detail) == nil && detail.ErrorDescription != "" {
		return detail.ErrorDescription
	}
	if env.Error != "" {
		return env.Error
	}
	if env.Message != "" {
		return env.Message
	}
	return truncate(raw)
}

func isConflict(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range []string{"incorrect_status", "already", "processing"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func retryAfter(resp *http.Response) time.Duration {
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Minute
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
