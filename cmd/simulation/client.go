package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ksred/p2p-bridge/internal/pool"
	"github.com/rs/zerolog/log"
)

// routeStats tracks latency for one operator API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate returns min, max, mean, median, p95 and p99
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]
	return
}

// operatorClient drives the admin API the way an operator dashboard would
type operatorClient struct {
	baseURL   string
	authToken string
	client    *http.Client

	mu    sync.Mutex
	stats map[string]*routeStats
}

func newOperatorClient(baseURL, apiKey, apiSecret string) (*operatorClient, error) {
	oc := &operatorClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":    {name: "Authentication"},
			"list":    {name: "List Orders"},
			"get":     {name: "Get Order"},
			"receipt": {name: "Submit Receipt"},
			"approve": {name: "Approve Order"},
			"status":  {name: "System Status"},
		},
	}

	var token struct {
		Token string `json:"jwt_token"`
	}
	creds := map[string]string{"api_key": apiKey, "api_secret": apiSecret}
	if err := oc.do("auth", http.MethodPost, "/api/v1/auth/token", creds, &token); err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	oc.authToken = token.Token
	return oc, nil
}

// do sends one request and decodes the data field of the response envelope
func (oc *operatorClient) do(route, method, path string, body, out interface{}) error {
	start := time.Now()
	var failed bool
	defer func() {
		oc.mu.Lock()
		defer oc.mu.Unlock()
		oc.stats[route].addDuration(time.Since(start))
		if failed {
			oc.stats[route].failures++
		}
	}()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			failed = true
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, oc.baseURL+path, reader)
	if err != nil {
		failed = true
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if oc.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+oc.authToken)
	}

	resp, err := oc.client.Do(req)
	if err != nil {
		failed = true
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		failed = true
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("route", route).Str("response", string(respBody)).Msg("Operator API response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		failed = true
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		failed = true
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return json.Unmarshal(envelope.Data, out)
}

func (oc *operatorClient) listOrders() ([]pool.TradeOrder, error) {
	var orders []pool.TradeOrder
	err := oc.do("list", http.MethodGet, "/api/v1/orders", nil, &orders)
	return orders, err
}

func (oc *operatorClient) getOrder(orderID string) (*pool.TradeOrder, error) {
	var staged struct {
		Order pool.TradeOrder `json:"order"`
	}
	if err := oc.do("get", http.MethodGet, "/api/v1/orders/"+orderID, nil, &staged); err != nil {
		return nil, err
	}
	return &staged.Order, nil
}

func (oc *operatorClient) submitReceipt(orderID string, receipt map[string]interface{}) error {
	return oc.do("receipt", http.MethodPost, "/api/v1/orders/"+orderID+"/receipt", receipt, nil)
}

func (oc *operatorClient) approveOrder(orderID string) (*pool.TradeOrder, error) {
	var order pool.TradeOrder
	err := oc.do("approve", http.MethodPost, "/api/v1/orders/"+orderID+"/approve", nil, &order)
	return &order, err
}

func (oc *operatorClient) status() (map[string]interface{}, error) {
	var status map[string]interface{}
	err := oc.do("status", http.MethodGet, "/api/v1/status", nil, &status)
	return status, err
}

// printPerformanceStats outputs latency statistics for every endpoint used
func (oc *operatorClient) printPerformanceStats() {
	oc.mu.Lock()
	defer oc.mu.Unlock()

	fmt.Println("\nOperator API Performance")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range oc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}
