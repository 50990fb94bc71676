package bybit

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/ksred/p2p-bridge/internal/platform"
	"github.com/shopspring/decimal"
)

// Numeric order statuses as returned by the P2P API.
var statusCodes = map[int]platform.CounterOrderStatus{
	5:  platform.CounterOrderPending,
	10: platform.CounterOrderPending,
	20: platform.CounterOrderPaid,
	30: platform.CounterOrderAppeal,
	40: platform.CounterOrderCancelled,
	50: platform.CounterOrderReleased,
}

// parseStatus accepts either the numeric code or the status name.
func parseStatus(raw json.RawMessage) platform.CounterOrderStatus {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if code, err := strconv.Atoi(s); err == nil {
		if st, ok := statusCodes[code]; ok {
			return st
		}
		return platform.CounterOrderPending
	}

	switch st := platform.CounterOrderStatus(strings.ToUpper(s)); st {
	case platform.CounterOrderPaid, platform.CounterOrderAppeal, platform.CounterOrderCancelled, platform.CounterOrderReleased:
		return st
	case "COMPLETED", "FINISHED":
		return platform.CounterOrderReleased
	default:
		return platform.CounterOrderPending
	}
}

// parseTime accepts millisecond epochs (as number or string) and RFC 3339.
func parseTime(raw json.RawMessage) time.Time {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return time.Time{}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms)
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Time{}
}

func number(n json.Number) decimal.Decimal {
	if n == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}
