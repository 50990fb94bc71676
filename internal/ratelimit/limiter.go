package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Endpoint names shared by the platform clients.
const (
	EndpointGate    = "gate"
	EndpointBybit   = "bybit"
	EndpointDefault = "default"
)

// DefaultQuota is used for any endpoint without its own bucket.
var DefaultQuota = Quota{PerMinute: 30, Burst: 5}

// DefaultMaxJitter bounds the random extra sleep added to blocked admissions.
const DefaultMaxJitter = 500 * time.Millisecond

// Quota is a refill rate in requests per minute plus a burst allowance.
type Quota struct {
	PerMinute int `mapstructure:"per_minute" json:"per_minute"`
	Burst     int `mapstructure:"burst" json:"burst"`
}

func (q Quota) limit() rate.Limit {
	return rate.Limit(float64(q.PerMinute) / 60.0)
}

// Decision is the result of a non-blocking admission attempt.
type Decision struct {
	Permitted  bool
	RetryAfter time.Duration
}

// Limiter holds one token bucket per named endpoint and a shared default.
type Limiter struct {
	mu        sync.RWMutex
	buckets   map[string]*rate.Limiter
	fallback  *rate.Limiter
	maxJitter time.Duration
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithMaxJitter overrides DefaultMaxJitter. Zero disables jitter.
func WithMaxJitter(d time.Duration) Option {
	return func(l *Limiter) {
		l.maxJitter = d
	}
}

// New creates a limiter with a bucket for every quota in quotas and def as
// the bucket for unknown endpoints.
func New(quotas map[string]Quota, def Quota, opts ...Option) *Limiter {
	if def.PerMinute <= 0 {
		def = DefaultQuota
	}

	l := &Limiter{
		buckets:   make(map[string]*rate.Limiter, len(quotas)),
		fallback:  newBucket(def),
		maxJitter: DefaultMaxJitter,
	}
	for name, q := range quotas {
		if name == EndpointDefault || q.PerMinute <= 0 {
			continue
		}
		l.buckets[name] = newBucket(q)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func newBucket(q Quota) *rate.Limiter {
	if q.Burst < 1 {
		q.Burst = 1
	}
	return rate.NewLimiter(q.limit(), q.Burst)
}

func (l *Limiter) bucket(endpoint string) *rate.Limiter {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if b, ok := l.buckets[endpoint]; ok {
		return b
	}
	return l.fallback
}

// Admit blocks until a token for endpoint is available. It only returns an
// error when ctx is done before the wait completes.
func (l *Limiter) Admit(ctx context.Context, endpoint string) error {
	r := l.bucket(endpoint).Reserve()
	delay := r.Delay()
	if delay == 0 {
		return nil
	}

	delay += l.jitter()
	log.Debug().
		Str("component", "rate_limiter").
		Str("endpoint", endpoint).
		Dur("wait", delay).
		Msg("waiting for rate limit token")

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// TryAdmit takes a token if one is free right now. A denied attempt
// consumes nothing and reports how long until a token would be free.
func (l *Limiter) TryAdmit(endpoint string) Decision {
	now := time.Now()
	r := l.bucket(endpoint).ReserveN(now, 1)
	if !r.OK() {
		return Decision{RetryAfter: time.Minute}
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return Decision{RetryAfter: d}
	}
	return Decision{Permitted: true}
}

// Snapshot returns the tokens currently available in each bucket.
func (l *Limiter) Snapshot() map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]float64, len(l.buckets)+1)
	for name, b := range l.buckets {
		out[name] = b.Tokens()
	}
	out[EndpointDefault] = l.fallback.Tokens()
	return out
}

func (l *Limiter) jitter() time.Duration {
	if l.maxJitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(l.maxJitter) + 1))
}
