package retry

import (
	"context"
	"time"

	"github.com/ksred/p2p-bridge/internal/apperr"
	"github.com/rs/zerolog/log"
)

// Config controls exponential backoff.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultConfig is three attempts starting at one second.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2,
	}
}

// Do runs op until it succeeds, returns a non-retryable error, or attempts
// run out. A rate limited error waits the remote delay instead of the
// backoff delay.
func Do(ctx context.Context, cfg Config, name string, op func() error) error {
	logger := log.With().Str("component", "retry").Str("operation", name).Logger()

	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}

	delay := cfg.InitialDelay
	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err = op(); err == nil {
			if attempt > 1 {
				logger.Debug().Int("attempt", attempt).Msg("operation succeeded after retry")
			}
			return nil
		}

		if !apperr.IsRetryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		wait := delay
		if rl, ok := apperr.AsRateLimited(err); ok && rl.RetryAfter > 0 {
			wait = rl.RetryAfter
		}

		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", cfg.MaxAttempts).
			Dur("wait", wait).
			Msg("operation failed, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	logger.Warn().Err(err).Int("attempts", cfg.MaxAttempts).Msg("operation failed after all attempts")
	return err
}
