package events

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const relayBatch = 100

// Relay moves events from the outbox to a publisher.
type Relay struct {
	outbox    *Outbox
	publisher Publisher
	interval  time.Duration
	logger    zerolog.Logger
}

func NewRelay(outbox *Outbox, publisher Publisher, interval time.Duration) *Relay {
	return &Relay{
		outbox:    outbox,
		publisher: publisher,
		interval:  interval,
		logger:    log.With().Str("component", "relay").Logger(),
	}
}

// Flush publishes pending events in order and deletes each one once
// delivered. It stops at the first failure so ordering is kept; the
// failed event is retried on the next flush.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	sent := 0
	for {
		batch, err := r.outbox.Peek(relayBatch)
		if err != nil {
			return sent, err
		}
		if len(batch) == 0 {
			return sent, nil
		}
		for _, p := range batch {
			if err := r.publisher.Publish(ctx, p.Event); err != nil {
				return sent, err
			}
			if err := r.outbox.Delete(p.Key); err != nil {
				return sent, err
			}
			sent++
		}
	}
}

// Start flushes every interval until ctx is done, then flushes once more.
func (r *Relay) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Msg("Starting event relay")
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			if _, err := r.Flush(flushCtx); err != nil {
				r.logger.Warn().Err(err).Msg("final flush incomplete")
			}
			cancel()
			return
		case <-ticker.C:
			n, err := r.Flush(ctx)
			if err != nil {
				r.logger.Error().Err(err).Int("sent", n).Msg("event publish failed")
				continue
			}
			if n > 0 {
				r.logger.Debug().Int("sent", n).Msg("events published")
			}
		}
	}
}
