package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/ksred/p2p-bridge/internal/pool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	keyPrefix = []byte("event/")
	keyUpper  = []byte("event/~")
)

// Outbox is a durable queue of events not yet published. Events are
// written synchronously so a crash after a transition cannot lose them.
type Outbox struct {
	db     *pebble.DB
	seq    atomic.Int64
	logger zerolog.Logger
}

func OpenOutbox(dir string) (*Outbox, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open outbox %s: %w", dir, err)
	}
	o := &Outbox{
		db:     db,
		logger: log.With().Str("component", "outbox").Logger(),
	}
	o.seq.Store(time.Now().UnixNano())
	return o, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

// Append stores e behind every event appended before it.
func (o *Outbox) Append(e Event) error {
	val, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return o.db.Set(o.nextKey(), val, pebble.Sync)
}

func (o *Outbox) nextKey() []byte {
	return []byte(fmt.Sprintf("event/%020d", o.seq.Add(1)))
}

// Pending is an event still in the outbox together with its key.
type Pending struct {
	Key   []byte
	Event Event
}

// Peek returns up to limit events in append order.
func (o *Outbox) Peek(limit int) ([]Pending, error) {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: keyPrefix,
		UpperBound: keyUpper,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Pending
	for iter.First(); iter.Valid() && (limit <= 0 || len(out) < limit); iter.Next() {
		var e Event
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		key := append([]byte(nil), iter.Key()...)
		out = append(out, Pending{Key: key, Event: e})
	}
	return out, iter.Error()
}

// Delete removes a published event.
func (o *Outbox) Delete(key []byte) error {
	return o.db.Delete(key, pebble.Sync)
}

// OnTransition records every committed pool transition.
func (o *Outbox) OnTransition(_ context.Context, t pool.Transition) {
	e := FromTransition(t)
	if err := o.Append(e); err != nil {
		o.logger.Error().Err(err).Str("order_id", e.OrderID).Str("status", string(e.Status)).Msg("event not recorded")
	}
}
