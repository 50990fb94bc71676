package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ksred/p2p-bridge/internal/pool"
	"github.com/shopspring/decimal"
)

func openTestOutbox(t *testing.T) *Outbox {
	t.Helper()
	o, err := OpenOutbox(t.TempDir())
	if err != nil {
		t.Fatalf("OpenOutbox() error = %v", err)
	}
	t.Cleanup(func() { o.Close() })
	return o
}

type memPublisher struct {
	got    []Event
	failAt int
}

func (p *memPublisher) Publish(_ context.Context, e Event) error {
	if p.failAt > 0 && len(p.got)+1 == p.failAt {
		p.failAt = 0
		return errors.New("broker down")
	}
	p.got = append(p.got, e)
	return nil
}

func (p *memPublisher) Close() error { return nil }

func transition(orderID string, from, to pool.Status) pool.Transition {
	return pool.Transition{
		Order: pool.TradeOrder{OrderID: orderID, ExternalTxID: "TX-" + orderID, FiatAmount: decimal.NewFromInt(30000)},
		From:  from,
		To:    to,
		At:    time.Now(),
	}
}

func TestOutboxKeepsOrder(t *testing.T) {
	o := openTestOutbox(t)

	o.OnTransition(context.Background(), transition("o1", "", pool.StatusPending))
	o.OnTransition(context.Background(), transition("o1", pool.StatusPending, pool.StatusAccepted))
	o.OnTransition(context.Background(), transition("o1", pool.StatusAccepted, pool.StatusActive))

	pending, err := o.Peek(0)
	if err != nil {
		t.Fatal(err)
	}
	want := []pool.Status{pool.StatusPending, pool.StatusAccepted, pool.StatusActive}
	if len(pending) != len(want) {
		t.Fatalf("Peek() returned %d events, want %d", len(pending), len(want))
	}
	for i, p := range pending {
		if p.Event.Status != want[i] {
			t.Errorf("event %d status = %s, want %s", i, p.Event.Status, want[i])
		}
	}
	if pending[0].Event.Type != OrderCreated || pending[1].Event.Type != OrderMoved {
		t.Errorf("types = %s, %s", pending[0].Event.Type, pending[1].Event.Type)
	}
}

func TestRelayFlushStopsAtFailure(t *testing.T) {
	ctx := context.Background()
	o := openTestOutbox(t)
	for _, s := range []pool.Status{pool.StatusPending, pool.StatusAccepted, pool.StatusActive} {
		o.OnTransition(ctx, transition("o1", "", s))
	}

	pub := &memPublisher{failAt: 2}
	r := NewRelay(o, pub, time.Second)

	n, err := r.Flush(ctx)
	if err == nil || n != 1 {
		t.Fatalf("Flush() = %d, %v; want 1 and an error", n, err)
	}
	left, _ := o.Peek(0)
	if len(left) != 2 {
		t.Fatalf("outbox holds %d events, want 2", len(left))
	}

	n, err = r.Flush(ctx)
	if err != nil || n != 2 {
		t.Fatalf("second Flush() = %d, %v", n, err)
	}
	if len(pub.got) != 3 || pub.got[2].Status != pool.StatusActive {
		t.Errorf("published = %+v", pub.got)
	}
	if left, _ := o.Peek(0); len(left) != 0 {
		t.Errorf("outbox not drained: %d", len(left))
	}
}

func TestOutboxSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	o, err := OpenOutbox(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Append(Event{ID: "e1", OrderID: "o1"}); err != nil {
		t.Fatal(err)
	}
	if err := o.Close(); err != nil {
		t.Fatal(err)
	}

	o, err = OpenOutbox(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer o.Close()
	pending, err := o.Peek(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Event.ID != "e1" {
		t.Errorf("after reopen = %+v", pending)
	}
}
