package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"fxlens-tickd/internal/aggregator"
	"fxlens-tickd/internal/metrics"
)

func TestNewFromURL_EmptyDisablesRelay(t *testing.T) {
	relay, err := NewFromURL(context.Background(), "")
	if err != nil {
		t.Fatalf("NewFromURL with no url: %v", err)
	}
	if relay != nil {
		t.Fatal("relay should be nil when no url is configured")
	}

	// Every method on the nil relay is a no-op.
	relay.Offer(&aggregator.TickUpdate{Symbol: "EURUSD"})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	relay.Run(ctx)
	if err := relay.Close(); err != nil {
		t.Fatalf("Close on nil relay: %v", err)
	}
}

func TestNewFromURL_RejectsBadURL(t *testing.T) {
	if _, err := NewFromURL(context.Background(), "://nope"); err == nil {
		t.Fatal("expected an error for a malformed url")
	}
}

func TestOffer_DropsWhenBacklogFull(t *testing.T) {
	relay := &TickRelay{queue: make(chan *aggregator.TickUpdate, 2)}
	before := testutil.ToFloat64(metrics.RelayDropped)

	for i := 0; i < 3; i++ {
		relay.Offer(&aggregator.TickUpdate{Symbol: "EURUSD", Bid: float64(i)})
	}

	if n := len(relay.queue); n != 2 {
		t.Fatalf("queued = %d, want 2", n)
	}
	if got := testutil.ToFloat64(metrics.RelayDropped) - before; got != 1 {
		t.Fatalf("dropped delta = %v, want 1", got)
	}

	first := <-relay.queue
	if first.Bid != 0 {
		t.Fatalf("first queued bid = %v, want arrival order preserved", first.Bid)
	}
}
