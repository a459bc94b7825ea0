// Package publisher relays accepted ticks to Redis for out-of-process
// consumers: a capped stream per symbol for replay plus a pub/sub channel
// for live fan-out. The relay is optional; when REDIS_URL is unset the
// rest of the service runs without it.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"fxlens-tickd/internal/aggregator"
	"fxlens-tickd/internal/metrics"
)

const (
	// queueSize bounds the relay backlog. The tick path never blocks on
	// Redis; overflow is dropped and counted.
	queueSize = 1024

	// streamMaxLen caps each per-symbol stream, trimmed approximately.
	streamMaxLen = 10000

	// publishTimeout bounds each Redis round trip.
	publishTimeout = 5 * time.Second
)

// TickRelay forwards ticks to Redis. A nil relay is valid and drops
// everything, so callers can wire it unconditionally.
type TickRelay struct {
	client *redis.Client
	queue  chan *aggregator.TickUpdate
}

// NewFromURL connects to the Redis instance named by url ("redis://...").
// An empty url disables the relay: the returned relay is nil and every
// method on it is a no-op.
func NewFromURL(ctx context.Context, url string) (*TickRelay, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &TickRelay{
		client: client,
		queue:  make(chan *aggregator.TickUpdate, queueSize),
	}, nil
}

// Offer queues one tick for publishing. Never blocks.
func (r *TickRelay) Offer(tick *aggregator.TickUpdate) {
	if r == nil {
		return
	}
	select {
	case r.queue <- tick:
	default:
		metrics.RelayDropped.Inc()
	}
}

// Run drains the queue until ctx is cancelled. Ticks still queued at
// shutdown are dropped.
func (r *TickRelay) Run(ctx context.Context) {
	if r == nil {
		return
	}
	for {
		select {
		case tick := <-r.queue:
			r.publish(ctx, tick)
		case <-ctx.Done():
			return
		}
	}
}

// publish writes one tick to the symbol's stream and pub/sub channel. Both
// writes are best-effort: failures are counted and logged, never retried.
func (r *TickRelay) publish(ctx context.Context, tick *aggregator.TickUpdate) {
	data, err := json.Marshal(tick)
	if err != nil {
		log.Error().Err(err).Str("symbol", tick.Symbol).Msg("Marshaling tick for relay")
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	streamKey := fmt.Sprintf("ticks:%s", tick.Symbol)
	timer := metrics.NewTimer()
	err = r.client.XAdd(opCtx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err()
	timer.ObserveDuration(metrics.RelayPublishDuration, "stream")
	if err != nil {
		metrics.RelayPublishErrors.WithLabelValues("stream").Inc()
		log.Warn().Err(err).Str("stream", streamKey).Msg("Relay XADD failed")
	}

	channel := fmt.Sprintf("tick:%s", tick.Symbol)
	timer = metrics.NewTimer()
	err = r.client.Publish(opCtx, channel, string(data)).Err()
	timer.ObserveDuration(metrics.RelayPublishDuration, "pubsub")
	if err != nil {
		metrics.RelayPublishErrors.WithLabelValues("pubsub").Inc()
		log.Warn().Err(err).Str("channel", channel).Msg("Relay publish failed")
	}
}

// Close tears down the Redis connection.
func (r *TickRelay) Close() error {
	if r == nil {
		return nil
	}
	return r.client.Close()
}
