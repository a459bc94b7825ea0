package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics for the tick distribution service
var (
	// Tick metrics
	TicksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickd_ticks_received_total",
			Help: "Total number of spot ticks received from the broker",
		},
		[]string{"symbol"},
	)

	TicksDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickd_ticks_dropped_total",
			Help: "Ticks dropped before aggregation (inbox overflow or malformed)",
		},
		[]string{"symbol", "reason"},
	)

	TicksCoalesced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickd_ticks_coalesced_total",
			Help: "Ticks replaced by a newer one in a client's pending slot",
		},
		[]string{"symbol"},
	)

	QuoteBid = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tickd_bid",
			Help: "Last bid price seen per symbol",
		},
		[]string{"symbol"},
	)

	QuoteAsk = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tickd_ask",
			Help: "Last ask price seen per symbol",
		},
		[]string{"symbol"},
	)

	VolatilityPct = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tickd_volatility_pct",
			Help: "Current volatility estimate as a percentage of ADR",
		},
		[]string{"symbol"},
	)

	// Broker session metrics
	BrokerConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tickd_broker_connected",
			Help: "Broker session status (1=account authed, 0=down)",
		},
	)

	BrokerReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tickd_broker_reconnects_total",
			Help: "Total number of broker reconnect attempts",
		},
	)

	BrokerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickd_broker_requests_total",
			Help: "Broker requests by message name and outcome",
		},
		[]string{"message", "outcome"},
	)

	BrokerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tickd_broker_request_duration_seconds",
			Help:    "Round-trip time of correlated broker requests",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"message"},
	)

	UnknownFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tickd_broker_unknown_frames_total",
			Help: "Inbound frames with a payload type missing from the schema",
		},
	)

	OrphanResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tickd_broker_orphan_responses_total",
			Help: "Correlated responses that arrived after their waiter was gone",
		},
	)

	// Subscription metrics
	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tickd_active_subscriptions",
			Help: "Symbols currently subscribed at the broker",
		},
	)

	SubscribeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickd_subscribe_failures_total",
			Help: "Symbol subscriptions rejected by the broker or catalog",
		},
		[]string{"reason"},
	)

	PrimingRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickd_priming_retries_total",
			Help: "Trend-bar priming attempts that failed and were rescheduled",
		},
		[]string{"symbol"},
	)

	// Gateway metrics
	ClientsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tickd_clients_connected",
			Help: "Currently connected WebSocket clients",
		},
	)

	ClientMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickd_client_messages_total",
			Help: "Inbound client messages by type",
		},
		[]string{"type"},
	)

	ClientBadFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tickd_client_bad_frames_total",
			Help: "Client frames that failed to parse",
		},
	)

	SlowConsumerCloses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tickd_slow_consumer_closes_total",
			Help: "Connections closed because the outbound queue stayed full",
		},
	)

	// Redis relay metrics
	RelayPublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tickd_relay_publish_duration_seconds",
			Help:    "Time to publish a tick to Redis",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		},
		[]string{"channel"},
	)

	RelayPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickd_relay_publish_errors_total",
			Help: "Total number of Redis publish errors",
		},
		[]string{"channel"},
	)

	RelayDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tickd_relay_dropped_total",
			Help: "Ticks dropped because the relay queue was full",
		},
	)
)

// Timer is a helper for measuring operation duration
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram
func (t *Timer) ObserveDuration(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// RecordTick records a spot tick accepted for aggregation
func RecordTick(symbol string, bid, ask float64) {
	TicksReceived.WithLabelValues(symbol).Inc()
	if bid > 0 {
		QuoteBid.WithLabelValues(symbol).Set(bid)
	}
	if ask > 0 {
		QuoteAsk.WithLabelValues(symbol).Set(ask)
	}
}

// RecordTickDropped records a tick discarded before aggregation
func RecordTickDropped(symbol, reason string) {
	TicksDropped.WithLabelValues(symbol, reason).Inc()
}

// RecordBrokerStatus records the broker session status
func RecordBrokerStatus(connected bool) {
	status := 0.0
	if connected {
		status = 1.0
	}
	BrokerConnected.Set(status)
}

// RecordBrokerRequest records the outcome of one correlated request
func RecordBrokerRequest(message, outcome string, elapsed time.Duration) {
	BrokerRequests.WithLabelValues(message, outcome).Inc()
	BrokerRequestDuration.WithLabelValues(message).Observe(elapsed.Seconds())
}

// RecordReconnect records a broker reconnection attempt
func RecordReconnect() {
	BrokerReconnects.Inc()
}

// Register mounts the Prometheus and health endpoints on the given mux,
// alongside the WebSocket endpoint served by the gateway.
func Register(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}
