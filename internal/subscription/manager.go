// Package subscription multiplexes client symbol interest onto single broker
// spot subscriptions. Each symbol has one refcounted entry owning one
// aggregator goroutine; any number of gateway clients attach to the entry as
// listeners and share its event stream.
package subscription

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"fxlens-tickd/internal/aggregator"
	"fxlens-tickd/internal/catalog"
	"fxlens-tickd/internal/metrics"
	"fxlens-tickd/internal/openapi"
)

// unsubscribeTimeout bounds the fire-and-forget broker unsubscribe issued
// when a refcount reaches zero.
const unsubscribeTimeout = 10 * time.Second

// Session is the slice of the broker session the manager drives: correlated
// requests plus event-handler registration.
type Session interface {
	Request(ctx context.Context, payloadType uint32, params map[string]any) (openapi.Frame, error)
	Handle(payloadType uint32, fn func(openapi.Frame))
	AccountID() int64
}

// Catalog resolves symbol names to broker metadata.
type Catalog interface {
	EnsureMetadata(ctx context.Context, name string) (catalog.Symbol, error)
}

// Subscriber receives one symbol's broadcasts. Callbacks run on the
// aggregator goroutine and must not block; hand the event to an owned queue.
type Subscriber interface {
	OnSnapshot(*aggregator.Snapshot)
	OnTick(*aggregator.TickUpdate)
}

// Config wires the manager's collaborators and per-symbol tunables.
type Config struct {
	Session Session
	Catalog Catalog

	ADRWindow  int
	ClassifyBy string

	// TickSink, when set, observes every broadcast tick after client
	// fan-out. The Redis relay hangs off this. Must not block.
	TickSink func(*aggregator.TickUpdate)
}

// entry is one symbol's shared state: refcount, aggregator, and the
// copy-on-write listener slice. The entry mutex serializes acquire/release
// for its symbol; entries for different symbols never contend.
type entry struct {
	mu     sync.Mutex
	refs   int
	dead   bool
	sym    catalog.Symbol
	agg    *aggregator.Aggregator
	cancel context.CancelFunc

	active atomic.Bool  // broker subscribe acknowledged
	subs   atomic.Value // []Subscriber, replaced wholesale on attach/detach
}

// subscribers returns the current listener snapshot without locking.
func (e *entry) subscribers() []Subscriber {
	subs, _ := e.subs.Load().([]Subscriber)
	return subs
}

func (e *entry) attach(sub Subscriber) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur := e.subscribers()
	next := make([]Subscriber, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, sub)
	e.subs.Store(next)
}

func (e *entry) detach(sub Subscriber) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur := e.subscribers()
	next := make([]Subscriber, 0, len(cur))
	for _, s := range cur {
		if s != sub {
			next = append(next, s)
		}
	}
	e.subs.Store(next)
}

func (e *entry) broadcastSnapshot(s *aggregator.Snapshot) {
	for _, sub := range e.subscribers() {
		sub.OnSnapshot(s)
	}
}

// Manager owns the symbol registry. The registry mutex covers only map
// lookups and inserts; broker calls happen under the per-entry lock.
type Manager struct {
	cfg Config

	mu      sync.RWMutex
	entries map[string]*entry // canonical symbol name → entry
	byID    map[int64]*entry  // broker symbolId → entry, for spot routing

	rootCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager builds the manager and registers its spot-event route on the
// session. Call before Session.Run.
func NewManager(cfg Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		entries: make(map[string]*entry),
		byID:    make(map[int64]*entry),
		rootCtx: ctx,
		stop:    cancel,
	}
	cfg.Session.Handle(openapi.PayloadTypeSpotEvent, m.onSpotEvent)
	return m
}

// Acquire claims a subscription on the named symbol. The first acquirer
// resolves metadata, subscribes at the broker, starts the aggregator, and
// kicks priming; concurrent acquirers of the same symbol block until that
// setup finishes and then share it. A broker rejection evicts the entry and
// propagates, leaving nothing behind.
func (m *Manager) Acquire(ctx context.Context, name string) (*Handle, error) {
	key := canonical(name)
	for {
		m.mu.Lock()
		e, ok := m.entries[key]
		if !ok {
			e = &entry{}
			m.entries[key] = e
		}
		m.mu.Unlock()

		e.mu.Lock()
		if e.dead {
			// Lost a race with a teardown; start over on a fresh entry.
			e.mu.Unlock()
			continue
		}
		if e.refs > 0 {
			e.refs++
			e.mu.Unlock()
			return &Handle{m: m, key: key, e: e}, nil
		}
		h, err := m.setup(ctx, key, e)
		if err != nil {
			e.dead = true
			e.mu.Unlock()
			m.evict(key, e, e.sym.ID)
			return nil, err
		}
		e.mu.Unlock()
		return h, nil
	}
}

// setup runs the first-acquirer path with e.mu held: metadata, broker
// subscribe, aggregator start, priming kick.
func (m *Manager) setup(ctx context.Context, key string, e *entry) (*Handle, error) {
	sym, err := m.cfg.Catalog.EnsureMetadata(ctx, key)
	if err != nil {
		metrics.SubscribeFailures.WithLabelValues("catalog").Inc()
		return nil, fmt.Errorf("resolving %s: %w", key, err)
	}
	e.sym = sym

	_, err = m.cfg.Session.Request(ctx, openapi.PayloadTypeSubscribeSpotsReq, map[string]any{
		"ctidTraderAccountId": m.cfg.Session.AccountID(),
		"symbolId":            []int64{sym.ID},
	})
	if err != nil {
		metrics.SubscribeFailures.WithLabelValues("broker").Inc()
		return nil, fmt.Errorf("subscribing %s: %w", key, err)
	}

	// Live daily bars ride later spot events and drive session rollover.
	// Losing them degrades rollover detection, not the tick stream.
	if err := m.subscribeDailyBars(ctx, sym.ID); err != nil {
		log.Warn().Err(err).Str("symbol", sym.Name).Msg("Live trendbar subscription failed")
	}

	agg := aggregator.New(aggregator.Config{
		Symbol:            sym.Name,
		Digits:            sym.Digits,
		PipPosition:       sym.PipPosition,
		ADRWindow:         m.cfg.ADRWindow,
		ClassifyBy:        m.cfg.ClassifyBy,
		Primer:            &barPrimer{session: m.cfg.Session, symbolID: sym.ID},
		BroadcastSnapshot: e.broadcastSnapshot,
		BroadcastTick:     m.tickBroadcaster(e),
	})
	runCtx, cancel := context.WithCancel(m.rootCtx)
	e.agg = agg
	e.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		agg.Run(runCtx)
	}()

	m.mu.Lock()
	m.byID[sym.ID] = e
	m.mu.Unlock()

	e.refs = 1
	e.active.Store(true)
	metrics.ActiveSubscriptions.Inc()
	log.Info().Str("symbol", sym.Name).Int64("symbol_id", sym.ID).Msg("Symbol subscribed")

	// Kick priming off the acquire path; a failed attempt retries inside
	// the aggregator and the snapshot reaches listeners when it lands.
	go func() {
		if err := agg.Prime(runCtx); err != nil {
			log.Warn().Err(err).Str("symbol", sym.Name).Msg("Initial priming attempt failed")
		}
	}()

	return &Handle{m: m, key: key, e: e}, nil
}

func (m *Manager) subscribeDailyBars(ctx context.Context, symbolID int64) error {
	_, err := m.cfg.Session.Request(ctx, openapi.PayloadTypeSubscribeLiveTrendbarReq, map[string]any{
		"ctidTraderAccountId": m.cfg.Session.AccountID(),
		"symbolId":            symbolID,
		"period":              openapi.TrendbarPeriodD1,
	})
	return err
}

// release drops one reference. The last reference tears the entry down:
// aggregator cancelled, registry slot evicted, broker unsubscribe issued
// without waiting for its ack.
func (m *Manager) release(key string, e *entry) {
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		e.mu.Unlock()
		return
	}
	e.dead = true
	e.active.Store(false)
	e.cancel()
	sym := e.sym
	e.mu.Unlock()

	m.evict(key, e, sym.ID)
	metrics.ActiveSubscriptions.Dec()
	log.Info().Str("symbol", sym.Name).Msg("Symbol unsubscribed")

	go m.unsubscribeSpots(sym)
}

func (m *Manager) evict(key string, e *entry, id int64) {
	m.mu.Lock()
	if m.entries[key] == e {
		delete(m.entries, key)
	}
	if id != 0 && m.byID[id] == e {
		delete(m.byID, id)
	}
	m.mu.Unlock()
}

func (m *Manager) unsubscribeSpots(sym catalog.Symbol) {
	ctx, cancel := context.WithTimeout(m.rootCtx, unsubscribeTimeout)
	defer cancel()
	_, err := m.cfg.Session.Request(ctx, openapi.PayloadTypeUnsubscribeLiveTrendbarReq, map[string]any{
		"ctidTraderAccountId": m.cfg.Session.AccountID(),
		"symbolId":            sym.ID,
		"period":              openapi.TrendbarPeriodD1,
	})
	if err != nil {
		log.Debug().Err(err).Str("symbol", sym.Name).Msg("Live trendbar unsubscribe failed")
	}
	_, err = m.cfg.Session.Request(ctx, openapi.PayloadTypeUnsubscribeSpotsReq, map[string]any{
		"ctidTraderAccountId": m.cfg.Session.AccountID(),
		"symbolId":            []int64{sym.ID},
	})
	if err != nil {
		log.Warn().Err(err).Str("symbol", sym.Name).Msg("Broker unsubscribe failed")
	}
}

// ActiveSymbols returns the symbols currently subscribed at the broker,
// sorted for stable logs.
func (m *Manager) ActiveSymbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.entries))
	for name, e := range m.entries {
		if e.active.Load() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Resubscribe replays every active subscription after a broker reconnect
// with one batched subscribe-spots, then re-primes each aggregator: sessions
// may have rolled over during the outage.
func (m *Manager) Resubscribe(ctx context.Context) {
	m.mu.RLock()
	live := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.active.Load() {
			live = append(live, e)
		}
	}
	m.mu.RUnlock()
	if len(live) == 0 {
		return
	}
	sort.Slice(live, func(i, j int) bool { return live[i].sym.ID < live[j].sym.ID })

	ids := make([]int64, len(live))
	for i, e := range live {
		ids[i] = e.sym.ID
	}
	_, err := m.cfg.Session.Request(ctx, openapi.PayloadTypeSubscribeSpotsReq, map[string]any{
		"ctidTraderAccountId": m.cfg.Session.AccountID(),
		"symbolId":            ids,
	})
	if err != nil {
		log.Error().Err(err).Int("symbols", len(ids)).Msg("Subscription replay failed")
		return
	}
	for _, e := range live {
		if err := m.subscribeDailyBars(ctx, e.sym.ID); err != nil {
			log.Warn().Err(err).Str("symbol", e.sym.Name).Msg("Live trendbar replay failed")
		}
		e.agg.Reprime()
	}
	log.Info().Int("symbols", len(ids)).Msg("Subscriptions replayed after reconnect")
}

// Close cancels every aggregator and waits for them to stop. Broker
// unsubscribes are skipped: the session is shutting down with us.
func (m *Manager) Close() {
	m.stop()
	m.wg.Wait()
}

// onSpotEvent routes one broker spot event to its symbol's aggregator. It
// runs on the session reader goroutine, so it only converts and enqueues.
func (m *Manager) onSpotEvent(f openapi.Frame) {
	id := f.Int64("symbolId")
	m.mu.RLock()
	e := m.byID[id]
	m.mu.RUnlock()
	if e == nil {
		// Released already, or an event for a symbol we never held.
		return
	}

	t := aggregator.Tick{
		HasBid: f.Has("bid"),
		HasAsk: f.Has("ask"),
	}
	if t.HasBid {
		t.Bid = float64(f.Uint64("bid")) / openapi.PriceDivisor
	}
	if t.HasAsk {
		t.Ask = float64(f.Uint64("ask")) / openapi.PriceDivisor
	}
	if ms := f.Int64("timestamp"); ms > 0 {
		t.At = time.UnixMilli(ms)
	}
	for _, tb := range f.Messages("trendbar") {
		t.Bars = append(t.Bars, openapi.DecodeTrendbar(tb))
	}
	e.agg.Offer(t)
}

func (m *Manager) tickBroadcaster(e *entry) func(*aggregator.TickUpdate) {
	return func(t *aggregator.TickUpdate) {
		for _, sub := range e.subscribers() {
			sub.OnTick(t)
		}
		if m.cfg.TickSink != nil {
			m.cfg.TickSink(t)
		}
	}
}

func canonical(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// Handle is one client's claim on a symbol subscription. Release is
// idempotent per handle; Attach and Detach manage the caller's listener on
// the shared entry.
type Handle struct {
	m        *Manager
	key      string
	e        *entry
	released atomic.Bool
}

// Symbol returns the resolved broker metadata for the held symbol.
func (h *Handle) Symbol() catalog.Symbol { return h.e.sym }

// Attach registers a listener for the symbol's snapshots and ticks.
func (h *Handle) Attach(sub Subscriber) {
	if h.released.Load() {
		return
	}
	h.e.attach(sub)
}

// Detach removes a previously attached listener.
func (h *Handle) Detach(sub Subscriber) {
	h.e.detach(sub)
}

// RequestSnapshot asks the aggregator for a fresh snapshot; fn runs on the
// aggregator goroutine once state is ready. Before priming completes the
// request is dropped, because the priming broadcast reaches every attached
// listener anyway.
func (h *Handle) RequestSnapshot(fn func(*aggregator.Snapshot)) {
	h.e.agg.RequestSnapshot(fn)
}

// Release returns this claim. The entry is torn down when the last claim
// goes; extra calls on the same handle are no-ops.
func (h *Handle) Release() {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	h.m.release(h.key, h.e)
}
