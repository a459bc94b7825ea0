// Package aggregator derives per-symbol session state from the raw spot
// stream: latest quote, session OHLC, average-daily-range projections, a
// bucketed market profile, and a decaying volatility estimate.
//
// One goroutine owns one symbol's state. The broker feed and control
// operations reach it only through bounded channels, so no mutation ever
// races a read; consumers receive immutable value snapshots.
package aggregator

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"fxlens-tickd/internal/metrics"
	"fxlens-tickd/internal/openapi"
)

// Classification price for market-profile bucketing.
const (
	ClassifyMid = "mid"
	ClassifyBid = "bid"
)

const (
	defaultInboxSize  = 1024
	defaultADRWindow  = 5
	defaultPrimeRetry = 5 * time.Second

	// staleAfter drops ticks whose broker timestamp lags the wall clock far
	// enough that they would corrupt the session figures.
	staleAfter = 5 * time.Minute

	// rangeHistory caps how many completed daily ranges are retained so the
	// ADR window can be widened at runtime without a refetch.
	rangeHistory = 30
)

// volTau is the volatility decay constant for a 30-second half-life,
// in seconds.
var volTau = 30.0 / math.Ln2

var errStopped = errors.New("aggregator: stopped")

// Tick is one spot update from the broker. The broker may quote only one
// side per event; Has flags carry field presence. Bars holds any live
// trendbar updates that rode the same event.
type Tick struct {
	Bid    float64
	Ask    float64
	HasBid bool
	HasAsk bool
	At     time.Time
	Bars   []openapi.TrendBar
}

// Primer fetches the historical bars that seed a symbol's session state.
type Primer interface {
	DailyBars(ctx context.Context, window int) ([]openapi.TrendBar, error)
	MinuteBars(ctx context.Context, since time.Time) ([]openapi.TrendBar, error)
}

// Config carries the per-symbol wiring. Broadcast funcs are invoked from the
// aggregator goroutine and must not block; either may be nil.
type Config struct {
	Symbol      string
	Digits      int32
	PipPosition int32

	ADRWindow  int    // completed daily bars in the ADR mean
	ClassifyBy string // ClassifyMid or ClassifyBid
	InboxSize  int
	PrimeRetry time.Duration

	Primer Primer

	BroadcastSnapshot func(*Snapshot)
	BroadcastTick     func(*TickUpdate)
}

func (c Config) withDefaults() Config {
	if c.ADRWindow <= 0 {
		c.ADRWindow = defaultADRWindow
	}
	if c.ClassifyBy != ClassifyBid {
		c.ClassifyBy = ClassifyMid
	}
	if c.InboxSize <= 0 {
		c.InboxSize = defaultInboxSize
	}
	if c.PrimeRetry <= 0 {
		c.PrimeRetry = defaultPrimeRetry
	}
	return c
}

type command interface{ isCommand() }

type primeCmd struct{ done chan error }

type primeResult struct {
	daily  []openapi.TrendBar
	minute []openapi.TrendBar
	err    error
}

type snapshotReq struct{ fn func(*Snapshot) }

type configCmd struct {
	window   int
	classify string
}

func (primeCmd) isCommand()    {}
func (primeResult) isCommand() {}
func (snapshotReq) isCommand() {}
func (configCmd) isCommand()   {}

// Aggregator owns one symbol's derived state. Construct with New, start the
// loop with Run, feed it with Offer, and read it through snapshots.
type Aggregator struct {
	cfg  Config
	in   chan Tick
	ctrl chan command
	done chan struct{}

	// Everything below is owned by the Run goroutine.
	window     int
	classifyBy string

	bid, ask, mid float64
	hasBid        bool
	hasAsk        bool
	hasPrice      bool
	direction     Direction
	lastAt        time.Time

	open, high, low float64
	prevClose       float64
	hasSession      bool
	anchor          time.Time

	ranges   []float64
	adrValue float64
	projHigh float64
	projLow  float64

	prof *profile

	vol   float64
	volAt time.Time

	ready        bool
	priming      bool
	retryAt      time.Time
	primeWaiters []chan error
}

// New builds an aggregator; Run must be started for it to make progress.
func New(cfg Config) *Aggregator {
	cfg = cfg.withDefaults()
	return &Aggregator{
		cfg:        cfg,
		in:         make(chan Tick, cfg.InboxSize),
		ctrl:       make(chan command, 16),
		done:       make(chan struct{}),
		window:     cfg.ADRWindow,
		classifyBy: cfg.ClassifyBy,
		prof:       newProfile(cfg.PipPosition),
	}
}

// Run processes the inbox until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	defer close(a.done)
	housekeep := time.NewTicker(time.Second)
	defer housekeep.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-a.in:
			a.handleTick(t)
		case c := <-a.ctrl:
			a.handleCommand(ctx, c)
		case now := <-housekeep.C:
			a.housekeep(ctx, now)
		}
	}
}

// Offer enqueues one spot update without blocking. When the inbox is full the
// oldest queued update is discarded: ticks are coalesceable, and bar updates
// repeat on the next event.
func (a *Aggregator) Offer(t Tick) {
	for {
		select {
		case a.in <- t:
			return
		case <-a.done:
			return
		default:
		}
		select {
		case <-a.in:
			metrics.RecordTickDropped(a.cfg.Symbol, "overflow")
		default:
		}
	}
}

// Prime kicks a priming fetch and waits for that attempt to finish. A failed
// attempt is not fatal: the loop retries on a timer, and the error is
// returned so the caller can log it.
func (a *Aggregator) Prime(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case a.ctrl <- primeCmd{done: done}:
	case <-a.done:
		return errStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-a.done:
		return errStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reprime kicks a priming fetch without waiting. Used on broker reconnect to
// rebuild session state that may have rolled over during the outage.
func (a *Aggregator) Reprime() {
	select {
	case a.ctrl <- primeCmd{}:
	case <-a.done:
	}
}

// RequestSnapshot asks the loop for a fresh snapshot. fn runs on the
// aggregator goroutine once state is ready; if priming has not completed yet
// the request is dropped, because the priming broadcast will reach every
// attached subscriber anyway.
func (a *Aggregator) RequestSnapshot(fn func(*Snapshot)) {
	select {
	case a.ctrl <- snapshotReq{fn: fn}:
	case <-a.done:
	}
}

// UpdateConfig changes the ADR window and classification price at runtime.
// Zero values leave the current setting untouched.
func (a *Aggregator) UpdateConfig(adrWindow int, classifyBy string) {
	select {
	case a.ctrl <- configCmd{window: adrWindow, classify: classifyBy}:
	case <-a.done:
	}
}

func (a *Aggregator) handleCommand(ctx context.Context, cmd command) {
	switch c := cmd.(type) {
	case primeCmd:
		if c.done != nil {
			a.primeWaiters = append(a.primeWaiters, c.done)
		}
		a.startPriming(ctx)
	case primeResult:
		a.priming = false
		if c.err != nil {
			metrics.PrimingRetries.WithLabelValues(a.cfg.Symbol).Inc()
			log.Warn().Err(c.err).Str("symbol", a.cfg.Symbol).
				Dur("retry_in", a.cfg.PrimeRetry).Msg("Priming failed")
			a.retryAt = time.Now().Add(a.cfg.PrimeRetry)
			a.notifyPrimeWaiters(c.err)
			return
		}
		a.applyPriming(c.daily, c.minute)
		a.notifyPrimeWaiters(nil)
		a.broadcastSnapshot()
	case snapshotReq:
		if a.ready && c.fn != nil {
			c.fn(a.buildSnapshot())
		}
	case configCmd:
		if c.window > 0 {
			a.window = c.window
		}
		if c.classify == ClassifyMid || c.classify == ClassifyBid {
			a.classifyBy = c.classify
		}
		a.recomputeADR()
		if a.ready {
			a.broadcastSnapshot()
		}
	}
}

func (a *Aggregator) housekeep(ctx context.Context, now time.Time) {
	if !a.retryAt.IsZero() && now.After(a.retryAt) {
		a.retryAt = time.Time{}
		a.startPriming(ctx)
	}
	if a.ready && a.hasPrice {
		metrics.VolatilityPct.WithLabelValues(a.cfg.Symbol).Set(a.volatilityPct(now))
	}
}

func (a *Aggregator) startPriming(ctx context.Context) {
	if a.priming || a.cfg.Primer == nil {
		return
	}
	a.priming = true
	a.retryAt = time.Time{}
	window := a.window
	go a.fetchPrime(ctx, window)
}

// fetchPrime runs the blocking broker requests off the loop goroutine so
// ticks keep flowing while history loads.
func (a *Aggregator) fetchPrime(ctx context.Context, window int) {
	var res primeResult
	res.daily, res.err = a.cfg.Primer.DailyBars(ctx, window)
	if res.err == nil {
		res.minute, res.err = a.cfg.Primer.MinuteBars(ctx, sessionStart(res.daily, time.Now()))
	}
	select {
	case a.ctrl <- res:
	case <-ctx.Done():
	}
}

func (a *Aggregator) notifyPrimeWaiters(err error) {
	for _, w := range a.primeWaiters {
		w <- err
	}
	a.primeWaiters = nil
}

// sessionStart returns the start of the trading day covering now, taken from
// the newest daily bar when that bar is still open, or the zero time when the
// current session has no bar yet.
func sessionStart(daily []openapi.TrendBar, now time.Time) time.Time {
	var latest time.Time
	for _, b := range daily {
		if b.Timestamp.After(latest) {
			latest = b.Timestamp
		}
	}
	if !latest.IsZero() && now.Sub(latest) < 24*time.Hour {
		return latest
	}
	return time.Time{}
}

// applyPriming replaces the session figures wholesale from fetched history.
// It runs both on first priming and on reconnect re-priming.
func (a *Aggregator) applyPriming(daily, minute []openapi.TrendBar) {
	now := time.Now()

	var bars []openapi.TrendBar
	for _, b := range daily {
		if !b.Timestamp.IsZero() {
			bars = append(bars, b)
		}
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })

	var current *openapi.TrendBar
	if n := len(bars); n > 0 && now.Sub(bars[n-1].Timestamp) < 24*time.Hour {
		current = &bars[n-1]
		bars = bars[:n-1]
	}

	a.ranges = a.ranges[:0]
	for _, b := range bars {
		a.pushRange(b.High - b.Low)
	}
	if n := len(bars); n > 0 {
		a.prevClose = bars[n-1].Close
		a.anchor = bars[n-1].Timestamp
	} else {
		a.anchor = time.Time{}
	}
	if current != nil {
		a.anchor = current.Timestamp
	}

	var mins []openapi.TrendBar
	for _, b := range minute {
		if !b.Timestamp.IsZero() {
			mins = append(mins, b)
		}
	}
	sort.Slice(mins, func(i, j int) bool { return mins[i].Timestamp.Before(mins[j].Timestamp) })

	a.prof.reset()
	a.hasSession = false
	switch {
	case len(mins) > 0:
		a.open = mins[0].Open
		hi, lo := math.Inf(-1), math.Inf(1)
		prev := math.NaN()
		for _, b := range mins {
			if b.High > hi {
				hi = b.High
			}
			if b.Low < lo {
				lo = b.Low
			}
			// Each bar contributes its OHLC points as pseudo-ticks; the
			// first point of the session has nothing to compare against and
			// counts as flat.
			for _, p := range [4]float64{b.Open, b.High, b.Low, b.Close} {
				d := DirectionFlat
				if !math.IsNaN(prev) {
					if p > prev {
						d = DirectionUp
					} else if p < prev {
						d = DirectionDown
					}
				}
				a.prof.record(p, d)
				prev = p
			}
		}
		a.high, a.low = hi, lo
		a.hasSession = true
	case current != nil:
		a.open = current.Open
		a.high, a.low = current.High, current.Low
		a.hasSession = true
	}
	if a.hasSession && a.hasPrice {
		if a.mid > a.high {
			a.high = a.mid
		}
		if a.mid < a.low {
			a.low = a.mid
		}
	}

	a.recomputeADR()
	a.ready = true
	log.Info().Str("symbol", a.cfg.Symbol).
		Int("daily_bars", len(bars)).Int("minute_bars", len(mins)).
		Float64("adr", a.adrValue).Msg("Symbol primed")
}

func (a *Aggregator) pushRange(r float64) {
	a.ranges = append(a.ranges, r)
	if len(a.ranges) > rangeHistory {
		a.ranges = a.ranges[len(a.ranges)-rangeHistory:]
	}
}

// recomputeADR refreshes the ADR mean over the configured window and, when a
// session is open, re-anchors the projected range on todaysOpen.
func (a *Aggregator) recomputeADR() {
	n := a.window
	if n > len(a.ranges) {
		n = len(a.ranges)
	}
	if n == 0 {
		a.adrValue = 0
	} else {
		sum := 0.0
		for _, r := range a.ranges[len(a.ranges)-n:] {
			sum += r
		}
		a.adrValue = sum / float64(n)
	}
	if a.hasSession {
		a.projHigh = a.open + a.adrValue/2
		a.projLow = a.open - a.adrValue/2
	} else {
		a.projHigh, a.projLow = 0, 0
	}
}

func (a *Aggregator) handleTick(t Tick) {
	a.applyBars(t.Bars)

	prevBid, prevMid, hadPrice := a.bid, a.mid, a.hasPrice
	if !a.mergeQuote(t) {
		return
	}
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}

	mid := (a.bid + a.ask) / 2
	dir := DirectionFlat
	if hadPrice {
		if mid > prevMid {
			dir = DirectionUp
		} else if mid < prevMid {
			dir = DirectionDown
		}
	}

	if hadPrice {
		if !a.volAt.IsZero() {
			if dt := at.Sub(a.volAt).Seconds(); dt > 0 {
				a.vol *= math.Exp(-dt / volTau)
			}
		}
		a.vol += math.Abs(mid - prevMid)
	}
	a.volAt = at

	a.mid = mid
	a.hasPrice = true
	a.direction = dir
	a.lastAt = at
	metrics.RecordTick(a.cfg.Symbol, a.bid, a.ask)

	if !a.ready {
		// Track the quote while history loads; session figures and the
		// profile seed atomically when priming lands.
		return
	}

	if !a.hasSession {
		a.openSession(mid)
	} else {
		if mid > a.high {
			a.high = mid
		}
		if mid < a.low {
			a.low = mid
		}
	}

	price, prev := mid, prevMid
	if a.classifyBy == ClassifyBid {
		price, prev = a.bid, prevBid
	}
	pdir := DirectionFlat
	if hadPrice {
		if price > prev {
			pdir = DirectionUp
		} else if price < prev {
			pdir = DirectionDown
		}
	}
	lvl := a.prof.record(price, pdir)

	if a.cfg.BroadcastTick != nil {
		a.cfg.BroadcastTick(&TickUpdate{
			Symbol:            a.cfg.Symbol,
			Bid:               a.bid,
			Ask:               a.ask,
			Mid:               mid,
			Timestamp:         at.UnixMilli(),
			LastTickDirection: dir.String(),
			TodaysHigh:        a.high,
			TodaysLow:         a.low,
			VolatilityPct:     a.volatilityPct(at),
			ProfileDelta: []ProfileDelta{{
				Price:      lvl.Price,
				Volume:     lvl.Volume,
				BuyVolume:  lvl.BuyVolume,
				SellVolume: lvl.SellVolume,
			}},
		})
	}
}

// mergeQuote validates the update and folds present sides into the stored
// quote. It reports whether a full two-sided quote is available afterward.
func (a *Aggregator) mergeQuote(t Tick) bool {
	if (t.HasBid && !validPrice(t.Bid)) || (t.HasAsk && !validPrice(t.Ask)) {
		metrics.RecordTickDropped(a.cfg.Symbol, "malformed")
		return false
	}
	if !t.At.IsZero() && time.Since(t.At) > staleAfter {
		metrics.RecordTickDropped(a.cfg.Symbol, "stale")
		return false
	}
	if !t.HasBid && !t.HasAsk {
		return false
	}
	if t.HasBid {
		a.bid = t.Bid
		a.hasBid = true
	}
	if t.HasAsk {
		a.ask = t.Ask
		a.hasAsk = true
	}
	return a.hasBid && a.hasAsk
}

func validPrice(p float64) bool {
	return p > 0 && !math.IsNaN(p) && !math.IsInf(p, 0)
}

// openSession starts session tracking from the first live tick when priming
// found no bars for the current day.
func (a *Aggregator) openSession(mid float64) {
	a.open = mid
	a.high, a.low = mid, mid
	a.hasSession = true
	a.recomputeADR()
}

func (a *Aggregator) applyBars(bars []openapi.TrendBar) {
	for _, b := range bars {
		if b.Period != openapi.TrendbarPeriodD1 || b.Timestamp.IsZero() {
			continue
		}
		if !a.ready {
			continue
		}
		if b.Timestamp.After(a.anchor) {
			a.rollover(b)
		}
	}
}

// rollover closes the current session and opens the next: the finished range
// joins the ADR window, previousClose becomes the last traded mid, and the
// profile restarts empty.
func (a *Aggregator) rollover(b openapi.TrendBar) {
	if a.hasSession {
		a.pushRange(a.high - a.low)
	}
	if a.hasPrice {
		a.prevClose = a.mid
	}
	a.anchor = b.Timestamp
	a.open = b.Open
	m := b.Open
	if a.hasPrice {
		m = a.mid
	}
	a.high, a.low = m, m
	a.hasSession = true
	a.prof.reset()
	a.recomputeADR()
	log.Info().Str("symbol", a.cfg.Symbol).Time("session", b.Timestamp).
		Float64("adr", a.adrValue).Msg("Session rollover")
	a.broadcastSnapshot()
}

func (a *Aggregator) volatilityPct(now time.Time) float64 {
	if a.adrValue <= 0 || a.volAt.IsZero() {
		return 0
	}
	v := a.vol
	if dt := now.Sub(a.volAt).Seconds(); dt > 0 {
		v *= math.Exp(-dt / volTau)
	}
	pct := v / a.adrValue * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

func (a *Aggregator) buildSnapshot() *Snapshot {
	return &Snapshot{
		Symbol:           a.cfg.Symbol,
		Digits:           a.cfg.Digits,
		PipPosition:      a.cfg.PipPosition,
		Bid:              a.bid,
		Ask:              a.ask,
		Mid:              a.mid,
		TodaysOpen:       a.open,
		TodaysHigh:       a.high,
		TodaysLow:        a.low,
		PreviousClose:    a.prevClose,
		ProjectedAdrHigh: a.projHigh,
		ProjectedAdrLow:  a.projLow,
		MarketProfile:    a.prof.snapshot(),
		VolatilityPct:    a.volatilityPct(time.Now()),
	}
}

func (a *Aggregator) broadcastSnapshot() {
	if a.cfg.BroadcastSnapshot != nil {
		a.cfg.BroadcastSnapshot(a.buildSnapshot())
	}
}
