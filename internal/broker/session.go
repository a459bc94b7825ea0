// Package broker maintains the single TLS session to the cTrader Open API
// endpoint: connect, authenticate, heartbeat, reconnect with backoff, and
// correlate request/response frames by client message id.
package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"fxlens-tickd/internal/metrics"
	"fxlens-tickd/internal/openapi"
)

// State is the session lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAppAuthed
	StateAccountAuthed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAppAuthed:
		return "app_authed"
	case StateAccountAuthed:
		return "account_authed"
	default:
		return "unknown"
	}
}

// Status is the coarse up/down signal delivered to status listeners, and
// relayed to WebSocket clients as connectionStatus.
type Status int

const (
	StatusDown Status = iota
	StatusUp
)

// Config carries the broker endpoint, credentials, and session tunables.
// Zero-valued tunables take the documented defaults.
type Config struct {
	Addr         string
	ClientID     string
	ClientSecret string
	AccessToken  string
	AccountID    int64

	DialTimeout       time.Duration // default 10s
	RequestTimeout    time.Duration // default 10s, applied when the caller's ctx has no deadline
	HeartbeatInterval time.Duration // default 10s
	ReadIdleTimeout   time.Duration // default 30s without any inbound frame
	WriteTimeout      time.Duration // default 10s per frame
	ReconnectBase     time.Duration // default 1s
	ReconnectMax      time.Duration // default 60s
	StableAfter       time.Duration // default 60s authed before backoff resets
	AuthFailureBudget time.Duration // default 10m of rejected auth before giving up
	WriteQueueSize    int           // default 256

	TLSConfig *tls.Config

	// DialFunc overrides the TLS dialer. Used for plaintext local endpoints
	// and tests.
	DialFunc func(ctx context.Context, addr string) (net.Conn, error)
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 60 * time.Second
	}
	if c.StableAfter <= 0 {
		c.StableAfter = 60 * time.Second
	}
	if c.AuthFailureBudget <= 0 {
		c.AuthFailureBudget = 10 * time.Minute
	}
	if c.WriteQueueSize <= 0 {
		c.WriteQueueSize = 256
	}
	return c
}

type result struct {
	frame openapi.Frame
	err   error
}

// Session is the single broker connection. One reader goroutine parses
// inbound frames and dispatches them to waiters or event handlers; one
// writer goroutine serializes outbound frames and heartbeats. Request may be
// called from any goroutine.
type Session struct {
	cfg   Config
	codec *openapi.Codec

	state atomic.Int32
	nonce string
	seq   atomic.Uint64

	connMu  sync.Mutex
	conn    net.Conn
	writeCh chan []byte

	pendingMu sync.Mutex
	pending   map[string]chan result

	// Registered before Run, read-only afterwards.
	handlers  map[uint32][]func(openapi.Frame)
	statusFns []func(Status)
	afterAuth func(ctx context.Context)

	lastInbound atomic.Int64 // unix nanos of the last inbound frame
}

// NewSession builds a session; Run starts it.
func NewSession(cfg Config, codec *openapi.Codec) *Session {
	return &Session{
		cfg:      cfg.withDefaults(),
		codec:    codec,
		nonce:    uuid.NewString()[:8],
		pending:  make(map[string]chan result),
		handlers: make(map[uint32][]func(openapi.Frame)),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// AccountID returns the trading account this session authenticates.
func (s *Session) AccountID() int64 {
	return s.cfg.AccountID
}

// Handle registers an event handler for frames without a client message id.
// Handlers run on the reader goroutine and must not block; hand the frame
// off to an owned queue instead. Call before Run.
func (s *Session) Handle(payloadType uint32, fn func(openapi.Frame)) {
	s.handlers[payloadType] = append(s.handlers[payloadType], fn)
}

// OnStatus registers a listener for up/down transitions. Call before Run.
func (s *Session) OnStatus(fn func(Status)) {
	s.statusFns = append(s.statusFns, fn)
}

// SetAfterAuth installs the hook that runs after every successful account
// auth, before the session is considered stable. The catalog refresh and
// subscription replay hang off this. Call before Run.
func (s *Session) SetAfterAuth(fn func(ctx context.Context)) {
	s.afterAuth = fn
}

// Run drives the connect/auth/reconnect loop until ctx is cancelled or the
// auth failure budget is spent. It always returns a non-nil error.
func (s *Session) Run(ctx context.Context) error {
	backoff := s.cfg.ReconnectBase
	var authFailSince time.Time

	for {
		authedAt, err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(err, errAuthRejected) {
			if authFailSince.IsZero() {
				authFailSince = time.Now()
			}
			if time.Since(authFailSince) > s.cfg.AuthFailureBudget {
				log.Error().Err(err).Msg("Giving up on broker authentication")
				return fmt.Errorf("%w: %w", ErrAuthExhausted, err)
			}
		} else if !authedAt.IsZero() {
			authFailSince = time.Time{}
		}
		if !authedAt.IsZero() && time.Since(authedAt) >= s.cfg.StableAfter {
			backoff = s.cfg.ReconnectBase
		}

		delay := jitter(backoff)
		log.Warn().
			Err(err).
			Dur("retry_in", delay).
			Msg("Broker session ended, reconnecting")
		metrics.RecordReconnect()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		backoff *= 2
		if backoff > s.cfg.ReconnectMax {
			backoff = s.cfg.ReconnectMax
		}
	}
}

// runOnce owns one connection from dial to teardown. It returns the time
// account auth succeeded (zero if it never did) and the terminating error.
func (s *Session) runOnce(ctx context.Context) (time.Time, error) {
	s.setState(StateConnecting)
	conn, err := s.dial(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		return time.Time{}, fmt.Errorf("dialing %s: %w", s.cfg.Addr, err)
	}
	s.setState(StateConnected)
	log.Info().Str("addr", s.cfg.Addr).Msg("Connected to broker")

	connCtx, cancel := context.WithCancel(ctx)
	writeCh := make(chan []byte, s.cfg.WriteQueueSize)
	fatal := make(chan error, 1)
	fail := func(err error) {
		select {
		case fatal <- err:
		default:
		}
		conn.Close()
	}

	s.connMu.Lock()
	s.conn = conn
	s.writeCh = writeCh
	s.connMu.Unlock()
	s.lastInbound.Store(time.Now().UnixNano())

	var wg sync.WaitGroup
	wg.Add(3)
	go s.readLoop(&wg, conn, fail)
	go s.writeLoop(connCtx, &wg, conn, writeCh, fail)
	go s.watchLoop(connCtx, &wg, fail)

	teardown := func() {
		cancel()
		conn.Close()
		s.connMu.Lock()
		s.conn = nil
		s.writeCh = nil
		s.connMu.Unlock()
		wg.Wait()
		s.setState(StateDisconnected)
		metrics.RecordBrokerStatus(false)
		s.failPending()
		s.notifyStatus(StatusDown)
	}

	authedAt, err := s.authenticate(connCtx)
	if err != nil {
		teardown()
		return time.Time{}, err
	}

	metrics.RecordBrokerStatus(true)
	s.notifyStatus(StatusUp)
	if s.afterAuth != nil {
		s.afterAuth(connCtx)
	}

	select {
	case <-ctx.Done():
		teardown()
		return authedAt, ctx.Err()
	case err := <-fatal:
		teardown()
		return authedAt, err
	}
}

// authenticate runs the version / app auth / account auth chain.
func (s *Session) authenticate(ctx context.Context) (time.Time, error) {
	ver, err := s.Request(ctx, openapi.PayloadTypeVersionReq, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("version handshake: %w", err)
	}
	log.Debug().Str("version", ver.String("version")).Msg("Broker protocol version")

	_, err = s.Request(ctx, openapi.PayloadTypeApplicationAuthReq, map[string]any{
		"clientId":     s.cfg.ClientID,
		"clientSecret": s.cfg.ClientSecret,
	})
	if err != nil {
		return time.Time{}, s.authError("application auth", err)
	}
	s.setState(StateAppAuthed)

	_, err = s.Request(ctx, openapi.PayloadTypeAccountAuthReq, map[string]any{
		"ctidTraderAccountId": s.cfg.AccountID,
		"accessToken":         s.cfg.AccessToken,
	})
	if err != nil {
		return time.Time{}, s.authError("account auth", err)
	}
	s.setState(StateAccountAuthed)
	log.Info().Int64("account_id", s.cfg.AccountID).Msg("Broker account authenticated")
	return time.Now(), nil
}

// authError tags broker rejections so Run can meter them against the auth
// failure budget; transport faults keep retrying forever.
func (s *Session) authError(step string, err error) error {
	var be *BrokerError
	if errors.As(err, &be) {
		return fmt.Errorf("%w: %s: %w", errAuthRejected, step, err)
	}
	return fmt.Errorf("%s: %w", step, err)
}

// Request sends one correlated request and waits for whichever comes first:
// the response, the broker's error payload, the deadline, or disconnect.
func (s *Session) Request(ctx context.Context, payloadType uint32, params map[string]any) (openapi.Frame, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	msgName := s.codec.Schema().MessageName(payloadType)
	id := fmt.Sprintf("%s-%d", s.nonce, s.seq.Add(1))
	frame, err := s.codec.Encode(payloadType, params, id)
	if err != nil {
		return openapi.Frame{}, err
	}

	ch := make(chan result, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	timer := metrics.NewTimer()
	if err := s.enqueue(ctx, frame); err != nil {
		metrics.RecordBrokerRequest(msgName, "enqueue_failed", 0)
		return openapi.Frame{}, fmt.Errorf("sending %s: %w", msgName, err)
	}

	select {
	case <-ctx.Done():
		timer.ObserveDuration(metrics.BrokerRequestDuration, msgName)
		metrics.BrokerRequests.WithLabelValues(msgName, "timeout").Inc()
		return openapi.Frame{}, fmt.Errorf("request %s: %w", msgName, ctx.Err())
	case res, ok := <-ch:
		timer.ObserveDuration(metrics.BrokerRequestDuration, msgName)
		if !ok {
			metrics.BrokerRequests.WithLabelValues(msgName, "disconnected").Inc()
			return openapi.Frame{}, fmt.Errorf("request %s: %w", msgName, ErrDisconnected)
		}
		if res.err != nil {
			metrics.BrokerRequests.WithLabelValues(msgName, "broker_error").Inc()
			return openapi.Frame{}, res.err
		}
		metrics.BrokerRequests.WithLabelValues(msgName, "ok").Inc()
		return res.frame, nil
	}
}

func (s *Session) enqueue(ctx context.Context, frame []byte) error {
	s.connMu.Lock()
	ch := s.writeCh
	s.connMu.Unlock()
	if ch == nil {
		return ErrDisconnected
	}
	select {
	case ch <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) dial(ctx context.Context) (net.Conn, error) {
	if s.cfg.DialFunc != nil {
		return s.cfg.DialFunc(ctx, s.cfg.Addr)
	}
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	d := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: s.cfg.DialTimeout},
		Config:    s.cfg.TLSConfig,
	}
	return d.DialContext(dialCtx, "tcp", s.cfg.Addr)
}

func (s *Session) readLoop(wg *sync.WaitGroup, conn net.Conn, fail func(error)) {
	defer wg.Done()
	for {
		frame, err := openapi.ReadFrame(conn)
		if err != nil {
			fail(fmt.Errorf("read: %w", err))
			return
		}
		s.lastInbound.Store(time.Now().UnixNano())
		s.dispatch(frame)
	}
}

func (s *Session) writeLoop(ctx context.Context, wg *sync.WaitGroup, conn net.Conn, writeCh chan []byte, fail func(error)) {
	defer wg.Done()
	hb := time.NewTicker(s.cfg.HeartbeatInterval)
	defer hb.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-writeCh:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if _, err := conn.Write(frame); err != nil {
				fail(fmt.Errorf("write: %w", err))
				return
			}
		case <-hb.C:
			if s.State() != StateAccountAuthed {
				continue
			}
			frame, err := s.codec.Encode(openapi.PayloadTypeHeartbeatEvent, nil, "")
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if _, err := conn.Write(frame); err != nil {
				fail(fmt.Errorf("heartbeat write: %w", err))
				return
			}
		}
	}
}

// watchLoop declares the session dead when nothing inbound arrives for the
// idle window; the broker heartbeats even when markets are quiet.
func (s *Session) watchLoop(ctx context.Context, wg *sync.WaitGroup, fail func(error)) {
	defer wg.Done()
	interval := s.cfg.ReadIdleTimeout / 3
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			last := time.Unix(0, s.lastInbound.Load())
			if silent := time.Since(last); silent > s.cfg.ReadIdleTimeout {
				fail(fmt.Errorf("no inbound frames for %s", silent.Round(time.Second)))
				return
			}
		}
	}
}

func (s *Session) dispatch(raw []byte) {
	f, err := s.codec.Decode(raw)
	if err != nil {
		var um *openapi.UnknownMessageError
		if errors.As(err, &um) {
			metrics.UnknownFrames.Inc()
			log.Debug().
				Uint32("payload_type", um.PayloadType).
				Str("client_msg_id", um.ClientMsgID).
				Msg("Dropping frame with unknown payload type")
			return
		}
		log.Warn().Err(err).Msg("Dropping malformed broker frame")
		return
	}

	if f.ClientMsgID != "" {
		s.resolveWaiter(f)
		return
	}

	switch f.PayloadType {
	case openapi.PayloadTypeHeartbeatEvent:
		return
	case openapi.PayloadTypeClientDisconnectEvent:
		log.Warn().Str("reason", f.String("reason")).Msg("Broker announced disconnect")
		return
	}

	handlers := s.handlers[f.PayloadType]
	if len(handlers) == 0 {
		log.Debug().
			Str("message", s.codec.Schema().MessageName(f.PayloadType)).
			Msg("No handler for broker event")
		return
	}
	for _, h := range handlers {
		h(f)
	}
}

func (s *Session) resolveWaiter(f openapi.Frame) {
	s.pendingMu.Lock()
	ch, ok := s.pending[f.ClientMsgID]
	if ok {
		delete(s.pending, f.ClientMsgID)
	}
	s.pendingMu.Unlock()
	if !ok {
		metrics.OrphanResponses.Inc()
		log.Debug().
			Str("client_msg_id", f.ClientMsgID).
			Str("message", s.codec.Schema().MessageName(f.PayloadType)).
			Msg("Dropping orphan response")
		return
	}

	switch f.PayloadType {
	case openapi.PayloadTypeErrorRes, openapi.PayloadTypeOAErrorRes:
		ch <- result{err: &BrokerError{
			Code:        f.String("errorCode"),
			Description: f.String("description"),
		}}
	default:
		ch <- result{frame: f}
	}
}

// failPending closes every waiter channel so blocked callers observe
// ErrDisconnected and may retry after reconnect.
func (s *Session) failPending() {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
}

func (s *Session) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		log.Debug().Str("from", old.String()).Str("to", st.String()).Msg("Broker session state")
	}
}

func (s *Session) notifyStatus(st Status) {
	for _, fn := range s.statusFns {
		fn(st)
	}
}

// jitter spreads reconnect attempts by ±20%.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}
