package broker

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fxlens-tickd/internal/openapi"
)

// fakeBroker is an in-process endpoint speaking the length-prefixed envelope
// protocol. It answers the auth chain and whatever overrides a test installs.
type fakeBroker struct {
	t     *testing.T
	ln    net.Listener
	codec *openapi.Codec

	mu          sync.Mutex
	accepts     int
	authCount   int
	heartbeats  int
	subscribed  [][]int64
	silentTypes map[uint32]bool // requests to swallow
	errorTypes  map[uint32]string
	pushCh      chan []byte
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	schema, err := openapi.NewSchema()
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fb := &fakeBroker{
		t:           t,
		ln:          ln,
		codec:       openapi.NewCodec(schema),
		silentTypes: make(map[uint32]bool),
		errorTypes:  make(map[uint32]string),
		pushCh:      make(chan []byte, 16),
	}
	go fb.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return fb
}

func (fb *fakeBroker) addr() string { return fb.ln.Addr().String() }

func (fb *fakeBroker) acceptLoop() {
	for {
		conn, err := fb.ln.Accept()
		if err != nil {
			return
		}
		fb.mu.Lock()
		fb.accepts++
		fb.mu.Unlock()
		go fb.serve(conn)
	}
}

func (fb *fakeBroker) serve(conn net.Conn) {
	defer conn.Close()
	writeCh := make(chan []byte, 64)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case frame := <-writeCh:
				if _, err := conn.Write(frame); err != nil {
					return
				}
			case frame := <-fb.pushCh:
				if _, err := conn.Write(frame); err != nil {
					return
				}
			}
		}
	}()

	for {
		raw, err := openapi.ReadFrame(conn)
		if err != nil {
			return
		}
		f, err := fb.codec.Decode(raw)
		if err != nil {
			continue
		}
		if resp := fb.respond(f); resp != nil {
			writeCh <- resp
		}
	}
}

func (fb *fakeBroker) respond(f openapi.Frame) []byte {
	fb.mu.Lock()
	silent := fb.silentTypes[f.PayloadType]
	errCode := fb.errorTypes[f.PayloadType]
	fb.mu.Unlock()

	if f.PayloadType == openapi.PayloadTypeHeartbeatEvent {
		fb.mu.Lock()
		fb.heartbeats++
		fb.mu.Unlock()
		return nil
	}
	if silent {
		return nil
	}
	if errCode != "" {
		return fb.encode(openapi.PayloadTypeOAErrorRes, map[string]any{
			"errorCode":   errCode,
			"description": "rejected by test broker",
		}, f.ClientMsgID)
	}

	switch f.PayloadType {
	case openapi.PayloadTypeVersionReq:
		return fb.encode(openapi.PayloadTypeVersionRes, map[string]any{"version": "62"}, f.ClientMsgID)
	case openapi.PayloadTypeApplicationAuthReq:
		return fb.encode(openapi.PayloadTypeApplicationAuthRes, nil, f.ClientMsgID)
	case openapi.PayloadTypeAccountAuthReq:
		fb.mu.Lock()
		fb.authCount++
		fb.mu.Unlock()
		return fb.encode(openapi.PayloadTypeAccountAuthRes, map[string]any{
			"ctidTraderAccountId": f.Int64("ctidTraderAccountId"),
		}, f.ClientMsgID)
	case openapi.PayloadTypeSubscribeSpotsReq:
		fb.mu.Lock()
		fb.subscribed = append(fb.subscribed, f.Int64s("symbolId"))
		fb.mu.Unlock()
		return fb.encode(openapi.PayloadTypeSubscribeSpotsRes, nil, f.ClientMsgID)
	case openapi.PayloadTypeGetTrendbarsReq:
		return fb.encode(openapi.PayloadTypeGetTrendbarsRes, map[string]any{
			"symbolId": f.Int64("symbolId"),
			"period":   f.Enum("period"),
		}, f.ClientMsgID)
	case openapi.PayloadTypeSymbolsListReq:
		return fb.encode(openapi.PayloadTypeSymbolsListRes, nil, f.ClientMsgID)
	default:
		return nil
	}
}

func (fb *fakeBroker) encode(payloadType uint32, params map[string]any, clientMsgID string) []byte {
	frame, err := fb.codec.Encode(payloadType, params, clientMsgID)
	if err != nil {
		fb.t.Errorf("fake broker encode: %v", err)
		return nil
	}
	return frame
}

// push delivers an uncorrelated event frame on the live connection.
func (fb *fakeBroker) push(payloadType uint32, params map[string]any) {
	fb.pushCh <- fb.encode(payloadType, params, "")
}

func (fb *fakeBroker) swallow(payloadType uint32) {
	fb.mu.Lock()
	fb.silentTypes[payloadType] = true
	fb.mu.Unlock()
}

func (fb *fakeBroker) rejectWith(payloadType uint32, code string) {
	fb.mu.Lock()
	fb.errorTypes[payloadType] = code
	fb.mu.Unlock()
}

func (fb *fakeBroker) counts() (accepts, auths, heartbeats int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.accepts, fb.authCount, fb.heartbeats
}

func testSession(fb *fakeBroker, tweak func(*Config)) *Session {
	cfg := Config{
		Addr:         fb.addr(),
		ClientID:     "cid",
		ClientSecret: "sec",
		AccessToken:  "tok",
		AccountID:    700,
		DialFunc: func(ctx context.Context, addr string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, "tcp", addr)
		},
		ReconnectBase: 5 * time.Millisecond,
		ReconnectMax:  20 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	return NewSession(cfg, fb.codec)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestSession_AuthChainReachesAccountAuthed walks the full handshake against
// the fake broker.
func TestSession_AuthChainReachesAccountAuthed(t *testing.T) {
	fb := newFakeBroker(t)
	s := testSession(fb, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitFor(t, "account auth", func() bool { return s.State() == StateAccountAuthed })
	_, auths, _ := fb.counts()
	if auths != 1 {
		t.Errorf("auth count = %d, want 1", auths)
	}
}

// TestSession_RequestCorrelation issues overlapping requests and checks each
// caller gets the response for its own message id.
func TestSession_RequestCorrelation(t *testing.T) {
	fb := newFakeBroker(t)
	s := testSession(fb, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	waitFor(t, "account auth", func() bool { return s.State() == StateAccountAuthed })

	var wg sync.WaitGroup
	for i := int64(1); i <= 8; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			f, err := s.Request(ctx, openapi.PayloadTypeGetTrendbarsReq, map[string]any{
				"ctidTraderAccountId": s.AccountID(),
				"symbolId":            id,
				"period":              "D1",
			})
			if err != nil {
				t.Errorf("request %d: %v", id, err)
				return
			}
			if got := f.Int64("symbolId"); got != id {
				t.Errorf("response symbolId = %d, want %d", got, id)
			}
		}(i)
	}
	wg.Wait()
}

// TestSession_BrokerErrorSurfaced maps the broker error payload onto
// BrokerError for the caller.
func TestSession_BrokerErrorSurfaced(t *testing.T) {
	fb := newFakeBroker(t)
	fb.rejectWith(openapi.PayloadTypeSymbolsListReq, "NOT_AUTHORIZED")
	s := testSession(fb, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	waitFor(t, "account auth", func() bool { return s.State() == StateAccountAuthed })

	_, err := s.Request(ctx, openapi.PayloadTypeSymbolsListReq, map[string]any{
		"ctidTraderAccountId": s.AccountID(),
	})
	var be *BrokerError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want BrokerError", err)
	}
	if be.Code != "NOT_AUTHORIZED" {
		t.Errorf("code = %q, want NOT_AUTHORIZED", be.Code)
	}
}

// TestSession_RequestTimeout confirms a swallowed request fails at its
// deadline rather than hanging.
func TestSession_RequestTimeout(t *testing.T) {
	fb := newFakeBroker(t)
	fb.swallow(openapi.PayloadTypeSymbolsListReq)
	s := testSession(fb, nil)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(runCtx)
	waitFor(t, "account auth", func() bool { return s.State() == StateAccountAuthed })

	ctx, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	start := time.Now()
	_, err := s.Request(ctx, openapi.PayloadTypeSymbolsListReq, map[string]any{
		"ctidTraderAccountId": s.AccountID(),
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout took far longer than the deadline")
	}
}

// TestSession_PendingFailOnDisconnect checks in-flight requests observe
// ErrDisconnected when the connection drops.
func TestSession_PendingFailOnDisconnect(t *testing.T) {
	fb := newFakeBroker(t)
	fb.swallow(openapi.PayloadTypeSymbolsListReq)
	s := testSession(fb, func(c *Config) {
		// Keep the watchdog quiet for the test duration.
		c.ReadIdleTimeout = time.Minute
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	waitFor(t, "account auth", func() bool { return s.State() == StateAccountAuthed })

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Request(ctx, openapi.PayloadTypeSymbolsListReq, map[string]any{
			"ctidTraderAccountId": s.AccountID(),
		})
		errCh <- err
	}()

	// Let the request register, then kill the connection server-side.
	time.Sleep(50 * time.Millisecond)
	fb.ln.Close()
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.connMu.Unlock()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrDisconnected) {
			t.Errorf("err = %v, want ErrDisconnected", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pending request not failed on disconnect")
	}
}

// TestSession_ReconnectReplaysAuth severs the connection and expects a fresh
// handshake plus the after-auth hook to run again.
func TestSession_ReconnectReplaysAuth(t *testing.T) {
	fb := newFakeBroker(t)
	var hookRuns atomic.Int32
	s := testSession(fb, nil)
	s.SetAfterAuth(func(ctx context.Context) { hookRuns.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	waitFor(t, "first auth", func() bool { _, a, _ := fb.counts(); return a == 1 })

	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	conn.Close()

	waitFor(t, "second auth", func() bool { _, a, _ := fb.counts(); return a >= 2 })
	waitFor(t, "after-auth hook", func() bool { return hookRuns.Load() >= 2 })
	accepts, _, _ := fb.counts()
	if accepts < 2 {
		t.Errorf("accepts = %d, want at least 2", accepts)
	}
}

// TestSession_AuthRejectionExhaustsBudget drives repeated credential
// rejections past the budget and expects Run to give up.
func TestSession_AuthRejectionExhaustsBudget(t *testing.T) {
	fb := newFakeBroker(t)
	fb.rejectWith(openapi.PayloadTypeApplicationAuthReq, "INVALID_CLIENT")
	s := testSession(fb, func(c *Config) {
		c.AuthFailureBudget = 30 * time.Millisecond
		c.ReconnectBase = time.Millisecond
		c.ReconnectMax = 2 * time.Millisecond
	})

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrAuthExhausted) {
			t.Errorf("err = %v, want ErrAuthExhausted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not give up on rejected auth")
	}
}

// TestSession_EventDispatch pushes an uncorrelated spot event and expects
// the registered handler to receive it.
func TestSession_EventDispatch(t *testing.T) {
	fb := newFakeBroker(t)
	s := testSession(fb, nil)

	got := make(chan openapi.Frame, 1)
	s.Handle(openapi.PayloadTypeSpotEvent, func(f openapi.Frame) {
		select {
		case got <- f:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	waitFor(t, "account auth", func() bool { return s.State() == StateAccountAuthed })

	fb.push(openapi.PayloadTypeSpotEvent, map[string]any{
		"ctidTraderAccountId": int64(700),
		"symbolId":            int64(1),
		"bid":                 uint64(108500),
		"ask":                 uint64(108520),
	})

	select {
	case f := <-got:
		if f.Int64("symbolId") != 1 || f.Uint64("bid") != 108500 {
			t.Errorf("spot event fields = symbolId %d bid %d", f.Int64("symbolId"), f.Uint64("bid"))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("spot event not dispatched")
	}
}

// TestSession_HeartbeatsSent verifies periodic heartbeats while authed.
func TestSession_HeartbeatsSent(t *testing.T) {
	fb := newFakeBroker(t)
	s := testSession(fb, func(c *Config) {
		c.HeartbeatInterval = 10 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	waitFor(t, "account auth", func() bool { return s.State() == StateAccountAuthed })
	waitFor(t, "heartbeats", func() bool { _, _, hb := fb.counts(); return hb >= 3 })
}

// TestSession_SilenceTriggersReconnect starves the session of inbound
// frames and expects the watchdog to force a new connection.
func TestSession_SilenceTriggersReconnect(t *testing.T) {
	fb := newFakeBroker(t)
	s := testSession(fb, func(c *Config) {
		c.ReadIdleTimeout = 60 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitFor(t, "second accept after silence", func() bool {
		a, _, _ := fb.counts()
		return a >= 2
	})
}
