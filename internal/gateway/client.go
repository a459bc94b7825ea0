package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"fxlens-tickd/internal/aggregator"
	"fxlens-tickd/internal/metrics"
)

const (
	// writeWait bounds every socket write, control frames included.
	writeWait = 10 * time.Second

	// pongWait is the read deadline; pings go out at 90% of it.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps inbound command frames.
	maxMessageSize = 512

	// outboundSize is the control-message queue depth per connection.
	outboundSize = 256

	// flushInterval paces tick delivery: at most one tick per symbol per
	// interval per client.
	flushInterval = 16 * time.Millisecond
)

// badFrameLimit tolerates three malformed frames per ten seconds before the
// connection is closed.
func badFrameLimit() *rate.Limiter {
	return rate.NewLimiter(rate.Every(10*time.Second/3), 3)
}

// clientSub is one symbol subscription on one connection: the claim on the
// shared entry plus this connection's coalescing slots. Slot fields are
// guarded by the owning client's mutex.
type clientSub struct {
	c      *Client
	symbol string
	handle Subscription

	snapshotSent bool
	pendingSnap  *aggregator.Snapshot
	pendingTick  *aggregator.TickUpdate
}

// OnSnapshot runs on the aggregator goroutine: park the snapshot for the
// writer, newer state replacing older.
func (s *clientSub) OnSnapshot(snap *aggregator.Snapshot) {
	s.c.mu.Lock()
	s.pendingSnap = snap
	s.c.mu.Unlock()
}

// OnTick runs on the aggregator goroutine: last write wins until the writer
// flushes the slot.
func (s *clientSub) OnTick(t *aggregator.TickUpdate) {
	s.c.mu.Lock()
	if s.pendingTick != nil {
		metrics.TicksCoalesced.WithLabelValues(s.symbol).Inc()
	}
	s.pendingTick = t
	s.c.mu.Unlock()
}

// Client is one WebSocket connection. The reader goroutine dispatches
// commands; the writer goroutine owns all socket writes, draining the
// control queue and the per-symbol slots.
type Client struct {
	srv  *Server
	conn *websocket.Conn

	send chan []byte

	mu            sync.Mutex
	subs          map[string]*clientSub
	pendingStatus *statusMsg // newest broker status awaiting flush

	badFrames *rate.Limiter
	closeOnce sync.Once
	done      chan struct{}
}

func newClient(srv *Server, conn *websocket.Conn) *Client {
	return &Client{
		srv:       srv,
		conn:      conn,
		send:      make(chan []byte, outboundSize),
		subs:      make(map[string]*clientSub),
		badFrames: badFrameLimit(),
		done:      make(chan struct{}),
	}
}

// readPump consumes inbound frames until the connection dies. Commands are
// handled in arrival order on this goroutine, so a slow subscribe delays
// later commands on the same connection but never another client.
func (c *Client) readPump(ctx context.Context) {
	defer c.closeWith(0, "")
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("remote", c.conn.RemoteAddr().String()).Msg("Client read failed")
			}
			return
		}
		c.handleCommand(ctx, raw)
	}
}

func (c *Client) handleCommand(ctx context.Context, raw []byte) {
	var cmd clientCommand
	if err := json.Unmarshal(raw, &cmd); err != nil || cmd.Type == "" {
		c.badFrame()
		return
	}
	switch cmd.Type {
	case "subscribe":
		metrics.ClientMessages.WithLabelValues("subscribe").Inc()
		c.subscribe(ctx, cmd.Symbol)
	case "unsubscribe":
		metrics.ClientMessages.WithLabelValues("unsubscribe").Inc()
		c.unsubscribe(cmd.Symbol)
	case "ping":
		metrics.ClientMessages.WithLabelValues("ping").Inc()
		c.enqueue(pongMsg{Type: "pong", ServerTimeMs: time.Now().UnixMilli()})
	default:
		// Label values never come from client input; the series set stays
		// bounded no matter what a peer sends.
		metrics.ClientMessages.WithLabelValues("unknown").Inc()
		c.sendError("unknown_type", fmt.Sprintf("unsupported message type %q", cmd.Type))
	}
}

func (c *Client) badFrame() {
	metrics.ClientBadFrames.Inc()
	c.sendError("bad_frame", "message is not a valid command")
	if !c.badFrames.Allow() {
		log.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("Closing client after repeated bad frames")
		c.closeWith(websocket.CloseProtocolError, "bad_frame")
	}
}

func (c *Client) subscribe(ctx context.Context, symbol string) {
	if symbol == "" {
		c.sendError("bad_frame", "subscribe requires a symbol")
		return
	}
	sym, err := c.srv.cfg.Catalog.ResolveName(symbol)
	if err != nil {
		c.sendError("unknown_symbol", fmt.Sprintf("symbol %q is not available", symbol))
		return
	}

	c.mu.Lock()
	existing := c.subs[sym.Name]
	c.mu.Unlock()
	if existing != nil {
		// Already held on this connection; resend the snapshot rather than
		// double-count the claim.
		existing.handle.RequestSnapshot(existing.OnSnapshot)
		return
	}

	handle, err := c.srv.cfg.Subs.Acquire(ctx, sym.Name)
	if err != nil {
		log.Warn().Err(err).Str("symbol", sym.Name).Msg("Subscribe rejected")
		c.sendError("subscribe_failed", err.Error())
		return
	}

	sub := &clientSub{c: c, symbol: sym.Name, handle: handle}
	c.mu.Lock()
	c.subs[sym.Name] = sub
	c.mu.Unlock()

	handle.Attach(sub)
	handle.RequestSnapshot(sub.OnSnapshot)
	log.Debug().Str("symbol", sym.Name).Str("remote", c.conn.RemoteAddr().String()).Msg("Client subscribed")
}

func (c *Client) unsubscribe(symbol string) {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	c.mu.Lock()
	sub := c.subs[key]
	delete(c.subs, key)
	c.mu.Unlock()
	if sub != nil {
		sub.handle.Detach(sub)
		sub.handle.Release()
	}
	c.enqueue(unsubscribedMsg{Type: "unsubscribed", Symbol: key})
}

func (c *Client) sendError(code, message string) {
	c.enqueue(errorMsg{Type: "error", Code: code, Message: message})
}

// enqueue queues one non-tick message for the writer. Control messages are
// never dropped: when the queue has stayed full for the stall window the
// connection is a slow consumer and gets closed.
func (c *Client) enqueue(msg any) {
	raw, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("Marshaling outbound message")
		return
	}
	select {
	case c.send <- raw:
		return
	case <-c.done:
		return
	default:
	}

	stall := time.NewTimer(c.srv.cfg.ControlStall)
	defer stall.Stop()
	select {
	case c.send <- raw:
	case <-c.done:
	case <-stall.C:
		metrics.SlowConsumerCloses.Inc()
		log.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("Closing slow consumer")
		c.closeWith(websocket.ClosePolicyViolation, "slow_consumer")
	}
}

// noteStatus parks a broker status for the writer, newer transitions
// replacing older ones still waiting. The client reads statuses in the order
// they happened and never sees a stale one after a fresh one.
func (c *Client) noteStatus(msg statusMsg) {
	c.mu.Lock()
	c.pendingStatus = &msg
	c.mu.Unlock()
}

// writePump owns the socket's write side: control queue, per-symbol slot
// flushes, and protocol pings.
func (c *Client) writePump() {
	ping := time.NewTicker(pingPeriod)
	flush := time.NewTicker(flushInterval)
	defer func() {
		ping.Stop()
		flush.Stop()
		c.closeWith(0, "")
	}()
	for {
		select {
		case raw := <-c.send:
			if err := c.write(raw); err != nil {
				return
			}
		case <-flush.C:
			if err := c.flushPending(); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) write(raw []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// flushPending drains the per-connection slots: the newest broker status
// first, then per-symbol snapshots and ticks. A parked snapshot opens the
// tick gate for its subscription; ticks only flow once their snapshot went
// out.
func (c *Client) flushPending() error {
	var out [][]byte
	c.mu.Lock()
	if c.pendingStatus != nil {
		raw, err := json.Marshal(c.pendingStatus)
		if err == nil {
			out = append(out, raw)
			c.pendingStatus = nil
		}
	}
	for _, sub := range c.subs {
		if sub.pendingSnap != nil {
			raw, err := json.Marshal(snapshotMsg{Type: "symbolDataPackage", Snapshot: sub.pendingSnap})
			if err == nil {
				out = append(out, raw)
				sub.snapshotSent = true
				sub.pendingSnap = nil
			}
		}
		if sub.pendingTick != nil && sub.snapshotSent {
			raw, err := json.Marshal(tickMsg{Type: "tick", TickUpdate: sub.pendingTick})
			if err == nil {
				out = append(out, raw)
				sub.pendingTick = nil
			}
		}
	}
	c.mu.Unlock()

	for _, raw := range out {
		if err := c.write(raw); err != nil {
			return err
		}
	}
	return nil
}

// closeWith tears the connection down exactly once. A non-zero code sends a
// close frame first so well-behaved clients learn the reason.
func (c *Client) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		if code != 0 {
			msg := websocket.FormatCloseMessage(code, reason)
			c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		}
		close(c.done)
		c.conn.Close()
		c.releaseAll()
		c.srv.removeClient(c)
		log.Info().Str("remote", c.conn.RemoteAddr().String()).Msg("Client disconnected")
	})
}

// releaseAll returns every claim this connection holds. Runs once, from the
// teardown path.
func (c *Client) releaseAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*clientSub)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.handle.Detach(sub)
		sub.handle.Release()
	}
}
