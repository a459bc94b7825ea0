// Package gateway serves the client-facing WebSocket API: symbol catalog
// greeting, subscribe/unsubscribe commands, snapshot-then-tick delivery with
// per-client coalescing, and broker status notices.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"fxlens-tickd/internal/aggregator"
	"fxlens-tickd/internal/catalog"
	"fxlens-tickd/internal/metrics"
	"fxlens-tickd/internal/subscription"
)

// closeGrace bounds the drain after shutdown starts: clients get a 1001
// close frame, then this long to finish in-flight writes.
const closeGrace = 5 * time.Second

// defaultControlStall is how long the control queue may stay full before the
// connection is declared a slow consumer.
const defaultControlStall = 5 * time.Second

// SymbolSource is the slice of the catalog the gateway reads.
type SymbolSource interface {
	ResolveName(name string) (catalog.Symbol, error)
	Symbols() []catalog.Symbol
}

// Subscription is one held claim on a symbol's event stream.
type Subscription interface {
	Symbol() catalog.Symbol
	Attach(subscription.Subscriber)
	Detach(subscription.Subscriber)
	RequestSnapshot(func(*aggregator.Snapshot))
	Release()
}

// Subscriptions hands out per-symbol claims.
type Subscriptions interface {
	Acquire(ctx context.Context, symbol string) (Subscription, error)
}

// Config wires the gateway's collaborators.
type Config struct {
	ListenAddr string
	Catalog    SymbolSource
	Subs       Subscriptions

	// ControlStall overrides the slow-consumer window. Zero means the
	// default five seconds.
	ControlStall time.Duration
}

// Server owns the HTTP listener, the WebSocket upgrade path, and the set of
// live clients. The ops endpoints share its mux.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	httpSrv  *http.Server
	mux      *http.ServeMux

	mu      sync.Mutex
	ctx     context.Context
	clients map[*Client]struct{}
	wg      sync.WaitGroup
}

// New builds the server; Run starts it.
func New(cfg Config) *Server {
	if cfg.ControlStall <= 0 {
		cfg.ControlStall = defaultControlStall
	}
	s := &Server{
		cfg:     cfg,
		ctx:     context.Background(),
		clients: make(map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/ws", s.serveWS)
	metrics.Register(s.mux)
	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then stops accepting, closes every
// client with code 1001, and drains for up to five seconds. A clean shutdown
// returns nil.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("Gateway listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.shutdown()
	return nil
}

// shutdown stops the listener, says goodbye to every client with code 1001,
// and waits for teardown to finish.
func (s *Server) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), closeGrace)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown")
	}

	for _, c := range s.clientList() {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeGrace):
		log.Warn().Msg("Client drain timed out")
	}
	log.Info().Msg("Gateway stopped")
}

// BroadcastStatus tells every connected client the broker feed went up or
// down. Each status parks in a per-client slot the writer flushes, so rapid
// transitions coalesce instead of racing one another on a stalled queue.
// Wired to the session's status listener; never blocks.
func (s *Server) BroadcastStatus(up bool) {
	state := "down"
	if up {
		state = "up"
	}
	clients := s.clientList()
	for _, c := range clients {
		c.noteStatus(statusMsg{Type: "connectionStatus", Broker: state})
	}
	log.Info().Str("broker", state).Int("clients", len(clients)).Msg("Broadcasting broker status")
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	c := newClient(s, conn)
	s.addClient(c)
	log.Info().Str("remote", conn.RemoteAddr().String()).Msg("Client connected")

	c.enqueue(s.symbolList())
	go c.writePump()
	go c.readPump(s.context())
}

func (s *Server) symbolList() symbolListMsg {
	syms := s.cfg.Catalog.Symbols()
	msg := symbolListMsg{Type: "symbolList", Symbols: make([]symbolInfo, 0, len(syms))}
	for _, sym := range syms {
		msg.Symbols = append(msg.Symbols, symbolInfo{
			Name:        sym.Name,
			Digits:      sym.Digits,
			PipPosition: sym.PipPosition,
		})
	}
	return msg
}

func (s *Server) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Server) addClient(c *Client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.wg.Add(1)
	metrics.ClientsConnected.Inc()
}

func (s *Server) removeClient(c *Client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if ok {
		s.wg.Done()
		metrics.ClientsConnected.Dec()
	}
}

func (s *Server) clientList() []*Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		out = append(out, c)
	}
	return out
}
