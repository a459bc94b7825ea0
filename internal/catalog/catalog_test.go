package catalog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fxlens-tickd/internal/openapi"
)

// stubSession answers catalog requests from canned tables without a socket.
type stubSession struct {
	t     *testing.T
	codec *openapi.Codec

	mu          sync.Mutex
	listCalls   int
	detailCalls int
	detailIDs   [][]int64
	failDetail  error
	detailGate  chan struct{} // when set, detail requests block until closed

	// symbols served by both the list and detail responses
	symbols []map[string]any
	details []map[string]any
}

func newStubSession(t *testing.T) *stubSession {
	t.Helper()
	schema, err := openapi.NewSchema()
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}
	return &stubSession{
		t:     t,
		codec: openapi.NewCodec(schema),
		symbols: []map[string]any{
			{"symbolId": int64(1), "symbolName": "EURUSD", "enabled": true, "description": "Euro vs US Dollar"},
			{"symbolId": int64(2), "symbolName": "GBPUSD", "enabled": true},
			{"symbolId": int64(3), "symbolName": "XAUUSD", "enabled": false},
		},
		details: []map[string]any{
			{"symbolId": int64(1), "digits": 5, "pipPosition": 4},
			{"symbolId": int64(2), "digits": 5, "pipPosition": 4},
		},
	}
}

func (s *stubSession) AccountID() int64 { return 700 }

func (s *stubSession) Request(ctx context.Context, payloadType uint32, params map[string]any) (openapi.Frame, error) {
	switch payloadType {
	case openapi.PayloadTypeSymbolsListReq:
		s.mu.Lock()
		s.listCalls++
		symbols := s.symbols
		s.mu.Unlock()
		return s.frame(openapi.PayloadTypeSymbolsListRes, map[string]any{"symbol": anySlice(symbols)})
	case openapi.PayloadTypeSymbolByIDReq:
		s.mu.Lock()
		s.detailCalls++
		gate := s.detailGate
		failErr := s.failDetail
		ids := toInt64s(params["symbolId"])
		s.detailIDs = append(s.detailIDs, ids)
		var out []map[string]any
		for _, d := range s.details {
			for _, id := range ids {
				if d["symbolId"] == id {
					out = append(out, d)
				}
			}
		}
		s.mu.Unlock()
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return openapi.Frame{}, ctx.Err()
			}
		}
		if failErr != nil {
			return openapi.Frame{}, failErr
		}
		return s.frame(openapi.PayloadTypeSymbolByIDRes, map[string]any{"symbol": anySlice(out)})
	default:
		s.t.Errorf("unexpected request payload type %d", payloadType)
		return openapi.Frame{}, errors.New("unexpected request")
	}
}

func (s *stubSession) frame(payloadType uint32, params map[string]any) (openapi.Frame, error) {
	raw, err := s.codec.Encode(payloadType, params, "t")
	if err != nil {
		s.t.Errorf("stub encode: %v", err)
		return openapi.Frame{}, err
	}
	return s.codec.Decode(raw)
}

func anySlice(in []map[string]any) []map[string]any {
	out := make([]map[string]any, len(in))
	copy(out, in)
	return out
}

func toInt64s(v any) []int64 {
	switch ids := v.(type) {
	case []int64:
		return ids
	case int64:
		return []int64{ids}
	default:
		return nil
	}
}

// TestRefresh_PopulatesBothIndexes loads the symbol list plus batched
// metadata and resolves by name and id.
func TestRefresh_PopulatesBothIndexes(t *testing.T) {
	s := newStubSession(t)
	c := New(s)

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	sym, err := c.ResolveName("eurusd")
	if err != nil {
		t.Fatalf("ResolveName: %v", err)
	}
	if sym.ID != 1 || sym.Digits != 5 || sym.PipPosition != 4 {
		t.Errorf("EURUSD = %+v, want id 1 digits 5 pip 4", sym)
	}
	byID, err := c.ResolveID(2)
	if err != nil {
		t.Fatalf("ResolveID: %v", err)
	}
	if byID.Name != "GBPUSD" {
		t.Errorf("id 2 name = %q, want GBPUSD", byID.Name)
	}

	names := make([]string, 0, 2)
	for _, sym := range c.Symbols() {
		names = append(names, sym.Name)
	}
	if len(names) != 2 || names[0] != "EURUSD" || names[1] != "GBPUSD" {
		t.Errorf("Symbols() = %v, want [EURUSD GBPUSD]", names)
	}
}

// TestRefresh_SkipsDisabledSymbols leaves instruments the account cannot
// trade out of the catalog.
func TestRefresh_SkipsDisabledSymbols(t *testing.T) {
	s := newStubSession(t)
	c := New(s)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := c.ResolveName("XAUUSD"); !errors.Is(err, ErrNotFound) {
		t.Errorf("disabled symbol resolved, err = %v", err)
	}
}

// TestResolveName_Unknown returns ErrNotFound for names the broker never
// listed.
func TestResolveName_Unknown(t *testing.T) {
	s := newStubSession(t)
	c := New(s)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := c.ResolveName("USDJPY"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := c.EnsureMetadata(context.Background(), "USDJPY"); !errors.Is(err, ErrNotFound) {
		t.Errorf("EnsureMetadata err = %v, want ErrNotFound", err)
	}
}

// TestEnsureMetadata_FillsLightEntry fetches detail for a symbol the batch
// response omitted and caches it for the next caller.
func TestEnsureMetadata_FillsLightEntry(t *testing.T) {
	s := newStubSession(t)
	// The batch detail response covers only symbol 1; GBPUSD stays light.
	s.details = s.details[:1]
	c := New(s)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	light, err := c.ResolveName("GBPUSD")
	if err != nil {
		t.Fatalf("ResolveName: %v", err)
	}
	if light.Digits != 0 {
		t.Fatalf("light entry digits = %d, want 0", light.Digits)
	}

	s.mu.Lock()
	s.details = append(s.details, map[string]any{"symbolId": int64(2), "digits": 3, "pipPosition": 2})
	base := s.detailCalls
	s.mu.Unlock()

	sym, err := c.EnsureMetadata(context.Background(), "gbpusd")
	if err != nil {
		t.Fatalf("EnsureMetadata: %v", err)
	}
	if sym.Digits != 3 || sym.PipPosition != 2 {
		t.Errorf("detail = digits %d pip %d, want 3/2", sym.Digits, sym.PipPosition)
	}

	// Second call must be served from cache.
	if _, err := c.EnsureMetadata(context.Background(), "GBPUSD"); err != nil {
		t.Fatalf("cached EnsureMetadata: %v", err)
	}
	s.mu.Lock()
	calls := s.detailCalls - base
	s.mu.Unlock()
	if calls != 1 {
		t.Errorf("detail calls = %d, want 1", calls)
	}
}

// TestEnsureMetadata_CoalescesConcurrentFetches lets many goroutines ask for
// the same light symbol and expects a single broker round trip.
func TestEnsureMetadata_CoalescesConcurrentFetches(t *testing.T) {
	s := newStubSession(t)
	s.details = nil
	c := New(s)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	gate := make(chan struct{})
	s.mu.Lock()
	s.detailGate = gate
	s.details = []map[string]any{{"symbolId": int64(1), "digits": 5, "pipPosition": 4}}
	base := s.detailCalls
	s.mu.Unlock()

	var started, failed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started.Add(1)
			sym, err := c.EnsureMetadata(context.Background(), "EURUSD")
			if err != nil || sym.Digits != 5 {
				failed.Add(1)
			}
		}()
	}

	deadline := time.Now().Add(3 * time.Second)
	for started.Load() < 8 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond) // let the waiters park on the in-flight fetch
	close(gate)
	wg.Wait()

	if failed.Load() != 0 {
		t.Errorf("%d callers failed", failed.Load())
	}
	s.mu.Lock()
	calls := s.detailCalls - base
	s.mu.Unlock()
	if calls != 1 {
		t.Errorf("detail calls = %d, want 1 shared fetch", calls)
	}
}

// TestEnsureMetadata_FailureIsRetriable propagates the fetch error to every
// waiter and lets the next call try again.
func TestEnsureMetadata_FailureIsRetriable(t *testing.T) {
	s := newStubSession(t)
	s.details = nil
	c := New(s)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	s.mu.Lock()
	s.failDetail = errors.New("broker unavailable")
	s.mu.Unlock()
	if _, err := c.EnsureMetadata(context.Background(), "EURUSD"); err == nil {
		t.Fatal("EnsureMetadata succeeded, want error")
	}

	s.mu.Lock()
	s.failDetail = nil
	s.details = []map[string]any{{"symbolId": int64(1), "digits": 5, "pipPosition": 4}}
	s.mu.Unlock()
	sym, err := c.EnsureMetadata(context.Background(), "EURUSD")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if sym.Digits != 5 {
		t.Errorf("digits = %d, want 5", sym.Digits)
	}
}

// TestInvalidate_DropsCache clears every entry until the next Refresh.
func TestInvalidate_DropsCache(t *testing.T) {
	s := newStubSession(t)
	c := New(s)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	c.Invalidate()
	if _, err := c.ResolveName("EURUSD"); !errors.Is(err, ErrNotFound) {
		t.Errorf("post-invalidate resolve err = %v, want ErrNotFound", err)
	}
	if got := len(c.Symbols()); got != 0 {
		t.Errorf("Symbols() len = %d, want 0", got)
	}

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
	if _, err := c.ResolveName("EURUSD"); err != nil {
		t.Errorf("resolve after refresh: %v", err)
	}
}
