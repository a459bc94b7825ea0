// Package catalog fetches and caches the broker's symbol universe: the
// light (id, name) listing plus the per-symbol digits and pip position the
// aggregators need to scale prices and size market-profile buckets.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"fxlens-tickd/internal/openapi"
)

// ErrNotFound reports a symbol the broker does not list for this account.
var ErrNotFound = errors.New("catalog: symbol not found")

// Requester is the slice of the broker session the catalog needs.
type Requester interface {
	Request(ctx context.Context, payloadType uint32, params map[string]any) (openapi.Frame, error)
	AccountID() int64
}

// Symbol is one tradable instrument. Digits and PipPosition are populated by
// Refresh or EnsureMetadata; a light entry carries id and name only.
type Symbol struct {
	ID          int64
	Name        string
	Digits      int32
	PipPosition int32
	Description string
}

type record struct {
	sym      Symbol
	detailed bool
}

type fetchResult struct {
	done chan struct{}
	sym  Symbol
	err  error
}

// Catalog caches the account's symbol list for the lifetime of one broker
// session. Lookups are case-insensitive on the upper-cased name. All methods
// are safe for concurrent use.
type Catalog struct {
	session Requester

	mu       sync.RWMutex
	byName   map[string]*record
	byID     map[int64]*record
	inflight map[string]*fetchResult
}

// New builds an empty catalog bound to a broker session.
func New(session Requester) *Catalog {
	return &Catalog{
		session:  session,
		byName:   make(map[string]*record),
		byID:     make(map[int64]*record),
		inflight: make(map[string]*fetchResult),
	}
}

// Refresh fetches the account's symbol list and, in one batched request, the
// per-symbol metadata, then replaces the cache wholesale. It runs after every
// successful account auth; the symbolList greeting needs digits and pip
// position for every symbol, so metadata is not deferred to first subscribe.
func (c *Catalog) Refresh(ctx context.Context) error {
	list, err := c.session.Request(ctx, openapi.PayloadTypeSymbolsListReq, map[string]any{
		"ctidTraderAccountId": c.session.AccountID(),
	})
	if err != nil {
		return fmt.Errorf("symbols list: %w", err)
	}

	byName := make(map[string]*record)
	byID := make(map[int64]*record)
	var ids []int64
	for _, m := range list.Messages("symbol") {
		if openapi.MessageHas(m, "enabled") && !openapi.MessageBool(m, "enabled") {
			continue
		}
		sym := Symbol{
			ID:          openapi.MessageInt64(m, "symbolId"),
			Name:        openapi.MessageString(m, "symbolName"),
			Description: openapi.MessageString(m, "description"),
		}
		if sym.ID == 0 || sym.Name == "" {
			continue
		}
		rec := &record{sym: sym}
		byName[strings.ToUpper(sym.Name)] = rec
		byID[sym.ID] = rec
		ids = append(ids, sym.ID)
	}

	if len(ids) > 0 {
		details, err := c.session.Request(ctx, openapi.PayloadTypeSymbolByIDReq, map[string]any{
			"ctidTraderAccountId": c.session.AccountID(),
			"symbolId":            ids,
		})
		if err != nil {
			return fmt.Errorf("symbol metadata: %w", err)
		}
		for _, m := range details.Messages("symbol") {
			rec, ok := byID[openapi.MessageInt64(m, "symbolId")]
			if !ok {
				continue
			}
			rec.sym.Digits = int32(openapi.MessageInt64(m, "digits"))
			rec.sym.PipPosition = int32(openapi.MessageInt64(m, "pipPosition"))
			rec.detailed = true
		}
	}

	c.mu.Lock()
	c.byName = byName
	c.byID = byID
	c.mu.Unlock()

	log.Info().Int("symbols", len(byName)).Msg("Symbol catalog refreshed")
	return nil
}

// ResolveName looks a symbol up by name, case-insensitively. The returned
// entry may be light (zero digits) until EnsureMetadata has run for it.
func (c *Catalog) ResolveName(name string) (Symbol, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.byName[strings.ToUpper(name)]
	if !ok {
		return Symbol{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return rec.sym, nil
}

// ResolveID looks a symbol up by broker id.
func (c *Catalog) ResolveID(id int64) (Symbol, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.byID[id]
	if !ok {
		return Symbol{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return rec.sym, nil
}

// Symbols returns every cached symbol sorted by name.
func (c *Catalog) Symbols() []Symbol {
	c.mu.RLock()
	out := make([]Symbol, 0, len(c.byName))
	for _, rec := range c.byName {
		out = append(out, rec.sym)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EnsureMetadata returns the symbol with digits and pip position populated,
// fetching them once when the cache holds only the light entry. Concurrent
// callers for the same name share a single in-flight fetch; each waiter still
// honors its own context.
func (c *Catalog) EnsureMetadata(ctx context.Context, name string) (Symbol, error) {
	key := strings.ToUpper(name)

	c.mu.Lock()
	rec, ok := c.byName[key]
	if !ok {
		c.mu.Unlock()
		return Symbol{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if rec.detailed {
		sym := rec.sym
		c.mu.Unlock()
		return sym, nil
	}
	if fl, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-fl.done:
			return fl.sym, fl.err
		case <-ctx.Done():
			return Symbol{}, ctx.Err()
		}
	}
	fl := &fetchResult{done: make(chan struct{})}
	c.inflight[key] = fl
	light := rec.sym
	c.mu.Unlock()

	sym, err := c.fetchDetail(ctx, light)

	c.mu.Lock()
	delete(c.inflight, key)
	if err == nil {
		// The cache may have been invalidated while the fetch was out; only
		// store into an entry that still exists.
		if cur, ok := c.byName[key]; ok {
			cur.sym = sym
			cur.detailed = true
		}
	}
	c.mu.Unlock()

	fl.sym, fl.err = sym, err
	close(fl.done)
	return sym, err
}

func (c *Catalog) fetchDetail(ctx context.Context, light Symbol) (Symbol, error) {
	f, err := c.session.Request(ctx, openapi.PayloadTypeSymbolByIDReq, map[string]any{
		"ctidTraderAccountId": c.session.AccountID(),
		"symbolId":            []int64{light.ID},
	})
	if err != nil {
		return Symbol{}, fmt.Errorf("symbol %s metadata: %w", light.Name, err)
	}
	for _, m := range f.Messages("symbol") {
		if openapi.MessageInt64(m, "symbolId") != light.ID {
			continue
		}
		light.Digits = int32(openapi.MessageInt64(m, "digits"))
		light.PipPosition = int32(openapi.MessageInt64(m, "pipPosition"))
		return light, nil
	}
	return Symbol{}, fmt.Errorf("%w: id %d missing from metadata response", ErrNotFound, light.ID)
}

// Invalidate drops the cache. It runs on broker disconnect; the Refresh after
// the next account auth repopulates it. EnsureMetadata fetches that are in
// flight fail through their own request errors and are retried by callers.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.byName = make(map[string]*record)
	c.byID = make(map[int64]*record)
	c.mu.Unlock()
	log.Debug().Msg("Symbol catalog invalidated")
}
