// Package httpcache is a download middleware serving repeated requests from an
// in-memory response cache.
package httpcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/crawl-downloader/internal/crawler"
)

// Name is the middleware name used in the order table.
const Name = "httpcache"

// FlagCached marks responses served from the cache.
const FlagCached = "cached"

// MetaDontCache disables caching for a request when set to true.
const MetaDontCache = "dont_cache"

type keyer interface {
	Hex(req *crawler.Request) (string, error)
}

type clock interface {
	Now() time.Time
}

type entry struct {
	resp     crawler.Response
	storedAt time.Time
}

// Cache stores successful responses by request fingerprint. A zero TTL keeps
// entries forever.
type Cache struct {
	keys  keyer
	clock clock
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]entry
}

// New builds a cache.
func New(keys keyer, clk clock, ttl time.Duration) *Cache {
	return &Cache{
		keys:    keys,
		clock:   clk,
		ttl:     ttl,
		entries: make(map[string]entry),
	}
}

// Name implements middleware.Middleware.
func (c *Cache) Name() string { return Name }

// ProcessRequest short-circuits with a fresh cached response.
func (c *Cache) ProcessRequest(_ context.Context, req *crawler.Request, _ crawler.Spider) (crawler.Result, error) {
	if skip(req) {
		return crawler.Result{}, nil
	}
	key, err := c.keys.Hex(req)
	if err != nil {
		return crawler.Result{}, fmt.Errorf("cache key: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return crawler.Result{}, nil
	}
	if c.expired(e) {
		delete(c.entries, key)
		return crawler.Result{}, nil
	}
	resp := e.resp
	resp.Headers = e.resp.Headers.Clone()
	resp.Body = append([]byte(nil), e.resp.Body...)
	resp.Flags = append(append([]string(nil), e.resp.Flags...), FlagCached)
	resp.Request = req
	return crawler.FromResponse(&resp), nil
}

// ProcessResponse stores 2xx responses that did not come from the cache.
func (c *Cache) ProcessResponse(_ context.Context, req *crawler.Request, resp *crawler.Response, _ crawler.Spider) (crawler.Result, error) {
	if resp.HasFlag(FlagCached) || skip(req) || resp.Status < 200 || resp.Status > 299 {
		return crawler.FromResponse(resp), nil
	}
	key, err := c.keys.Hex(req)
	if err != nil {
		return crawler.Result{}, fmt.Errorf("cache key: %w", err)
	}
	stored := *resp
	stored.Headers = resp.Headers.Clone()
	stored.Body = append([]byte(nil), resp.Body...)
	stored.Flags = append([]string(nil), resp.Flags...)
	stored.Request = nil

	c.mu.Lock()
	c.entries[key] = entry{resp: stored, storedAt: c.clock.Now()}
	c.mu.Unlock()
	return crawler.FromResponse(resp), nil
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) expired(e entry) bool {
	return c.ttl > 0 && c.clock.Now().Sub(e.storedAt) >= c.ttl
}

func skip(req *crawler.Request) bool {
	v, ok := req.Meta.Get(MetaDontCache)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}
