// Package dnscache keeps resolved host addresses so the downloader can key
// slots by IP without blocking on DNS.
package dnscache

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

type clock interface {
	Now() time.Time
}

type entry struct {
	addr    string
	expires time.Time
}

// Cache maps hostnames to one resolved address. A zero TTL never expires.
type Cache struct {
	resolver resolver
	clock    clock
	ttl      time.Duration
	logger   *zap.Logger

	mu      sync.RWMutex
	entries map[string]entry
}

// New builds a cache using the default resolver.
func New(clk clock, ttl time.Duration, logger *zap.Logger) *Cache {
	return NewWithResolver(net.DefaultResolver, clk, ttl, logger)
}

// NewWithResolver builds a cache on top of r.
func NewWithResolver(r resolver, clk clock, ttl time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		resolver: r,
		clock:    clk,
		ttl:      ttl,
		logger:   logger,
		entries:  make(map[string]entry),
	}
}

// Get returns the cached address for host. It never performs a lookup.
func (c *Cache) Get(host string) (string, bool) {
	host = strings.ToLower(host)
	c.mu.RLock()
	e, ok := c.entries[host]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	if !e.expires.IsZero() && !c.clock.Now().Before(e.expires) {
		return "", false
	}
	return e.addr, true
}

// Put stores addr for host.
func (c *Cache) Put(host, addr string) {
	e := entry{addr: addr}
	if c.ttl > 0 {
		e.expires = c.clock.Now().Add(c.ttl)
	}
	c.mu.Lock()
	c.entries[strings.ToLower(host)] = e
	c.mu.Unlock()
}

// Resolve returns the cached address for host, looking it up when missing or
// expired. Literal IPs resolve to themselves.
func (c *Cache) Resolve(ctx context.Context, host string) (string, error) {
	if addr, ok := c.Get(host); ok {
		return addr, nil
	}
	if ip := net.ParseIP(host); ip != nil {
		c.Put(host, ip.String())
		return ip.String(), nil
	}
	addrs, err := c.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("resolve %s: no addresses", host)
	}
	addr := addrs[0].IP.String()
	c.Put(host, addr)
	c.logger.Debug("resolved host", zap.String("host", host), zap.String("addr", addr))
	return addr, nil
}

// Len returns the number of cached hosts, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
