// Package dupefilter tracks request fingerprints so the scheduler can drop
// requests that were already issued, optionally across runs.
package dupefilter

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-downloader/internal/crawler"
	"github.com/JakeFAU/crawl-downloader/internal/metrics"
)

// Store persists fingerprints. Implementations only ever append.
type Store interface {
	// Load returns every fingerprint recorded so far.
	Load(ctx context.Context) ([]string, error)
	// Append durably records a new fingerprint.
	Append(ctx context.Context, fp string) error
	Close() error
}

// Config controls logging behavior of the filter.
type Config struct {
	// Debug logs every filtered duplicate instead of only the first one.
	Debug bool
}

// Filter is the seen-set of request fingerprints.
type Filter struct {
	fingerprinter crawler.Fingerprinter
	store         Store
	logger        *zap.Logger
	debug         bool

	mu          sync.Mutex
	seen        map[string]struct{}
	logDupes    bool
	storeClosed bool
}

// New builds a filter. store may be nil for a memory-only filter.
func New(fp crawler.Fingerprinter, store Store, logger *zap.Logger, cfg Config) (*Filter, error) {
	if fp == nil {
		return nil, fmt.Errorf("fingerprinter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Filter{
		fingerprinter: fp,
		store:         store,
		logger:        logger,
		debug:         cfg.Debug,
		seen:          make(map[string]struct{}),
		logDupes:      true,
	}, nil
}

// Open loads persisted fingerprints into memory.
func (f *Filter) Open(ctx context.Context) error {
	if f.store == nil {
		return nil
	}
	fps, err := f.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load fingerprints: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fp := range fps {
		f.seen[fp] = struct{}{}
	}
	f.logger.Debug("dupefilter opened", zap.Int("fingerprints", len(f.seen)))
	return nil
}

// Seen reports whether an equivalent request was recorded before. A request
// that was not seen is recorded, on the store first and then in memory.
func (f *Filter) Seen(ctx context.Context, req *crawler.Request) (bool, error) {
	raw, err := f.fingerprinter.Fingerprint(req)
	if err != nil {
		return false, fmt.Errorf("fingerprint request: %w", err)
	}
	fp := hex.EncodeToString(raw)

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seen[fp]; ok {
		return true, nil
	}
	if f.store != nil {
		if err := f.store.Append(ctx, fp); err != nil {
			return false, fmt.Errorf("persist fingerprint: %w", err)
		}
	}
	f.seen[fp] = struct{}{}
	return false, nil
}

// Len returns the number of recorded fingerprints.
func (f *Filter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

// Log records that req was dropped as a duplicate.
func (f *Filter) Log(req *crawler.Request, spider crawler.Spider) {
	metrics.IncFiltered(crawler.SpiderName(spider))
	if f.debug {
		f.logger.Debug("filtered duplicate request",
			zap.String("request", req.String()),
			zap.String("referer", referer(req)),
			zap.String("spider", crawler.SpiderName(spider)),
		)
		return
	}

	f.mu.Lock()
	first := f.logDupes
	f.logDupes = false
	f.mu.Unlock()
	if first {
		f.logger.Debug("filtered duplicate request; no more duplicates will be shown (enable dupefilter debug to see all)",
			zap.String("request", req.String()),
			zap.String("spider", crawler.SpiderName(spider)),
		)
	}
}

// Close releases the store. reason is logged for context.
func (f *Filter) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logger.Debug("dupefilter closed", zap.String("reason", reason), zap.Int("fingerprints", len(f.seen)))
	if f.store == nil || f.storeClosed {
		return nil
	}
	f.storeClosed = true
	if err := f.store.Close(); err != nil {
		return fmt.Errorf("close fingerprint store: %w", err)
	}
	return nil
}

func referer(req *crawler.Request) string {
	if req == nil || req.Headers == nil {
		return ""
	}
	return req.Headers.Get("Referer")
}
