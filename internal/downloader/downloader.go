// Package downloader admits requests into per-target slots and hands them to
// the transport, enforcing per-slot concurrency and delay.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-downloader/internal/crawler"
	"github.com/JakeFAU/crawl-downloader/internal/metrics"
	"github.com/JakeFAU/crawl-downloader/internal/middleware"
	"github.com/JakeFAU/crawl-downloader/internal/signals"
)

// ErrClosed is returned by Fetch after Close, and to requests still queued
// when Close runs.
var ErrClosed = errors.New("downloader closed")

// Config holds the downloader's concurrency and delay defaults.
type Config struct {
	TotalConcurrency  int
	DomainConcurrency int
	// IPConcurrency, when positive, keys slots by resolved address and takes
	// precedence over DomainConcurrency.
	IPConcurrency  int
	Delay          time.Duration
	RandomizeDelay bool
	SlotOverrides  map[string]SlotSettings
	GCInterval     time.Duration
	GCAge          time.Duration
}

// Chain runs a request through the download middleware.
type Chain interface {
	Download(ctx context.Context, fetch middleware.FetchFunc, req *crawler.Request, spider crawler.Spider) (crawler.Result, error)
}

// Downloader owns the slots and the global active set.
type Downloader struct {
	cfg       Config
	transport crawler.Transport
	chain     Chain
	clock     crawler.Clock
	emitter   signals.Emitter
	dns       crawler.AddressCache
	logger    *zap.Logger
	random    func() float64

	mu      sync.Mutex
	active  map[*crawler.Request]struct{}
	slots   map[string]*slot
	gcTimer crawler.Timer
	closed  bool

	// onTransfer runs under mu as each request starts transferring.
	onTransfer func(*crawler.Request)
}

// New constructs a Downloader and starts the slot garbage collector. chain,
// emitter, dns and logger may be nil.
func New(
	cfg Config,
	transport crawler.Transport,
	chain Chain,
	clock crawler.Clock,
	emitter signals.Emitter,
	dns crawler.AddressCache,
	logger *zap.Logger,
) (*Downloader, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.TotalConcurrency <= 0 {
		return nil, fmt.Errorf("total concurrency must be positive, got %d", cfg.TotalConcurrency)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if chain == nil {
		chain = middleware.NewManager(logger)
	}
	if emitter == nil {
		emitter = signals.Nop{}
	}
	d := &Downloader{
		cfg:       cfg,
		transport: transport,
		chain:     chain,
		clock:     clock,
		emitter:   emitter,
		dns:       dns,
		logger:    logger.Named("downloader"),
		random:    rand.Float64,
		active:    make(map[*crawler.Request]struct{}),
		slots:     make(map[string]*slot),
	}
	d.mu.Lock()
	d.scheduleGC()
	d.mu.Unlock()
	return d, nil
}

// Fetch downloads req through the middleware chain. The result is a Response,
// or a Request the caller should schedule instead.
func (d *Downloader) Fetch(ctx context.Context, req *crawler.Request, spider crawler.Spider) (crawler.Result, error) {
	if req == nil {
		return crawler.Result{}, fmt.Errorf("fetch: nil request")
	}
	if req.Meta == nil {
		req.Meta = crawler.NewMeta()
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return crawler.Result{}, ErrClosed
	}
	d.active[req] = struct{}{}
	metrics.SetActiveRequests(len(d.active))
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.active, req)
		metrics.SetActiveRequests(len(d.active))
		d.mu.Unlock()
	}()
	return d.chain.Download(ctx, d.enqueue, req, spider)
}

// NeedsBackout reports whether the scheduler should stop issuing requests.
// It is advisory; Fetch never blocks on the global limit.
func (d *Downloader) NeedsBackout() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active) >= d.cfg.TotalConcurrency
}

// ActiveCount returns the size of the global active set.
func (d *Downloader) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// SlotKey returns the routing key for req: the download_slot meta value when
// set, otherwise the hostname, or its cached address when per-IP concurrency
// is configured.
func (d *Downloader) SlotKey(req *crawler.Request) string {
	if key, ok := req.Meta.GetString(crawler.MetaDownloadSlot); ok {
		return key
	}
	key := req.Hostname()
	if d.cfg.IPConcurrency > 0 && d.dns != nil {
		if addr, ok := d.dns.Get(key); ok {
			key = addr
		}
	}
	return key
}

// Slots returns a snapshot of every slot, sorted by key.
func (d *Downloader) Slots() []SlotSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]SlotSnapshot, 0, len(d.slots))
	for _, s := range d.slots {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Close stops the slot collector, cancels pending delay timers and fails
// requests that are still queued. Transfers in flight run to completion.
func (d *Downloader) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	if d.gcTimer != nil {
		d.gcTimer.Stop()
		d.gcTimer = nil
	}
	var failed []*queued
	for _, s := range d.slots {
		s.close()
		for _, q := range s.queue {
			delete(s.active, q.req)
			failed = append(failed, q)
		}
		s.queue = nil
	}
	d.mu.Unlock()

	for _, q := range failed {
		d.emitLeft(q, ErrClosed)
		q.done <- outcome{err: ErrClosed}
	}
	d.logger.Debug("downloader closed", zap.Int("failed_queued", len(failed)))
}

// enqueue is the terminal step of the middleware chain.
func (d *Downloader) enqueue(ctx context.Context, req *crawler.Request, spider crawler.Spider) (*crawler.Response, error) {
	key := d.SlotKey(req)
	q := &queued{ctx: ctx, req: req, spider: spider, done: make(chan outcome, 1)}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	s := d.slotFor(key, spider)
	req.Meta.Set(crawler.MetaDownloadSlot, key)
	s.active[req] = struct{}{}
	d.emit(signals.RequestReachedDownloader, req, spider, key)
	s.queue = append(s.queue, q)
	d.processQueue(s)
	d.mu.Unlock()

	select {
	case out := <-q.done:
		return out.resp, out.err
	case <-ctx.Done():
	}

	d.mu.Lock()
	removed := s.remove(q)
	d.mu.Unlock()
	if removed {
		err := fmt.Errorf("wait for slot %q: %w", key, ctx.Err())
		d.emitLeft(q, err)
		return nil, err
	}
	// Already transferring; the transport observes the same context.
	out := <-q.done
	return out.resp, out.err
}

// slotFor returns the slot for key, creating it with the configured defaults.
// Caller holds mu.
func (d *Downloader) slotFor(key string, spider crawler.Spider) *slot {
	if s, ok := d.slots[key]; ok {
		return s
	}
	concurrency := d.defaultConcurrency()
	delay := d.cfg.Delay
	randomize := d.cfg.RandomizeDelay
	var throttle *bool
	if capper, ok := spider.(crawler.ConcurrencyCapper); ok && capper.MaxConcurrentRequests() > 0 {
		concurrency = capper.MaxConcurrentRequests()
	}
	if delayer, ok := spider.(crawler.DownloadDelayer); ok {
		delay = delayer.DownloadDelay()
	}
	if o, ok := d.cfg.SlotOverrides[key]; ok {
		if o.Concurrency != nil {
			concurrency = *o.Concurrency
		}
		if o.Delay != nil {
			delay = *o.Delay
		}
		if o.RandomizeDelay != nil {
			randomize = *o.RandomizeDelay
		}
		throttle = o.Throttle
	}
	s := newSlot(key, concurrency, delay, randomize, throttle)
	d.slots[key] = s
	metrics.SetSlots(len(d.slots))
	d.logger.Debug("slot created",
		zap.String("slot", key),
		zap.Int("concurrency", s.concurrency),
		zap.Duration("delay", s.delay),
		zap.Bool("randomize_delay", s.randomizeDelay),
	)
	return s
}

func (d *Downloader) defaultConcurrency() int {
	switch {
	case d.cfg.IPConcurrency > 0:
		return d.cfg.IPConcurrency
	case d.cfg.DomainConcurrency > 0:
		return d.cfg.DomainConcurrency
	default:
		return d.cfg.TotalConcurrency
	}
}

// processQueue dispatches queued requests that the slot's capacity and delay
// allow. With a delay configured at most one request leaves per call, and the
// recursive call arms the timer for the next one. Caller holds mu.
func (d *Downloader) processQueue(s *slot) {
	if s.closed || s.laterCall != nil {
		return
	}
	now := d.clock.Now()
	delay := s.downloadDelay(d.random)
	if delay > 0 {
		if penalty := delay - now.Sub(s.lastSeen); penalty > 0 {
			metrics.ObserveDelayWait(penalty)
			s.laterCall = d.clock.AfterFunc(penalty, func() { d.delayElapsed(s) })
			return
		}
	}
	for len(s.queue) > 0 && s.freeTransferSlots() > 0 {
		s.lastSeen = now
		q := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		d.startTransfer(s, q)
		if delay > 0 {
			d.processQueue(s)
			break
		}
	}
}

func (d *Downloader) delayElapsed(s *slot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s.laterCall = nil
	d.processQueue(s)
}

// startTransfer moves q from waiting to transferring. Caller holds mu.
func (d *Downloader) startTransfer(s *slot, q *queued) {
	delete(s.active, q.req)
	s.transferring[q.req] = struct{}{}
	if d.onTransfer != nil {
		d.onTransfer(q.req)
	}
	go d.transfer(s, q)
}

func (d *Downloader) transfer(s *slot, q *queued) {
	start := d.clock.Now()
	resp, err := d.transport.DownloadRequest(q.ctx, q.req, q.spider)
	if err == nil && resp != nil {
		d.emitResponse(q, s.key, resp, d.clock.Now().Sub(start))
	}

	d.mu.Lock()
	delete(s.transferring, q.req)
	d.processQueue(s)
	d.mu.Unlock()

	d.emitLeft(q, err)
	q.done <- outcome{resp: resp, err: err}
}

// scheduleGC arms the next collection pass. Caller holds mu.
func (d *Downloader) scheduleGC() {
	if d.cfg.GCInterval <= 0 || d.closed {
		return
	}
	d.gcTimer = d.clock.AfterFunc(d.cfg.GCInterval, d.collectSlots)
}

// collectSlots removes idle slots whose last dispatch plus delay is older
// than the GC age.
func (d *Downloader) collectSlots() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	cutoff := d.clock.Now().Add(-d.cfg.GCAge)
	removed := 0
	for key, s := range d.slots {
		if s.idle() && s.lastSeen.Add(s.delay).Before(cutoff) {
			s.close()
			delete(d.slots, key)
			removed++
		}
	}
	if removed > 0 {
		metrics.IncSlotsCollected(removed)
		metrics.SetSlots(len(d.slots))
		d.logger.Debug("collected idle slots", zap.Int("removed", removed), zap.Int("remaining", len(d.slots)))
	}
	d.scheduleGC()
}

func (d *Downloader) emit(sig signals.Signal, req *crawler.Request, spider crawler.Spider, key string) {
	d.emitter.Emit(signals.Event{
		Signal:    sig,
		RequestID: req.ID,
		TS:        d.clock.Now().UTC(),
		Spider:    crawler.SpiderName(spider),
		Slot:      key,
		Method:    req.Method,
		URL:       req.URL,
	})
}

func (d *Downloader) emitResponse(q *queued, key string, resp *crawler.Response, dur time.Duration) {
	d.emitter.Emit(signals.Event{
		Signal:      signals.ResponseDownloaded,
		RequestID:   q.req.ID,
		TS:          d.clock.Now().UTC(),
		Spider:      crawler.SpiderName(q.spider),
		Slot:        key,
		Method:      q.req.Method,
		URL:         resp.URL,
		Status:      resp.Status,
		StatusClass: signals.ClassifyStatus(resp.Status),
		Bytes:       int64(len(resp.Body)),
		Dur:         dur,
	})
}

func (d *Downloader) emitLeft(q *queued, err error) {
	key, _ := q.req.Meta.GetString(crawler.MetaDownloadSlot)
	evt := signals.Event{
		Signal:    signals.RequestLeftDownloader,
		RequestID: q.req.ID,
		TS:        d.clock.Now().UTC(),
		Spider:    crawler.SpiderName(q.spider),
		Slot:      key,
		Method:    q.req.Method,
		URL:       q.req.URL,
	}
	if err != nil {
		evt.Note = err.Error()
	}
	d.emitter.Emit(evt)
}
